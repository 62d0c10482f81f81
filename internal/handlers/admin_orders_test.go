package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/services"
)

type stubTokenVerifier struct {
	tokens map[string]*firebaseauth.Token
}

func (s stubTokenVerifier) VerifyIDToken(_ context.Context, token string) (*firebaseauth.Token, error) {
	if tok, ok := s.tokens[token]; ok {
		return tok, nil
	}
	return nil, auth.ErrTokenInvalid
}

func TestAdminOrderHandlersTransition(t *testing.T) {
	verifier := stubTokenVerifier{tokens: map[string]*firebaseauth.Token{
		"staff":    {UID: "staff-1", Claims: map[string]any{"role": "staff"}},
		"customer": {UID: "u-1", Claims: map[string]any{}},
	}}
	var captured services.OrderStatusTransitionCommand
	service := &stubOrderService{
		transitionFunc: func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
			captured = cmd
			if cmd.TargetStatus == domain.OrderStatusShipped {
				return services.Order{}, fmt.Errorf("%w: pending_payment -> shipped", services.ErrOrderInvalidTransition)
			}
			order := sampleOrder(domain.UserOwner("u-1"))
			order.Status = cmd.TargetStatus
			return order, nil
		},
	}
	router := chi.NewRouter()
	router.Route("/admin", NewAdminOrderHandlers(auth.NewAuthenticator(verifier), service).Routes)

	send := func(token, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/admin/orders/ord_01:transition", bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+token)
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	rr := send("staff", `{"status":"PAID","transaction_ref":"pi_1"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.OrderID != "ord_01" || captured.TargetStatus != domain.OrderStatusPaid || captured.TransactionRef != "pi_1" || captured.ActorID != "staff-1" {
		t.Fatalf("unexpected command %+v", captured)
	}

	if rr := send("staff", `{"status":"shipped"}`); rr.Code != http.StatusConflict {
		t.Fatalf("expected 409 for skipped status, got %d", rr.Code)
	}
	if rr := send("staff", `{}`); rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without status, got %d", rr.Code)
	}
	if rr := send("customer", `{"status":"paid"}`); rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for customers, got %d", rr.Code)
	}
}
