package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/idempotency"
	"github.com/hanko-field/storefront/internal/services"
)

type stubCheckoutService struct {
	checkoutFunc func(ctx context.Context, cmd services.CheckoutCommand) (services.Order, error)
	calls        int
}

func (s *stubCheckoutService) Checkout(ctx context.Context, cmd services.CheckoutCommand) (services.Order, error) {
	s.calls++
	if s.checkoutFunc != nil {
		return s.checkoutFunc(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func newCheckoutRouter(h *CheckoutHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/checkout", h.Routes)
	return router
}

func sampleOrder(owner domain.CartOwner) services.Order {
	created := time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC)
	return services.Order{
		ID:       "ord_01",
		Owner:    owner,
		Status:   domain.OrderStatusPendingPayment,
		Currency: "JPY",
		Lines: []services.OrderLine{
			{ProductID: "p-1", Name: "Pen", UnitPrice: 500, Quantity: 2, Subtotal: 1000},
		},
		Totals:          services.OrderTotals{Subtotal: 1000, Shipping: 300, Total: 1300, ItemCount: 2},
		ShippingAddress: services.AddressSnapshot{Recipient: "Hanako", Line1: "1-1", City: "Tokyo", PostalCode: "100-0001", Country: "JP"},
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestCheckoutHandlersPlaceOrder(t *testing.T) {
	owner := domain.UserOwner("u-1")
	var captured services.CheckoutCommand
	service := &stubCheckoutService{
		checkoutFunc: func(ctx context.Context, cmd services.CheckoutCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(cmd.Owner), nil
		},
	}

	req := withOwner(httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString(`{"address_id":" addr-1 ","transaction_ref":"pi_1"}`)), owner)
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	newCheckoutRouter(NewCheckoutHandlers(nil, service)).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Owner != owner || captured.AddressID != "addr-1" || captured.TransactionRef != "pi_1" {
		t.Fatalf("unexpected command %+v", captured)
	}
	if loc := rr.Header().Get("Location"); loc != "/api/v1/orders/ord_01" {
		t.Fatalf("unexpected location %q", loc)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order.Totals.Total != 1300 || resp.Order.Status != "pending_payment" || len(resp.Order.Lines) != 1 {
		t.Fatalf("unexpected order payload %+v", resp.Order)
	}
}

func TestCheckoutHandlersEmptyBodyUsesDefaultAddress(t *testing.T) {
	var captured services.CheckoutCommand
	service := &stubCheckoutService{
		checkoutFunc: func(ctx context.Context, cmd services.CheckoutCommand) (services.Order, error) {
			captured = cmd
			return sampleOrder(cmd.Owner), nil
		},
	}
	req := withOwner(httptest.NewRequest(http.MethodPost, "/checkout", nil), domain.SessionOwner("s-1"))
	rr := httptest.NewRecorder()
	newCheckoutRouter(NewCheckoutHandlers(nil, service)).ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.AddressID != "" {
		t.Fatalf("expected empty address id, got %q", captured.AddressID)
	}
}

func TestWriteCheckoutErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
		check  func(t *testing.T, body map[string]any)
	}{
		{
			name:   "aborted",
			err:    &services.CheckoutAbortedError{Adjustments: []services.CartAdjustment{{ProductID: "p-1", Kind: domain.AdjustmentClamped, PreviousQuantity: 3, Quantity: 1, Available: 1}}},
			status: http.StatusConflict,
			code:   "checkout_aborted",
			check: func(t *testing.T, body map[string]any) {
				lines, ok := body["adjusted_lines"].([]any)
				if !ok || len(lines) != 1 {
					t.Fatalf("expected adjusted_lines, got %v", body["adjusted_lines"])
				}
				line := lines[0].(map[string]any)
				if line["product_id"] != "p-1" || line["quantity"] != float64(1) || line["kind"] != "adjusted" {
					t.Fatalf("unexpected adjusted line %v", line)
				}
			},
		},
		{
			name:   "race lost",
			err: &services.CheckoutRaceLostError{
				Lines: []services.StockShortfall{{ProductID: "p-1", Requested: 1, Available: 0}},
				Adjustments: []services.CartAdjustment{{
					ProductID: "p-1", Kind: domain.AdjustmentRemoved, Reason: domain.AdjustmentReasonOutOfStock, PreviousQuantity: 1,
				}},
			},
			status: http.StatusConflict,
			code:   "checkout_race_lost",
			check: func(t *testing.T, body map[string]any) {
				if lines, ok := body["lines"].([]any); !ok || len(lines) != 1 {
					t.Fatalf("expected shortfall lines, got %v", body["lines"])
				}
				adjusted, ok := body["adjusted_lines"].([]any)
				if !ok || len(adjusted) != 1 {
					t.Fatalf("expected reconciled lines, got %v", body["adjusted_lines"])
				}
				if line := adjusted[0].(map[string]any); line["kind"] != "removed" {
					t.Fatalf("unexpected reconciled line %v", line)
				}
			},
		},
		{name: "empty", err: services.ErrEmptyCart, status: http.StatusUnprocessableEntity, code: "empty_cart"},
		{name: "address", err: services.ErrAddressNotFound, status: http.StatusUnprocessableEntity, code: "address_not_found"},
		{name: "invalid", err: services.ErrCheckoutInvalidInput, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unavailable", err: fmt.Errorf("%w: deadline", services.ErrCheckoutUnavailable), status: http.StatusServiceUnavailable, code: "checkout_unavailable"},
		{name: "cart error passthrough", err: services.ErrCartUnavailable, status: http.StatusServiceUnavailable, code: "cart_service_unavailable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			writeCheckoutError(context.Background(), rr, tc.err)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
			body := decodeBody(t, rr)
			if body["error"] != tc.code {
				t.Fatalf("expected %s, got %v", tc.code, body["error"])
			}
			if tc.check != nil {
				tc.check(t, body)
			}
		})
	}
}

func TestCheckoutHandlersReplayWithIdempotencyKey(t *testing.T) {
	service := &stubCheckoutService{
		checkoutFunc: func(ctx context.Context, cmd services.CheckoutCommand) (services.Order, error) {
			return sampleOrder(cmd.Owner), nil
		},
	}
	mw := idempotency.Middleware(idempotency.NewMemoryStore())
	router := newCheckoutRouter(NewCheckoutHandlers(nil, service, WithCheckoutIdempotency(mw)))
	owner := domain.UserOwner("u-1")

	send := func() *httptest.ResponseRecorder {
		req := withOwner(httptest.NewRequest(http.MethodPost, "/checkout", bytes.NewBufferString(`{}`)), owner)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", "key-1")
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, req)
		return rr
	}

	first := send()
	if first.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", first.Code, first.Body.String())
	}
	second := send()
	if second.Code != http.StatusCreated {
		t.Fatalf("expected replayed 201, got %d", second.Code)
	}
	if second.Header().Get("X-Idempotent-Replay") != "true" {
		t.Fatalf("expected replay header")
	}
	if service.calls != 1 {
		t.Fatalf("expected checkout to run once, ran %d times", service.calls)
	}
	if first.Body.String() != second.Body.String() {
		t.Fatalf("replayed body differs: %s vs %s", first.Body.String(), second.Body.String())
	}
}
