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
	"github.com/hanko-field/storefront/internal/platform/pagination"
	"github.com/hanko-field/storefront/internal/services"
)

type stubOrderService struct {
	getFunc        func(ctx context.Context, owner services.CartOwner, orderID string) (services.Order, error)
	listFunc       func(ctx context.Context, owner services.CartOwner, pager services.Pagination) (domain.CursorPage[services.Order], error)
	transitionFunc func(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error)
	cancelFunc     func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, owner services.CartOwner, orderID string) (services.Order, error) {
	if s.getFunc != nil {
		return s.getFunc(ctx, owner, orderID)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListOrders(ctx context.Context, owner services.CartOwner, pager services.Pagination) (domain.CursorPage[services.Order], error) {
	if s.listFunc != nil {
		return s.listFunc(ctx, owner, pager)
	}
	return domain.CursorPage[services.Order]{}, errors.New("not implemented")
}

func (s *stubOrderService) TransitionStatus(ctx context.Context, cmd services.OrderStatusTransitionCommand) (services.Order, error) {
	if s.transitionFunc != nil {
		return s.transitionFunc(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) Cancel(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
	if s.cancelFunc != nil {
		return s.cancelFunc(ctx, cmd)
	}
	return services.Order{}, errors.New("not implemented")
}

func newOrderRouter(h *OrderHandlers) chi.Router {
	router := chi.NewRouter()
	router.Route("/orders", h.Routes)
	return router
}

func TestOrderHandlersListOrders(t *testing.T) {
	owner := domain.UserOwner("u-1")
	var captured services.Pagination
	service := &stubOrderService{
		listFunc: func(ctx context.Context, got services.CartOwner, pager services.Pagination) (domain.CursorPage[services.Order], error) {
			if got != owner {
				t.Fatalf("unexpected owner %v", got)
			}
			captured = pager
			return domain.CursorPage[services.Order]{Items: []services.Order{sampleOrder(owner)}, NextPageToken: "next"}, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, service))

	token, err := pagination.EncodeTimeCursor(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "ord_00")
	if err != nil {
		t.Fatalf("EncodeTimeCursor: %v", err)
	}
	req := withOwner(httptest.NewRequest(http.MethodGet, "/orders?page_size=500&page_token="+token, nil), owner)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.PageSize != maxOrderPageSize || captured.PageToken != token {
		t.Fatalf("unexpected pagination %+v", captured)
	}
	var resp orderListResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Total != 1300 || resp.NextPageToken != "next" {
		t.Fatalf("unexpected list response %+v", resp)
	}

	req = withOwner(httptest.NewRequest(http.MethodGet, "/orders?page_size=ten", nil), owner)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad page size, got %d", rr.Code)
	}

	req = withOwner(httptest.NewRequest(http.MethodGet, "/orders?page_token=abc", nil), owner)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for malformed page token, got %d", rr.Code)
	}
}

func TestOrderHandlersGetOrderNotFound(t *testing.T) {
	service := &stubOrderService{
		getFunc: func(ctx context.Context, owner services.CartOwner, orderID string) (services.Order, error) {
			return services.Order{}, fmt.Errorf("%w: %s", services.ErrOrderNotFound, orderID)
		},
	}
	req := withOwner(httptest.NewRequest(http.MethodGet, "/orders/ord_x", nil), domain.UserOwner("u-1"))
	rr := httptest.NewRecorder()
	newOrderRouter(NewOrderHandlers(nil, service)).ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rr.Code)
	}
	if body := decodeBody(t, rr); body["error"] != "order_not_found" {
		t.Fatalf("unexpected error %v", body["error"])
	}
}

func TestOrderHandlersGetOrder(t *testing.T) {
	paid := time.Date(2024, 6, 2, 0, 0, 0, 0, time.UTC)
	service := &stubOrderService{
		getFunc: func(ctx context.Context, owner services.CartOwner, orderID string) (services.Order, error) {
			order := sampleOrder(owner)
			order.ID = orderID
			order.Status = domain.OrderStatusPaid
			order.PaidAt = &paid
			order.TransactionRef = "pi_1"
			return order, nil
		},
	}
	req := withOwner(httptest.NewRequest(http.MethodGet, "/orders/ord_7", nil), domain.SessionOwner("s-1"))
	rr := httptest.NewRecorder()
	newOrderRouter(NewOrderHandlers(nil, service)).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var resp orderResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Order.ID != "ord_7" || resp.Order.PaidAt != "2024-06-02T00:00:00Z" || resp.Order.TransactionRef != "pi_1" {
		t.Fatalf("unexpected order %+v", resp.Order)
	}
	if resp.Order.ShippingAddress.City != "Tokyo" {
		t.Fatalf("expected address snapshot, got %+v", resp.Order.ShippingAddress)
	}
}

func TestOrderHandlersCancelOrder(t *testing.T) {
	owner := domain.UserOwner("u-1")
	var captured services.CancelOrderCommand
	service := &stubOrderService{
		cancelFunc: func(ctx context.Context, cmd services.CancelOrderCommand) (services.Order, error) {
			captured = cmd
			if cmd.OrderID == "ord_done" {
				return services.Order{}, fmt.Errorf("%w: delivered -> cancelled", services.ErrOrderInvalidTransition)
			}
			order := sampleOrder(owner)
			order.Status = domain.OrderStatusCancelled
			return order, nil
		},
	}
	router := newOrderRouter(NewOrderHandlers(nil, service))

	req := withOwner(httptest.NewRequest(http.MethodPost, "/orders/ord_01:cancel", bytes.NewBufferString(`{"reason":"changed my mind"}`)), owner)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Owner != owner || captured.OrderID != "ord_01" || captured.Reason != "changed my mind" || captured.ActorID != "user:u-1" {
		t.Fatalf("unexpected command %+v", captured)
	}

	req = withOwner(httptest.NewRequest(http.MethodPost, "/orders/ord_done:cancel", nil), owner)
	rr = httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
}
