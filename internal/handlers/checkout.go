package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// CheckoutHandlers turns the owner's cart into an order.
type CheckoutHandlers struct {
	authn       *auth.Authenticator
	checkout    services.CheckoutService
	idempotency func(http.Handler) http.Handler
}

// CheckoutOption customises CheckoutHandlers.
type CheckoutOption func(*CheckoutHandlers)

// WithCheckoutIdempotency wraps POST /checkout. The middleware runs after the
// owner is resolved so keys are scoped per owner.
func WithCheckoutIdempotency(mw func(http.Handler) http.Handler) CheckoutOption {
	return func(h *CheckoutHandlers) { h.idempotency = mw }
}

// NewCheckoutHandlers constructs the checkout handlers.
func NewCheckoutHandlers(authn *auth.Authenticator, checkout services.CheckoutService, opts ...CheckoutOption) *CheckoutHandlers {
	h := &CheckoutHandlers{
		authn:    authn,
		checkout: checkout,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers POST /checkout.
func (h *CheckoutHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.ResolveOwner())
	}
	if h.idempotency != nil {
		r.With(h.idempotency).Post("/", h.placeOrder)
		return
	}
	r.Post("/", h.placeOrder)
}

type checkoutRequest struct {
	AddressID      string `json:"address_id"`
	TransactionRef string `json:"transaction_ref"`
}

func (h *CheckoutHandlers) placeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if herr := httpx.DecodeJSON(r, &req); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}

	order, err := h.checkout.Checkout(ctx, services.CheckoutCommand{
		Owner:          owner,
		AddressID:      strings.TrimSpace(req.AddressID),
		TransactionRef: strings.TrimSpace(req.TransactionRef),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	w.Header().Set("Location", "/api/v1/orders/"+order.ID)
	noStore(w)
	writeJSONResponse(w, http.StatusCreated, orderResponse{Order: buildOrderPayload(order)})
}

func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var (
		aborted  *services.CheckoutAbortedError
		raceLost *services.CheckoutRaceLostError
	)
	switch {
	case errors.As(err, &aborted):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_aborted", "cart changed during reconciliation; review it and retry", http.StatusConflict).
			WithDetails(map[string]any{"adjusted_lines": buildAdjustmentPayloads(aborted.Adjustments)}))
	case errors.As(err, &raceLost):
		lines := make([]map[string]any, 0, len(raceLost.Lines))
		for _, line := range raceLost.Lines {
			lines = append(lines, map[string]any{
				"product_id": line.ProductID,
				"requested":  line.Requested,
				"available":  line.Available,
			})
		}
		details := map[string]any{"lines": lines}
		if len(raceLost.Adjustments) > 0 {
			details["adjusted_lines"] = buildAdjustmentPayloads(raceLost.Adjustments)
		}
		httpx.WriteError(ctx, w, httpx.NewError("checkout_race_lost", "stock was claimed by another checkout", http.StatusConflict).
			WithDetails(details))
	case errors.Is(err, services.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "cart is empty", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrAddressNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("address_not_found", "shipping address not found", http.StatusUnprocessableEntity))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("checkout_unavailable", "checkout service is unavailable", http.StatusServiceUnavailable))
	default:
		writeCartError(ctx, w, err)
	}
}
