package handlers

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/storefront/internal/domain"
	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

// CartHandlers exposes the owner's cart. The owner is a Firebase user or an anonymous session.
type CartHandlers struct {
	authn    *auth.Authenticator
	carts    services.CartService
	sessions auth.SessionVerifier
}

// CartOption customises CartHandlers.
type CartOption func(*CartHandlers)

// WithCartSessionVerifier enables POST /cart/merge, which needs to verify the
// session token sent next to the bearer token.
func WithCartSessionVerifier(v auth.SessionVerifier) CartOption {
	return func(h *CartHandlers) { h.sessions = v }
}

// NewCartHandlers constructs handlers resolving the cart owner before invoking the cart service.
func NewCartHandlers(authn *auth.Authenticator, carts services.CartService, opts ...CartOption) *CartHandlers {
	h := &CartHandlers{
		authn: authn,
		carts: carts,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes wires the /cart endpoints onto the provided router.
func (h *CartHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.ResolveOwner())
	}
	r.Get("/", h.getCart)
	r.Post("/items", h.addItem)
	r.Post("/items/{lineRef}", h.changeQuantity)
	r.Delete("/items/{lineID}", h.removeItem)
	r.Post("/merge", h.mergeSessionCart)
}

func (h *CartHandlers) getCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	view, err := h.carts.View(ctx, owner)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	setCartResponseHeaders(w, view)
	writeJSONResponse(w, http.StatusOK, cartResponse{Cart: buildCartPayload(view)})
}

type addItemRequest struct {
	ProductID string          `json:"product_id"`
	Quantity  json.RawMessage `json:"quantity"`
}

func (h *CartHandlers) addItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req addItemRequest
	if herr := httpx.DecodeJSON(r, &req); herr != nil {
		httpx.WriteError(ctx, w, *herr)
		return
	}
	productID := strings.TrimSpace(req.ProductID)
	if productID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "product_id is required", http.StatusBadRequest))
		return
	}

	result, err := h.carts.AddOrIncrement(ctx, services.AddToCartCommand{
		Owner:     owner,
		ProductID: productID,
		Quantity:  rawQuantity(req.Quantity),
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	noStore(w)
	writeJSONResponse(w, http.StatusOK, lineResponse{Line: buildLinePayload(result)})
}

func (h *CartHandlers) changeQuantity(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	lineID, direction, ok := parseLineAction(chi.URLParam(r, "lineRef"))
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError(errorNotFoundCode, fmt.Sprintf("no route for %s", r.URL.Path), http.StatusNotFound))
		return
	}

	result, err := h.carts.ChangeQuantity(ctx, services.ChangeQuantityCommand{
		Owner:     owner,
		LineID:    lineID,
		Direction: direction,
	})
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	noStore(w)
	writeJSONResponse(w, http.StatusOK, lineResponse{Line: buildLinePayload(result)})
}

func (h *CartHandlers) removeItem(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	lineID := strings.TrimSpace(chi.URLParam(r, "lineID"))
	if err := h.carts.RemoveLine(ctx, owner, lineID); err != nil {
		writeCartError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// mergeSessionCart moves the anonymous cart named by the session header into the signed-in user's cart.
func (h *CartHandlers) mergeSessionCart(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.carts == nil || h.sessions == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart merge is unavailable", http.StatusServiceUnavailable))
		return
	}
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	if owner.IsAnonymous() {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "sign in before merging a session cart", http.StatusUnauthorized))
		return
	}

	token := strings.TrimSpace(r.Header.Get(h.authn.SessionHeader()))
	if token == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", h.authn.SessionHeader()+" header is required", http.StatusBadRequest))
		return
	}
	sessionID, err := h.sessions.Verify(token)
	if err != nil {
		code := "invalid_session"
		if errors.Is(err, auth.ErrSessionExpired) {
			code = "session_expired"
		}
		httpx.WriteError(ctx, w, httpx.NewError(code, "session token rejected", http.StatusBadRequest))
		return
	}

	result, err := h.carts.MergeSessionCart(ctx, domain.SessionOwner(sessionID), owner)
	if err != nil {
		writeCartError(ctx, w, err)
		return
	}

	lines := make([]linePayload, 0, len(result.Merged))
	for _, merged := range result.Merged {
		lines = append(lines, buildLinePayload(merged))
	}
	noStore(w)
	writeJSONResponse(w, http.StatusOK, mergeResponse{
		Merged:      lines,
		Adjustments: buildAdjustmentPayloads(result.Adjustments),
	})
}

func writeCartError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	var stockErr *services.InsufficientStockError
	switch {
	case errors.As(err, &stockErr):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "requested quantity exceeds available stock", http.StatusConflict).
			WithDetails(map[string]any{
				"product_id":   stockErr.ProductID,
				"requested":    stockErr.Requested,
				"available":    stockErr.Available,
				"already_held": stockErr.AlreadyHeld,
			}))
	case errors.Is(err, services.ErrProductUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("product_unavailable", "product is not available", http.StatusConflict))
	case errors.Is(err, services.ErrLineNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("line_not_found", "cart line not found", http.StatusNotFound))
	case errors.Is(err, services.ErrCartInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCartUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("cart_service_unavailable", "cart service is unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("cart_error", "failed to update cart", http.StatusInternalServerError))
	}
}

// parseLineAction splits "<lineId>:increment" and "<lineId>:decrement".
func parseLineAction(ref string) (string, services.QuantityDirection, bool) {
	idx := strings.LastIndex(ref, ":")
	if idx <= 0 {
		return "", "", false
	}
	lineID := strings.TrimSpace(ref[:idx])
	switch services.QuantityDirection(ref[idx+1:]) {
	case services.QuantityIncrement:
		return lineID, services.QuantityIncrement, lineID != ""
	case services.QuantityDecrement:
		return lineID, services.QuantityDecrement, lineID != ""
	default:
		return "", "", false
	}
}

// rawQuantity hands the quantity to the service as the client wrote it, so
// 2, "2" and "two" all reach the same coercion rules.
func rawQuantity(raw json.RawMessage) string {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return ""
	}
	if unquoted, err := strconv.Unquote(trimmed); err == nil {
		return unquoted
	}
	return trimmed
}

func setCartResponseHeaders(w http.ResponseWriter, view services.CartView) {
	noStore(w)
	if !view.UpdatedAt.IsZero() {
		w.Header().Set("Last-Modified", view.UpdatedAt.UTC().Format(http.TimeFormat))
	}
	if etag := buildCartETag(view); etag != "" {
		w.Header().Set("ETag", etag)
	}
}

func buildCartETag(view services.CartView) string {
	if view.CartID == "" {
		return ""
	}
	hasher := sha256.New()
	fmt.Fprintf(hasher, "%s|%d|%d", view.CartID, view.UpdatedAt.UnixNano(), view.Subtotal)
	for _, line := range view.Lines {
		fmt.Fprintf(hasher, "|%s:%d", line.ProductID, line.Quantity)
	}
	return `W/"` + hex.EncodeToString(hasher.Sum(nil))[:32] + `"`
}

func buildCartPayload(view services.CartView) cartPayload {
	payload := cartPayload{
		ID:          view.CartID,
		Owner:       buildOwnerPayload(view.Owner),
		Currency:    view.Currency,
		Items:       make([]cartItemPayload, 0, len(view.Lines)),
		ItemsCount:  view.ItemCount,
		Subtotal:    view.Subtotal,
		Adjustments: buildAdjustmentPayloads(view.Adjustments),
		UpdatedAt:   formatTime(view.UpdatedAt),
	}
	for _, line := range view.Lines {
		payload.Items = append(payload.Items, cartItemPayload{
			ID:          line.LineID,
			ProductID:   line.ProductID,
			ProductCode: line.ProductCode,
			Name:        line.Name,
			UnitPrice:   line.UnitPrice,
			Quantity:    line.Quantity,
			Subtotal:    line.Subtotal,
			Available:   line.Available,
			AddedAt:     formatTime(line.AddedAt),
		})
	}
	return payload
}

func buildLinePayload(result services.CartLineResult) linePayload {
	return linePayload{
		ProductID: result.ProductID,
		Quantity:  result.Quantity,
		Removed:   result.Removed,
	}
}

type cartResponse struct {
	Cart cartPayload `json:"cart"`
}

type cartPayload struct {
	ID          string              `json:"id"`
	Owner       ownerPayload        `json:"owner"`
	Currency    string              `json:"currency"`
	ItemsCount  int                 `json:"items_count"`
	Items       []cartItemPayload   `json:"items"`
	Subtotal    int64               `json:"subtotal"`
	Adjustments []adjustmentPayload `json:"adjustments"`
	UpdatedAt   string              `json:"updated_at,omitempty"`
}

type cartItemPayload struct {
	ID          string `json:"id"`
	ProductID   string `json:"product_id"`
	ProductCode string `json:"product_code,omitempty"`
	Name        string `json:"name"`
	UnitPrice   int64  `json:"unit_price"`
	Quantity    int    `json:"quantity"`
	Subtotal    int64  `json:"subtotal"`
	Available   int    `json:"available"`
	AddedAt     string `json:"added_at,omitempty"`
}

type lineResponse struct {
	Line linePayload `json:"line"`
}

type linePayload struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Removed   bool   `json:"removed"`
}

type mergeResponse struct {
	Merged      []linePayload       `json:"merged"`
	Adjustments []adjustmentPayload `json:"adjustments"`
}
