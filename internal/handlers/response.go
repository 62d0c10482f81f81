package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
	"github.com/hanko-field/storefront/internal/services"
)

func writeJSONResponse(w http.ResponseWriter, status int, payload any) {
	httpx.WriteJSON(w, status, payload)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

func noStore(w http.ResponseWriter) {
	w.Header().Set("Cache-Control", "no-store, no-cache, max-age=0, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
}

// requireOwner writes a 401 and reports false when ResolveOwner did not run.
func requireOwner(w http.ResponseWriter, r *http.Request) (services.CartOwner, bool) {
	owner, ok := auth.OwnerFromContext(r.Context())
	if !ok {
		httpx.WriteError(r.Context(), w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return services.CartOwner{}, false
	}
	return owner, true
}

type adjustmentPayload struct {
	ProductID        string `json:"product_id"`
	ProductName      string `json:"product_name,omitempty"`
	Kind             string `json:"kind"`
	Reason           string `json:"reason,omitempty"`
	PreviousQuantity int    `json:"previous_quantity"`
	Quantity         int    `json:"quantity"`
	Available        int    `json:"available"`
}

func buildAdjustmentPayloads(adjustments []services.CartAdjustment) []adjustmentPayload {
	out := make([]adjustmentPayload, 0, len(adjustments))
	for _, adj := range adjustments {
		out = append(out, adjustmentPayload{
			ProductID:        adj.ProductID,
			ProductName:      strings.TrimSpace(adj.ProductName),
			Kind:             string(adj.Kind),
			Reason:           string(adj.Reason),
			PreviousQuantity: adj.PreviousQuantity,
			Quantity:         adj.Quantity,
			Available:        adj.Available,
		})
	}
	return out
}

type ownerPayload struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
}

func buildOwnerPayload(owner services.CartOwner) ownerPayload {
	return ownerPayload{Kind: string(owner.Kind), ID: owner.ID}
}
