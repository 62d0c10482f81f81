package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxJSONBody = 1 << 20

// WriteJSON writes payload with the given status.
func WriteJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

// DecodeJSON reads a single JSON object from the request body. An empty body
// leaves dst untouched. Failures come back as 400 errors ready for WriteError.
func DecodeJSON(r *http.Request, dst any) *Error {
	if r.Body == nil {
		return nil
	}
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "application/json") {
		e := NewError("unsupported_media_type", "content type must be application/json", http.StatusUnsupportedMediaType)
		return &e
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		e := NewError("invalid_request", fmt.Sprintf("invalid JSON body: %s", err.Error()), http.StatusBadRequest)
		return &e
	}
	if dec.More() {
		e := NewError("invalid_request", "request body must contain a single JSON object", http.StatusBadRequest)
		return &e
	}
	return nil
}

// WriteErrorFrom writes err when it already is an *Error and otherwise a
// generic 500.
func WriteErrorFrom(ctx context.Context, w http.ResponseWriter, err error) {
	var httpErr Error
	if errors.As(err, &httpErr) {
		WriteError(ctx, w, httpErr)
		return
	}
	WriteError(ctx, w, NewError("internal_server_error", "internal server error", http.StatusInternalServerError))
}
