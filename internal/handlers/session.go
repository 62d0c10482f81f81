package handlers

import (
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/storefront/internal/platform/auth"
	"github.com/hanko-field/storefront/internal/platform/httpx"
)

const (
	defaultSessionRateLimit  = 30
	defaultSessionRateWindow = time.Minute
)

type sessionIssuer interface {
	Issue() (auth.Session, error)
}

// SessionHandlers issues anonymous session tokens so guests can keep a cart.
type SessionHandlers struct {
	issuer  sessionIssuer
	header  string
	limiter rateLimiter
}

// SessionOption customises SessionHandlers.
type SessionOption func(*SessionHandlers)

// WithSessionRateLimit caps issuance per client address. A zero limit disables it.
func WithSessionRateLimit(limit int, window time.Duration, clock func() time.Time) SessionOption {
	return func(h *SessionHandlers) {
		h.limiter = newWindowLimiter(limit, window, clock)
	}
}

// WithSessionHeader names the header clients should echo the token in.
func WithSessionHeader(header string) SessionOption {
	return func(h *SessionHandlers) {
		if header != "" {
			h.header = header
		}
	}
}

// NewSessionHandlers constructs the session handlers.
func NewSessionHandlers(issuer sessionIssuer, opts ...SessionOption) *SessionHandlers {
	h := &SessionHandlers{
		issuer:  issuer,
		header:  (*auth.Authenticator)(nil).SessionHeader(),
		limiter: newWindowLimiter(defaultSessionRateLimit, defaultSessionRateWindow, nil),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers POST /session.
func (h *SessionHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/", h.issue)
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
	Token     string `json:"token"`
	Header    string `json:"header"`
	ExpiresAt string `json:"expires_at"`
}

func (h *SessionHandlers) issue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.issuer == nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_unavailable", "anonymous sessions are disabled", http.StatusServiceUnavailable))
		return
	}
	if h.limiter != nil && !h.limiter.Allow(clientAddress(r)) {
		w.Header().Set("Retry-After", strconv.Itoa(int(defaultSessionRateWindow.Seconds())))
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many session requests", http.StatusTooManyRequests))
		return
	}

	session, err := h.issuer.Issue()
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("session_error", "failed to issue session", http.StatusInternalServerError))
		return
	}
	noStore(w)
	writeJSONResponse(w, http.StatusCreated, sessionResponse{
		SessionID: session.ID,
		Token:     session.Token,
		Header:    h.header,
		ExpiresAt: formatTime(session.ExpiresAt),
	})
}

// clientAddress relies on middleware.RealIP having rewritten RemoteAddr.
func clientAddress(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
