package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	firebaseauth "firebase.google.com/go/v4/auth"

	domain "github.com/hanko-field/storefront/internal/domain"
)

const (
	defaultRoleClaim     = "role"
	defaultLocaleClaim   = "locale"
	defaultEmailClaim    = "email"
	defaultFallbackRole  = RoleUser
	defaultVerifyTimeout = 5 * time.Second
	defaultSessionHeader = "X-Session-Token"
)

var (
	// ErrTokenExpired signals that the provided Firebase ID token has expired.
	ErrTokenExpired = errors.New("auth: firebase id token expired")
	// ErrTokenInvalid signals that the provided Firebase ID token is invalid for other reasons.
	ErrTokenInvalid = errors.New("auth: firebase id token invalid")
)

// TokenVerifier verifies Firebase ID tokens.
type TokenVerifier interface {
	VerifyIDToken(ctx context.Context, idToken string) (*firebaseauth.Token, error)
}

// SessionVerifier resolves anonymous session tokens to session ids.
type SessionVerifier interface {
	Verify(token string) (string, error)
}

// Authenticator resolves request principals: Firebase users via bearer tokens, anonymous shoppers via session
// tokens.
type Authenticator struct {
	verifier TokenVerifier
	sessions SessionVerifier

	sessionHeader string
	roleClaim     string
	localeClaim   string
	emailClaim    string

	fallbackRole string
	timeout      time.Duration
}

// Option customises Authenticator behaviour.
type Option func(*Authenticator)

// WithSessions enables anonymous owners carried in the given header.
func WithSessions(sessions SessionVerifier, header string) Option {
	return func(a *Authenticator) {
		a.sessions = sessions
		if header = strings.TrimSpace(header); header != "" {
			a.sessionHeader = header
		}
	}
}

// WithRoleClaim overrides the custom claim used for role extraction.
func WithRoleClaim(claim string) Option {
	return func(a *Authenticator) {
		claim = strings.TrimSpace(claim)
		if claim != "" {
			a.roleClaim = claim
		}
	}
}

// WithFallbackRole sets the default role when no custom claim is present.
func WithFallbackRole(role string) Option {
	return func(a *Authenticator) {
		role = normaliseRole(role)
		if role != "" {
			a.fallbackRole = role
		}
	}
}

// WithVerificationTimeout sets the timeout used when verifying tokens.
func WithVerificationTimeout(d time.Duration) Option {
	return func(a *Authenticator) {
		if d > 0 {
			a.timeout = d
		}
	}
}

// NewAuthenticator constructs an Authenticator. verifier may be nil when only anonymous sessions are served.
func NewAuthenticator(verifier TokenVerifier, opts ...Option) *Authenticator {
	a := &Authenticator{
		verifier:      verifier,
		sessionHeader: defaultSessionHeader,
		roleClaim:     defaultRoleClaim,
		localeClaim:   defaultLocaleClaim,
		emailClaim:    defaultEmailClaim,
		fallbackRole:  defaultFallbackRole,
		timeout:       defaultVerifyTimeout,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}

	return a
}

// SessionHeader names the header carrying anonymous session tokens.
func (a *Authenticator) SessionHeader() string {
	if a == nil {
		return defaultSessionHeader
	}
	return a.sessionHeader
}

// ResolveOwner attaches the cart owner to the request context. A bearer token takes precedence over a session
// token; requests with neither are rejected.
func (a *Authenticator) ResolveOwner() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if a == nil {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
				return
			}
			if header := r.Header.Get("Authorization"); strings.TrimSpace(header) != "" {
				identity, ok := a.authenticateBearer(w, r)
				if !ok {
					return
				}
				ctx := WithIdentity(r.Context(), identity)
				ctx = WithOwner(ctx, domain.UserOwner(identity.UID))
				next.ServeHTTP(w, r.WithContext(ctx))
				return
			}

			token := strings.TrimSpace(r.Header.Get(a.sessionHeader))
			if token == "" || a.sessions == nil {
				respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "bearer token or session token required")
				return
			}
			sessionID, err := a.sessions.Verify(token)
			if err != nil {
				if errors.Is(err, ErrSessionExpired) {
					respondAuthError(w, http.StatusUnauthorized, "session_expired", "session token expired")
					return
				}
				respondAuthError(w, http.StatusUnauthorized, "invalid_session", "session token invalid")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithOwner(r.Context(), domain.SessionOwner(sessionID))))
		})
	}
}

// RequireFirebaseAuth verifies the Authorization bearer token and ensures allowed roles.
func (a *Authenticator) RequireFirebaseAuth(allowedRoles ...string) func(http.Handler) http.Handler {
	allowed := make(map[string]struct{}, len(allowedRoles))
	for _, role := range allowedRoles {
		role = normaliseRole(role)
		if role == "" {
			continue
		}
		allowed[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			identity, ok := a.authenticateBearer(w, r)
			if !ok {
				return
			}
			if len(allowed) > 0 && !hasAllowedRole(identity.Roles, allowed) {
				respondAuthError(w, http.StatusForbidden, "insufficient_role", "identity does not have required role")
				return
			}
			ctx := WithIdentity(r.Context(), identity)
			ctx = WithOwner(ctx, domain.UserOwner(identity.UID))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticateBearer verifies the bearer token and writes the error response itself when it fails.
func (a *Authenticator) authenticateBearer(w http.ResponseWriter, r *http.Request) (*Identity, bool) {
	tokenStr, ok := extractBearerToken(r.Header.Get("Authorization"))
	if !ok {
		respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization header missing or invalid")
		return nil, false
	}
	if a == nil || a.verifier == nil {
		respondAuthError(w, http.StatusUnauthorized, "unauthenticated", "authorization service unavailable")
		return nil, false
	}

	ctx, cancel := a.contextWithTimeout(r.Context())
	if cancel != nil {
		defer cancel()
	}

	token, err := a.verifier.VerifyIDToken(ctx, tokenStr)
	if err != nil {
		respondVerificationError(w, err)
		return nil, false
	}

	identity := &Identity{
		UID:    token.UID,
		Email:  claimAsString(token.Claims, a.emailClaim),
		Locale: claimAsString(token.Claims, a.localeClaim),
		Roles:  rolesFromClaims(token.Claims, a.roleClaim),
		token:  token,
	}
	if len(identity.Roles) == 0 && a.fallbackRole != "" {
		identity.Roles = []string{a.fallbackRole}
	}
	if strings.TrimSpace(identity.UID) == "" {
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "token has no subject")
		return nil, false
	}
	return identity, true
}

func (a *Authenticator) contextWithTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if a == nil || a.timeout <= 0 {
		return ctx, nil
	}
	return context.WithTimeout(ctx, a.timeout)
}

func hasAllowedRole(identityRoles []string, allowed map[string]struct{}) bool {
	for _, role := range identityRoles {
		if _, ok := allowed[normaliseRole(role)]; ok {
			return true
		}
	}
	return false
}

func rolesFromClaims(claims map[string]interface{}, key string) []string {
	raw, ok := claims[key]
	if !ok {
		return nil
	}

	switch v := raw.(type) {
	case string:
		role := normaliseRole(v)
		if role == "" {
			return nil
		}
		return []string{role}
	case []interface{}:
		return uniqueRolesFromInterfaces(v)
	case []string:
		out := make([]string, 0, len(v))
		seen := make(map[string]struct{}, len(v))
		for _, item := range v {
			role := normaliseRole(item)
			if role == "" {
				continue
			}
			if _, exists := seen[role]; exists {
				continue
			}
			seen[role] = struct{}{}
			out = append(out, role)
		}
		return out
	case map[string]interface{}:
		out := make([]string, 0, len(v))
		for key, value := range v {
			boolVal, ok := value.(bool)
			if !ok || !boolVal {
				continue
			}
			role := normaliseRole(key)
			if role == "" {
				continue
			}
			out = append(out, role)
		}
		return out
	default:
		return nil
	}
}

func uniqueRolesFromInterfaces(values []interface{}) []string {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		str, ok := value.(string)
		if !ok {
			continue
		}
		role := normaliseRole(str)
		if role == "" {
			continue
		}
		if _, exists := seen[role]; exists {
			continue
		}
		seen[role] = struct{}{}
		out = append(out, role)
	}
	return out
}

func claimAsString(claims map[string]interface{}, key string) string {
	raw, ok := claims[key]
	if !ok {
		return ""
	}
	switch v := raw.(type) {
	case string:
		return strings.TrimSpace(v)
	default:
		return ""
	}
}

func normaliseRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}

func extractBearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", false
	}

	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return "", false
	}

	if !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}

	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", false
	}

	return token, true
}

func respondAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"error":   code,
		"message": message,
		"status":  status,
	})
}

func respondVerificationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTokenExpired), firebaseauth.IsIDTokenExpired(err):
		respondAuthError(w, http.StatusUnauthorized, "token_expired", "firebase id token expired")
	case errors.Is(err, ErrTokenInvalid), firebaseauth.IsIDTokenInvalid(err):
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "firebase id token invalid")
	default:
		respondAuthError(w, http.StatusUnauthorized, "invalid_token", "firebase id token verification failed")
	}
}
