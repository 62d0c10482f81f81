package auth

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const testSessionKey = "0123456789abcdef0123456789abcdef"

func newTestIssuer(t *testing.T, clock func() time.Time) *SessionIssuer {
	t.Helper()
	issuer, err := NewSessionIssuer(testSessionKey, time.Hour, WithSessionClock(clock))
	if err != nil {
		t.Fatalf("new session issuer: %v", err)
	}
	return issuer
}

func TestSessionIssuerRoundTrip(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	issuer, err := NewSessionIssuer(testSessionKey, time.Hour,
		WithSessionClock(func() time.Time { return now }),
		WithSessionIDGenerator(func() string { return "sess-fixed" }),
	)
	if err != nil {
		t.Fatalf("new session issuer: %v", err)
	}

	session, err := issuer.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if session.ID != "sess-fixed" || !session.ExpiresAt.Equal(now.Add(time.Hour)) {
		t.Fatalf("unexpected session %+v", session)
	}
	id, err := issuer.Verify(session.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id != "sess-fixed" {
		t.Fatalf("expected sess-fixed, got %s", id)
	}
}

func TestSessionIssuerDefaultIDsAreUnique(t *testing.T) {
	issuer := newTestIssuer(t, time.Now)
	a, err := issuer.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	b, err := issuer.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if a.ID == b.ID || len(a.ID) != 36 {
		t.Fatalf("expected distinct uuid session ids, got %s and %s", a.ID, b.ID)
	}
}

func TestSessionIssuerRejectsTamperingAndExpiry(t *testing.T) {
	now := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	issuer := newTestIssuer(t, func() time.Time { return now })
	session, err := issuer.Issue()
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other, err := NewSessionIssuer(strings.Repeat("x", 32), time.Hour)
	if err != nil {
		t.Fatalf("other issuer: %v", err)
	}
	if _, err := other.Verify(session.Token); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected signature mismatch to be invalid, got %v", err)
	}
	if _, err := issuer.Verify(session.Token + "x"); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected tampered token to be invalid, got %v", err)
	}
	if _, err := issuer.Verify(""); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected empty token to be invalid, got %v", err)
	}

	now = now.Add(time.Hour)
	if _, err := issuer.Verify(session.Token); !errors.Is(err, ErrSessionExpired) {
		t.Fatalf("expected expiry, got %v", err)
	}
}

func TestNewSessionIssuerValidates(t *testing.T) {
	if _, err := NewSessionIssuer("", time.Hour); err == nil {
		t.Fatalf("expected empty key to be rejected")
	}
	if _, err := NewSessionIssuer(testSessionKey, 0); err == nil {
		t.Fatalf("expected zero ttl to be rejected")
	}
}
