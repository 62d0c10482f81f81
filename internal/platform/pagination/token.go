package pagination

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Cursor is the opaque position carried inside a page token.
type Cursor struct {
	StartAfter []any `json:"startAfter,omitempty"`
}

// EncodeToken serialises the provided cursor into a base64 URL-safe page token.
func EncodeToken(cursor Cursor) (string, error) {
	if len(cursor.StartAfter) == 0 {
		return "", nil
	}
	data, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("pagination: encode token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(data), nil
}

// DecodeToken parses the page token produced by EncodeToken back into a cursor.
func DecodeToken(token string) (Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Cursor{}, nil
	}
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	var cursor Cursor
	if err := json.Unmarshal(decoded, &cursor); err != nil {
		return Cursor{}, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return cursor, nil
}

// EncodeTimeCursor builds a token positioned after the record created at createdAt with the given id.
func EncodeTimeCursor(createdAt time.Time, id string) (string, error) {
	return EncodeToken(Cursor{StartAfter: []any{createdAt.UTC().Format(time.RFC3339Nano), id}})
}

// DecodeTimeCursor reverses EncodeTimeCursor. An empty token yields ok=false.
func DecodeTimeCursor(token string) (time.Time, string, bool, error) {
	cursor, err := DecodeToken(token)
	if err != nil {
		return time.Time{}, "", false, err
	}
	if len(cursor.StartAfter) == 0 {
		return time.Time{}, "", false, nil
	}
	if len(cursor.StartAfter) != 2 {
		return time.Time{}, "", false, fmt.Errorf("%w: unexpected cursor shape", ErrInvalidPageToken)
	}
	rawTime, okTime := cursor.StartAfter[0].(string)
	id, okID := cursor.StartAfter[1].(string)
	if !okTime || !okID {
		return time.Time{}, "", false, fmt.Errorf("%w: unexpected cursor values", ErrInvalidPageToken)
	}
	createdAt, err := time.Parse(time.RFC3339Nano, rawTime)
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("%w: %v", ErrInvalidPageToken, err)
	}
	return createdAt, id, true, nil
}
