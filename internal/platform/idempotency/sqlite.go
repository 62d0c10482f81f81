package idempotency

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS idempotency_keys (
    id               TEXT PRIMARY KEY,
    scoped_key       TEXT NOT NULL,
    fingerprint      TEXT NOT NULL,
    status           TEXT NOT NULL,
    response_status  INTEGER NOT NULL DEFAULT 0,
    response_headers TEXT NOT NULL DEFAULT '{}',
    response_body    BLOB,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    expires_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_keys (expires_at);
`

// SQLiteStore implements Store on the same database as the sqlite store driver.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates the table when missing.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("idempotency: sqlite database is required")
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		return nil, fmt.Errorf("idempotency: create sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Reserve implements Store.
func (s *SQLiteStore) Reserve(ctx context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (res Reservation, err error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Reservation{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	existing, found, err := s.load(ctx, tx, key)
	if err != nil {
		return Reservation{}, err
	}
	if found {
		res, live, classifyErr := classify(existing, fingerprint, now)
		if classifyErr != nil {
			return Reservation{}, classifyErr
		}
		if live {
			return res, tx.Commit()
		}
	}
	record := newPendingRecord(key, fingerprint, now, normalizeTTL(ttl))
	if err := s.upsert(ctx, tx, record); err != nil {
		return Reservation{}, err
	}
	return Reservation{State: ReservationStateNew, Record: record}, tx.Commit()
}

// SaveResponse implements Store.
func (s *SQLiteStore) SaveResponse(ctx context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) (err error) {
	now = now.UTC()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	record, found, err := s.load(ctx, tx, key)
	if err != nil {
		return err
	}
	if found && record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	if !found {
		record = Record{Key: key, Fingerprint: fingerprint}
	}
	if err := s.upsert(ctx, tx, completeRecord(record, resp, now, normalizeTTL(ttl))); err != nil {
		return err
	}
	return tx.Commit()
}

// Release implements Store.
func (s *SQLiteStore) Release(ctx context.Context, key, fingerprint string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_keys WHERE id = ? AND fingerprint = ?`, recordID(key), fingerprint)
	return err
}

// CleanupExpired implements Store.
func (s *SQLiteStore) CleanupExpired(ctx context.Context, now time.Time, limit int) (int, error) {
	if limit <= 0 {
		limit = 100
	}
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE id IN (SELECT id FROM idempotency_keys WHERE expires_at <= ? LIMIT ?)`,
		now.UTC().UnixNano(), limit)
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) load(ctx context.Context, tx *sql.Tx, key string) (Record, bool, error) {
	var (
		record          Record
		status, headers string
		created, exp    int64
		updated         int64
	)
	err := tx.QueryRowContext(ctx, `
		SELECT scoped_key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at
		FROM idempotency_keys WHERE id = ?`, recordID(key)).
		Scan(&record.Key, &record.Fingerprint, &status, &record.ResponseStatus, &headers, &record.ResponseBody, &created, &updated, &exp)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, err
	}
	record.Status = Status(status)
	if err := json.Unmarshal([]byte(headers), &record.ResponseHeaders); err != nil {
		return Record{}, false, fmt.Errorf("idempotency: decode stored headers: %w", err)
	}
	record.CreatedAt = time.Unix(0, created).UTC()
	record.UpdatedAt = time.Unix(0, updated).UTC()
	record.ExpiresAt = time.Unix(0, exp).UTC()
	return record, true, nil
}

func (s *SQLiteStore) upsert(ctx context.Context, tx *sql.Tx, record Record) error {
	headers, err := json.Marshal(record.ResponseHeaders)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (id, scoped_key, fingerprint, status, response_status, response_headers, response_body, created_at, updated_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			status = excluded.status,
			response_status = excluded.response_status,
			response_headers = excluded.response_headers,
			response_body = excluded.response_body,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at,
			expires_at = excluded.expires_at`,
		recordID(record.Key), record.Key, record.Fingerprint, string(record.Status), record.ResponseStatus, string(headers),
		record.ResponseBody, record.CreatedAt.UnixNano(), record.UpdatedAt.UnixNano(), record.ExpiresAt.UnixNano())
	return err
}
