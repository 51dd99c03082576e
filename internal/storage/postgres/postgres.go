// Package postgres implements the storage interfaces over PostgreSQL with pgx.
//
// Nonce consumption and counter increments are single statements, so the
// atomicity the engine relies on comes from the database: a row lock taken by
// SELECT ... FOR UPDATE inside the consume CTE, and INSERT ... ON CONFLICT for
// registration and counters.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"licensegate/internal/security"
	"licensegate/internal/storage"
	"licensegate/pkg/contracts/domain"
)

var (
	connectRetries = 5
	retryDelay     = 2 * time.Second
	pingTimeout    = 2 * time.Second
	sleep          = time.Sleep
)

// DB is the part of pgxpool.Pool the store uses
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store implements storage.KeyDirectory, storage.NonceStore,
// storage.CounterStore and storage.Provisioner
type Store struct {
	db     DB
	sealer *security.Sealer
}

var (
	_ storage.KeyDirectory = (*Store)(nil)
	_ storage.NonceStore   = (*Store)(nil)
	_ storage.CounterStore = (*Store)(nil)
	_ storage.Provisioner  = (*Store)(nil)
)

// New creates a store over db. With a nil sealer secrets are stored and read
// as plaintext.
func New(db DB, sealer *security.Sealer) *Store {
	return &Store{db: db, sealer: sealer}
}

// Connect opens a pool and waits until the database answers a ping
func Connect(ctx context.Context, dsn string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	cfg.MinConns = 1
	cfg.MaxConnIdleTime = 5 * time.Minute

	var lastErr error
	for i := 0; i < connectRetries; i++ {
		pool, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			lastErr = err
			sleep(retryDelay)
			continue
		}
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		err = pool.Ping(pingCtx)
		cancel()
		if err == nil {
			return pool, nil
		}
		lastErr = err
		pool.Close()
		if ctx.Err() != nil {
			break
		}
		sleep(retryDelay)
	}
	return nil, fmt.Errorf("postgres ping retries exhausted: %w", lastErr)
}

// Ping checks the connection when the underlying DB supports it
func (s *Store) Ping(ctx context.Context) error {
	if p, ok := s.db.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	_, err := s.db.Exec(ctx, "SELECT 1")
	return err
}

// Migrate creates the schema if it does not exist
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const resolveKeySQL = `SELECT
	k.id, k.api_key, k.secret, k.status, k.product_id, k.user_id,
	k.allowed_domains, k.allowed_ips, k.max_requests_per_day, k.last_seen_at, k.created_at,
	p.name, p.version, p.status, p.secret,
	u.status,
	o.id, o.payment_status, o.ends_at
FROM license_keys k
JOIN products p ON p.id = k.product_id
JOIN users u ON u.id = k.user_id
LEFT JOIN orders o ON o.id = k.order_id
WHERE k.api_key = $1`

// ResolveKey implements storage.KeyDirectory
func (s *Store) ResolveKey(ctx context.Context, apiKey string) (*domain.ResolvedKey, error) {
	var (
		out                   domain.ResolvedKey
		keyStatus, prodStatus string
		userStatus            string
		orderID, payment      *string
		endsAt                *time.Time
	)
	err := s.db.QueryRow(ctx, resolveKeySQL, apiKey).Scan(
		&out.Key.ID, &out.Key.Key, &out.Key.Secret, &keyStatus, &out.Key.ProductID, &out.Key.UserID,
		&out.Key.AllowedDomains, &out.Key.AllowedIPs, &out.Key.MaxRequestsPerDay, &out.Key.LastSeenAt, &out.Key.CreatedAt,
		&out.Product.Name, &out.Product.Version, &prodStatus, &out.Product.Secret,
		&userStatus,
		&orderID, &payment, &endsAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("resolve key: %w", err)
	}

	out.Key.Status = domain.KeyStatus(keyStatus)
	out.Product.ID = out.Key.ProductID
	out.Product.Status = domain.EntityStatus(prodStatus)
	out.Owner = domain.Owner{ID: out.Key.UserID, Status: domain.EntityStatus(userStatus)}
	if orderID != nil {
		sub := &domain.Subscription{OrderID: *orderID, EndsAt: endsAt}
		if payment != nil {
			sub.PaymentStatus = *payment
		}
		out.Key.Subscription = sub
	}

	if out.Key.Secret, err = s.sealer.OpenOrPlain(out.Key.Secret, out.Key.ID); err != nil {
		return nil, fmt.Errorf("open key secret: %w", err)
	}
	if out.Product.Secret, err = s.sealer.OpenOrPlain(out.Product.Secret, out.Product.ID); err != nil {
		return nil, fmt.Errorf("open product secret: %w", err)
	}
	return &out, nil
}

// MarkKeyStatus implements storage.KeyDirectory
func (s *Store) MarkKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus) error {
	tag, err := s.db.Exec(ctx, `UPDATE license_keys SET status = $2 WHERE id = $1`, keyID, string(status))
	if err != nil {
		return fmt.Errorf("mark key status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrKeyNotFound
	}
	return nil
}

// TouchLastSeen implements storage.KeyDirectory
func (s *Store) TouchLastSeen(ctx context.Context, keyID string, at time.Time) error {
	tag, err := s.db.Exec(ctx, `UPDATE license_keys SET last_seen_at = $2 WHERE id = $1`, keyID, at.UTC())
	if err != nil {
		return fmt.Errorf("touch last seen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrKeyNotFound
	}
	return nil
}

// FindNonce implements storage.NonceStore
func (s *Store) FindNonce(ctx context.Context, nonce, keyID string) (*domain.NonceRecord, error) {
	var rec domain.NonceRecord
	err := s.db.QueryRow(ctx,
		`SELECT id, nonce, key_id, used, expires_at, created_at FROM nonces WHERE key_id = $1 AND nonce = $2`,
		keyID, nonce,
	).Scan(&rec.ID, &rec.Nonce, &rec.KeyID, &rec.Used, &rec.ExpiresAt, &rec.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNonceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find nonce: %w", err)
	}
	return &rec, nil
}

// consumeNonceSQL locks the row, marks it used only when it was fresh, and
// reports the state it found, all in one statement
const consumeNonceSQL = `WITH target AS (
	SELECT id, used, expires_at FROM nonces
	WHERE key_id = $1 AND nonce = $2
	FOR UPDATE
), consumed AS (
	UPDATE nonces n SET used = true
	FROM target t
	WHERE n.id = t.id AND NOT t.used AND t.expires_at > $3
	RETURNING n.id
)
SELECT
	EXISTS (SELECT 1 FROM target),
	COALESCE((SELECT used FROM target), false),
	COALESCE((SELECT expires_at <= $3 FROM target), false),
	EXISTS (SELECT 1 FROM consumed)`

// ConsumeNonce implements storage.NonceStore
func (s *Store) ConsumeNonce(ctx context.Context, nonce, keyID string, now time.Time) (storage.ConsumeResult, error) {
	var found, used, expired, consumed bool
	err := s.db.QueryRow(ctx, consumeNonceSQL, keyID, nonce, now.UTC()).Scan(&found, &used, &expired, &consumed)
	if err != nil {
		return storage.NonceMissing, fmt.Errorf("consume nonce: %w", err)
	}
	return consumeResult(found, used, expired, consumed)
}

func consumeResult(found, used, expired, consumed bool) (storage.ConsumeResult, error) {
	switch {
	case !found:
		return storage.NonceMissing, nil
	case used:
		return storage.NonceAlreadyUsed, nil
	case expired:
		return storage.NonceExpired, nil
	case consumed:
		return storage.Consumed, nil
	}
	return storage.NonceMissing, errors.New("consume nonce: inconsistent row state")
}

// InsertNonce implements storage.NonceStore
func (s *Store) InsertNonce(ctx context.Context, rec domain.NonceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	tag, err := s.db.Exec(ctx,
		`INSERT INTO nonces (id, nonce, key_id, used, expires_at) VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key_id, nonce) DO NOTHING`,
		rec.ID, rec.Nonce, rec.KeyID, rec.Used, rec.ExpiresAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNonceExists
	}
	return nil
}

// RegisterUsed implements storage.NonceStore
func (s *Store) RegisterUsed(ctx context.Context, nonce, keyID string, expiresAt time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx,
		`INSERT INTO nonces (id, nonce, key_id, used, expires_at) VALUES ($1, $2, $3, true, $4)
		ON CONFLICT (key_id, nonce) DO NOTHING`,
		uuid.NewString(), nonce, keyID, expiresAt.UTC(),
	)
	if err != nil {
		return false, fmt.Errorf("register nonce: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// PurgeExpired implements storage.NonceStore
func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM nonces WHERE expires_at < $1`, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge nonces: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ReadCounter implements storage.CounterStore
func (s *Store) ReadCounter(ctx context.Context, keyID, date string) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`SELECT count FROM rate_counters WHERE key_id = $1 AND date = $2::date`, keyID, date,
	).Scan(&count)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return count, nil
}

// IncrementCounter implements storage.CounterStore
func (s *Store) IncrementCounter(ctx context.Context, keyID, date string) (int64, error) {
	var count int64
	err := s.db.QueryRow(ctx,
		`INSERT INTO rate_counters (key_id, date, count) VALUES ($1, $2::date, 1)
		ON CONFLICT (key_id, date) DO UPDATE SET count = rate_counters.count + 1
		RETURNING count`,
		keyID, date,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return count, nil
}
