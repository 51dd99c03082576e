// Package redisstore keeps nonces and daily counters in Redis.
//
// Each nonce is a hash under lg:nonce:<key id>:<nonce>. Redis expires it a
// retention period after its own expiry so late replays still report
// "expired" rather than "not found"; PurgeExpired removes them sooner when the
// janitor runs. Counters are plain integers that expire two days after their
// UTC date.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"licensegate/internal/storage"
	"licensegate/pkg/contracts/domain"
)

const (
	noncePrefix   = "lg:nonce:"
	counterPrefix = "lg:counter:"

	// DefaultRetention is how long an expired nonce stays readable
	DefaultRetention = time.Hour
	counterTTL       = 48 * time.Hour
	scanBatch        = 500
)

// consumeScript returns 0 missing, 1 already used, 2 expired, 3 consumed
var consumeScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
if redis.call("HGET", KEYS[1], "used") == "1" then
  return 1
end
local exp = tonumber(redis.call("HGET", KEYS[1], "expires_at"))
if exp <= tonumber(ARGV[1]) then
  return 2
end
redis.call("HSET", KEYS[1], "used", "1")
return 3
`)

// insertScript returns 1 when the nonce was written, 0 when it already existed
var insertScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
redis.call("HSET", KEYS[1], "id", ARGV[1], "used", ARGV[2], "expires_at", ARGV[3], "created_at", ARGV[4])
redis.call("PEXPIREAT", KEYS[1], ARGV[5])
return 1
`)

var counterScript = redis.NewScript(`
local current = redis.call("INCR", KEYS[1])
if current == 1 then
  redis.call("PEXPIREAT", KEYS[1], ARGV[1])
end
return current
`)

// Store implements storage.NonceStore and storage.CounterStore
type Store struct {
	client    redis.UniversalClient
	retention time.Duration
	now       func() time.Time
}

var (
	_ storage.NonceStore   = (*Store)(nil)
	_ storage.CounterStore = (*Store)(nil)
	_ storage.Pinger       = (*Store)(nil)
)

// New creates a store over client
func New(client redis.UniversalClient) *Store {
	return &Store{client: client, retention: DefaultRetention, now: time.Now}
}

// Connect creates a client and verifies it with a ping
func Connect(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}

// Ping implements storage.Pinger
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func nonceKey(keyID, nonce string) string {
	return noncePrefix + keyID + ":" + nonce
}

func counterKey(keyID, date string) string {
	return counterPrefix + keyID + ":" + date
}

// FindNonce implements storage.NonceStore
func (s *Store) FindNonce(ctx context.Context, nonce, keyID string) (*domain.NonceRecord, error) {
	fields, err := s.client.HGetAll(ctx, nonceKey(keyID, nonce)).Result()
	if err != nil {
		return nil, fmt.Errorf("find nonce: %w", err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNonceNotFound
	}
	expires, err := parseMillis(fields["expires_at"])
	if err != nil {
		return nil, fmt.Errorf("find nonce: expires_at: %w", err)
	}
	created, err := parseMillis(fields["created_at"])
	if err != nil {
		return nil, fmt.Errorf("find nonce: created_at: %w", err)
	}
	return &domain.NonceRecord{
		ID:        fields["id"],
		Nonce:     nonce,
		KeyID:     keyID,
		Used:      fields["used"] == "1",
		ExpiresAt: expires,
		CreatedAt: created,
	}, nil
}

// ConsumeNonce implements storage.NonceStore
func (s *Store) ConsumeNonce(ctx context.Context, nonce, keyID string, now time.Time) (storage.ConsumeResult, error) {
	code, err := consumeScript.Run(ctx, s.client, []string{nonceKey(keyID, nonce)}, now.UnixMilli()).Int()
	if err != nil {
		return storage.NonceMissing, fmt.Errorf("consume nonce: %w", err)
	}
	switch code {
	case 0:
		return storage.NonceMissing, nil
	case 1:
		return storage.NonceAlreadyUsed, nil
	case 2:
		return storage.NonceExpired, nil
	case 3:
		return storage.Consumed, nil
	}
	return storage.NonceMissing, fmt.Errorf("consume nonce: unexpected script result %d", code)
}

// InsertNonce implements storage.NonceStore
func (s *Store) InsertNonce(ctx context.Context, rec domain.NonceRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	ok, err := s.insert(ctx, rec.ID, rec.Nonce, rec.KeyID, rec.Used, rec.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert nonce: %w", err)
	}
	if !ok {
		return storage.ErrNonceExists
	}
	return nil
}

// RegisterUsed implements storage.NonceStore
func (s *Store) RegisterUsed(ctx context.Context, nonce, keyID string, expiresAt time.Time) (bool, error) {
	ok, err := s.insert(ctx, uuid.NewString(), nonce, keyID, true, expiresAt)
	if err != nil {
		return false, fmt.Errorf("register nonce: %w", err)
	}
	return ok, nil
}

func (s *Store) insert(ctx context.Context, id, nonce, keyID string, used bool, expiresAt time.Time) (bool, error) {
	usedFlag := "0"
	if used {
		usedFlag = "1"
	}
	args := []any{
		id,
		usedFlag,
		expiresAt.UnixMilli(),
		s.now().UnixMilli(),
		expiresAt.Add(s.retention).UnixMilli(),
	}
	n, err := insertScript.Run(ctx, s.client, []string{nonceKey(keyID, nonce)}, args...).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// PurgeExpired implements storage.NonceStore. Keys are scanned in batches and
// deleted when their expiry is before the cutoff.
func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	cutoff := before.UnixMilli()
	var (
		cursor  uint64
		removed int64
	)
	for {
		keys, next, err := s.client.Scan(ctx, cursor, noncePrefix+"*", scanBatch).Result()
		if err != nil {
			return removed, fmt.Errorf("scan nonces: %w", err)
		}
		for _, key := range keys {
			raw, err := s.client.HGet(ctx, key, "expires_at").Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return removed, fmt.Errorf("read nonce expiry: %w", err)
			}
			exp, err := strconv.ParseInt(raw, 10, 64)
			if err != nil || exp >= cutoff {
				continue
			}
			n, err := s.client.Del(ctx, key).Result()
			if err != nil {
				return removed, fmt.Errorf("delete nonce: %w", err)
			}
			removed += n
		}
		if next == 0 {
			return removed, nil
		}
		cursor = next
	}
}

// ReadCounter implements storage.CounterStore
func (s *Store) ReadCounter(ctx context.Context, keyID, date string) (int64, error) {
	n, err := s.client.Get(ctx, counterKey(keyID, date)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read counter: %w", err)
	}
	return n, nil
}

// IncrementCounter implements storage.CounterStore
func (s *Store) IncrementCounter(ctx context.Context, keyID, date string) (int64, error) {
	day, err := time.Parse(domain.CounterDateLayout, date)
	if err != nil {
		return 0, fmt.Errorf("increment counter: invalid date %q: %w", date, err)
	}
	expireAt := day.Add(counterTTL).UnixMilli()
	n, err := counterScript.Run(ctx, s.client, []string{counterKey(keyID, date)}, expireAt).Int64()
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return n, nil
}

func parseMillis(raw string) (time.Time, error) {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}
