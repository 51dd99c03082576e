package storage

import (
	"context"
	"errors"
	"time"

	"licensegate/pkg/contracts/domain"
)

// Sentinel errors returned by every backend
var (
	ErrKeyNotFound   = errors.New("license key not found")
	ErrNonceNotFound = errors.New("nonce not found")
	ErrNonceExists   = errors.New("nonce already exists")
)

// ConsumeResult is the prior state observed by an atomic nonce consume
type ConsumeResult int

const (
	// Consumed means the nonce was unused and unexpired and is now used
	Consumed ConsumeResult = iota
	// NonceMissing means no nonce exists for the key
	NonceMissing
	// NonceAlreadyUsed means the nonce was consumed before
	NonceAlreadyUsed
	// NonceExpired means the nonce exists, is unused, but its TTL has passed
	NonceExpired
)

func (r ConsumeResult) String() string {
	switch r {
	case Consumed:
		return "consumed"
	case NonceMissing:
		return "not found"
	case NonceAlreadyUsed:
		return "already used"
	case NonceExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// KeyDirectory resolves license keys together with their product and owner
type KeyDirectory interface {
	// ResolveKey returns ErrKeyNotFound when the key does not exist
	ResolveKey(ctx context.Context, apiKey string) (*domain.ResolvedKey, error)
	MarkKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus) error
	TouchLastSeen(ctx context.Context, keyID string, at time.Time) error
}

// NonceStore keeps one-time nonces scoped per key
type NonceStore interface {
	// FindNonce returns ErrNonceNotFound when absent
	FindNonce(ctx context.Context, nonce, keyID string) (*domain.NonceRecord, error)
	// ConsumeNonce marks the nonce used if it is unused and unexpired at now,
	// and reports the state it found. It must be atomic.
	ConsumeNonce(ctx context.Context, nonce, keyID string, now time.Time) (ConsumeResult, error)
	// InsertNonce stores a fresh unused nonce. Returns ErrNonceExists on conflict.
	InsertNonce(ctx context.Context, rec domain.NonceRecord) error
	// RegisterUsed inserts the nonce already marked used, only if absent.
	// It reports whether the insert happened. It must be atomic.
	RegisterUsed(ctx context.Context, nonce, keyID string, expiresAt time.Time) (bool, error)
	// PurgeExpired deletes nonces whose expiry is before the given time
	PurgeExpired(ctx context.Context, before time.Time) (int64, error)
}

// CounterStore keeps per-key daily counters. date uses domain.CounterDateLayout.
type CounterStore interface {
	// ReadCounter returns 0 for an absent counter
	ReadCounter(ctx context.Context, keyID, date string) (int64, error)
	// IncrementCounter atomically adds one and returns the new value
	IncrementCounter(ctx context.Context, keyID, date string) (int64, error)
}

// Pinger is implemented by backends that can report their reachability
type Pinger interface {
	Ping(ctx context.Context) error
}
