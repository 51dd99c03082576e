// Package memory provides an in-process implementation of every storage
// interface. It is the default backend for single-instance deployments and
// the fake used throughout the test suites.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"licensegate/internal/storage"
	"licensegate/pkg/contracts/domain"
)

type nonceKey struct {
	keyID string
	nonce string
}

type counterKey struct {
	keyID string
	date  string
}

// Store is a mutex-guarded KeyDirectory, NonceStore and CounterStore
type Store struct {
	mu       sync.Mutex
	keys     map[string]*domain.LicenseKeyRecord // by api key
	byID     map[string]string                   // key id -> api key
	products map[string]domain.Product
	owners   map[string]domain.Owner
	nonces   map[nonceKey]*domain.NonceRecord
	counters map[counterKey]int64
}

// New creates an empty store
func New() *Store {
	return &Store{
		keys:     make(map[string]*domain.LicenseKeyRecord),
		byID:     make(map[string]string),
		products: make(map[string]domain.Product),
		owners:   make(map[string]domain.Owner),
		nonces:   make(map[nonceKey]*domain.NonceRecord),
		counters: make(map[counterKey]int64),
	}
}

// PutProduct adds or replaces a product
func (s *Store) PutProduct(p domain.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
}

// PutOwner adds or replaces a user
func (s *Store) PutOwner(o domain.Owner) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owners[o.ID] = o
}

// PutKey adds or replaces a key. An empty ID is filled with a UUID.
func (s *Store) PutKey(rec domain.LicenseKeyRecord) domain.LicenseKeyRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	if old, ok := s.byID[rec.ID]; ok {
		delete(s.keys, old)
	}
	cp := rec
	s.keys[rec.Key] = &cp
	s.byID[rec.ID] = rec.Key
	return rec
}

// Key returns a copy of the key record with the given id
func (s *Store) Key(keyID string) (domain.LicenseKeyRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	apiKey, ok := s.byID[keyID]
	if !ok {
		return domain.LicenseKeyRecord{}, false
	}
	return *s.keys[apiKey], true
}

// ResolveKey implements storage.KeyDirectory
func (s *Store) ResolveKey(ctx context.Context, apiKey string) (*domain.ResolvedKey, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[apiKey]
	if !ok {
		return nil, storage.ErrKeyNotFound
	}
	out := &domain.ResolvedKey{
		Key:     *rec,
		Product: s.products[rec.ProductID],
		Owner:   s.owners[rec.UserID],
	}
	out.Key.AllowedDomains = append([]string(nil), rec.AllowedDomains...)
	out.Key.AllowedIPs = append([]string(nil), rec.AllowedIPs...)
	if rec.Subscription != nil {
		sub := *rec.Subscription
		out.Key.Subscription = &sub
	}
	return out, nil
}

// MarkKeyStatus implements storage.KeyDirectory
func (s *Store) MarkKeyStatus(ctx context.Context, keyID string, status domain.KeyStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	apiKey, ok := s.byID[keyID]
	if !ok {
		return storage.ErrKeyNotFound
	}
	s.keys[apiKey].Status = status
	return nil
}

// TouchLastSeen implements storage.KeyDirectory
func (s *Store) TouchLastSeen(ctx context.Context, keyID string, at time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	apiKey, ok := s.byID[keyID]
	if !ok {
		return storage.ErrKeyNotFound
	}
	t := at
	s.keys[apiKey].LastSeenAt = &t
	return nil
}

// FindNonce implements storage.NonceStore
func (s *Store) FindNonce(ctx context.Context, nonce, keyID string) (*domain.NonceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.nonces[nonceKey{keyID, nonce}]
	if !ok {
		return nil, storage.ErrNonceNotFound
	}
	cp := *rec
	return &cp, nil
}

// ConsumeNonce implements storage.NonceStore
func (s *Store) ConsumeNonce(ctx context.Context, nonce, keyID string, now time.Time) (storage.ConsumeResult, error) {
	if err := ctx.Err(); err != nil {
		return storage.NonceMissing, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.nonces[nonceKey{keyID, nonce}]
	switch {
	case !ok:
		return storage.NonceMissing, nil
	case rec.Used:
		return storage.NonceAlreadyUsed, nil
	case rec.Expired(now):
		return storage.NonceExpired, nil
	}
	rec.Used = true
	return storage.Consumed, nil
}

// InsertNonce implements storage.NonceStore
func (s *Store) InsertNonce(ctx context.Context, rec domain.NonceRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := nonceKey{rec.KeyID, rec.Nonce}
	if _, exists := s.nonces[k]; exists {
		return storage.ErrNonceExists
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.nonces[k] = &rec
	return nil
}

// RegisterUsed implements storage.NonceStore
func (s *Store) RegisterUsed(ctx context.Context, nonce, keyID string, expiresAt time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := nonceKey{keyID, nonce}
	if _, exists := s.nonces[k]; exists {
		return false, nil
	}
	s.nonces[k] = &domain.NonceRecord{
		ID:        uuid.NewString(),
		Nonce:     nonce,
		KeyID:     keyID,
		Used:      true,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now().UTC(),
	}
	return true, nil
}

// PurgeExpired implements storage.NonceStore
func (s *Store) PurgeExpired(ctx context.Context, before time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var purged int64
	for k, rec := range s.nonces {
		if rec.ExpiresAt.Before(before) {
			delete(s.nonces, k)
			purged++
		}
	}
	return purged, nil
}

// ReadCounter implements storage.CounterStore
func (s *Store) ReadCounter(ctx context.Context, keyID, date string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters[counterKey{keyID, date}], nil
}

// IncrementCounter implements storage.CounterStore
func (s *Store) IncrementCounter(ctx context.Context, keyID, date string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := counterKey{keyID, date}
	s.counters[k]++
	return s.counters[k], nil
}

// Ping always succeeds
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op
func (s *Store) Close() error { return nil }
