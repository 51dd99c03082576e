// Package ratelimit enforces per key daily request quotas.
//
// Counters are partitioned by UTC calendar day. Reading the quota and
// incrementing it are separate steps: the pipeline checks the quota before
// signature verification and increments only after a request is accepted, so
// rejected traffic does not consume quota.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"licensegate/internal/signature"
	"licensegate/internal/storage"
	"licensegate/pkg/contracts/domain"
)

// Quota is the result of a quota check
type Quota struct {
	Allowed bool
	Current int64
	Limit   int
}

// Limiter reads and increments daily counters
type Limiter struct {
	store storage.CounterStore
	now   signature.Clock
}

// New creates a limiter over store. A nil clock means time.Now.
func New(store storage.CounterStore, clock signature.Clock) *Limiter {
	if clock == nil {
		clock = time.Now
	}
	return &Limiter{store: store, now: clock}
}

// CheckQuota reports whether keyID is below maxPerDay for the current UTC day.
// A maxPerDay of zero or less means unlimited.
func (l *Limiter) CheckQuota(ctx context.Context, keyID string, maxPerDay int) (Quota, error) {
	current, err := l.store.ReadCounter(ctx, keyID, domain.CounterDate(l.now()))
	if err != nil {
		return Quota{}, fmt.Errorf("read counter: %w", err)
	}
	q := Quota{Current: current, Limit: maxPerDay}
	q.Allowed = maxPerDay <= 0 || current < int64(maxPerDay)
	return q, nil
}

// Increment atomically adds one to today's counter and returns the new value
func (l *Limiter) Increment(ctx context.Context, keyID string) (int64, error) {
	n, err := l.store.IncrementCounter(ctx, keyID, domain.CounterDate(l.now()))
	if err != nil {
		return 0, fmt.Errorf("increment counter: %w", err)
	}
	return n, nil
}
