package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Janitor periodically purges expired nonces from a NonceStore
type Janitor struct {
	store    NonceStore
	interval time.Duration
	grace    time.Duration
	logger   *slog.Logger
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewJanitor creates a janitor. Nonces are purged once they have been expired
// for longer than grace.
func NewJanitor(store NonceStore, interval, grace time.Duration, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:    store,
		interval: interval,
		grace:    grace,
		logger:   logger.With(slog.String("component", "nonce_janitor")),
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run purges on every tick until ctx is cancelled or Stop is called
func (j *Janitor) Run(ctx context.Context) {
	defer close(j.done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			j.Sweep(ctx)
		case <-j.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Sweep runs a single purge pass
func (j *Janitor) Sweep(ctx context.Context) int64 {
	purged, err := j.store.PurgeExpired(ctx, j.now().Add(-j.grace))
	if err != nil {
		j.logger.ErrorContext(ctx, "nonce purge failed", slog.String("error", err.Error()))
		return 0
	}
	if purged > 0 {
		j.logger.InfoContext(ctx, "purged expired nonces", slog.Int64("count", purged))
	}
	return purged
}

// Stop signals Run to return and waits for it
func (j *Janitor) Stop() {
	j.stopOnce.Do(func() { close(j.stop) })
	<-j.done
}
