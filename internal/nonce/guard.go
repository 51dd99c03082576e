// Package nonce enforces single use of freshness tokens per license key.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"licensegate/internal/signature"
	"licensegate/internal/storage"
	"licensegate/pkg/contracts/domain"
)

// Mode controls how nonces that were never issued by the server are treated
type Mode string

const (
	// ModeImplicit registers an unseen client nonce as used on first sight
	ModeImplicit Mode = "implicit"
	// ModeStrict accepts server issued nonces only
	ModeStrict Mode = "strict"
)

// Rejection reasons, surfaced in the INVALID_NONCE message
const (
	ReasonNotFound    = "not found"
	ReasonAlreadyUsed = "already used"
	ReasonExpired     = "expired"
)

// DefaultTTL is how long an implicitly registered nonce blocks replays
const DefaultTTL = 10 * time.Minute

// Outcome is the result of a check-and-consume
type Outcome struct {
	Valid  bool
	Reason string
}

// Guard checks and consumes nonces against a NonceStore
type Guard struct {
	store  storage.NonceStore
	mode   Mode
	ttl    time.Duration
	now    signature.Clock
	logger *slog.Logger
}

// Option configures a Guard
type Option func(*Guard)

// WithClock overrides the time source
func WithClock(clock signature.Clock) Option {
	return func(g *Guard) { g.now = clock }
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Guard) { g.logger = logger }
}

// NewGuard creates a guard. ttl is used for implicitly registered nonces.
func NewGuard(store storage.NonceStore, mode Mode, ttl time.Duration, opts ...Option) *Guard {
	if mode == "" {
		mode = ModeImplicit
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	g := &Guard{
		store:  store,
		mode:   mode,
		ttl:    ttl,
		now:    time.Now,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With(slog.String("component", "nonce_guard"))
	return g
}

// Mode returns the configured mode
func (g *Guard) Mode() Mode { return g.mode }

// CheckAndConsume consumes nonce for keyID if it is fresh. The decision rests
// on the store's atomic consume, so of any number of concurrent calls for the
// same pair at most one is valid.
func (g *Guard) CheckAndConsume(ctx context.Context, nonce, keyID string) (Outcome, error) {
	return g.consume(ctx, nonce, keyID, g.mode)
}

// ConsumeIssued is CheckAndConsume in strict mode regardless of configuration.
// Challenge verification uses it since challenge nonces are always issued.
func (g *Guard) ConsumeIssued(ctx context.Context, nonce, keyID string) (Outcome, error) {
	return g.consume(ctx, nonce, keyID, ModeStrict)
}

func (g *Guard) consume(ctx context.Context, nonce, keyID string, mode Mode) (Outcome, error) {
	now := g.now()
	res, err := g.store.ConsumeNonce(ctx, nonce, keyID, now)
	if err != nil {
		return Outcome{}, fmt.Errorf("consume nonce: %w", err)
	}

	if res == storage.NonceMissing && mode == ModeImplicit {
		inserted, err := g.store.RegisterUsed(ctx, nonce, keyID, now.Add(g.ttl))
		if err != nil {
			return Outcome{}, fmt.Errorf("register nonce: %w", err)
		}
		if inserted {
			return Outcome{Valid: true}, nil
		}
		// lost a race against a concurrent registration of the same nonce
		g.logger.DebugContext(ctx, "concurrent nonce registration", slog.String("key_id", keyID))
		return Outcome{Reason: ReasonAlreadyUsed}, nil
	}

	switch res {
	case storage.Consumed:
		return Outcome{Valid: true}, nil
	case storage.NonceAlreadyUsed:
		return Outcome{Reason: ReasonAlreadyUsed}, nil
	case storage.NonceExpired:
		return Outcome{Reason: ReasonExpired}, nil
	default:
		return Outcome{Reason: ReasonNotFound}, nil
	}
}

// Issue generates and stores a new unused nonce for keyID
func (g *Guard) Issue(ctx context.Context, keyID string, ttl time.Duration) (domain.NonceRecord, error) {
	value, err := signature.GenerateNonce()
	if err != nil {
		return domain.NonceRecord{}, err
	}
	return g.Register(ctx, value, keyID, ttl)
}

// Register stores a caller provided nonce as unused for keyID
func (g *Guard) Register(ctx context.Context, value, keyID string, ttl time.Duration) (domain.NonceRecord, error) {
	now := g.now()
	rec := domain.NonceRecord{
		Nonce:     value,
		KeyID:     keyID,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if err := g.store.InsertNonce(ctx, rec); err != nil {
		if errors.Is(err, storage.ErrNonceExists) {
			return domain.NonceRecord{}, err
		}
		return domain.NonceRecord{}, fmt.Errorf("insert nonce: %w", err)
	}
	return rec, nil
}
