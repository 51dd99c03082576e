package storage_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/storage"
	"licensegate/internal/storage/memory"
	"licensegate/pkg/contracts/domain"
)

const seedYAML = `
products:
  - id: 6f1c2a9e-3b4d-4c5e-8f70-1a2b3c4d5e6f
    name: Widget Pro
    version: 2.1.0
    secret: product-secret
users:
  - id: user-1
  - id: user-2
    status: suspended
keys:
  - id: key-1
    key: key_live_seed0001
    secret: key-secret-1
    product_id: 6f1c2a9e-3b4d-4c5e-8f70-1a2b3c4d5e6f
    user_id: user-1
    allowed_domains: ["example.com", "*.example.org"]
    max_requests_per_day: 1000
    payment_status: paid
    ends_at: "2030-01-01T00:00:00Z"
  - id: key-2
    key: key_live_seed0002
    secret: key-secret-2
    status: suspended
    product_id: 6f1c2a9e-3b4d-4c5e-8f70-1a2b3c4d5e6f
    user_id: user-2
`

func TestLoadSeedAndApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))

	seed, err := storage.LoadSeed(path)
	require.NoError(t, err)

	store := memory.New()
	require.NoError(t, seed.Apply(context.Background(), store))

	resolved, err := store.ResolveKey(context.Background(), "key_live_seed0001")
	require.NoError(t, err)
	assert.Equal(t, "key-1", resolved.Key.ID)
	assert.Equal(t, "key-secret-1", resolved.Key.Secret)
	assert.Equal(t, domain.KeyStatusActive, resolved.Key.Status)
	assert.Equal(t, []string{"example.com", "*.example.org"}, resolved.Key.AllowedDomains)
	assert.Equal(t, 1000, resolved.Key.MaxRequestsPerDay)
	assert.Equal(t, domain.EntityStatusActive, resolved.Product.Status)
	assert.Equal(t, "product-secret", resolved.Product.Secret)
	assert.Equal(t, domain.EntityStatusActive, resolved.Owner.Status)
	require.NotNil(t, resolved.Key.Subscription)
	assert.Equal(t, domain.PaymentStatusPaid, resolved.Key.Subscription.PaymentStatus)
	require.NotNil(t, resolved.Key.Subscription.EndsAt)
	assert.True(t, resolved.Key.Subscription.EndsAt.Equal(time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)))

	suspended, err := store.ResolveKey(context.Background(), "key_live_seed0002")
	require.NoError(t, err)
	assert.Equal(t, domain.KeyStatusSuspended, suspended.Key.Status)
	assert.Equal(t, domain.EntityStatusSuspended, suspended.Owner.Status)
	assert.Nil(t, suspended.Key.Subscription)
}

func TestParseSeedRejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"not yaml", "products: [unterminated"},
		{"product without secret", "products:\n  - id: p1\n"},
		{"unknown product", "products:\n  - {id: p1, secret: s}\nusers:\n  - id: u1\nkeys:\n  - {id: k1, key: kk, secret: s, product_id: p2, user_id: u1}\n"},
		{"unknown user", "products:\n  - {id: p1, secret: s}\nkeys:\n  - {id: k1, key: kk, secret: s, product_id: p1, user_id: u9}\n"},
		{"bad status", "products:\n  - {id: p1, secret: s}\nusers:\n  - id: u1\nkeys:\n  - {id: k1, key: kk, secret: s, status: frozen, product_id: p1, user_id: u1}\n"},
		{"bad ends_at", "products:\n  - {id: p1, secret: s}\nusers:\n  - id: u1\nkeys:\n  - {id: k1, key: kk, secret: s, product_id: p1, user_id: u1, ends_at: tomorrow}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := storage.ParseSeed([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}
