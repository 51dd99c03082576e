package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestKeyStatus_IsValid(t *testing.T) {
	assert.True(t, KeyStatusActive.IsValid())
	assert.True(t, KeyStatusSuspended.IsValid())
	assert.True(t, KeyStatusExpired.IsValid())
	assert.False(t, KeyStatus("revoked").IsValid())
	assert.False(t, KeyStatus("").IsValid())
}

func TestSubscription_Ended(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	var nilSub *Subscription
	assert.False(t, nilSub.Ended(now))
	assert.False(t, (&Subscription{PaymentStatus: "paid"}).Ended(now))
	assert.True(t, (&Subscription{EndsAt: &past}).Ended(now))
	assert.False(t, (&Subscription{EndsAt: &future}).Ended(now))
}

func TestNonceRecord_Expired(t *testing.T) {
	now := time.Now()
	assert.True(t, NonceRecord{ExpiresAt: now}.Expired(now))
	assert.True(t, NonceRecord{ExpiresAt: now.Add(-time.Second)}.Expired(now))
	assert.False(t, NonceRecord{ExpiresAt: now.Add(time.Second)}.Expired(now))
}

func TestCounterDate_UsesUTC(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	ts := time.Date(2026, 1, 2, 1, 30, 0, 0, loc)
	assert.Equal(t, "2026-01-01", CounterDate(ts))
}
