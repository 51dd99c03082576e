// Package domain contains the core domain models for the license validation service.
// These types serve as the Single Source of Truth (SSOT) for all layers of the application.
package domain

import (
	"time"
)

// KeyStatus represents the lifecycle status of a provisioned license key
type KeyStatus string

const (
	KeyStatusActive    KeyStatus = "active"
	KeyStatusSuspended KeyStatus = "suspended"
	KeyStatusExpired   KeyStatus = "expired"
)

// IsValid reports whether s is one of the known key statuses
func (s KeyStatus) IsValid() bool {
	switch s {
	case KeyStatusActive, KeyStatusSuspended, KeyStatusExpired:
		return true
	}
	return false
}

// EntityStatus is the status of a product or an owning user
type EntityStatus string

const (
	EntityStatusActive    EntityStatus = "active"
	EntityStatusInactive  EntityStatus = "inactive"
	EntityStatusSuspended EntityStatus = "suspended"
)

// PaymentStatusPaid is the only payment status that lets a subscription through
const PaymentStatusPaid = "paid"

// LicenseKeyRecord is the identity of a provisioned key.
// Secret is write-once at issuance and is never serialized.
type LicenseKeyRecord struct {
	ID                string        `json:"id" db:"id"`
	Key               string        `json:"key" db:"api_key"`
	Secret            string        `json:"-" db:"secret"`
	Status            KeyStatus     `json:"status" db:"status"`
	ProductID         string        `json:"product_id" db:"product_id"`
	UserID            string        `json:"user_id" db:"user_id"`
	AllowedDomains    []string      `json:"allowed_domains" db:"allowed_domains"`
	AllowedIPs        []string      `json:"allowed_ips" db:"allowed_ips"`
	MaxRequestsPerDay int           `json:"max_requests_per_day" db:"max_requests_per_day"`
	Subscription      *Subscription `json:"subscription,omitempty" db:"-"`
	LastSeenAt        *time.Time    `json:"last_seen_at,omitempty" db:"last_seen_at"`
	CreatedAt         time.Time     `json:"created_at" db:"created_at"`
}

// Subscription is the paid/expiry window attached to a key through its order
type Subscription struct {
	OrderID       string     `json:"order_id" db:"order_id"`
	PaymentStatus string     `json:"payment_status" db:"payment_status"`
	EndsAt        *time.Time `json:"ends_at,omitempty" db:"ends_at"`
}

// Ended reports whether the subscription has an end date before now
func (s *Subscription) Ended(now time.Time) bool {
	return s != nil && s.EndsAt != nil && s.EndsAt.Before(now)
}

// Product is the product a key is provisioned for.
// Secret signs challenges and is distinct from per-key secrets.
type Product struct {
	ID      string       `json:"id" db:"id"`
	Name    string       `json:"name" db:"name"`
	Version string       `json:"version" db:"version"`
	Status  EntityStatus `json:"status" db:"status"`
	Secret  string       `json:"-" db:"secret"`
}

// Owner is the user owning a key
type Owner struct {
	ID     string       `json:"id" db:"id"`
	Status EntityStatus `json:"status" db:"status"`
}

// ResolvedKey is everything a single directory lookup returns for a presented key
type ResolvedKey struct {
	Key     LicenseKeyRecord `json:"key"`
	Product Product          `json:"product"`
	Owner   Owner            `json:"owner"`
}

// NonceRecord is a single-use freshness token scoped to one key
type NonceRecord struct {
	ID        string    `json:"id" db:"id"`
	Nonce     string    `json:"nonce" db:"nonce"`
	KeyID     string    `json:"key_id" db:"key_id"`
	Used      bool      `json:"used" db:"used"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Expired reports whether the nonce is past its expiry at now
func (n NonceRecord) Expired(now time.Time) bool {
	return !now.Before(n.ExpiresAt)
}

// RateCounter is the per key, per UTC day request counter
type RateCounter struct {
	KeyID string `json:"key_id" db:"key_id"`
	Date  string `json:"date" db:"date"`
	Count int64  `json:"count" db:"count"`
}

// CounterDateLayout is the partition key layout of rate counters
const CounterDateLayout = "2006-01-02"

// CounterDate returns the UTC counter partition for t
func CounterDate(t time.Time) string {
	return t.UTC().Format(CounterDateLayout)
}
