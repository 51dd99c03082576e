package audit

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Result values of an audit entry
const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

// Entry kinds
const (
	KindValidation      = "validation"
	KindChallengeIssue  = "challenge_issue"
	KindChallengeVerify = "challenge_verify"
)

// Entry is one audit record. It never holds secrets, raw API keys or raw IPs.
type Entry struct {
	ID           string        `json:"id"`
	Kind         string        `json:"kind"`
	Timestamp    time.Time     `json:"timestamp"`
	RequestID    string        `json:"request_id,omitempty"`
	KeyID        string        `json:"key_id,omitempty"`
	APIKeyMasked string        `json:"api_key,omitempty"`
	ProductID    string        `json:"product_id,omitempty"`
	Domain       string        `json:"domain,omitempty"`
	IPHash       string        `json:"ip_hash,omitempty"`
	Result       string        `json:"result"`
	Code         string        `json:"code,omitempty"`
	Message      string        `json:"message"`
	Elapsed      time.Duration `json:"elapsed_ns"`
}

// NewEntry returns an entry with a fresh ULID and the given timestamp
func NewEntry(kind string, at time.Time) Entry {
	return Entry{
		ID:        ulid.Make().String(),
		Kind:      kind,
		Timestamp: at.UTC(),
	}
}

// MaskKey keeps the last four characters of an API key
func MaskKey(key string) string {
	if len(key) <= 4 {
		return "***"
	}
	return "***" + key[len(key)-4:]
}
