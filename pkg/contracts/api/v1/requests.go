// Package api contains the HTTP contract of the license validation service.
// Version v1 represents the current stable API version.
package api

// ValidateRequest is the body of POST /validate/request.
// Shape rules are enforced by the validation engine, not here.
type ValidateRequest struct {
	ProductID string `json:"product_id"`
	Domain    string `json:"domain"`
	APIKey    string `json:"api_key"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// ChallengeRequest is the body of POST /validate/challenge
type ChallengeRequest struct {
	APIKey string `json:"api_key"`
	Domain string `json:"domain"`
}

// ChallengeVerifyRequest is the body of POST /validate/challenge/verify
type ChallengeVerifyRequest struct {
	APIKey    string `json:"api_key"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`
}
