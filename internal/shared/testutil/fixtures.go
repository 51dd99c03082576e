package testutil

import (
	"testing"
	"time"

	"licensegate/internal/signature"
)

// SignedValidateBody builds a /validate/request body signed with secret and
// a fresh nonce
func SignedValidateBody(t *testing.T, productID, domain, apiKey, secret string, at time.Time) map[string]interface{} {
	t.Helper()
	nonce, err := signature.GenerateNonce()
	if err != nil {
		t.Fatalf("generate nonce: %v", err)
	}
	fields := signature.Fields{
		"product_id": productID,
		"domain":     domain,
		"api_key":    apiKey,
		"timestamp":  at.Unix(),
		"nonce":      nonce,
	}
	body := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		body[k] = v
	}
	body["signature"] = signature.Sign(fields, secret)
	return body
}
