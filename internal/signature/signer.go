package signature

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// NonceBytes is the amount of randomness in a generated nonce (64 hex chars)
const NonceBytes = 32

// Sign computes the lower-case hex HMAC-SHA256 of the canonical payload
func Sign(fields Fields, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(Canonicalize(fields)))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the signature and compares it in constant time.
// A length mismatch is a plain false.
func Verify(fields Fields, signature, secret string) bool {
	expected := Sign(fields, secret)
	if len(expected) != len(signature) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(expected), []byte(signature)) == 1
}

// GenerateNonce returns 32 cryptographically random bytes as 64 hex characters
func GenerateNonce() (string, error) {
	buf := make([]byte, NonceBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// HashIP returns a one-way digest of ip truncated to 16 hex characters.
// It is meant for audit storage only, never for allow-list comparisons.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:])[:16]
}
