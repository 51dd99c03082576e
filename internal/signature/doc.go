// Package signature implements the message authentication primitives shared by
// request validation and challenge-response.
//
// # Canonical payload
//
// A field set is serialized deterministically before signing:
//
//	{"timestamp": 1700000000, "api_key": "k", "nonce": "n"}
//	→ "api_key=k&nonce=n&timestamp=1700000000"
//
// Nil values are dropped, keys are sorted by their raw byte order and pairs
// are joined with "&". Client SDKs must produce the identical byte sequence,
// so the rendering of scalars is fixed (see Canonicalize).
//
// # Signing
//
// Signatures are lower-case hex HMAC-SHA256 digests of the canonical payload
// keyed by a shared secret. Verification uses a constant-time comparison.
//
// # Access policy
//
// Domain allow-lists fail closed (an empty list rejects everything) while IP
// allow-lists fail open (an empty list accepts everything).
package signature
