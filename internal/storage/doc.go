// Package storage defines the persistence boundary of the validation engine.
//
// The engine never talks to a database directly. It depends on three narrow
// interfaces:
//
//   - KeyDirectory resolves an API key to its record, product and owner
//   - NonceStore keeps one-time nonces scoped per key
//   - CounterStore keeps per-key daily request counters
//
// Backends live in subpackages (memory, postgres, redisstore, sheets). Each
// backend must implement ConsumeNonce, RegisterUsed and IncrementCounter as a
// single atomic primitive. A read followed by a write is not acceptable since
// two concurrent validations with the same nonce must never both succeed.
//
// CachedDirectory decorates any KeyDirectory with a short TTL cache and
// Janitor periodically purges expired nonces.
package storage
