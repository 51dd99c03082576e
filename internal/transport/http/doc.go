// Package http implements the HTTP surface of the license validation service.
// Handlers are a thin layer between the transport and the validation engine:
// they decode the body, attach the caller address and request id, and render
// the outcome. No policy lives here.
//
// # Endpoints
//
//	POST /validate/request           signed validation request
//	POST /validate/challenge         issue a challenge nonce
//	POST /validate/challenge/verify  answer a challenge
//	GET  /validate/health            liveness, never touches a backend
//	GET  /validate/health/ready      backend probes
//	GET  /validate/stream            WebSocket feed of audit entries
//	GET  /metrics                    Prometheus exposition
//
// # Error Handling
//
// Validation endpoints answer rejections with the envelope
//
//	{"success": false, "valid": false, "error": {"code": "...", "message": "..."}}
//
// using 400 for MISSING_FIELDS, 500 for INTERNAL_ERROR and 403 otherwise.
// Router level failures (unknown route, wrong method, panic) follow RFC 7807
// Problem Details.
//
// # Middleware
//
//	RequestID → RealIP → OTel → Logger → Recoverer → SecurityHeaders → CORS → RateLimit → Timeout
//
// The stream route is registered before the group so the upgraded connection
// is never wrapped by the timeout or logging writers.
package http
