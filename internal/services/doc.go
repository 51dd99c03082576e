// Package services holds application services that sit between HTTP handlers
// and infrastructure but carry no validation policy of their own.
//
// # Available Services
//
//	- HealthService: liveness, readiness probes over storage backends, version info
//
// Readiness probes run each registered backend's Ping under a short timeout.
// A failing probe degrades the overall status, which handlers render as 503.
package services
