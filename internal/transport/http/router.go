package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/render"

	apierrors "licensegate/internal/errors"
	"licensegate/internal/middleware"
)

// RouterConfig wires handlers and middleware into the HTTP surface.
// Optional pieces are skipped when nil.
type RouterConfig struct {
	Validation *ValidationHandler
	Challenge  *ChallengeHandler
	Health     *HealthHandler
	Stream     *StreamHandler
	Metrics    http.Handler

	OTel        *middleware.OTelMiddleware
	RateLimiter *middleware.RateLimiter
	CORS        *middleware.CORSConfig

	// TrustedProxies may report the client address in forwarding headers
	TrustedProxies *middleware.TrustedProxies

	ValidateTimeout time.Duration
	MaxBodyBytes    int64
	IncludeStack    bool
	Logger          *slog.Logger
}

// NewRouter builds the chi router.
// Order: RequestID, RealIP, OTel, Logger, Recoverer, SecurityHeaders, CORS,
// RateLimit, Timeout. The stream route only gets the first two so the
// upgraded connection is not wrapped.
func NewRouter(cfg RouterConfig) *chi.Mux {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	errHandler := apierrors.NewErrorHandler(logger, cfg.IncludeStack)

	r := chi.NewRouter()
	r.NotFound(errHandler.NotFound)
	r.MethodNotAllowed(errHandler.MethodNotAllowed)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP(cfg.TrustedProxies))

	if cfg.Stream != nil {
		r.Get("/validate/stream", cfg.Stream.Serve)
	}

	if cfg.Metrics != nil {
		r.Handle("/metrics", cfg.Metrics)
	}

	r.Group(func(r chi.Router) {
		if cfg.OTel != nil {
			r.Use(cfg.OTel.Handler)
		}
		r.Use(middleware.StructuredLogger(logger))
		r.Use(apierrors.RecoveryMiddleware(errHandler))
		r.Use(middleware.SecurityHeaders)
		if cfg.CORS != nil {
			r.Use(middleware.CORS(*cfg.CORS))
		}
		if cfg.RateLimiter != nil {
			r.Use(cfg.RateLimiter.Handler)
		}
		if cfg.ValidateTimeout > 0 {
			r.Use(middleware.Timeout(cfg.ValidateTimeout, logger))
		}
		if cfg.MaxBodyBytes > 0 {
			r.Use(middleware.MaxBodyBytes(cfg.MaxBodyBytes, errHandler))
		}
		r.Use(render.SetContentType(render.ContentTypeJSON))

		r.Route("/validate", func(r chi.Router) {
			if cfg.Validation != nil {
				r.Post("/request", cfg.Validation.Validate)
			}
			if cfg.Challenge != nil {
				r.Post("/challenge", cfg.Challenge.Issue)
				r.Post("/challenge/verify", cfg.Challenge.Verify)
			}
			if cfg.Health != nil {
				r.Get("/health", cfg.Health.HealthCheck)
				r.Get("/health/ready", cfg.Health.ReadinessCheck)
				r.Get("/health/live", cfg.Health.LivenessCheck)
				r.Get("/version", cfg.Health.Version)
			}
		})
	})

	return r
}
