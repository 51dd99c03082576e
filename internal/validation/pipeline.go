// Package validation implements the license validation pipeline.
//
// A request walks a fixed sequence of checks and stops at the first failure:
//
//	fields → timestamp → key → key status → product status → product match →
//	user status → subscription → domain → ip → quota → nonce → signature
//
// Each failure maps to exactly one Code. Store faults, timeouts and panics
// become CodeInternalError with a generic message; details only go to logs.
// Every run, accepted or rejected, emits exactly one audit entry.
package validation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"licensegate/internal/audit"
	"licensegate/internal/nonce"
	"licensegate/internal/ratelimit"
	"licensegate/internal/signature"
	"licensegate/internal/storage"
	"licensegate/pkg/contracts/domain"
)

const (
	// DefaultStoreTimeout bounds every single store call
	DefaultStoreTimeout = 2 * time.Second

	successMessage = "License validated successfully"
)

// NonceChecker consumes single use nonces
type NonceChecker interface {
	CheckAndConsume(ctx context.Context, nonce, keyID string) (nonce.Outcome, error)
}

// QuotaTracker reads and increments daily quotas
type QuotaTracker interface {
	CheckQuota(ctx context.Context, keyID string, maxPerDay int) (ratelimit.Quota, error)
	Increment(ctx context.Context, keyID string) (int64, error)
}

// AuditEmitter receives one entry per terminal outcome
type AuditEmitter interface {
	Emit(ctx context.Context, e audit.Entry)
}

// Dependencies are the collaborators of the pipeline
type Dependencies struct {
	Directory storage.KeyDirectory
	Nonces    NonceChecker
	Quota     QuotaTracker
	Audit     AuditEmitter
	Logger    *slog.Logger
}

// Pipeline runs validation requests. It holds no per request state and is
// safe for concurrent use.
type Pipeline struct {
	directory storage.KeyDirectory
	nonces    NonceChecker
	quota     QuotaTracker
	audit     AuditEmitter
	logger    *slog.Logger

	now          signature.Clock
	tolerance    time.Duration
	storeTimeout time.Duration
	metrics      *Metrics
	tracer       trace.Tracer
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithClock overrides the time source
func WithClock(clock signature.Clock) Option {
	return func(p *Pipeline) { p.now = clock }
}

// WithRequestTolerance sets the accepted timestamp skew
func WithRequestTolerance(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.tolerance = d
		}
	}
}

// WithStoreTimeout sets the bound on each store call
func WithStoreTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.storeTimeout = d
		}
	}
}

// WithMetrics enables metric recording
func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithTracer overrides the tracer
func WithTracer(t trace.Tracer) Option {
	return func(p *Pipeline) { p.tracer = t }
}

// NewPipeline creates a pipeline
func NewPipeline(deps Dependencies, opts ...Option) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{
		directory:    deps.Directory,
		nonces:       deps.Nonces,
		quota:        deps.Quota,
		audit:        deps.Audit,
		logger:       logger.With(slog.String("component", "validation_pipeline")),
		now:          time.Now,
		tolerance:    signature.RequestTolerance,
		storeTimeout: DefaultStoreTimeout,
		tracer:       otel.Tracer(TracerName),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// rejection carries a terminal code out of a check
type rejection struct {
	code    Code
	message string
}

func reject(code Code) *rejection {
	return &rejection{code: code, message: code.Message()}
}

// run holds the facts gathered while walking the checks
type run struct {
	req      Request
	resolved *domain.ResolvedKey
}

// Validate runs the checks against req and returns the outcome. It never
// returns an error: internal faults are reported as CodeInternalError.
func (p *Pipeline) Validate(ctx context.Context, req Request) (out Outcome) {
	start := p.now()
	ctx, span := p.tracer.Start(ctx, "validation.Validate",
		trace.WithAttributes(
			attribute.String("validation.product_id", req.ProductID),
			attribute.String("validation.domain", req.Domain),
		))
	defer span.End()

	r := &run{req: req}

	defer func() {
		if rec := recover(); rec != nil {
			p.logger.ErrorContext(ctx, "validation pipeline panicked",
				slog.String("panic", fmt.Sprint(rec)),
				slog.String("request_id", req.RequestID))
			out = p.internal(r)
		}
		out.Elapsed = p.now().Sub(start)
		p.finish(ctx, span, r, out)
	}()

	rej, err := p.evaluate(ctx, r)
	switch {
	case err != nil:
		p.logger.ErrorContext(ctx, "validation aborted by internal error",
			slog.String("error", err.Error()),
			slog.String("request_id", req.RequestID),
			slog.String("key_id", keyID(r)))
		span.RecordError(err)
		return p.internal(r)
	case rej != nil:
		return Outcome{Code: rej.code, Message: rej.message, KeyID: keyID(r)}
	}

	p.accepted(ctx, r)
	return p.success(r)
}

// evaluate walks the checks in order. A nil rejection with a nil error means
// every check passed.
func (p *Pipeline) evaluate(ctx context.Context, r *run) (*rejection, error) {
	req := r.req

	if bad := CheckFields(req); len(bad) > 0 {
		return &rejection{
			code:    CodeMissingFields,
			message: fmt.Sprintf("%s: %s", CodeMissingFields.Message(), strings.Join(bad, ", ")),
		}, nil
	}

	if !signature.IsTimestampValidAt(p.now(), req.Timestamp, p.tolerance) {
		return reject(CodeInvalidTimestamp), nil
	}

	resolved, err := bounded(ctx, p.storeTimeout, func(ctx context.Context) (*domain.ResolvedKey, error) {
		return p.directory.ResolveKey(ctx, req.APIKey)
	})
	if errors.Is(err, storage.ErrKeyNotFound) {
		return reject(CodeInvalidAPIKey), nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve key: %w", err)
	}
	if resolved == nil {
		return reject(CodeInvalidAPIKey), nil
	}
	r.resolved = resolved
	key := resolved.Key

	if key.Status != domain.KeyStatusActive {
		return reject(CodeAPIKeyInactive), nil
	}
	if resolved.Product.Status != domain.EntityStatusActive {
		return reject(CodeProductInactive), nil
	}
	if key.ProductID != req.ProductID {
		return reject(CodeProductMismatch), nil
	}
	if resolved.Owner.Status != domain.EntityStatusActive {
		return reject(CodeUserSuspended), nil
	}

	if sub := key.Subscription; sub != nil {
		if sub.PaymentStatus != domain.PaymentStatusPaid {
			return reject(CodePaymentRequired), nil
		}
		if sub.Ended(p.now()) {
			p.expireKey(ctx, key.ID)
			return reject(CodeSubscriptionExpired), nil
		}
	}

	if !signature.IsDomainAllowed(req.Domain, key.AllowedDomains) {
		return reject(CodeDomainNotAllowed), nil
	}
	if !signature.IsIPAllowed(req.ClientIP, key.AllowedIPs) {
		return reject(CodeIPNotAllowed), nil
	}

	quota, err := bounded(ctx, p.storeTimeout, func(ctx context.Context) (ratelimit.Quota, error) {
		return p.quota.CheckQuota(ctx, key.ID, key.MaxRequestsPerDay)
	})
	if err != nil {
		return nil, fmt.Errorf("check quota: %w", err)
	}
	if !quota.Allowed {
		return reject(CodeRateLimitExceeded), nil
	}

	nonceOut, err := bounded(ctx, p.storeTimeout, func(ctx context.Context) (nonce.Outcome, error) {
		return p.nonces.CheckAndConsume(ctx, req.Nonce, key.ID)
	})
	if err != nil {
		return nil, fmt.Errorf("consume nonce: %w", err)
	}
	if !nonceOut.Valid {
		return &rejection{
			code:    CodeInvalidNonce,
			message: fmt.Sprintf("%s: %s", CodeInvalidNonce.Message(), nonceOut.Reason),
		}, nil
	}

	if !signature.Verify(req.SignedFields(), req.Signature, key.Secret) {
		return reject(CodeInvalidSignature), nil
	}

	return nil, nil
}

// expireKey moves the key to expired. A failure is logged; the request is
// rejected either way.
func (p *Pipeline) expireKey(ctx context.Context, keyID string) {
	_, err := bounded(ctx, p.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.directory.MarkKeyStatus(ctx, keyID, domain.KeyStatusExpired)
	})
	if err != nil {
		p.logger.ErrorContext(ctx, "failed to mark key expired",
			slog.String("key_id", keyID),
			slog.String("error", err.Error()))
		p.metrics.sideEffectFailed(ctx, "mark_expired")
	}
}

// accepted applies the post acceptance side effects. Their failures do not
// change the outcome.
func (p *Pipeline) accepted(ctx context.Context, r *run) {
	id := r.resolved.Key.ID

	_, err := bounded(ctx, p.storeTimeout, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, p.directory.TouchLastSeen(ctx, id, p.now())
	})
	if err != nil {
		p.logger.WarnContext(ctx, "failed to update last seen",
			slog.String("key_id", id),
			slog.String("error", err.Error()))
		p.metrics.sideEffectFailed(ctx, "touch_last_seen")
	}

	_, err = bounded(ctx, p.storeTimeout, func(ctx context.Context) (int64, error) {
		return p.quota.Increment(ctx, id)
	})
	if err != nil {
		p.logger.WarnContext(ctx, "failed to increment rate counter",
			slog.String("key_id", id),
			slog.String("error", err.Error()))
		p.metrics.sideEffectFailed(ctx, "increment_counter")
	}
}

func (p *Pipeline) success(r *run) Outcome {
	key := r.resolved.Key
	lic := &LicenseSummary{Status: string(key.Status)}
	if key.Subscription != nil && key.Subscription.EndsAt != nil {
		t := key.Subscription.EndsAt.UTC()
		lic.ExpiresAt = &t
	}
	return Outcome{
		Success: true,
		Message: successMessage,
		KeyID:   key.ID,
		Product: &ProductSummary{
			ID:      r.resolved.Product.ID,
			Name:    r.resolved.Product.Name,
			Version: r.resolved.Product.Version,
		},
		License: lic,
	}
}

func (p *Pipeline) internal(r *run) Outcome {
	return Outcome{Code: CodeInternalError, Message: CodeInternalError.Message(), KeyID: keyID(r)}
}

func (p *Pipeline) finish(ctx context.Context, span trace.Span, r *run, out Outcome) {
	code := string(out.Code)
	span.SetAttributes(
		attribute.Bool("validation.success", out.Success),
		attribute.String("validation.code", code),
	)
	if out.Code == CodeInternalError {
		span.SetStatus(otelcodes.Error, code)
	} else {
		span.SetStatus(otelcodes.Ok, "")
	}

	p.metrics.record(ctx, out)

	if out.Success {
		p.logger.InfoContext(ctx, "license validated",
			slog.String("key_id", out.KeyID),
			slog.String("request_id", r.req.RequestID),
			slog.Duration("elapsed", out.Elapsed))
	} else if out.Code != CodeInternalError {
		p.logger.InfoContext(ctx, "license validation rejected",
			slog.String("code", code),
			slog.String("key_id", out.KeyID),
			slog.String("request_id", r.req.RequestID),
			slog.Duration("elapsed", out.Elapsed))
	}

	if p.audit == nil {
		return
	}
	entry := audit.NewEntry(audit.KindValidation, p.now())
	entry.RequestID = r.req.RequestID
	entry.KeyID = out.KeyID
	entry.APIKeyMasked = audit.MaskKey(r.req.APIKey)
	entry.ProductID = r.req.ProductID
	entry.Domain = signature.NormalizeDomain(r.req.Domain)
	if r.req.ClientIP != "" {
		entry.IPHash = signature.HashIP(r.req.ClientIP)
	}
	entry.Code = code
	entry.Message = out.Message
	entry.Elapsed = out.Elapsed
	entry.Result = audit.ResultFailure
	if out.Success {
		entry.Result = audit.ResultSuccess
	}
	p.audit.Emit(ctx, entry)
}

func keyID(r *run) string {
	if r == nil || r.resolved == nil {
		return ""
	}
	return r.resolved.Key.ID
}
