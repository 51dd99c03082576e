// Package challenge implements the two round trip challenge-response mode.
//
// The server issues a nonce bound to the key, signed with the product secret
// so the client can tell the challenge came from the server. The client
// answers with the nonce, a fresh timestamp and a signature made with its own
// key secret. A challenge is consumed at most once and lives for 60 seconds.
package challenge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"licensegate/internal/audit"
	"licensegate/internal/nonce"
	"licensegate/internal/signature"
	"licensegate/internal/storage"
	"licensegate/internal/validation"
	"licensegate/pkg/contracts/domain"
)

const (
	// MeterName is the instrumentation scope of challenge metrics
	MeterName = "licensegate/challenge"

	opIssue  = "issue"
	opVerify = "verify"
)

// Challenge is what the server hands out
type Challenge struct {
	Nonce     string    `json:"nonce"`
	Timestamp int64     `json:"timestamp"`
	Signature string    `json:"signature"`
	ExpiresAt time.Time `json:"expires_at"`
	ExpiresIn int       `json:"expires_in"`
}

// IssueRequest asks for a challenge on behalf of a key
type IssueRequest struct {
	APIKey string `json:"api_key"`
	Domain string `json:"domain"`

	ClientIP  string `json:"-"`
	RequestID string `json:"-"`
}

// Response is the client's answer to a challenge
type Response struct {
	APIKey    string `json:"api_key"`
	Nonce     string `json:"nonce"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature"`

	ClientIP  string `json:"-"`
	RequestID string `json:"-"`
}

// Error is a policy rejection, carrying a code of the validation taxonomy
type Error struct {
	Code    validation.Code
	Message string
}

func (e *Error) Error() string { return fmt.Sprintf("%s: %s", e.Code, e.Message) }

func rejection(code validation.Code) *Error {
	return &Error{Code: code, Message: code.Message()}
}

// NonceIssuer stores and consumes server issued nonces
type NonceIssuer interface {
	Issue(ctx context.Context, keyID string, ttl time.Duration) (domain.NonceRecord, error)
	ConsumeIssued(ctx context.Context, nonce, keyID string) (nonce.Outcome, error)
}

// Service issues and verifies challenges
type Service struct {
	directory    storage.KeyDirectory
	nonces       NonceIssuer
	audit        validation.AuditEmitter
	logger       *slog.Logger
	now          signature.Clock
	ttl          time.Duration
	storeTimeout time.Duration
	counter      metric.Int64Counter
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(clock signature.Clock) Option {
	return func(s *Service) { s.now = clock }
}

// WithTTL sets the challenge lifetime and the accepted response skew
func WithTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithStoreTimeout bounds each store call
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// NewService creates a challenge service. emitter may be nil.
func NewService(directory storage.KeyDirectory, nonces NonceIssuer, emitter validation.AuditEmitter, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		directory:    directory,
		nonces:       nonces,
		audit:        emitter,
		logger:       logger.With(slog.String("component", "challenge_service")),
		now:          time.Now,
		ttl:          signature.ChallengeTolerance,
		storeTimeout: validation.DefaultStoreTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	counter, err := otel.Meter(MeterName).Int64Counter(
		"license_challenges_total",
		metric.WithDescription("Challenge operations by op and result"),
	)
	if err != nil {
		s.logger.Warn("failed to create challenge counter", slog.String("error", err.Error()))
	}
	s.counter = counter
	return s
}

// Issue creates a challenge for a key calling from a domain
func (s *Service) Issue(ctx context.Context, req IssueRequest) (ch Challenge, err error) {
	start := s.now()
	apiKey, domainName := req.APIKey, req.Domain
	var keyID string
	defer func() {
		s.observe(ctx, opIssue, err, start, keyID, apiKey, domainName, req.ClientIP, req.RequestID)
	}()

	if apiKey == "" || domainName == "" {
		return Challenge{}, rejection(validation.CodeMissingFields)
	}

	resolved, err := s.resolve(ctx, apiKey)
	if err != nil {
		return Challenge{}, err
	}
	keyID = resolved.Key.ID

	if resolved.Product.Status != domain.EntityStatusActive {
		return Challenge{}, rejection(validation.CodeProductInactive)
	}
	if rej := s.standing(resolved); rej != nil {
		return Challenge{}, rej
	}
	if !signature.IsDomainAllowed(domainName, resolved.Key.AllowedDomains) {
		return Challenge{}, rejection(validation.CodeDomainNotAllowed)
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	rec, err := s.nonces.Issue(sctx, keyID, s.ttl)
	cancel()
	if err != nil {
		return Challenge{}, fmt.Errorf("issue challenge nonce: %w", err)
	}

	ts := s.now().Unix()
	return Challenge{
		Nonce:     rec.Nonce,
		Timestamp: ts,
		Signature: signature.Sign(challengeFields(apiKey, rec.Nonce, ts), resolved.Product.Secret),
		ExpiresAt: time.Unix(ts, 0).Add(s.ttl).UTC(),
		ExpiresIn: int(s.ttl / time.Second),
	}, nil
}

// Verify checks a challenge response and consumes its nonce
func (s *Service) Verify(ctx context.Context, resp Response) (err error) {
	start := s.now()
	var keyID string
	defer func() {
		s.observe(ctx, opVerify, err, start, keyID, resp.APIKey, "", resp.ClientIP, resp.RequestID)
	}()

	if resp.APIKey == "" || resp.Nonce == "" || resp.Timestamp == 0 || resp.Signature == "" {
		return rejection(validation.CodeMissingFields)
	}
	if !signature.IsTimestampValidAt(s.now(), resp.Timestamp, s.ttl) {
		return rejection(validation.CodeInvalidTimestamp)
	}

	resolved, err := s.resolve(ctx, resp.APIKey)
	if err != nil {
		return err
	}
	keyID = resolved.Key.ID
	if rej := s.standing(resolved); rej != nil {
		return rej
	}

	if !signature.Verify(challengeFields(resp.APIKey, resp.Nonce, resp.Timestamp), resp.Signature, resolved.Key.Secret) {
		return rejection(validation.CodeInvalidSignature)
	}

	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	out, err := s.nonces.ConsumeIssued(sctx, resp.Nonce, keyID)
	cancel()
	if err != nil {
		return fmt.Errorf("consume challenge nonce: %w", err)
	}
	if !out.Valid {
		return &Error{
			Code:    validation.CodeInvalidNonce,
			Message: fmt.Sprintf("%s: %s", validation.CodeInvalidNonce.Message(), out.Reason),
		}
	}
	return nil
}

func (s *Service) resolve(ctx context.Context, apiKey string) (*domain.ResolvedKey, error) {
	sctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	resolved, err := s.directory.ResolveKey(sctx, apiKey)
	if errors.Is(err, storage.ErrKeyNotFound) || (err == nil && resolved == nil) {
		return nil, rejection(validation.CodeInvalidAPIKey)
	}
	if err != nil {
		return nil, fmt.Errorf("resolve key: %w", err)
	}
	if resolved.Key.Status != domain.KeyStatusActive {
		return nil, rejection(validation.CodeAPIKeyInactive)
	}
	return resolved, nil
}

// standing applies the owner and subscription rules of request validation.
// Expired subscriptions are only rejected here; marking the key is left to
// the validation pipeline.
func (s *Service) standing(resolved *domain.ResolvedKey) *Error {
	if resolved.Owner.Status != domain.EntityStatusActive {
		return rejection(validation.CodeUserSuspended)
	}
	if sub := resolved.Key.Subscription; sub != nil {
		if sub.PaymentStatus != domain.PaymentStatusPaid {
			return rejection(validation.CodePaymentRequired)
		}
		if sub.Ended(s.now()) {
			return rejection(validation.CodeSubscriptionExpired)
		}
	}
	return nil
}

func (s *Service) observe(ctx context.Context, op string, err error, start time.Time, keyID, apiKey, domainName, ip, requestID string) {
	result := audit.ResultSuccess
	code := ""
	message := "challenge " + op + " succeeded"

	var rej *Error
	switch {
	case err == nil:
	case errors.As(err, &rej):
		result = audit.ResultFailure
		code = string(rej.Code)
		message = rej.Message
	default:
		result = audit.ResultFailure
		code = string(validation.CodeInternalError)
		message = validation.CodeInternalError.Message()
		s.logger.ErrorContext(ctx, "challenge operation failed",
			slog.String("op", op),
			slog.String("key_id", keyID),
			slog.String("error", err.Error()))
	}

	if s.counter != nil {
		s.counter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("op", op),
			attribute.String("result", result),
		))
	}

	if s.audit == nil {
		return
	}
	kind := audit.KindChallengeIssue
	if op == opVerify {
		kind = audit.KindChallengeVerify
	}
	e := audit.NewEntry(kind, s.now())
	e.RequestID = requestID
	e.KeyID = keyID
	e.APIKeyMasked = audit.MaskKey(apiKey)
	e.Domain = signature.NormalizeDomain(domainName)
	if ip != "" {
		e.IPHash = signature.HashIP(ip)
	}
	e.Result = result
	e.Code = code
	e.Message = message
	e.Elapsed = s.now().Sub(start)
	s.audit.Emit(ctx, e)
}

func challengeFields(apiKey, n string, ts int64) signature.Fields {
	return signature.Fields{
		"api_key":   apiKey,
		"nonce":     n,
		"timestamp": ts,
	}
}
