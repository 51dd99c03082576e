package challenge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/audit"
	"licensegate/internal/nonce"
	"licensegate/internal/signature"
	"licensegate/internal/storage"
	"licensegate/internal/storage/memory"
	"licensegate/internal/validation"
	"licensegate/pkg/contracts/domain"
)

const (
	apiKey        = "key_live_challenge01"
	keySecret     = "key-secret"
	productSecret = "product-secret"
)

type recordingAudit struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *recordingAudit) Emit(_ context.Context, e audit.Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
}

type brokenDirectory struct {
	storage.KeyDirectory
}

func (brokenDirectory) ResolveKey(context.Context, string) (*domain.ResolvedKey, error) {
	return nil, errors.New("dial tcp: connection refused")
}

type env struct {
	store *memory.Store
	audit *recordingAudit
	now   time.Time
	svc   *Service
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store: memory.New(),
		audit: &recordingAudit{},
		now:   time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	clock := func() time.Time { return e.now }
	e.store.PutProduct(domain.Product{ID: "p1", Name: "Widget", Status: domain.EntityStatusActive, Secret: productSecret})
	e.store.PutOwner(domain.Owner{ID: "u1", Status: domain.EntityStatusActive})
	e.store.PutKey(domain.LicenseKeyRecord{
		ID:             "key-1",
		Key:            apiKey,
		Secret:         keySecret,
		Status:         domain.KeyStatusActive,
		ProductID:      "p1",
		UserID:         "u1",
		AllowedDomains: []string{"example.com"},
	})
	guard := nonce.NewGuard(e.store, nonce.ModeImplicit, time.Hour, nonce.WithClock(clock))
	e.svc = NewService(e.store, guard, e.audit, nil, WithClock(clock))
	return e
}

func withSubscription(e *env, sub domain.Subscription) {
	e.store.PutKey(domain.LicenseKeyRecord{
		ID:             "key-1",
		Key:            apiKey,
		Secret:         keySecret,
		Status:         domain.KeyStatusActive,
		ProductID:      "p1",
		UserID:         "u1",
		AllowedDomains: []string{"example.com"},
		Subscription:   &sub,
	})
}

func answer(ch Challenge, ts int64) Response {
	return Response{
		APIKey:    apiKey,
		Nonce:     ch.Nonce,
		Timestamp: ts,
		Signature: signature.Sign(challengeFields(apiKey, ch.Nonce, ts), keySecret),
	}
}

func codeOf(t *testing.T, err error) validation.Code {
	t.Helper()
	var rej *Error
	require.ErrorAs(t, err, &rej)
	return rej.Code
}

func TestIssue(t *testing.T) {
	e := newEnv(t)

	ch, err := e.svc.Issue(context.Background(), IssueRequest{APIKey: apiKey, Domain: "https://www.example.com/"})
	require.NoError(t, err)

	assert.Len(t, ch.Nonce, 64)
	assert.Equal(t, e.now.Unix(), ch.Timestamp)
	assert.Equal(t, 60, ch.ExpiresIn)
	assert.True(t, e.now.Add(time.Minute).Equal(ch.ExpiresAt))
	assert.True(t, signature.Verify(challengeFields(apiKey, ch.Nonce, ch.Timestamp), ch.Signature, productSecret))

	rec, err := e.store.FindNonce(context.Background(), ch.Nonce, "key-1")
	require.NoError(t, err)
	assert.False(t, rec.Used)
	assert.True(t, e.now.Add(time.Minute).Equal(rec.ExpiresAt))

	require.Len(t, e.audit.entries, 1)
	assert.Equal(t, audit.KindChallengeIssue, e.audit.entries[0].Kind)
	assert.Equal(t, audit.ResultSuccess, e.audit.entries[0].Result)
}

func TestIssueRejections(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(e *env)
		key    string
		domain string
		code   validation.Code
	}{
		{name: "missing domain", key: apiKey, code: validation.CodeMissingFields},
		{name: "unknown key", key: "nope", domain: "example.com", code: validation.CodeInvalidAPIKey},
		{name: "domain not allowed", key: apiKey, domain: "evil.com", code: validation.CodeDomainNotAllowed},
		{
			name:   "inactive key",
			key:    apiKey,
			domain: "example.com",
			setup: func(e *env) {
				_ = e.store.MarkKeyStatus(context.Background(), "key-1", domain.KeyStatusSuspended)
			},
			code: validation.CodeAPIKeyInactive,
		},
		{
			name:   "inactive product",
			key:    apiKey,
			domain: "example.com",
			setup: func(e *env) {
				e.store.PutProduct(domain.Product{ID: "p1", Status: domain.EntityStatusInactive})
			},
			code: validation.CodeProductInactive,
		},
		{
			name:   "suspended owner",
			key:    apiKey,
			domain: "example.com",
			setup: func(e *env) {
				e.store.PutOwner(domain.Owner{ID: "u1", Status: domain.EntityStatusSuspended})
			},
			code: validation.CodeUserSuspended,
		},
		{
			name:   "unpaid subscription",
			key:    apiKey,
			domain: "example.com",
			setup: func(e *env) {
				withSubscription(e, domain.Subscription{OrderID: "o1", PaymentStatus: "pending"})
			},
			code: validation.CodePaymentRequired,
		},
		{
			name:   "ended subscription",
			key:    apiKey,
			domain: "example.com",
			setup: func(e *env) {
				ended := e.now.Add(-time.Hour)
				withSubscription(e, domain.Subscription{OrderID: "o1", PaymentStatus: domain.PaymentStatusPaid, EndsAt: &ended})
			},
			code: validation.CodeSubscriptionExpired,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t)
			if tt.setup != nil {
				tt.setup(e)
			}
			_, err := e.svc.Issue(context.Background(), IssueRequest{APIKey: tt.key, Domain: tt.domain})
			assert.Equal(t, tt.code, codeOf(t, err))
			require.Len(t, e.audit.entries, 1)
			assert.Equal(t, string(tt.code), e.audit.entries[0].Code)
		})
	}
}

func TestVerifyRoundTrip(t *testing.T) {
	e := newEnv(t)
	ch, err := e.svc.Issue(context.Background(), IssueRequest{APIKey: apiKey, Domain: "example.com"})
	require.NoError(t, err)

	e.now = e.now.Add(5 * time.Second)
	resp := answer(ch, e.now.Unix())
	require.NoError(t, e.svc.Verify(context.Background(), resp))

	err = e.svc.Verify(context.Background(), resp)
	assert.Equal(t, validation.CodeInvalidNonce, codeOf(t, err))
	assert.Contains(t, err.Error(), nonce.ReasonAlreadyUsed)
}

func TestVerifyRejections(t *testing.T) {
	t.Run("stale timestamp", func(t *testing.T) {
		e := newEnv(t)
		ch, err := e.svc.Issue(context.Background(), IssueRequest{APIKey: apiKey, Domain: "example.com"})
		require.NoError(t, err)
		resp := answer(ch, e.now.Add(-61*time.Second).Unix())
		assert.Equal(t, validation.CodeInvalidTimestamp, codeOf(t, e.svc.Verify(context.Background(), resp)))
	})

	t.Run("bad signature keeps challenge usable", func(t *testing.T) {
		e := newEnv(t)
		ch, err := e.svc.Issue(context.Background(), IssueRequest{APIKey: apiKey, Domain: "example.com"})
		require.NoError(t, err)

		forged := answer(ch, e.now.Unix())
		forged.Signature = signature.Sign(challengeFields(apiKey, ch.Nonce, e.now.Unix()), productSecret)
		assert.Equal(t, validation.CodeInvalidSignature, codeOf(t, e.svc.Verify(context.Background(), forged)))

		assert.NoError(t, e.svc.Verify(context.Background(), answer(ch, e.now.Unix())))
	})

	t.Run("nonce never issued", func(t *testing.T) {
		e := newEnv(t)
		resp := answer(Challenge{Nonce: "client-made-up-nonce-0000000000000000"}, e.now.Unix())
		err := e.svc.Verify(context.Background(), resp)
		assert.Equal(t, validation.CodeInvalidNonce, codeOf(t, err))
		assert.Contains(t, err.Error(), nonce.ReasonNotFound)
	})

	t.Run("expired challenge", func(t *testing.T) {
		e := newEnv(t)
		ch, err := e.svc.Issue(context.Background(), IssueRequest{APIKey: apiKey, Domain: "example.com"})
		require.NoError(t, err)
		e.now = e.now.Add(90 * time.Second)
		err = e.svc.Verify(context.Background(), answer(ch, e.now.Unix()))
		assert.Equal(t, validation.CodeInvalidNonce, codeOf(t, err))
		assert.Contains(t, err.Error(), nonce.ReasonExpired)
	})

	t.Run("owner suspended after issue", func(t *testing.T) {
		e := newEnv(t)
		ch, err := e.svc.Issue(context.Background(), IssueRequest{APIKey: apiKey, Domain: "example.com"})
		require.NoError(t, err)
		e.store.PutOwner(domain.Owner{ID: "u1", Status: domain.EntityStatusSuspended})
		err = e.svc.Verify(context.Background(), answer(ch, e.now.Unix()))
		assert.Equal(t, validation.CodeUserSuspended, codeOf(t, err))
	})

	t.Run("missing fields", func(t *testing.T) {
		e := newEnv(t)
		err := e.svc.Verify(context.Background(), Response{APIKey: apiKey})
		assert.Equal(t, validation.CodeMissingFields, codeOf(t, err))
	})
}

func TestInternalErrorIsNotRejection(t *testing.T) {
	e := newEnv(t)
	svc := NewService(brokenDirectory{}, nonce.NewGuard(e.store, nonce.ModeStrict, time.Minute), e.audit, nil)

	_, err := svc.Issue(context.Background(), IssueRequest{APIKey: apiKey, Domain: "example.com"})
	require.Error(t, err)
	var rej *Error
	assert.False(t, errors.As(err, &rej))

	require.Len(t, e.audit.entries, 1)
	assert.Equal(t, string(validation.CodeInternalError), e.audit.entries[0].Code)
}
