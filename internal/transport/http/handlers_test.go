package http

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/audit"
	"licensegate/internal/challenge"
	"licensegate/internal/middleware"
	"licensegate/internal/nonce"
	"licensegate/internal/ratelimit"
	"licensegate/internal/services"
	"licensegate/internal/signature"
	"licensegate/internal/storage/memory"
	"licensegate/internal/validation"
	"licensegate/pkg/contracts/domain"
)

const (
	testProductID = "0b8c9f5e-2d41-4b6a-9e3f-7c1d2a3b4c5d"
	testAPIKey    = "key_live_http000000001"
	testSecret    = "http-key-secret"
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

func (r *recordingAudit) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

type testServer struct {
	store  *memory.Store
	audit  *recordingAudit
	health *services.HealthService
	router http.Handler
}

func newTestServer(t *testing.T, opts ...func(*RouterConfig)) *testServer {
	t.Helper()
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))

	ts := &testServer{store: memory.New(), audit: &recordingAudit{}}
	ts.store.PutProduct(domain.Product{ID: testProductID, Name: "Widget Pro", Version: "3.0.0", Status: domain.EntityStatusActive, Secret: "product-secret"})
	ts.store.PutOwner(domain.Owner{ID: "user-1", Status: domain.EntityStatusActive})
	ts.store.PutKey(domain.LicenseKeyRecord{
		ID:             "key-1",
		Key:            testAPIKey,
		Secret:         testSecret,
		Status:         domain.KeyStatusActive,
		ProductID:      testProductID,
		UserID:         "user-1",
		AllowedDomains: []string{"example.com"},
	})

	guard := nonce.NewGuard(ts.store, nonce.ModeImplicit, time.Hour)
	pipeline := validation.NewPipeline(validation.Dependencies{
		Directory: ts.store,
		Nonces:    guard,
		Quota:     ratelimit.New(ts.store, nil),
		Audit:     ts.audit,
		Logger:    logger,
	})
	challenges := challenge.NewService(ts.store, guard, ts.audit, logger)

	ts.health = services.NewHealthService("licensegate-test", "1.0.0", logger)
	ts.health.AddBackend("directory", ts.store)

	cfg := RouterConfig{
		Validation:      NewValidationHandler(pipeline, logger),
		Challenge:       NewChallengeHandler(challenges, logger),
		Health:          NewHealthHandler(ts.health, logger),
		ValidateTimeout: 5 * time.Second,
		MaxBodyBytes:    1 << 16,
		Logger:          logger,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ts.router = NewRouter(cfg)
	return ts
}

func (ts *testServer) post(t *testing.T, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:41000"
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
}

func signedBody(t *testing.T, mutate func(map[string]interface{})) map[string]interface{} {
	t.Helper()
	n, err := signature.GenerateNonce()
	require.NoError(t, err)
	body := map[string]interface{}{
		"product_id": testProductID,
		"domain":     "example.com",
		"api_key":    testAPIKey,
		"timestamp":  time.Now().Unix(),
		"nonce":      n,
	}
	if mutate != nil {
		mutate(body)
	}
	body["signature"] = signature.Sign(signature.Fields{
		"product_id": body["product_id"],
		"domain":     body["domain"],
		"api_key":    body["api_key"],
		"timestamp":  body["timestamp"],
		"nonce":      body["nonce"],
	}, testSecret)
	return body
}

type envelope struct {
	Success bool   `json:"success"`
	Valid   bool   `json:"valid"`
	Message string `json:"message"`
	Data    *struct {
		Product struct {
			ID      string `json:"id"`
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"product"`
		License struct {
			Status    string     `json:"status"`
			ExpiresAt *time.Time `json:"expires_at"`
		} `json:"license"`
	} `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env
}

func TestValidateEndpointScenarios(t *testing.T) {
	tests := []struct {
		name       string
		mutate     func(map[string]interface{})
		resign     func(map[string]interface{})
		wantStatus int
		wantCode   string
	}{
		{
			name:       "A accepts a well formed request",
			wantStatus: http.StatusOK,
		},
		{
			name:       "B rejects an arbitrary signature",
			resign:     func(b map[string]interface{}) { b["signature"] = "not-a-real-signature" },
			wantStatus: http.StatusForbidden,
			wantCode:   "INVALID_SIGNATURE",
		},
		{
			name:       "C rejects a stale timestamp",
			mutate:     func(b map[string]interface{}) { b["timestamp"] = time.Now().Add(-60 * time.Second).Unix() },
			wantStatus: http.StatusForbidden,
			wantCode:   "INVALID_TIMESTAMP",
		},
		{
			name:       "D rejects a domain outside the allow list",
			mutate:     func(b map[string]interface{}) { b["domain"] = "evil.test" },
			wantStatus: http.StatusForbidden,
			wantCode:   "DOMAIN_NOT_ALLOWED",
		},
		{
			name:       "unknown key",
			mutate:     func(b map[string]interface{}) { b["api_key"] = "key_live_unknown" },
			wantStatus: http.StatusForbidden,
			wantCode:   "INVALID_API_KEY",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			body := signedBody(t, tt.mutate)
			if tt.resign != nil {
				tt.resign(body)
			}

			rec := ts.post(t, "/validate/request", body)
			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

			env := decode(t, rec)
			if tt.wantCode == "" {
				assert.True(t, env.Success)
				assert.True(t, env.Valid)
				require.NotNil(t, env.Data)
				assert.Equal(t, testProductID, env.Data.Product.ID)
				assert.Equal(t, "Widget Pro", env.Data.Product.Name)
				assert.Equal(t, "active", env.Data.License.Status)
				assert.Nil(t, env.Data.License.ExpiresAt)
				assert.Nil(t, env.Error)
			} else {
				assert.False(t, env.Success)
				assert.False(t, env.Valid)
				require.NotNil(t, env.Error)
				assert.Equal(t, tt.wantCode, env.Error.Code)
				assert.NotEmpty(t, env.Error.Message)
			}
			assert.Equal(t, 1, ts.audit.count())
		})
	}
}

func TestValidateEndpointReplay(t *testing.T) {
	ts := newTestServer(t)
	body := signedBody(t, nil)

	first := ts.post(t, "/validate/request", body)
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())

	second := ts.post(t, "/validate/request", body)
	assert.Equal(t, http.StatusForbidden, second.Code)
	env := decode(t, second)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_NONCE", env.Error.Code)
	assert.Contains(t, env.Error.Message, "already used")
}

func TestValidateEndpointMissingFields(t *testing.T) {
	ts := newTestServer(t)
	body := signedBody(t, nil)
	delete(body, "domain")

	rec := ts.post(t, "/validate/request", body)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "MISSING_FIELDS", env.Error.Code)
	assert.Contains(t, env.Error.Message, "domain")
}

func TestValidateEndpointMalformedBody(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.post(t, "/validate/request", "{not json")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	env := decode(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "MISSING_FIELDS", env.Error.Code)
	assert.Equal(t, 1, ts.audit.count())
}

func TestChallengeEndpoints(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.post(t, "/validate/challenge", map[string]string{"api_key": testAPIKey, "domain": "example.com"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var issued struct {
		Challenge struct {
			Nonce     string `json:"nonce"`
			Timestamp int64  `json:"timestamp"`
			Signature string `json:"signature"`
			ExpiresIn int    `json:"expires_in"`
		} `json:"challenge"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &issued))
	assert.Len(t, issued.Challenge.Nonce, 64)
	assert.Equal(t, 60, issued.Challenge.ExpiresIn)
	assert.True(t, signature.Verify(signature.Fields{
		"api_key":   testAPIKey,
		"nonce":     issued.Challenge.Nonce,
		"timestamp": issued.Challenge.Timestamp,
	}, issued.Challenge.Signature, "product-secret"))

	answer := func() map[string]interface{} {
		now := time.Now().Unix()
		return map[string]interface{}{
			"api_key":   testAPIKey,
			"nonce":     issued.Challenge.Nonce,
			"timestamp": now,
			"signature": signature.Sign(signature.Fields{
				"api_key":   testAPIKey,
				"nonce":     issued.Challenge.Nonce,
				"timestamp": now,
			}, testSecret),
		}
	}

	verified := ts.post(t, "/validate/challenge/verify", answer())
	require.Equal(t, http.StatusOK, verified.Code, verified.Body.String())
	env := decode(t, verified)
	assert.True(t, env.Success)
	assert.True(t, env.Valid)

	replayed := ts.post(t, "/validate/challenge/verify", answer())
	assert.Equal(t, http.StatusForbidden, replayed.Code)
	env = decode(t, replayed)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INVALID_NONCE", env.Error.Code)
}

func TestChallengeEndpointRejections(t *testing.T) {
	tests := []struct {
		name       string
		body       interface{}
		wantStatus int
		wantCode   string
	}{
		{"missing domain", map[string]string{"api_key": testAPIKey}, http.StatusBadRequest, "MISSING_FIELDS"},
		{"unknown key", map[string]string{"api_key": "nope", "domain": "example.com"}, http.StatusForbidden, "INVALID_API_KEY"},
		{"domain not allowed", map[string]string{"api_key": testAPIKey, "domain": "other.test"}, http.StatusForbidden, "DOMAIN_NOT_ALLOWED"},
		{"malformed body", "[]", http.StatusBadRequest, "MISSING_FIELDS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := newTestServer(t)
			rec := ts.post(t, "/validate/challenge", tt.body)
			assert.Equal(t, tt.wantStatus, rec.Code)
			env := decode(t, rec)
			require.NotNil(t, env.Error)
			assert.Equal(t, tt.wantCode, env.Error.Code)
		})
	}
}

type failingChallenges struct{}

func (failingChallenges) Issue(context.Context, challenge.IssueRequest) (challenge.Challenge, error) {
	return challenge.Challenge{}, assert.AnError
}

func (failingChallenges) Verify(context.Context, challenge.Response) error {
	return assert.AnError
}

func TestChallengeEndpointInternalError(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	router := NewRouter(RouterConfig{
		Challenge: NewChallengeHandler(failingChallenges{}, logger),
		Logger:    logger,
	})

	req := httptest.NewRequest(http.MethodPost, "/validate/challenge", strings.NewReader(`{"api_key":"k","domain":"d"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode(t, rec)
	require.NotNil(t, env.Error)
	assert.Equal(t, "INTERNAL_ERROR", env.Error.Code)
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())
}

func TestHealthEndpoints(t *testing.T) {
	ts := newTestServer(t)

	t.Run("health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/validate/health", nil)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "licensegate-test", body["server"])
		assert.NotEmpty(t, body["timestamp"])
	})

	t.Run("ready", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/validate/health/ready", nil)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, map[string]interface{}{"directory": "ready"}, body["checks"])
	})

	t.Run("ready degraded", func(t *testing.T) {
		ts.health.AddBackend("broken", pingFunc(func(context.Context) error { return assert.AnError }))
		req := httptest.NewRequest(http.MethodGet, "/validate/health/ready", nil)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	})

	t.Run("live", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/validate/health/live", nil)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":"alive"`)
	})
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestRouterErrors(t *testing.T) {
	ts := newTestServer(t)

	t.Run("not found", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/nope", nil)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Contains(t, rec.Body.String(), `"status":404`)
	})

	t.Run("method not allowed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/validate/request", nil)
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("request id echoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/validate/health", nil)
		req.Header.Set("X-Request-ID", "req-abc")
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)

		assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
		assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	})
}

func TestValidateIPAllowListUsesTrustedAddress(t *testing.T) {
	trusted, err := middleware.ParseTrustedProxies([]string{"192.0.2.0/24"})
	require.NoError(t, err)
	ts := newTestServer(t, func(cfg *RouterConfig) { cfg.TrustedProxies = trusted })
	ts.store.PutKey(domain.LicenseKeyRecord{
		ID:             "key-ip",
		Key:            "key_live_http_ipbound01",
		Secret:         testSecret,
		Status:         domain.KeyStatusActive,
		ProductID:      testProductID,
		UserID:         "user-1",
		AllowedDomains: []string{"example.com"},
		AllowedIPs:     []string{"10.1.1.1"},
	})

	send := func(remote string, headers map[string]string) envelope {
		body := signedBody(t, func(b map[string]interface{}) { b["api_key"] = "key_live_http_ipbound01" })
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		req := httptest.NewRequest(http.MethodPost, "/validate/request", bytes.NewReader(raw))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = remote
		for k, v := range headers {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		ts.router.ServeHTTP(rec, req)
		return decode(t, rec)
	}

	t.Run("direct caller outside the list", func(t *testing.T) {
		env := send("203.0.113.7:41000", nil)
		require.NotNil(t, env.Error)
		assert.Equal(t, "IP_NOT_ALLOWED", env.Error.Code)
	})

	t.Run("forged headers from an untrusted peer are ignored", func(t *testing.T) {
		env := send("203.0.113.7:41000", map[string]string{
			"X-Real-IP":       "10.1.1.1",
			"X-Forwarded-For": "10.1.1.1",
			"True-Client-IP":  "10.1.1.1",
		})
		require.NotNil(t, env.Error)
		assert.Equal(t, "IP_NOT_ALLOWED", env.Error.Code)
	})

	t.Run("trusted proxy reports the client", func(t *testing.T) {
		env := send("192.0.2.10:8080", map[string]string{"X-Forwarded-For": "10.1.1.1"})
		assert.True(t, env.Valid)
		assert.Nil(t, env.Error)
	})
}

func TestOversizedBodyRejectedBeforePipeline(t *testing.T) {
	ts := newTestServer(t, func(cfg *RouterConfig) { cfg.MaxBodyBytes = 64 })

	rec := ts.post(t, "/validate/request", signedBody(t, nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	var problem map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &problem))
	assert.Equal(t, "PAYLOAD_TOO_LARGE", problem["error_code"])
	assert.Zero(t, ts.audit.count())
}
