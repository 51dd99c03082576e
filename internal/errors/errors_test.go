package errors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/infrastructure"
)

func newHandler() *ErrorHandler {
	return NewErrorHandler(slog.New(slog.NewTextHandler(io.Discard, nil)), false)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestValidationErrorResponse_Render(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/validate/request", nil)

	resp := NewValidationErrorResponse(http.StatusForbidden, "INVALID_SIGNATURE", "Invalid signature")
	require.NoError(t, render.Render(rec, req, resp))

	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode())

	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, false, body["valid"])
	assert.Equal(t, map[string]any{"code": "INVALID_SIGNATURE", "message": "Invalid signature"}, body["error"])
	assert.NotContains(t, body, "status")
}

func TestProblemDetails_MarshalJSON(t *testing.T) {
	p := NewProblemDetails(http.StatusNotFound, TypeNotFound, "Not Found", "", "/x").
		WithExtension("trace_id", "abc").
		WithExtension("status", 999)

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, TypeNotFound, body["type"])
	assert.Equal(t, float64(404), body["status"])
	assert.Equal(t, "/x", body["instance"])
	assert.Equal(t, "abc", body["trace_id"])
	assert.NotContains(t, body, "detail")
}

func TestErrorToProblem(t *testing.T) {
	h := newHandler()
	req := httptest.NewRequest(http.MethodGet, "/validate/health", nil)

	tests := []struct {
		name   string
		err    error
		status int
		typ    string
	}{
		{"deadline", fmt.Errorf("store: %w", contextDeadline()), http.StatusGatewayTimeout, TypeTimeout},
		{"too large", &http.MaxBytesError{Limit: 10}, http.StatusRequestEntityTooLarge, TypePayloadTooLarge},
		{"api error", fmt.Errorf("wrapped: %w", ErrRateLimitExceeded), http.StatusTooManyRequests, TypeRateLimit},
		{"payload too large", ErrPayloadTooLarge, http.StatusRequestEntityTooLarge, TypePayloadTooLarge},
		{"unknown", io.ErrUnexpectedEOF, http.StatusInternalServerError, TypeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := h.ErrorToProblem(tt.err, req)
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, tt.typ, p.Type)
		})
	}
}

func TestHandleError_IncludesTraceID(t *testing.T) {
	h := newHandler()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(infrastructure.WithTraceID(req.Context(), "trace-1"))
	rec := httptest.NewRecorder()

	h.HandleError(rec, req, ErrPayloadTooLarge)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, "trace-1", body["trace_id"])
	assert.Equal(t, "PAYLOAD_TOO_LARGE", body["error_code"])
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	h := newHandler()

	rec := httptest.NewRecorder()
	h.NotFound(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	h.MethodNotAllowed(rec, httptest.NewRequest(http.MethodDelete, "/validate/request", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Contains(t, decode(t, rec)["detail"], "DELETE")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := newHandler()
	panicking := http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	})

	rec := httptest.NewRecorder()
	RecoveryMiddleware(h)(panicking).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, TypeInternal, body["type"])
	assert.NotContains(t, body, "panic")
}

func TestWriteError(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, ErrRateLimitExceeded)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	body := decode(t, rec)
	assert.Equal(t, false, body["success"])
}

func contextDeadline() error {
	ctx, cancel := context.WithTimeout(context.Background(), 0)
	defer cancel()
	<-ctx.Done()
	return ctx.Err()
}
