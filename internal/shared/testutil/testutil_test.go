package testutil

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/signature"
)

func TestCaptureHandler(t *testing.T) {
	logger, logs := NewTestLogger(t)

	logger.With(slog.String("component", "janitor")).Info("purged expired nonces", slog.Int64("count", 3))
	logger.Error("sink failed", slog.String("sink", "kafka"))

	require.Len(t, logs.Records(), 2)
	assert.True(t, logs.ContainsAttr("component", "janitor"))
	assert.True(t, logs.ContainsAttr("count", int64(3)))
	assert.Len(t, logs.RecordsAt(slog.LevelError), 1)
	AssertLogContains(t, logs, slog.LevelInfo, "purged")
}

func TestSignedValidateBodyVerifies(t *testing.T) {
	at := time.Unix(1_700_000_000, 0)
	body := SignedValidateBody(t, "prod-1", "example.com", "key_live_1", "secret", at)

	fields := signature.Fields{
		"product_id": body["product_id"],
		"domain":     body["domain"],
		"api_key":    body["api_key"],
		"timestamp":  body["timestamp"],
		"nonce":      body["nonce"],
	}
	assert.True(t, signature.Verify(fields, body["signature"].(string), "secret"))
	assert.Equal(t, at.Unix(), body["timestamp"])
	assert.GreaterOrEqual(t, len(body["nonce"].(string)), 32)
}
