package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"licensegate/internal/audit"
	"licensegate/internal/config"
	"licensegate/internal/shared/testutil"
)

const (
	testProductID = "6f1c2a9e-3b4d-4c5e-8f70-1a2b3c4d5e6f"
	testAPIKey    = "key_live_app0001"
	testKeySecret = "app-key-secret"
)

const testSeed = `
products:
  - id: 6f1c2a9e-3b4d-4c5e-8f70-1a2b3c4d5e6f
    name: Widget Pro
    version: 2.1.0
    secret: product-secret
users:
  - id: user-1
keys:
  - id: key-1
    key: key_live_app0001
    secret: app-key-secret
    product_id: 6f1c2a9e-3b4d-4c5e-8f70-1a2b3c4d5e6f
    user_id: user-1
    allowed_domains: ["example.com"]
    max_requests_per_day: 10
`

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	seed := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(seed, []byte(testSeed), 0o600))

	cfg := config.Default()
	cfg.Storage.SeedFile = seed
	cfg.Telemetry.TraceExporter = config.ExporterNone
	cfg.Telemetry.MetricExporter = config.ExporterPrometheus
	cfg.Server.ShutdownTimeout = 5 * time.Second
	return cfg
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.State = "etcd"

	_, err := New(context.Background(), cfg, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestNewRejectsBadSeed(t *testing.T) {
	cfg := config.Default()
	cfg.Storage.SeedFile = filepath.Join(t.TempDir(), "missing.yaml")

	_, err := New(context.Background(), cfg, testLogger())
	assert.Error(t, err)
}

func TestNewWiresComponents(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Stop(context.Background()) })

	assert.NotNil(t, a.Pipeline)
	assert.NotNil(t, a.Challenges)
	assert.NotNil(t, a.Hub)
	assert.NotNil(t, a.RateLimiter)
	assert.NotNil(t, a.Router)
	assert.Equal(t, ":8080", a.Server.Addr)

	resolved, err := a.Directory.ResolveKey(context.Background(), testAPIKey)
	require.NoError(t, err)
	assert.Equal(t, "key-1", resolved.Key.ID)
}

func TestApplySeedNeedsProvisioner(t *testing.T) {
	a := &Application{Config: config.Default(), Logger: testLogger()}
	a.Config.Storage.Directory = config.BackendSheets
	a.Config.Storage.SeedFile = "seed.yaml"

	err := a.applySeed(context.Background(), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read-only")
}

func TestBuildAuditSink(t *testing.T) {
	a := &Application{Config: config.Default(), Logger: testLogger()}

	a.Config.Audit.Sinks = nil
	sink, err := a.buildAuditSink(nil)
	require.NoError(t, err)
	assert.Nil(t, sink)

	a.Config.Audit.Sinks = []string{config.SinkLog, config.SinkKafka}
	a.Config.Audit.KafkaBrokers = []string{"127.0.0.1:9092"}
	sink, err = a.buildAuditSink(nil)
	require.NoError(t, err)
	multi, ok := sink.(audit.MultiSink)
	require.True(t, ok)
	require.Len(t, multi, 2)
	assert.Equal(t, config.SinkLog, multi[0].Name)
	assert.Equal(t, config.SinkKafka, multi[1].Name)
	require.Len(t, a.closers, 1)
	assert.Equal(t, "kafka", a.closers[0].name)
	a.releaseBackends(context.Background())
	assert.Empty(t, a.closers)

	a.Config.Audit.Sinks = []string{config.SinkPostgres}
	_, err = a.buildAuditSink(nil)
	assert.Error(t, err)
}

func TestServeValidatesAndShutsDown(t *testing.T) {
	logger, logs := testutil.NewTestLogger(t)
	a, err := New(context.Background(), testConfig(t), logger)
	require.NoError(t, err)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	base := "http://" + ln.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- a.Serve(ctx, ln) }()

	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(base + "/validate/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	body := testutil.SignedValidateBody(t, testProductID, "example.com", testAPIKey, testKeySecret, time.Now())
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err = client.Post(base+"/validate/request", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	var out struct {
		Success bool `json:"success"`
		Valid   bool `json:"valid"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, out.Success)
	assert.True(t, out.Valid)

	resp, err = client.Post(base+"/validate/request", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	resp, err = client.Get(base + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	testutil.AssertLogContains(t, logs, slog.LevelInfo, "Application shutdown complete")
}
