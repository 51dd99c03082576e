package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoadFrom tests configuration assembly with various scenarios
func TestLoadFrom(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     string
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 10*time.Second, cfg.Server.ValidateTimeout)
				assert.Equal(t, 15*time.Second, cfg.Validation.RequestTolerance)
				assert.Equal(t, 60*time.Second, cfg.Validation.ChallengeTolerance)
				assert.Equal(t, 2*time.Second, cfg.Validation.StoreTimeout)
				assert.Equal(t, NonceModeImplicit, cfg.Validation.NonceMode)
				assert.Equal(t, BackendMemory, cfg.Storage.Directory)
				assert.Equal(t, BackendMemory, cfg.Storage.State)
				assert.Equal(t, []string{SinkLog}, cfg.Audit.Sinks)
				assert.Equal(t, ExporterPrometheus, cfg.Telemetry.MetricExporter)
				assert.Equal(t, "json", cfg.Logging.Format)
			},
		},
		{
			name: "environment overrides",
			env: map[string]string{
				"LICENSEGATE_SERVER_PORT":              "9090",
				"LICENSEGATE_VALIDATION_NONCE_MODE":    "STRICT",
				"LICENSEGATE_VALIDATION_STORE_TIMEOUT": "500ms",
				"LICENSEGATE_STORAGE_STATE":            "redis",
				"LICENSEGATE_STORAGE_REDIS_ADDR":       "redis:6379",
				"LICENSEGATE_AUDIT_SINKS":              "log,kafka",
				"LICENSEGATE_AUDIT_KAFKA_BROKERS":      "k1:9092,k2:9092",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.Equal(t, NonceModeStrict, cfg.Validation.NonceMode)
				assert.Equal(t, 500*time.Millisecond, cfg.Validation.StoreTimeout)
				assert.Equal(t, BackendRedis, cfg.Storage.State)
				assert.Equal(t, "redis:6379", cfg.Storage.RedisAddr)
				assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Audit.KafkaBrokers)
				assert.True(t, cfg.HasSink(SinkKafka))
				assert.False(t, cfg.HasSink(SinkPostgres))
			},
		},
		{
			name: "file then env precedence",
			file: `
server:
  port: 7070
  validate_timeout: 5s
validation:
  server_name: edge-1
storage:
  directory: postgres
  postgres_dsn: postgres://file
`,
			env: map[string]string{
				"LICENSEGATE_STORAGE_POSTGRES_DSN": "postgres://env",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7070, cfg.Server.Port)
				assert.Equal(t, 5*time.Second, cfg.Server.ValidateTimeout)
				assert.Equal(t, "edge-1", cfg.Validation.ServerName)
				assert.Equal(t, BackendPostgres, cfg.Storage.Directory)
				assert.Equal(t, "postgres://env", cfg.Storage.PostgresDSN)
				assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout, "untouched defaults survive the file")
			},
		},
		{
			name:    "invalid port",
			env:     map[string]string{"LICENSEGATE_SERVER_PORT": "70000"},
			wantErr: "invalid server port",
		},
		{
			name:    "unknown backend",
			env:     map[string]string{"LICENSEGATE_STORAGE_STATE": "etcd"},
			wantErr: "unknown state backend",
		},
		{
			name:    "postgres without dsn",
			env:     map[string]string{"LICENSEGATE_STORAGE_DIRECTORY": "postgres"},
			wantErr: "requires a DSN",
		},
		{
			name:    "kafka sink without brokers",
			env:     map[string]string{"LICENSEGATE_AUDIT_SINKS": "kafka"},
			wantErr: "kafka audit sink",
		},
		{
			name:    "store timeout longer than request",
			env:     map[string]string{"LICENSEGATE_VALIDATION_STORE_TIMEOUT": "20s"},
			wantErr: "must be shorter than validate timeout",
		},
		{
			name:    "unknown nonce mode",
			env:     map[string]string{"LICENSEGATE_VALIDATION_NONCE_MODE": "lenient"},
			wantErr: "unknown nonce mode",
		},
		{
			name:    "bad trusted proxy",
			env:     map[string]string{"LICENSEGATE_SECURITY_TRUSTED_PROXIES": "10.0.0.0/8,proxy.internal"},
			wantErr: "invalid trusted proxy",
		},
		{
			name:    "malformed duration",
			env:     map[string]string{"LICENSEGATE_SERVER_READ_TIMEOUT": "soon"},
			wantErr: "failed to load config from env",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			path := ""
			if tt.file != "" {
				path = filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0o600))
			}

			cfg, err := LoadFrom(path)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.validateCfg(t, cfg)
		})
	}
}

func TestLoadFromMissingFile(t *testing.T) {
	_, err := LoadFrom(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.normalize()
	assert.NoError(t, cfg.Validate())
	assert.Zero(t, cfg.Storage.KeyCacheTTL, "key cache is opt-in")
	assert.Empty(t, cfg.Security.TrustedProxies)
}

func TestValidateTelemetry(t *testing.T) {
	cfg := Default()
	cfg.Telemetry.TraceExporter = "jaeger"
	assert.ErrorContains(t, cfg.Validate(), "unknown trace exporter")

	cfg = Default()
	cfg.Telemetry.SampleRatio = 1.5
	assert.ErrorContains(t, cfg.Validate(), "sample ratio")
}
