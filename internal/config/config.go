package config

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable
const EnvPrefix = "LICENSEGATE"

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" envconfig:"SERVER"`
	Security   SecurityConfig   `yaml:"security" envconfig:"SECURITY"`
	Logging    LoggingConfig    `yaml:"logging" envconfig:"LOGGING"`
	Validation ValidationConfig `yaml:"validation" envconfig:"VALIDATION"`
	Storage    StorageConfig    `yaml:"storage" envconfig:"STORAGE"`
	Audit      AuditConfig      `yaml:"audit" envconfig:"AUDIT"`
	Telemetry  TelemetryConfig  `yaml:"telemetry" envconfig:"TELEMETRY"`
	WebSocket  WebSocketConfig  `yaml:"websocket" envconfig:"WEBSOCKET"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port" envconfig:"PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT"`
	IdleTimeout     time.Duration `yaml:"idle_timeout" envconfig:"IDLE_TIMEOUT"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes" envconfig:"MAX_HEADER_BYTES"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT"`
	ValidateTimeout time.Duration `yaml:"validate_timeout" envconfig:"VALIDATE_TIMEOUT"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes" envconfig:"MAX_BODY_BYTES"`
}

// SecurityConfig contains security-related configuration
type SecurityConfig struct {
	AllowedOrigins []string        `yaml:"allowed_origins" envconfig:"ALLOWED_ORIGINS"`
	EnableCORS     bool            `yaml:"enable_cors" envconfig:"ENABLE_CORS"`
	RateLimit      RateLimitConfig `yaml:"rate_limit" envconfig:"RATE_LIMIT"`
	// TrustedProxies lists peers (addresses or CIDRs) whose X-Real-IP and
	// X-Forwarded-For headers are believed. Empty means the socket peer is
	// always the client.
	TrustedProxies []string `yaml:"trusted_proxies" envconfig:"TRUSTED_PROXIES"`
}

// RateLimitConfig is the per client IP token bucket in front of the API
type RateLimitConfig struct {
	Enabled bool    `yaml:"enabled" envconfig:"ENABLED"`
	RPS     float64 `yaml:"rps" envconfig:"RPS"`
	Burst   int     `yaml:"burst" envconfig:"BURST"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL"`
	Format      string `yaml:"format" envconfig:"FORMAT"`
	Output      string `yaml:"output" envconfig:"OUTPUT"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT"`
}

// ValidationConfig tunes the validation engine
type ValidationConfig struct {
	RequestTolerance   time.Duration `yaml:"request_tolerance" envconfig:"REQUEST_TOLERANCE"`
	ChallengeTolerance time.Duration `yaml:"challenge_tolerance" envconfig:"CHALLENGE_TOLERANCE"`
	NonceTTL           time.Duration `yaml:"nonce_ttl" envconfig:"NONCE_TTL"`
	NonceMode          string        `yaml:"nonce_mode" envconfig:"NONCE_MODE"`
	StoreTimeout       time.Duration `yaml:"store_timeout" envconfig:"STORE_TIMEOUT"`
	JanitorInterval    time.Duration `yaml:"janitor_interval" envconfig:"JANITOR_INTERVAL"`
	ServerName         string        `yaml:"server_name" envconfig:"SERVER_NAME"`
}

// StorageConfig selects and configures the persistence backends.
// Directory serves key lookups; State holds nonces and counters.
// A KeyCacheTTL above zero lets key changes made
// outside this process go unseen for up to that long.
type StorageConfig struct {
	Directory       string        `yaml:"directory" envconfig:"DIRECTORY"`
	State           string        `yaml:"state" envconfig:"STATE"`
	PostgresDSN     string        `yaml:"postgres_dsn" envconfig:"POSTGRES_DSN"`
	PostgresMaxConn int32         `yaml:"postgres_max_conns" envconfig:"POSTGRES_MAX_CONNS"`
	RedisAddr       string        `yaml:"redis_addr" envconfig:"REDIS_ADDR"`
	RedisPassword   string        `yaml:"redis_password" envconfig:"REDIS_PASSWORD"`
	RedisDB         int           `yaml:"redis_db" envconfig:"REDIS_DB"`
	KeyCacheTTL     time.Duration `yaml:"key_cache_ttl" envconfig:"KEY_CACHE_TTL"`
	KeyCacheSize    int           `yaml:"key_cache_size" envconfig:"KEY_CACHE_SIZE"`
	MasterKey       string        `yaml:"master_key" envconfig:"MASTER_KEY"`
	SeedFile        string        `yaml:"seed_file" envconfig:"SEED_FILE"`
	Sheets          SheetsConfig  `yaml:"sheets" envconfig:"SHEETS"`
}

// SheetsConfig locates the key directory spreadsheet
type SheetsConfig struct {
	SpreadsheetID   string `yaml:"spreadsheet_id" envconfig:"SPREADSHEET_ID"`
	SheetName       string `yaml:"sheet_name" envconfig:"SHEET_NAME"`
	CredentialsFile string `yaml:"credentials_file" envconfig:"CREDENTIALS_FILE"`
}

// AuditConfig selects audit sinks
type AuditConfig struct {
	Sinks        []string `yaml:"sinks" envconfig:"SINKS"`
	KafkaBrokers []string `yaml:"kafka_brokers" envconfig:"KAFKA_BROKERS"`
	KafkaTopic   string   `yaml:"kafka_topic" envconfig:"KAFKA_TOPIC"`
	Stream       bool     `yaml:"stream" envconfig:"STREAM"`
	// BufferSize is how many entries may wait for the writer before new ones
	// are dropped
	BufferSize int `yaml:"buffer_size" envconfig:"BUFFER_SIZE"`
}

// TelemetryConfig configures OpenTelemetry
type TelemetryConfig struct {
	ServiceName    string  `yaml:"service_name" envconfig:"SERVICE_NAME"`
	Environment    string  `yaml:"environment" envconfig:"ENVIRONMENT"`
	TraceExporter  string  `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER"`
	OTLPEndpoint   string  `yaml:"otlp_endpoint" envconfig:"OTLP_ENDPOINT"`
	MetricExporter string  `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER"`
	SampleRatio    float64 `yaml:"sample_ratio" envconfig:"SAMPLE_RATIO"`
}

// WebSocketConfig contains audit stream configuration
type WebSocketConfig struct {
	ReadBufferSize  int           `yaml:"read_buffer_size" envconfig:"READ_BUFFER_SIZE"`
	WriteBufferSize int           `yaml:"write_buffer_size" envconfig:"WRITE_BUFFER_SIZE"`
	PingPeriod      time.Duration `yaml:"ping_period" envconfig:"PING_PERIOD"`
	PongWait        time.Duration `yaml:"pong_wait" envconfig:"PONG_WAIT"`
	SendBuffer      int           `yaml:"send_buffer" envconfig:"SEND_BUFFER"`
}

// Load builds the configuration from defaults, an optional YAML file and
// environment variables, in increasing order of precedence
func Load() (*Config, error) {
	return LoadFrom(getConfigFilePath())
}

// LoadFrom is Load with an explicit config file. An empty path skips the file.
func LoadFrom(configFile string) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// loadFromFile overlays the YAML file onto cfg
func loadFromFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(c.Logging.Level)
	c.Storage.Directory = strings.ToLower(c.Storage.Directory)
	c.Storage.State = strings.ToLower(c.Storage.State)
	c.Validation.NonceMode = strings.ToLower(c.Validation.NonceMode)
	c.Telemetry.TraceExporter = strings.ToLower(c.Telemetry.TraceExporter)
	c.Telemetry.MetricExporter = strings.ToLower(c.Telemetry.MetricExporter)
	for i, s := range c.Audit.Sinks {
		c.Audit.Sinks[i] = strings.ToLower(strings.TrimSpace(s))
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/licensegate.log"
	}
}

// Validate checks ranges and enumerations
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout <= 0 {
		return fmt.Errorf("server read timeout must be positive")
	}
	if c.Server.WriteTimeout <= 0 {
		return fmt.Errorf("server write timeout must be positive")
	}
	if c.Server.ValidateTimeout <= 0 {
		return fmt.Errorf("validate timeout must be positive")
	}
	if c.Security.EnableCORS && len(c.Security.AllowedOrigins) == 0 {
		return fmt.Errorf("at least one allowed origin must be specified")
	}
	if c.Security.RateLimit.Enabled && (c.Security.RateLimit.RPS <= 0 || c.Security.RateLimit.Burst <= 0) {
		return fmt.Errorf("rate limit rps and burst must be positive")
	}
	for _, p := range c.Security.TrustedProxies {
		if !validProxyEntry(p) {
			return fmt.Errorf("invalid trusted proxy: %q", p)
		}
	}

	if !oneOf(c.Logging.Output, "console", "file", "both") {
		return fmt.Errorf("unknown logging output: %q", c.Logging.Output)
	}

	v := c.Validation
	if v.RequestTolerance <= 0 || v.ChallengeTolerance <= 0 {
		return fmt.Errorf("timestamp tolerances must be positive")
	}
	if v.StoreTimeout <= 0 {
		return fmt.Errorf("store timeout must be positive")
	}
	if v.StoreTimeout >= c.Server.ValidateTimeout {
		return fmt.Errorf("store timeout (%s) must be shorter than validate timeout (%s)", v.StoreTimeout, c.Server.ValidateTimeout)
	}
	if v.NonceTTL < v.RequestTolerance {
		return fmt.Errorf("nonce ttl (%s) must cover the request tolerance (%s)", v.NonceTTL, v.RequestTolerance)
	}
	if !oneOf(v.NonceMode, NonceModeImplicit, NonceModeStrict) {
		return fmt.Errorf("unknown nonce mode: %q", v.NonceMode)
	}

	s := c.Storage
	if !oneOf(s.Directory, BackendMemory, BackendPostgres, BackendSheets) {
		return fmt.Errorf("unknown key directory backend: %q", s.Directory)
	}
	if !oneOf(s.State, BackendMemory, BackendPostgres, BackendRedis) {
		return fmt.Errorf("unknown state backend: %q", s.State)
	}
	if (s.Directory == BackendPostgres || s.State == BackendPostgres) && s.PostgresDSN == "" {
		return fmt.Errorf("postgres backend requires a DSN")
	}
	if s.State == BackendRedis && s.RedisAddr == "" {
		return fmt.Errorf("redis backend requires an address")
	}
	if s.Directory == BackendSheets && s.Sheets.SpreadsheetID == "" {
		return fmt.Errorf("sheets backend requires a spreadsheet id")
	}

	for _, sink := range c.Audit.Sinks {
		switch sink {
		case SinkLog:
		case SinkPostgres:
			if s.PostgresDSN == "" {
				return fmt.Errorf("postgres audit sink requires a DSN")
			}
		case SinkKafka:
			if len(c.Audit.KafkaBrokers) == 0 || c.Audit.KafkaTopic == "" {
				return fmt.Errorf("kafka audit sink requires brokers and a topic")
			}
		default:
			return fmt.Errorf("unknown audit sink: %q", sink)
		}
	}

	t := c.Telemetry
	if !oneOf(t.TraceExporter, ExporterNone, ExporterStdout, ExporterOTLP) {
		return fmt.Errorf("unknown trace exporter: %q", t.TraceExporter)
	}
	if !oneOf(t.MetricExporter, ExporterNone, ExporterPrometheus) {
		return fmt.Errorf("unknown metric exporter: %q", t.MetricExporter)
	}
	if t.SampleRatio < 0 || t.SampleRatio > 1 {
		return fmt.Errorf("sample ratio must be within [0,1]")
	}

	return nil
}

// HasSink reports whether the named audit sink is enabled
func (c *Config) HasSink(name string) bool {
	for _, s := range c.Audit.Sinks {
		if s == name {
			return true
		}
	}
	return false
}

func validProxyEntry(v string) bool {
	v = strings.TrimSpace(v)
	if strings.Contains(v, "/") {
		_, err := netip.ParsePrefix(v)
		return err == nil
	}
	_, err := netip.ParseAddr(v)
	return err == nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	if p := os.Getenv(EnvPrefix + "_CONFIG_FILE"); p != "" {
		return p
	}

	locations := []string{
		"config.yaml",
		"configs/config.yaml",
		"../configs/config.yaml",
	}
	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return "" // No config file found, use env vars only
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			IdleTimeout:     60 * time.Second,
			MaxHeaderBytes:  1 << 20, // 1MB
			ShutdownTimeout: 30 * time.Second,
			ValidateTimeout: 10 * time.Second,
			MaxBodyBytes:    64 << 10,
		},
		Security: SecurityConfig{
			AllowedOrigins: []string{"*"},
			EnableCORS:     true,
			RateLimit: RateLimitConfig{
				Enabled: true,
				RPS:     DefaultRateLimitRPS,
				Burst:   DefaultRateLimitBurst,
			},
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/licensegate.log",
		},
		Validation: ValidationConfig{
			RequestTolerance:   DefaultRequestTolerance,
			ChallengeTolerance: DefaultChallengeTolerance,
			NonceTTL:           DefaultNonceTTL,
			NonceMode:          NonceModeImplicit,
			StoreTimeout:       DefaultStoreTimeout,
			JanitorInterval:    DefaultJanitorInterval,
			ServerName:         AppName,
		},
		Storage: StorageConfig{
			Directory:       BackendMemory,
			State:           BackendMemory,
			PostgresMaxConn: 10,
			RedisAddr:       "localhost:6379",
			KeyCacheTTL:     DefaultKeyCacheTTL,
			KeyCacheSize:    10000,
			Sheets: SheetsConfig{
				SheetName: "Keys",
			},
		},
		Audit: AuditConfig{
			Sinks:      []string{SinkLog},
			KafkaTopic: "license-validation-audit",
			Stream:     true,
			BufferSize: DefaultAuditBufferSize,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    AppName,
			Environment:    "development",
			TraceExporter:  ExporterNone,
			MetricExporter: ExporterPrometheus,
			SampleRatio:    1.0,
		},
		WebSocket: WebSocketConfig{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			PingPeriod:      54 * time.Second,
			PongWait:        60 * time.Second,
			SendBuffer:      256,
		},
	}
}
