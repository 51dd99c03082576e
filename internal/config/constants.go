package config

import "time"

// Application constants
const (
	AppName    = "licensegate"
	AppVersion = "1.0.0"
)

// Backend names
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
	BackendSheets   = "sheets"
)

// Nonce modes
const (
	NonceModeImplicit = "implicit"
	NonceModeStrict   = "strict"
)

// Audit sinks
const (
	SinkLog      = "log"
	SinkPostgres = "postgres"
	SinkKafka    = "kafka"
)

// Telemetry exporters
const (
	ExporterNone       = "none"
	ExporterStdout     = "stdout"
	ExporterOTLP       = "otlp"
	ExporterPrometheus = "prometheus"
)

// Engine defaults
const (
	DefaultRequestTolerance   = 15 * time.Second
	DefaultChallengeTolerance = 60 * time.Second
	DefaultNonceTTL           = 10 * time.Minute
	DefaultStoreTimeout       = 2 * time.Second
	DefaultJanitorInterval    = 5 * time.Minute
	DefaultKeyCacheTTL        = time.Duration(0) // key cache off unless configured

	DefaultAuditBufferSize = 1024

	DefaultRateLimitRPS   = 20
	DefaultRateLimitBurst = 40
)
