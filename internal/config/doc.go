// Package config provides centralized configuration management for licensegate.
// It handles loading configuration from multiple sources, validation, and provides
// a type-safe API for accessing configuration values throughout the application.
//
// # Configuration Sources
//
// Configuration is assembled from the following sources, later ones winning:
//
//	1. Default values (Default)
//	2. A YAML file (LICENSEGATE_CONFIG_FILE, or config.yaml / configs/config.yaml)
//	3. Environment variables
//
// # Environment Variables
//
// All environment variables follow the pattern LICENSEGATE_<SECTION>_<FIELD>:
//
//	LICENSEGATE_SERVER_PORT=8080
//	LICENSEGATE_STORAGE_DIRECTORY=postgres
//	LICENSEGATE_STORAGE_POSTGRES_DSN=postgres://...
//	LICENSEGATE_VALIDATION_NONCE_MODE=strict
//	LICENSEGATE_AUDIT_SINKS=log,kafka
//
// # Validation
//
// Validate rejects out of range ports and timeouts, unknown backends, sinks
// and exporters, and backends selected without their connection settings.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
