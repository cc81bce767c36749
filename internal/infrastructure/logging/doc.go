// Package logging provides structured logging for the telemetry bridge.
//
// This package wraps Go's standard log/slog package to provide
// consistent, structured logging across the entire application.
//
// # Features
//
//   - JSON output for production (machine-parsable)
//   - Text output for development (human-readable)
//   - Default fields (service, version) on all log entries
//   - Level-based filtering (debug, info, warn, error), adjustable at runtime
//   - Per-component loggers via Component
//   - Redaction of attributes named like secrets (password, sas_token, key, ...)
//   - Thread-safe for concurrent use
//
// # Configuration
//
// Logging is configured via the LoggingConfig section of the config file:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("starting service", "port", 8080)
//	logger.Error("failed to connect", "error", err)
//
// # Security
//
// Never log broker passwords, SAS tokens, device keys or connection strings.
// Redaction is a backstop for well-known keys only; a secret logged under any
// other key is written as-is. Log identifying metadata instead:
//
//	logger.Info("SAS token loaded", "expires", expiry)
package logging
