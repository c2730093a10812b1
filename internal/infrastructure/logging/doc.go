// Package logging provides structured logging for sensemap-core.
//
// It wraps log/slog so every entry carries the service name and build
// version, and lets the format (json, text), level and destination be
// chosen from config:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("starting service", "port", 8000)
//	logger.Error("failed to connect", "error", err)
//
// Never log apikeys. Components receive the logger at construction and
// there is no package-level logger.
package logging
