// Package logging provides structured logging for the Garden Core agent.
//
// It wraps log/slog so every component logs with the same default fields
// (service, version) and the same level and format rules:
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
// # Usage
//
//	logger := logging.New(cfg.Logging, "1.0.0")
//	logger.Info("session authenticated", "identity_id", id)
//	logger.Warn("push channel disconnected", "error", err)
//
// # Security
//
// Never log passwords, second-factor codes, access tokens or partial-auth
// tokens. Log identity IDs, not email addresses, where an identifier is needed.
package logging
