// Package logging configures the agent's log/slog output.
//
// Records carry service and version attributes, go out as JSON (or text
// for local runs), and have credential-looking attributes (keys containing
// password, secret or token) replaced with [REDACTED]. Loggers derived
// with With share their parent's level, so SetLevel on the root logger
// applies everywhere.
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("device managed", "client_id", cfg.ClientID())
package logging
