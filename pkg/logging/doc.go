// Package logging provides subsystem-tagged structured logging for the broker.
//
// It wraps log/slog with a small set of printf-style helpers so call sites read
// the same everywhere:
//
//	logging.InitForCLI(logging.LevelInfo, os.Stderr)
//
//	logging.Info("ConnectionManager", "Connected to %s", serverID)
//	logging.Debug("OAuth", "Discovered token endpoint %s", endpoint)
//	logging.Warn("Sweep", "Evicting idle connection %s", key)
//	logging.Error("Proxy", err, "Tool call %s failed", toolName)
//
// Every entry carries a "subsystem" attribute and, for Error, an "error"
// attribute. Production deployments use InitForJSON.
//
// Secrets must never be passed to these helpers directly. Tool arguments are
// redacted by the proxy package before they reach a log line, and token values
// are wrapped in oauth.RedactedToken.
package logging
