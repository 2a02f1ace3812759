package app

import "github.com/ferrants/ChaasKit-sub001/pkg/logging"

// Config holds the application configuration
type Config struct {
	// Debug enables debug logging.
	Debug bool

	// LogFormat is "text" or "json".
	LogFormat logging.Format

	// ConfigPath is the directory holding config.yaml and, by default, the
	// database.
	ConfigPath string

	// Version is reported to protocol clients.
	Version string
}

// NewConfig creates a new application configuration
func NewConfig(debug bool, logFormat, configPath, version string) *Config {
	format := logging.FormatText
	if logFormat == string(logging.FormatJSON) {
		format = logging.FormatJSON
	}
	return &Config{
		Debug:      debug,
		LogFormat:  format,
		ConfigPath: configPath,
		Version:    version,
	}
}
