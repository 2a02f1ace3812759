package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ferrants/ChaasKit-sub001/pkg/logging"

	"gopkg.in/yaml.v3"
)

const (
	userConfigDir  = ".config/broker"
	configFileName = "config.yaml"
)

// GetDefaultConfigPathOrPanic returns ~/.config/broker.
func GetDefaultConfigPathOrPanic() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		panic(fmt.Errorf("could not determine user config directory: %w", err))
	}

	return filepath.Join(homeDir, userConfigDir)
}

// LoadConfig loads config.yaml from configPath on top of the defaults and
// validates the result. A missing file yields the defaults.
func LoadConfig(configPath string) (Config, error) {
	configFilePath := filepath.Join(configPath, configFileName)
	config := GetDefaultConfig()

	data, err := os.ReadFile(configFilePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logging.Info("ConfigLoader", "No config.yaml found at %s, using defaults", configFilePath)
			config.applyDerivedDefaults(configPath)
			return config, nil
		}
		logging.Info("ConfigLoader", "Error loading config.yaml from %s: %s", configFilePath, err)
		return Config{}, err
	}

	config, err = Parse(data, config)
	if err != nil {
		return Config{}, fmt.Errorf("error loading config from %s: %w", configFilePath, err)
	}
	config.applyDerivedDefaults(configPath)

	if err := config.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config %s: %w", configFilePath, err)
	}

	logging.Info("ConfigLoader", "Loaded configuration from %s (%d tool servers)", configFilePath, len(config.MCPServers))
	return config, nil
}

// Parse decodes YAML on top of base. Unknown fields are rejected so typos in
// auth modes or transports surface at startup.
func Parse(data []byte, base Config) (Config, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&base); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, err
	}
	return base, nil
}

// applyDerivedDefaults fills values that depend on other settings.
func (c *Config) applyDerivedDefaults(configPath string) {
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(configPath, DefaultDatabaseFile)
	}
	c.Server.PublicURL = strings.TrimRight(c.Server.PublicURL, "/")
	if c.InboundOAuth.Issuer == "" {
		c.InboundOAuth.Issuer = c.Server.PublicURL
	}
}

// CallbackURL is the redirect URI registered with third-party OAuth providers.
func (c Config) CallbackURL() string {
	return c.Server.PublicURL + c.OutboundOAuth.CallbackPath
}

// ResourceURL is the canonical URL of the protocol endpoint.
func (c Config) ResourceURL() string {
	return c.Server.PublicURL + "/mcp"
}
