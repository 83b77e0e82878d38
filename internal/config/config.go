// Package config provides configuration management for scribelink.
// It handles loading and parsing YAML configuration files, and provides
// structured access to application settings including the auth directory,
// provider endpoint overrides, callback port preferences, debug settings,
// and proxy configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// AuthDir is the directory where provider credentials are persisted.
	AuthDir string `yaml:"auth-dir" json:"auth-dir"`

	// ProxyURL is the URL of an optional proxy server to use for outbound requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`

	// Provider overrides the remote provider endpoints, mainly for testing
	// against a staging deployment.
	Provider ProviderConfig `yaml:"provider" json:"provider"`

	// CallbackPorts lists the preferred loopback callback ports, tried in
	// order before falling back to an OS-assigned port. Empty means the
	// provider's documented defaults.
	CallbackPorts []int `yaml:"callback-ports,omitempty" json:"callback-ports,omitempty"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile routes logs to a rotating file instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`
}

// ProviderConfig holds remote provider endpoint overrides.
type ProviderConfig struct {
	// AuthorizationURL overrides the provider's authorization endpoint.
	AuthorizationURL string `yaml:"authorization-url,omitempty" json:"authorization-url,omitempty"`

	// APIBaseURL overrides the provider's API base URL used for code
	// exchange and model listing.
	APIBaseURL string `yaml:"api-base-url,omitempty" json:"api-base-url,omitempty"`
}

// DefaultAuthDir returns the default credential directory under the user's
// home directory.
func DefaultAuthDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".scribelink"
	}
	return filepath.Join(home, ".scribelink")
}

// LoadConfig reads a YAML configuration file from the given path and
// unmarshals it into a Config struct. A missing file is not an error; the
// defaults are returned instead.
func LoadConfig(configFile string) (*Config, error) {
	cfg := &Config{}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: failed to read %s: %w", configFile, err)
			}
		} else if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: failed to parse %s: %w", configFile, err)
		}
	}

	cfg.applyDefaults()
	return cfg, nil
}

// LogDir returns the directory used for application log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.AuthDir, "logs")
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.AuthDir) == "" {
		c.AuthDir = DefaultAuthDir()
	} else if strings.HasPrefix(c.AuthDir, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			c.AuthDir = filepath.Join(home, strings.TrimPrefix(c.AuthDir, "~"))
		}
	}
}
