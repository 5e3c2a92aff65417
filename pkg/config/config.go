// Package config reads and writes the user configuration file, a
// small YAML document under the XDG config directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

const (
	appName    = "axflash"
	configFile = "config.yaml"
)

// Config is the entire user configuration file. Zero values fall back
// to built-in defaults at the point of use.
type Config struct {
	// Server is the release server base URL.
	Server string `yaml:"server,omitempty"`
	// Channel is the default release channel for flashing without an
	// explicit version.
	Channel string `yaml:"channel,omitempty"`
	// Serial restricts all commands to one device, for benches with
	// several boards attached.
	Serial string `yaml:"serial,omitempty"`
}

// Path returns the configuration file location. The file does not
// have to exist.
func Path() string {
	return filepath.Join(xdg.ConfigHome, appName, configFile)
}

// Load reads the configuration file. A missing file is not an error
// and yields the zero Config.
func Load() (*Config, error) {
	data, err := os.ReadFile(Path())
	if errors.Is(err, fs.ErrNotExist) {
		return &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read config: %w", err)
	}
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("could not parse config %s: %w", Path(), err)
	}
	return &c, nil
}

// Save writes the configuration file, creating its directory if
// needed.
func (c *Config) Save() error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("could not serialize config: %w", err)
	}
	p := Path()
	if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
		return fmt.Errorf("could not create config directory: %w", err)
	}
	if err := os.WriteFile(p, data, 0644); err != nil {
		return fmt.Errorf("could not write config: %w", err)
	}
	return nil
}
