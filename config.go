package escapexl

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values used when the configuration leaves a field empty.
const (
	DefaultAddr        = ":8000"
	DefaultInterpreter = "perl"
	DefaultScript      = "escape_excel.pl"
	DefaultTimeout     = 2 * time.Minute
	DefaultMaxUpload   = 32 << 20 // 32 MB
)

// Config holds the server configuration.
// All fields are optional; zero values represent defaults.
type Config struct {
	Addr         string `yaml:"addr"`
	Interpreter  string `yaml:"interpreter"` // command running the script, e.g. "perl"
	Script       string `yaml:"script"`      // script name or path
	ScriptDir    string `yaml:"script_dir"`  // extra directory searched for the script
	StaticDir    string `yaml:"static_dir"`  // serve /static from disk instead of the embedded assets
	RawTimeout   string `yaml:"timeout"`     // e.g. "2m", "30s"
	RawMaxUpload int64  `yaml:"max_upload"`  // bytes
}

// ListenAddr returns the configured listen address or the default.
func (c *Config) ListenAddr() string {
	if c.Addr != "" {
		return c.Addr
	}
	return DefaultAddr
}

// ScriptName returns the configured filter script or the default.
func (c *Config) ScriptName() string {
	if c.Script != "" {
		return c.Script
	}
	return DefaultScript
}

// Timeout returns the configured filter timeout or the default.
func (c *Config) Timeout() time.Duration {
	if c.RawTimeout != "" {
		d, err := time.ParseDuration(c.RawTimeout)
		if err == nil && d > 0 {
			return d
		}
	}
	return DefaultTimeout
}

// MaxUploadBytes returns the configured upload size limit or the default.
func (c *Config) MaxUploadBytes() int64 {
	if c.RawMaxUpload > 0 {
		return c.RawMaxUpload
	}
	return DefaultMaxUpload
}

// Load reads the YAML configuration at path. An empty path or a missing
// file yields a default Config.
func Load(path string) (*Config, error) {
	if path == "" {
		return &Config{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}
