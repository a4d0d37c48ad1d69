// Package config provides configuration management for livesite using Viper
// for loading from files, environment variables, and command-line flags.
//
// The configuration system supports YAML files, environment variable overrides
// with the LIVESITE_ prefix, and validation. It manages server settings, the
// site snapshot and overlay sources, preview engine tuning and logging.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/conneroisu/livesite/internal/logging"
)

// Default values applied by Load.
const (
	DefaultHost          = "localhost"
	DefaultPort          = 8080
	DefaultConsoleSource = "livesite-preview"
	DefaultLoadWarnAfter = 10 * time.Second
)

// DefaultScrollRestoreDelays are the fixed scroll-restore retry delays.
var DefaultScrollRestoreDelays = []time.Duration{0, 50 * time.Millisecond, 150 * time.Millisecond, 400 * time.Millisecond}

// DefaultIgnore lists names skipped when reading a site directory.
var DefaultIgnore = []string{".git", "node_modules", ".livesite.yml"}

type Config struct {
	Server  ServerConfig  `mapstructure:"server" yaml:"server" json:"server"`
	Site    SiteConfig    `mapstructure:"site" yaml:"site" json:"site"`
	Preview PreviewConfig `mapstructure:"preview" yaml:"preview" json:"preview"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging" json:"logging"`
}

type ServerConfig struct {
	Host           string   `mapstructure:"host" yaml:"host" json:"host"`
	Port           int      `mapstructure:"port" yaml:"port" json:"port"`
	Open           bool     `mapstructure:"open" yaml:"open" json:"open"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowed_origins"`
}

// SiteConfig names where the snapshot and the pending edits come from.
// Snapshot, when set, is a manifest file and takes precedence over Root.
type SiteConfig struct {
	Root     string   `mapstructure:"root" yaml:"root" json:"root"`
	Snapshot string   `mapstructure:"snapshot" yaml:"snapshot" json:"snapshot"`
	Overlay  string   `mapstructure:"overlay" yaml:"overlay" json:"overlay"`
	Ignore   []string `mapstructure:"ignore" yaml:"ignore" json:"ignore"`
	Watch    bool     `mapstructure:"watch" yaml:"watch" json:"watch"`
}

type PreviewConfig struct {
	ConsoleSource       string          `mapstructure:"console_source" yaml:"console_source" json:"console_source"`
	ScrollRestoreDelays []time.Duration `mapstructure:"scroll_restore_delays" yaml:"scroll_restore_delays" json:"scroll_restore_delays"`
	LoadWarnAfter       time.Duration   `mapstructure:"load_warn_after" yaml:"load_warn_after" json:"load_warn_after"`
	RewriteResponses    bool            `mapstructure:"rewrite_responses" yaml:"rewrite_responses" json:"rewrite_responses"`
	StrictJSONRewrite   bool            `mapstructure:"strict_json_rewrite" yaml:"strict_json_rewrite" json:"strict_json_rewrite"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level" json:"level"`
	Format string `mapstructure:"format" yaml:"format" json:"format"`
}

// Load reads the configuration from the global viper instance.
func Load() (*Config, error) {
	return LoadFrom(viper.GetViper())
}

// LoadFrom reads the configuration from v, applies defaults and validates it.
func LoadFrom(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	applyDefaults(v, &config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func applyDefaults(v *viper.Viper, config *Config) {
	if config.Server.Host == "" {
		config.Server.Host = DefaultHost
	}
	if !v.IsSet("server.port") {
		config.Server.Port = DefaultPort
	}

	if config.Site.Root == "" && config.Site.Snapshot == "" {
		config.Site.Root = "."
	}
	if !v.IsSet("site.ignore") {
		config.Site.Ignore = append([]string(nil), DefaultIgnore...)
	}
	if !v.IsSet("site.watch") {
		config.Site.Watch = true
	}

	if config.Preview.ConsoleSource == "" {
		config.Preview.ConsoleSource = DefaultConsoleSource
	}
	if !v.IsSet("preview.scroll_restore_delays") {
		config.Preview.ScrollRestoreDelays = append([]time.Duration(nil), DefaultScrollRestoreDelays...)
	}
	if !v.IsSet("preview.load_warn_after") {
		config.Preview.LoadWarnAfter = DefaultLoadWarnAfter
	}
	if !v.IsSet("preview.rewrite_responses") {
		config.Preview.RewriteResponses = true
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if config.Logging.Format == "" {
		config.Logging.Format = "text"
	}
}

// validateConfig validates configuration values for correctness
func validateConfig(config *Config) error {
	if err := validateServerConfig(&config.Server); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := validateSiteConfig(&config.Site); err != nil {
		return fmt.Errorf("site config: %w", err)
	}

	if err := validatePreviewConfig(&config.Preview); err != nil {
		return fmt.Errorf("preview config: %w", err)
	}

	if err := validateLoggingConfig(&config.Logging); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// validateServerConfig validates server configuration values
func validateServerConfig(config *ServerConfig) error {
	// Allow 0 for system-assigned ports in testing
	if config.Port < 0 || config.Port > 65535 {
		return fmt.Errorf("port %d is not in valid range 0-65535", config.Port)
	}

	if config.Host != "" {
		if err := validateHostname(config.Host); err != nil {
			return fmt.Errorf("host %q: %w", config.Host, err)
		}
	}

	for _, origin := range config.AllowedOrigins {
		if origin != "*" && !strings.HasPrefix(origin, "http://") && !strings.HasPrefix(origin, "https://") {
			return fmt.Errorf("allowed origin %q must be an http(s) origin or *", origin)
		}
	}

	return nil
}

func validateSiteConfig(config *SiteConfig) error {
	for name, path := range map[string]string{"root": config.Root, "snapshot": config.Snapshot, "overlay": config.Overlay} {
		if path == "" {
			continue
		}
		if err := validatePath(path); err != nil {
			return fmt.Errorf("invalid %s path '%s': %w", name, path, err)
		}
	}
	return nil
}

func validatePreviewConfig(config *PreviewConfig) error {
	if strings.TrimSpace(config.ConsoleSource) == "" || strings.ContainsAny(config.ConsoleSource, " \t\r\n") {
		return fmt.Errorf("console_source %q must be a non-empty token", config.ConsoleSource)
	}
	if len(config.ScrollRestoreDelays) > 10 {
		return fmt.Errorf("at most 10 scroll_restore_delays are allowed, got %d", len(config.ScrollRestoreDelays))
	}
	for _, d := range config.ScrollRestoreDelays {
		if d < 0 || d > 10*time.Second {
			return fmt.Errorf("scroll restore delay %s is outside 0s-10s", d)
		}
	}
	if config.LoadWarnAfter < 0 {
		return fmt.Errorf("load_warn_after must not be negative")
	}
	return nil
}

func validateLoggingConfig(config *LoggingConfig) error {
	if _, err := logging.ParseLevel(config.Level); err != nil {
		return err
	}
	switch config.Format {
	case "text", "json":
		return nil
	default:
		return fmt.Errorf("format %q must be text or json", config.Format)
	}
}

// validatePath validates a file path
func validatePath(path string) error {
	if strings.TrimSpace(path) == "" {
		return fmt.Errorf("empty path")
	}
	if strings.ContainsAny(path, "\x00\r\n") {
		return fmt.Errorf("path contains control characters")
	}
	return nil
}

// LoggerConfig builds the logger configuration for this config.
func (c *Config) LoggerConfig() *logging.LoggerConfig {
	level, _ := logging.ParseLevel(c.Logging.Level)
	lc := logging.DefaultConfig()
	lc.Level = level
	lc.Format = c.Logging.Format
	return lc
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
