package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		setup       func(v *viper.Viper)
		expectError bool
		check       func(t *testing.T, cfg *Config)
	}{
		{
			name:  "defaults",
			setup: func(v *viper.Viper) {},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DefaultHost, cfg.Server.Host)
				assert.Equal(t, DefaultPort, cfg.Server.Port)
				assert.Equal(t, ".", cfg.Site.Root)
				assert.True(t, cfg.Site.Watch)
				assert.Equal(t, DefaultIgnore, cfg.Site.Ignore)
				assert.Equal(t, DefaultConsoleSource, cfg.Preview.ConsoleSource)
				assert.Equal(t, DefaultScrollRestoreDelays, cfg.Preview.ScrollRestoreDelays)
				assert.Equal(t, DefaultLoadWarnAfter, cfg.Preview.LoadWarnAfter)
				assert.True(t, cfg.Preview.RewriteResponses)
				assert.False(t, cfg.Preview.StrictJSONRewrite)
				assert.Equal(t, "info", cfg.Logging.Level)
				assert.Equal(t, "text", cfg.Logging.Format)
			},
		},
		{
			name: "explicit values",
			setup: func(v *viper.Viper) {
				v.Set("server.port", 0)
				v.Set("server.host", "127.0.0.1")
				v.Set("site.snapshot", "site.yml")
				v.Set("site.watch", false)
				v.Set("site.ignore", []string{"dist"})
				v.Set("preview.scroll_restore_delays", []string{"0s", "25ms"})
				v.Set("preview.load_warn_after", "2s")
				v.Set("preview.rewrite_responses", false)
				v.Set("preview.strict_json_rewrite", true)
				v.Set("logging.level", "debug")
				v.Set("logging.format", "json")
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 0, cfg.Server.Port)
				assert.Equal(t, "127.0.0.1:0", cfg.Addr())
				assert.Equal(t, "site.yml", cfg.Site.Snapshot)
				assert.Empty(t, cfg.Site.Root, "snapshot replaces the root default")
				assert.False(t, cfg.Site.Watch)
				assert.Equal(t, []string{"dist"}, cfg.Site.Ignore)
				assert.Equal(t, []time.Duration{0, 25 * time.Millisecond}, cfg.Preview.ScrollRestoreDelays)
				assert.Equal(t, 2*time.Second, cfg.Preview.LoadWarnAfter)
				assert.False(t, cfg.Preview.RewriteResponses)
				assert.True(t, cfg.Preview.StrictJSONRewrite)
				assert.Equal(t, "json", cfg.LoggerConfig().Format)
			},
		},
		{
			name:        "invalid port type",
			setup:       func(v *viper.Viper) { v.Set("server.port", "invalid_port") },
			expectError: true,
		},
		{
			name:        "port out of range",
			setup:       func(v *viper.Viper) { v.Set("server.port", 70000) },
			expectError: true,
		},
		{
			name:        "dangerous host",
			setup:       func(v *viper.Viper) { v.Set("server.host", "localhost;rm -rf /") },
			expectError: true,
		},
		{
			name:        "bad origin",
			setup:       func(v *viper.Viper) { v.Set("server.allowed_origins", []string{"example.com"}) },
			expectError: true,
		},
		{
			name:        "negative delay",
			setup:       func(v *viper.Viper) { v.Set("preview.scroll_restore_delays", []string{"-1s"}) },
			expectError: true,
		},
		{
			name:        "console source with spaces",
			setup:       func(v *viper.Viper) { v.Set("preview.console_source", "my tag") },
			expectError: true,
		},
		{
			name:        "unknown log level",
			setup:       func(v *viper.Viper) { v.Set("logging.level", "loud") },
			expectError: true,
		},
		{
			name:        "unknown log format",
			setup:       func(v *viper.Viper) { v.Set("logging.format", "xml") },
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			tt.setup(v)

			cfg, err := LoadFrom(v)
			if tt.expectError {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".livesite.yml")
	content := `
server:
  port: 9090
  allowed_origins: ["https://editor.example.com"]
site:
  root: ./public
  overlay: edits.yml
preview:
  console_source: my-site
  scroll_restore_delays: [0ms, 100ms]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	v := viper.New()
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://editor.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "./public", cfg.Site.Root)
	assert.Equal(t, "edits.yml", cfg.Site.Overlay)
	assert.Equal(t, "my-site", cfg.Preview.ConsoleSource)
	assert.Equal(t, []time.Duration{0, 100 * time.Millisecond}, cfg.Preview.ScrollRestoreDelays)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("LIVESITE_SERVER_PORT", "4321")

	v := viper.New()
	v.SetEnvPrefix("LIVESITE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("server.port", DefaultPort)

	cfg, err := LoadFrom(v)
	require.NoError(t, err)
	assert.Equal(t, 4321, cfg.Server.Port)
}

func TestValidateConfigWithDetails(t *testing.T) {
	dir := t.TempDir()

	cfg := &Config{
		Server: ServerConfig{Host: "0.0.0.0", Port: 80, AllowedOrigins: []string{"*"}},
		Site:   SiteConfig{Root: dir, Overlay: filepath.Join(dir, "missing.yml")},
		Preview: PreviewConfig{
			ConsoleSource:     "x",
			StrictJSONRewrite: true,
		},
	}

	result := ValidateConfigWithDetails(cfg)
	assert.True(t, result.Valid)
	assert.False(t, result.HasErrors())
	assert.True(t, result.HasWarnings())

	fields := map[string]bool{}
	for _, w := range result.Warnings {
		fields[w.Field] = true
	}
	for _, f := range []string{
		"server.port", "server.host", "server.allowed_origins", "site.overlay",
		"preview.load_warn_after", "preview.scroll_restore_delays", "preview.strict_json_rewrite",
	} {
		assert.True(t, fields[f], f)
	}
	assert.Contains(t, result.String(), "Validation warnings")

	cfg.Site = SiteConfig{Snapshot: filepath.Join(dir, "nope.yml")}
	result = ValidateConfigWithDetails(cfg)
	assert.False(t, result.Valid)
	assert.Equal(t, "site.snapshot", result.Errors[0].Field)

	cfg.Site = SiteConfig{Root: filepath.Join(dir, "nope")}
	result = ValidateConfigWithDetails(cfg)
	assert.False(t, result.Valid)
	assert.Equal(t, "site.root", result.Errors[0].Field)
}

func TestValidateHostname(t *testing.T) {
	for _, host := range []string{"localhost", "127.0.0.1", "::1", "preview.example.com"} {
		assert.NoError(t, validateHostname(host), host)
	}
	for _, host := range []string{"a;b", "bad host", "-x.com", "$(id)"} {
		assert.Error(t, validateHostname(host), host)
	}
}
