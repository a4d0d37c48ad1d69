// Package cmd provides the command-line interface for livesite.
//
// Configuration System:
//
//	The CLI reads configuration from several sources with clear precedence:
//	1. Command-line flags (--config, --port, etc.) - highest priority
//	2. LIVESITE_CONFIG_FILE environment variable - custom config file path
//	3. Individual environment variables (LIVESITE_SERVER_PORT, etc.)
//	4. Configuration files (.livesite.yml) - lowest priority
//
// Environment Variables:
//
//	LIVESITE_CONFIG_FILE: Path to custom configuration file
//	LIVESITE_SERVER_PORT: Override server port
//	LIVESITE_SITE_ROOT: Override the site directory
//	And more following the LIVESITE_<SECTION>_<OPTION> pattern
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/conneroisu/livesite/internal/config"
	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/vfs"
)

var cfgFile string

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "livesite",
	Short: "Preview a static site with uncommitted edits applied",
	Long: `livesite renders a static site from its last repository snapshot with a
set of pending edits layered on top, without a build step or a deployment.

Every stylesheet, script, image and fetch is resolved against the merged
files instead of the network, and the preview regenerates on every edit.

Quick Start:
  livesite serve                  Preview the current directory
  livesite serve --overlay e.yml  Preview with pending edits from e.yml
  livesite render -o out.html     Assemble the document once
  livesite resolve style.css      Show where a reference resolves
  livesite inspect                List the merged files`,
	SilenceUsage: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default is .livesite.yml, can also use LIVESITE_CONFIG_FILE env var)")
	addSiteFlags(pf)
	addPreviewFlags(pf)
	addLoggingFlags(pf)
	bindFlags(pf, siteFlagKeys)
	bindFlags(pf, previewFlagKeys)
	bindFlags(pf, loggingFlagKeys)
}

// initConfig initializes the configuration system.
//
// Configuration Loading Priority (highest to lowest):
//  1. --config flag: Explicitly specified config file path
//  2. LIVESITE_CONFIG_FILE environment variable: Custom config file path
//  3. Default: .livesite.yml in current directory
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else if envConfigFile := os.Getenv("LIVESITE_CONFIG_FILE"); envConfigFile != "" {
		viper.SetConfigFile(envConfigFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigType("yaml")
		viper.SetConfigName(".livesite")
	}

	viper.SetEnvPrefix("LIVESITE")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// A missing or unreadable file leaves the defaults in place.
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
	}
}

// loadConfig loads and validates the configuration and builds the logger
// it asks for.
func loadConfig() (*config.Config, logging.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.NewLogger(cfg.LoggerConfig()), nil
}

// snapshotSource picks the snapshot collaborator: a manifest file when one
// is configured, the site directory otherwise.
func snapshotSource(fs afero.Fs, cfg *config.Config) vfs.SnapshotSource {
	if cfg.Site.Snapshot != "" {
		return &vfs.FileSnapshot{Fs: fs, Path: cfg.Site.Snapshot}
	}
	return &vfs.DirSnapshot{Fs: fs, Root: cfg.Site.Root, Ignore: cfg.Site.Ignore}
}

// overlayFile returns the pending-edit file, or nil when none is configured.
func overlayFile(fs afero.Fs, cfg *config.Config) *vfs.OverlayFile {
	if cfg.Site.Overlay == "" {
		return nil
	}
	return &vfs.OverlayFile{Fs: fs, Path: cfg.Site.Overlay}
}

// overlaySource is overlayFile as a vfs.OverlaySource, with an empty store
// standing in when no file is configured.
func overlaySource(fs afero.Fs, cfg *config.Config) vfs.OverlaySource {
	if o := overlayFile(fs, cfg); o != nil {
		return o
	}
	return vfs.NewOverlayStore()
}
