package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Flag name to configuration key, per flag group.
var (
	serverFlagKeys = map[string]string{
		"port":           "server.port",
		"host":           "server.host",
		"open":           "server.open",
		"allowed-origin": "server.allowed_origins",
		"watch":          "site.watch",
	}
	siteFlagKeys = map[string]string{
		"root":     "site.root",
		"snapshot": "site.snapshot",
		"overlay":  "site.overlay",
		"ignore":   "site.ignore",
	}
	previewFlagKeys = map[string]string{
		"console-source":      "preview.console_source",
		"rewrite-responses":   "preview.rewrite_responses",
		"strict-json-rewrite": "preview.strict_json_rewrite",
	}
	loggingFlagKeys = map[string]string{
		"log-level":  "logging.level",
		"log-format": "logging.format",
	}
)

func addServerFlags(fs *pflag.FlagSet) {
	fs.IntP("port", "p", 8080, "Port to serve on")
	fs.String("host", "localhost", "Host to bind to")
	fs.Bool("open", false, "Open the preview in a browser")
	fs.StringSlice("allowed-origin", nil, "Extra origin allowed to connect and edit (repeatable, * for any)")
	fs.Bool("watch", true, "Regenerate when the overlay file changes on disk")
}

func addSiteFlags(fs *pflag.FlagSet) {
	fs.String("root", "", "Site directory used as the snapshot (default \".\")")
	fs.String("snapshot", "", "Snapshot manifest file (YAML or JSON), takes precedence over --root")
	fs.String("overlay", "", "Pending-edit file")
	fs.StringSlice("ignore", nil, "Names skipped when reading the site directory")
}

func addPreviewFlags(fs *pflag.FlagSet) {
	fs.String("console-source", "", "Tag stamped on console messages from the preview")
	fs.Bool("rewrite-responses", true, "Rewrite references inside fetched text responses")
	fs.Bool("strict-json-rewrite", false, "Rewrite JSON responses by walking string values")
}

func addLoggingFlags(fs *pflag.FlagSet) {
	fs.StringP("log-level", "l", "info", "log level (debug, info, warn, error)")
	fs.String("log-format", "text", "log format (text, json)")
}

// bindFlags binds each flag of fs named in keys to its configuration key.
// Flags only override configuration when explicitly set.
func bindFlags(fs *pflag.FlagSet, keys map[string]string) {
	for name, key := range keys {
		if f := fs.Lookup(name); f != nil {
			_ = viper.BindPFlag(key, f)
		}
	}
}

// validateFormat checks an --output value.
func validateFormat(format string, allowed ...string) error {
	for _, a := range allowed {
		if format == a {
			return nil
		}
	}
	return fmt.Errorf("unsupported format: %s (supported: %s)", format, strings.Join(allowed, ", "))
}
