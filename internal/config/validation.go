package config

import (
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
)

// ValidationError represents a configuration validation issue with suggestions
type ValidationError struct {
	Field       string
	Value       interface{}
	Message     string
	Suggestions []string
}

func (ve *ValidationError) Error() string {
	return fmt.Sprintf("validation error in %s: %s", ve.Field, ve.Message)
}

// ValidationResult holds the result of configuration validation
type ValidationResult struct {
	Valid    bool
	Errors   []ValidationError
	Warnings []ValidationError
}

// HasErrors returns true if there are any validation errors
func (vr *ValidationResult) HasErrors() bool {
	return len(vr.Errors) > 0
}

// HasWarnings returns true if there are any validation warnings
func (vr *ValidationResult) HasWarnings() bool {
	return len(vr.Warnings) > 0
}

// String returns a formatted string of all validation issues
func (vr *ValidationResult) String() string {
	var builder strings.Builder

	write := func(title string, issues []ValidationError) {
		if len(issues) == 0 {
			return
		}
		builder.WriteString(title + ":\n")
		for _, issue := range issues {
			builder.WriteString(fmt.Sprintf("  - %s: %s\n", issue.Field, issue.Message))
			for _, suggestion := range issue.Suggestions {
				builder.WriteString(fmt.Sprintf("    hint: %s\n", suggestion))
			}
		}
	}

	write("Validation errors", vr.Errors)
	write("Validation warnings", vr.Warnings)

	return builder.String()
}

// ValidateConfigWithDetails checks a loaded configuration against the
// environment: missing site directories, overlay files and the like become
// warnings, values that cannot work become errors.
func ValidateConfigWithDetails(config *Config) *ValidationResult {
	result := &ValidationResult{}

	validateServerConfigDetails(&config.Server, result)
	validateSiteConfigDetails(&config.Site, result)
	validatePreviewConfigDetails(&config.Preview, result)

	result.Valid = !result.HasErrors()

	return result
}

func validateServerConfigDetails(config *ServerConfig, result *ValidationResult) {
	if config.Port > 0 && config.Port < 1024 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "server.port",
			Value:   config.Port,
			Message: "port below 1024 requires elevated privileges",
			Suggestions: []string{
				"Consider using a port above 1024 for development",
			},
		})
	}

	if config.Host == "0.0.0.0" || config.Host == "::" {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "server.host",
			Value:   config.Host,
			Message: "preview server is reachable from other machines",
			Suggestions: []string{
				"Use 'localhost' unless the preview must be shared",
			},
		})
	}

	for _, origin := range config.AllowedOrigins {
		if origin == "*" {
			result.Warnings = append(result.Warnings, ValidationError{
				Field:   "server.allowed_origins",
				Value:   origin,
				Message: "any origin may open the preview websocket",
			})
		}
	}
}

func validateSiteConfigDetails(config *SiteConfig, result *ValidationResult) {
	switch {
	case config.Snapshot != "":
		if !pathExists(config.Snapshot) {
			result.Errors = append(result.Errors, ValidationError{
				Field:   "site.snapshot",
				Value:   config.Snapshot,
				Message: "snapshot manifest does not exist",
				Suggestions: []string{
					"Point site.snapshot at a YAML or JSON manifest",
					"Leave it empty to read site.root as a directory",
				},
			})
		}
	case !isDir(config.Root):
		result.Errors = append(result.Errors, ValidationError{
			Field:   "site.root",
			Value:   config.Root,
			Message: "site root is not a directory",
			Suggestions: []string{
				"Run livesite from the site directory or pass --root",
			},
		})
	}

	if config.Overlay != "" && !pathExists(config.Overlay) {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "site.overlay",
			Value:   config.Overlay,
			Message: "overlay file does not exist yet, starting with no pending edits",
		})
	}
}

func validatePreviewConfigDetails(config *PreviewConfig, result *ValidationResult) {
	if config.LoadWarnAfter == 0 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "preview.load_warn_after",
			Value:   config.LoadWarnAfter,
			Message: "load watchdog disabled, a stalled preview is never reported",
		})
	}
	if len(config.ScrollRestoreDelays) == 0 {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "preview.scroll_restore_delays",
			Message: "scroll position is not restored across regenerations",
		})
	}
	if config.StrictJSONRewrite && !config.RewriteResponses {
		result.Warnings = append(result.Warnings, ValidationError{
			Field:   "preview.strict_json_rewrite",
			Value:   true,
			Message: "has no effect while rewrite_responses is off",
		})
	}
}

// Helper validation functions

var hostnameRegex = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$`)

func validateHostname(host string) error {
	dangerousChars := []string{";", "&", "|", "$", "`", "(", ")", "<", ">", "\"", "'", "\\"}
	for _, char := range dangerousChars {
		if strings.Contains(host, char) {
			return fmt.Errorf("contains dangerous character: %s", char)
		}
	}

	if net.ParseIP(host) != nil {
		return nil
	}

	if !hostnameRegex.MatchString(host) {
		return fmt.Errorf("invalid hostname format")
	}

	return nil
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func isDir(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
