package cmd

import (
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/conneroisu/livesite/internal/resolver"
	"github.com/conneroisu/livesite/internal/vfs"
)

var resolveFormat string

var resolveCmd = &cobra.Command{
	Use:   "resolve REF...",
	Short: "Show where references resolve in the merged files",
	Long: `Resolve each reference against the merged virtual filesystem the way
the preview does. References that match nothing would go to the network.

Examples:
  livesite resolve style.css ./img/logo.png
  livesite resolve /css/site.css?v=2 --format json`,
	Args: cobra.MinimumNArgs(1),
	RunE: runResolve,
}

func init() {
	rootCmd.AddCommand(resolveCmd)

	resolveCmd.Flags().StringVarP(&resolveFormat, "format", "f", "text", "Output format (text, json, yaml)")
}

type resolveResult struct {
	OriginalRef  string  `json:"originalRef" yaml:"original_ref"`
	ResolvedPath *string `json:"resolvedPath" yaml:"resolved_path"`
	Absolute     bool    `json:"absolute,omitempty" yaml:"absolute,omitempty"`
}

func runResolve(cmd *cobra.Command, args []string) error {
	if err := validateFormat(resolveFormat, "text", "json", "yaml"); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	merged, _, err := mergeSite(cmd.Context(), afero.NewOsFs(), cfg)
	if err != nil {
		return err
	}

	results := resolveAll(merged, args)
	if resolveFormat == "text" {
		return writeResolveText(cmd.OutOrStdout(), results)
	}
	return writeReport(cmd.OutOrStdout(), resolveFormat, results)
}

func resolveAll(fs *vfs.VFS, refs []string) []resolveResult {
	results := make([]resolveResult, 0, len(refs))
	for _, ref := range refs {
		r := resolveResult{OriginalRef: ref, Absolute: resolver.IsAbsolute(ref)}
		if p, ok := resolver.Resolve(ref, fs); ok {
			r.ResolvedPath = &p
		}
		results = append(results, r)
	}
	return results
}

func writeResolveText(w io.Writer, results []resolveResult) error {
	for _, r := range results {
		var line string
		switch {
		case r.Absolute:
			line = fmt.Sprintf("%s -> (passed through)\n", r.OriginalRef)
		case r.ResolvedPath == nil:
			line = fmt.Sprintf("%s -> (unresolved)\n", r.OriginalRef)
		default:
			line = fmt.Sprintf("%s -> %s\n", r.OriginalRef, *r.ResolvedPath)
		}
		if _, err := io.WriteString(w, line); err != nil {
			return err
		}
	}
	return nil
}
