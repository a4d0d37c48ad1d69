package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/conneroisu/livesite/internal/config"
	"github.com/conneroisu/livesite/internal/interception"
	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/preview"
)

var (
	renderOutput string
	renderFormat string
)

var renderCmd = &cobra.Command{
	Use:     "render",
	Aliases: []string{"r"},
	Short:   "Assemble the preview document once",
	Long: `Merge the snapshot with the pending edits and assemble the entry
document once, without starting a server.

With --format json a summary of the generation is printed instead of the
document: entry point, inlined stylesheets and unresolved references.

Examples:
  livesite render                         # Print the document
  livesite render -o preview.html         # Write it to a file
  livesite render --format json           # Summarize the generation`,
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "Write to a file instead of stdout")
	renderCmd.Flags().StringVarP(&renderFormat, "format", "f", "html", "Output format (html, json)")
}

type renderSummary struct {
	Generation  string   `json:"generation"`
	Fingerprint string   `json:"fingerprint"`
	EntryPoint  string   `json:"entryPoint"`
	Files       int      `json:"files"`
	Inlined     []string `json:"inlined"`
	Unresolved  []string `json:"unresolved"`
	Warnings    []string `json:"warnings,omitempty"`
}

func runRender(cmd *cobra.Command, args []string) error {
	if err := validateFormat(renderFormat, "html", "json"); err != nil {
		return err
	}

	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	if renderOutput != "" {
		f, err := os.Create(renderOutput)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	return renderOnce(cmd.Context(), afero.NewOsFs(), cfg, logger, renderFormat, out)
}

func renderOnce(ctx context.Context, fs afero.Fs, cfg *config.Config, logger logging.Logger, format string, out io.Writer) error {
	engine := newEngine(fs, cfg, logger)
	defer engine.Close()

	r, err := engine.Regenerate(ctx)
	if err != nil {
		return fmt.Errorf("render failed: %w", err)
	}

	if format == "json" {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(renderSummary{
			Generation:  r.Generation,
			Fingerprint: r.Fingerprint,
			EntryPoint:  r.EntryPoint,
			Files:       r.Set.Len(),
			Inlined:     nonNil(r.Inlined),
			Unresolved:  nonNil(r.Unresolved),
			Warnings:    r.Warnings,
		})
	}

	_, err = io.WriteString(out, r.HTML)
	return err
}

// newEngine builds a standalone engine over the configured sources.
func newEngine(fs afero.Fs, cfg *config.Config, logger logging.Logger) *preview.Engine {
	return preview.New(preview.Options{
		Snapshot: snapshotSource(fs, cfg),
		Overlay:  overlaySource(fs, cfg),
		Runtime: interception.Options{
			Source:           cfg.Preview.ConsoleSource,
			RewriteResponses: cfg.Preview.RewriteResponses,
			StrictJSON:       cfg.Preview.StrictJSONRewrite,
		},
		RestoreDelays: cfg.Preview.ScrollRestoreDelays,
		LoadWarnAfter: cfg.Preview.LoadWarnAfter,
		Logger:        logger,
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
