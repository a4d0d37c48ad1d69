package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"github.com/conneroisu/livesite/internal/assembler"
	"github.com/conneroisu/livesite/internal/config"
	"github.com/conneroisu/livesite/internal/materializer"
	"github.com/conneroisu/livesite/internal/vfs"
)

var inspectFormat string

var inspectCmd = &cobra.Command{
	Use:     "inspect",
	Aliases: []string{"ls"},
	Short:   "List the merged virtual filesystem",
	Long: `List every file of the merged virtual filesystem with its media type,
its size and whether it comes from the snapshot or a pending edit.

Examples:
  livesite inspect                         # YAML listing
  livesite inspect --format json           # JSON listing
  livesite inspect --overlay edits.yml     # Include pending edits`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVarP(&inspectFormat, "format", "f", "yaml", "Output format (yaml, json)")
}

// inspectReport is the inspect output.
type inspectReport struct {
	Fingerprint string        `json:"fingerprint" yaml:"fingerprint"`
	EntryPoint  string        `json:"entryPoint,omitempty" yaml:"entry_point,omitempty"`
	Files       []inspectFile `json:"files" yaml:"files"`
	Dropped     []string      `json:"dropped,omitempty" yaml:"dropped,omitempty"`
}

type inspectFile struct {
	Path      string     `json:"path" yaml:"path"`
	MediaType string     `json:"mediaType" yaml:"media_type"`
	Text      bool       `json:"text" yaml:"text"`
	Size      int        `json:"size" yaml:"size"`
	Origin    vfs.Origin `json:"origin" yaml:"origin"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	if err := validateFormat(inspectFormat, "yaml", "json"); err != nil {
		return err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	report, err := buildInspectReport(cmd.Context(), afero.NewOsFs(), cfg)
	if err != nil {
		return err
	}
	return writeReport(cmd.OutOrStdout(), inspectFormat, report)
}

// mergeSite loads both collaborators and merges them. Dropped records are
// returned alongside the VFS.
func mergeSite(ctx context.Context, fs afero.Fs, cfg *config.Config) (*vfs.VFS, []error, error) {
	snapshot, err := snapshotSource(fs, cfg).LoadSnapshot(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading snapshot: %w", err)
	}
	edits, err := overlaySource(fs, cfg).LoadOverlay(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("loading pending edits: %w", err)
	}
	merged, dropped := vfs.Merge(snapshot, edits)
	return merged, dropped, nil
}

func buildInspectReport(ctx context.Context, fs afero.Fs, cfg *config.Config) (*inspectReport, error) {
	merged, dropped, err := mergeSite(ctx, fs, cfg)
	if err != nil {
		return nil, err
	}

	report := &inspectReport{
		Fingerprint: merged.Fingerprint(),
		Files:       make([]inspectFile, 0, merged.Len()),
	}
	if entry, err := assembler.FindEntryPoint(merged); err == nil {
		report.EntryPoint = entry
	}
	for _, p := range merged.Paths() {
		e, _ := merged.Get(p)
		report.Files = append(report.Files, inspectFile{
			Path:      p,
			MediaType: materializer.MediaType(p),
			Text:      materializer.IsText(p),
			Size:      len(e.Data),
			Origin:    e.Origin,
		})
	}
	for _, d := range dropped {
		report.Dropped = append(report.Dropped, d.Error())
	}

	return report, nil
}

func writeReport(w io.Writer, format string, v interface{}) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}

	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("encoding yaml: %w", err)
	}
	_, err = w.Write(data)
	return err
}
