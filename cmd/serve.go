package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/conneroisu/livesite/internal/config"
	"github.com/conneroisu/livesite/internal/logging"
	"github.com/conneroisu/livesite/internal/server"
)

// shutdownTimeout bounds a graceful shutdown after a signal.
const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Start the live preview server",
	Long: `Start the live preview server.

The site snapshot comes from --snapshot or --root and the pending edits from
--overlay. Edits made through the API are written back to the overlay file,
and outside changes to it regenerate the preview.

Examples:
  livesite serve                          # Preview the current directory
  livesite serve --root ./site -p 3000    # Preview ./site on port 3000
  livesite serve --snapshot snap.yml --overlay edits.yml --open`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	addServerFlags(serveCmd.Flags())
	bindFlags(serveCmd.Flags(), serverFlagKeys)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := checkEnvironment(cmd.Context(), cfg, logger); err != nil {
		return err
	}

	fs := afero.NewOsFs()
	srv, err := server.New(cfg, server.Options{
		Snapshot: snapshotSource(fs, cfg),
		Overlay:  overlayFile(fs, cfg),
		Logger:   logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		logger.Info(ctx, "Shutting down server...")

		shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
		defer done()
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			logger.Error(ctx, shutdownErr, "Error during server shutdown")
		}
		cancel()
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "Starting livesite at http://%s\n", cfg.Addr())

	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("server error: %w", err)
	}

	return nil
}

// checkEnvironment logs configuration warnings and refuses to start when the
// site cannot be read at all.
func checkEnvironment(ctx context.Context, cfg *config.Config, logger logging.Logger) error {
	result := config.ValidateConfigWithDetails(cfg)
	for _, w := range result.Warnings {
		logger.Warn(ctx, nil, "Configuration warning", "field", w.Field, "message", w.Message)
	}
	if result.HasErrors() {
		return fmt.Errorf("invalid configuration:\n%s", result.String())
	}
	return nil
}
