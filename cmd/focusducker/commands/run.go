package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryanchriswhite/FocusDucker/internal/api"
	"github.com/bryanchriswhite/FocusDucker/internal/engine"
	"github.com/bryanchriswhite/FocusDucker/internal/logger"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the FocusDucker daemon",
	Long: `Start tracking the foreground application and ducking every other
application's audio until interrupted.

When server_port (or --port) is non-zero a read-only status API is served
on that port.`,
	Example: `  # Run with the default config
  focusducker run

  # Run with the status API on port 9090
  focusducker run --port 9090

  # Run with debug logging
  focusducker run --log-level debug`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	log := logger.WithComponent("main")

	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	defer configMgr.Close()

	cfg := configMgr.Get()
	log.Info().
		Str("path", configMgr.GetConfigPath()).
		Str("log_level", cfg.LogLevel).
		Msg("Configuration loaded")

	if err := configMgr.Watch(); err != nil {
		log.Warn().Err(err).Msg("Live config reload unavailable")
	}

	eng, err := engine.NewFromConfig(configMgr)
	if err != nil {
		return err
	}
	defer eng.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := eng.Start(ctx); err != nil {
		return fmt.Errorf("failed to start engine: %w", err)
	}

	var server *api.Server
	serverErr := make(chan error, 1)
	if cfg.ServerPort > 0 {
		server = api.NewServer(eng)
		go func() {
			serverErr <- server.Start(cfg.ServerPort)
		}()
	}

	fmt.Println()
	log.Info().Msg("✅ FocusDucker is running!")
	if server != nil {
		log.Info().Msgf("   - API: http://localhost:%d/api", cfg.ServerPort)
	}
	log.Info().Msg("   - Press Ctrl+C to stop")
	fmt.Println()

	select {
	case <-ctx.Done():
	case err := <-serverErr:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}

	fmt.Println()
	log.Info().Msg("Shutting down gracefully...")

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Msg("API server shutdown failed")
		}
	}
	return nil
}
