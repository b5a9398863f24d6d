package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/bryanchriswhite/FocusDucker/internal/foreground"
	"github.com/spf13/cobra"
)

var foregroundCmd = &cobra.Command{
	Use:   "foreground",
	Short: "Show the process owning the active window",
	Long: `Show which process owns the active window, as seen by the configured
foreground backend.

With --watch, keep running and print every change until interrupted.`,
	Example: `  # Show the current foreground process
  focusducker foreground

  # Force the KWin backend
  focusducker foreground --backend kwin

  # Print changes as they happen
  focusducker foreground --watch`,
	RunE: runForeground,
}

var (
	foregroundBackend string
	foregroundWatch   bool
	foregroundFormat  string
)

func init() {
	rootCmd.AddCommand(foregroundCmd)

	foregroundCmd.Flags().StringVarP(&foregroundBackend, "backend", "b", "", "backend to use (auto, x11, kwin); defaults to foreground.backend")
	foregroundCmd.Flags().BoolVarP(&foregroundWatch, "watch", "w", false, "print changes until interrupted")
	foregroundCmd.Flags().StringVarP(&foregroundFormat, "format", "f", "text", "output format (text or json)")
}

type foregroundInfo struct {
	PID     int    `json:"pid"`
	Process string `json:"process"`
	Backend string `json:"backend"`
}

func runForeground(cmd *cobra.Command, args []string) error {
	if foregroundFormat != "text" && foregroundFormat != "json" {
		return fmt.Errorf("unsupported format: %s (use 'text' or 'json')", foregroundFormat)
	}

	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	name := foregroundBackend
	if name == "" {
		name = cfg.Foreground.Backend
	}

	backend, err := foreground.NewBackend(name)
	if err != nil {
		return err
	}
	defer backend.Close()

	if !foregroundWatch {
		pid, err := backend.ForegroundPID()
		if err != nil {
			return fmt.Errorf("failed to read foreground process: %w", err)
		}
		return printForeground(foregroundInfo{PID: pid, Process: processName(pid), Backend: backend.Name()})
	}

	feed := foreground.NewFeed(backend, backend, foreground.Options{
		Debounce:          cfg.Foreground.Debounce(),
		PollInterval:      cfg.Foreground.PollInterval(),
		PollErrorInterval: cfg.Foreground.PollErrorInterval(),
	})
	defer feed.Stop()

	feed.OnChange(func(c foreground.Change) {
		if err := printForeground(foregroundInfo{
			PID:     c.Current,
			Process: processName(c.Current),
			Backend: backend.Name(),
		}); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := feed.Start(); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "Watching foreground changes (%s mode), press Ctrl+C to stop\n", feed.Mode())

	<-ctx.Done()
	return nil
}

func printForeground(info foregroundInfo) error {
	if foregroundFormat == "json" {
		return json.NewEncoder(os.Stdout).Encode(info)
	}
	fmt.Printf("PID:      %d\n", info.PID)
	fmt.Printf("Process:  %s\n", info.Process)
	fmt.Printf("Backend:  %s\n", info.Backend)
	return nil
}

// processName reads the short command name of pid from procfs
func processName(pid int) string {
	data, err := os.ReadFile(filepath.Join("/proc", fmt.Sprint(pid), "comm"))
	if err != nil {
		return "unknown"
	}
	return strings.TrimSpace(string(data))
}
