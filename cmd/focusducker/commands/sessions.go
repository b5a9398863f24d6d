package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/bryanchriswhite/FocusDucker/internal/audio"
	"github.com/bryanchriswhite/FocusDucker/internal/config"
	"github.com/spf13/cobra"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List applications currently playing audio",
	Long: `List every process that currently has an audio stream, with its
current volume and whether it is excluded from ducking.

This reads the sound server directly and does not need the daemon running.`,
	Example: `  # List sessions in table format (default)
  focusducker sessions

  # List sessions in JSON format
  focusducker sessions --format json`,
	RunE: runSessions,
}

var sessionsFormat string

func init() {
	rootCmd.AddCommand(sessionsCmd)

	sessionsCmd.Flags().StringVarP(&sessionsFormat, "format", "f", "table", "output format (table or json)")
}

// sessionRow is one line of sessions output
type sessionRow struct {
	audio.SessionInfo
	Volume   float64 `json:"volume"`
	Excluded bool    `json:"excluded"`
}

func runSessions(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cfg := configMgr.Get()

	provider, err := audio.NewPulseProvider(audio.PulseConfig{
		CommandTimeout: cfg.Audio.CommandTimeout(),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to sound server: %w", err)
	}
	defer provider.Close()

	rows, err := collectSessions(cmd.Context(), provider, configMgr)
	if err != nil {
		return err
	}

	switch sessionsFormat {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rows)
	case "table":
		return printSessionsTable(os.Stdout, rows)
	default:
		return fmt.Errorf("unsupported format: %s (use 'table' or 'json')", sessionsFormat)
	}
}

func collectSessions(ctx context.Context, provider audio.Provider, configMgr *config.Manager) ([]sessionRow, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	sessions, err := provider.ListActiveSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	rows := make([]sessionRow, 0, len(sessions))
	for _, s := range sessions {
		volume, err := provider.GetVolume(ctx, s.PID)
		if err != nil {
			// Went away between the two calls
			continue
		}
		rows = append(rows, sessionRow{
			SessionInfo: s,
			Volume:      volume,
			Excluded:    configMgr.IsExcluded(s.ProcessName) || configMgr.IsExcluded(s.DisplayName),
		})
	}
	return rows, nil
}

func printSessionsTable(out io.Writer, rows []sessionRow) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	defer w.Flush()

	fmt.Fprintln(w, "PID\tNAME\tPROCESS\tSTATE\tVOLUME\tEXCLUDED")
	fmt.Fprintln(w, "---\t----\t-------\t-----\t------\t--------")

	for _, r := range rows {
		excluded := "No"
		if r.Excluded {
			excluded = "Yes"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%3.0f%%\t%s\n",
			r.PID, r.DisplayName, r.ProcessName, r.State, r.Volume*100, excluded)
	}

	return nil
}
