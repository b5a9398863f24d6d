package commands

import (
	"fmt"
	"os"

	"github.com/bryanchriswhite/FocusDucker/internal/config"
	"github.com/bryanchriswhite/FocusDucker/internal/logger"
	"github.com/spf13/cobra"
)

var (
	cfgFile    string
	logLevel   string
	portFlag   int
	prettyLogs bool

	rootCmd = &cobra.Command{
		Use:   "focusducker",
		Short: "FocusDucker - Duck background audio behind the focused application",
		Long: `FocusDucker watches which application owns the active window and lowers
the volume of every other application that is playing sound.

Features:
  • Detect the foreground process via X11 or KWin
  • Track audio sessions through PulseAudio / PipeWire
  • Restore each application's own volume when it comes to the front
  • Exclude applications (voice chat, music) from ducking
  • Live configuration reload
  • Read-only status API with a websocket event stream`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := logLevel
			if level == "" {
				level = "info"
			}
			logger.Init(level, prettyLogs)
		},
	}
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/focusducker/config.yaml)")
	rootCmd.PersistentFlags().IntVar(&portFlag, "port", 0, "status API port (overrides server_port)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&prettyLogs, "pretty", true, "human-readable console logs")
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// GetConfigFile returns the config file path
func GetConfigFile() string {
	return cfgFile
}

// loadConfig opens the config and applies command line overrides
func loadConfig(cmd *cobra.Command) (*config.Manager, error) {
	configMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("port") {
		if err := configMgr.Override("server_port", portFlag); err != nil {
			return nil, err
		}
	}
	if cmd.Flags().Changed("log-level") {
		if err := configMgr.Override("log_level", logLevel); err != nil {
			return nil, err
		}
	}

	logger.SetLevel(configMgr.GetLogLevel())
	return configMgr, nil
}
