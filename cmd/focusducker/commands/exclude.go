package commands

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

var excludeCmd = &cobra.Command{
	Use:   "exclude",
	Short: "Manage applications that are never ducked",
	Long: `Add or remove applications from the exclusion list. Excluded
applications keep their own volume even when they are in the background.

Names are matched case-insensitively against the process name and the
display name reported by the sound server. A running daemon picks up
changes immediately.`,
}

var excludeAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Exclude an application from ducking",
	Example: `  # Keep voice chat at full volume
  focusducker exclude add discord

  # Keep music playing at its own level
  focusducker exclude add spotify`,
	Args: cobra.ExactArgs(1),
	RunE: runExcludeAdd,
}

var excludeRemoveCmd = &cobra.Command{
	Use:   "remove NAME",
	Short: "Allow an application to be ducked again",
	Example: `  # Duck Discord again
  focusducker exclude remove discord`,
	Args: cobra.ExactArgs(1),
	RunE: runExcludeRemove,
}

var excludeListCmd = &cobra.Command{
	Use:   "list",
	Short: "List excluded applications",
	RunE:  runExcludeList,
}

func init() {
	rootCmd.AddCommand(excludeCmd)
	excludeCmd.AddCommand(excludeAddCmd)
	excludeCmd.AddCommand(excludeRemoveCmd)
	excludeCmd.AddCommand(excludeListCmd)
}

func runExcludeAdd(cmd *cobra.Command, args []string) error {
	name := args[0]

	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := configMgr.AddExcluded(name); err != nil {
		return fmt.Errorf("failed to exclude: %w", err)
	}

	fmt.Printf("✅ Excluded '%s' from ducking\n", name)
	return nil
}

func runExcludeRemove(cmd *cobra.Command, args []string) error {
	name := args[0]

	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	if err := configMgr.RemoveExcluded(name); err != nil {
		return fmt.Errorf("failed to remove exclusion: %w", err)
	}

	fmt.Printf("✅ Removed '%s' from exclusions\n", name)
	return nil
}

func runExcludeList(cmd *cobra.Command, args []string) error {
	configMgr, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	excluded := configMgr.Get().ExcludedIdentifiers
	if len(excluded) == 0 {
		fmt.Println("No applications are excluded")
		return nil
	}

	sort.Strings(excluded)
	fmt.Println("Excluded applications:")
	for _, name := range excluded {
		fmt.Printf("  • %s\n", name)
	}
	return nil
}
