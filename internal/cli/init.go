package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/store"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the .drover state layout in the current directory",
	Long: `Creates the .drover directory with empty queue partitions, a zeroed
iteration record, and a default config.yaml. Running init in an
already-initialized workspace is safe; existing files are untouched.

Example:
  drover init`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("failed to get current directory: %w", err)
	}

	st := store.New(cwd)
	if err := st.Init(); err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}

	cfgPath := filepath.Join(cwd, config.Dir, "config.yaml")
	if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		if err := config.Save(cwd, &cfg); err != nil {
			return fmt.Errorf("failed to write default config: %w", err)
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Initialized %s/%s\n", cwd, config.Dir)
	fmt.Fprintln(cmd.OutOrStdout(), "Add tasks to .drover/queue/todo.json, then run: drover run")
	return nil
}
