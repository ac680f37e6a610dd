package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// invalidateCmd runs only the invalidation step of a pass.
var invalidateCmd = &cobra.Command{
	Use:   "invalidate",
	Short: "Invalidate Phabricator tasks whose TAPD item is gone",
	Long: `Compare the complete TAPD story and task listings with the mirrored
Phabricator tasks and move every task whose TAPD item no longer exists to
"invalid". Nothing is created or updated otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		closer, err := setupFileLogging(cfg)
		if err != nil {
			return err
		}
		defer closer.Close()

		syncer, err := newSyncer(cfg)
		if err != nil {
			return err
		}

		report, err := syncer.Invalidate(cmd.Context())
		if err != nil {
			return fmt.Errorf("invalidation failed: %w", err)
		}

		printReport(cmd, report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(invalidateCmd)
}
