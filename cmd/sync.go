package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielolaszy/tracksync/internal/logging"
	"github.com/danielolaszy/tracksync/internal/mirror"
)

// syncCmd runs one reconciliation pass.
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Mirror recently changed TAPD items into Phabricator",
	Long: `Run one synchronization pass.

The pass works on the TAPD items changed within sync.window:

1. Stories without a mirrored task get one, unless they are already closed
2. Mirrored stories get an update with the fields that changed
3. New comments are posted on the mirrored task of their story or task
4. Tasks of mirrored stories are mirrored as subtasks
5. Diff tags of tasks are merged into their story

On sync.invalidate_weekday the pass also moves every mirrored task whose
TAPD item no longer exists to "invalid". Use --invalidate or --no-invalidate
to force that step on or off.

Example:
  tracksync sync --env staging`,
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

		now := time.Now()
		invalidate, err := shouldInvalidate(cmd, syncer, now)
		if err != nil {
			return err
		}

		report, err := syncer.Run(cmd.Context(), now, invalidate)
		if err != nil {
			return fmt.Errorf("synchronization failed: %w", err)
		}

		printReport(cmd, report)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
	syncCmd.Flags().Bool("invalidate", false, "Invalidate orphaned tasks regardless of the weekday")
	syncCmd.Flags().Bool("no-invalidate", false, "Never invalidate orphaned tasks in this run")
	syncCmd.MarkFlagsMutuallyExclusive("invalidate", "no-invalidate")
}

// scheduler decides whether a pass started at a given time invalidates.
type scheduler interface {
	ShouldInvalidate(now time.Time) bool
}

func shouldInvalidate(cmd *cobra.Command, s scheduler, now time.Time) (bool, error) {
	force, err := cmd.Flags().GetBool("invalidate")
	if err != nil {
		return false, err
	}
	never, err := cmd.Flags().GetBool("no-invalidate")
	if err != nil {
		return false, err
	}

	switch {
	case force:
		return true, nil
	case never:
		return false, nil
	}

	invalidate := s.ShouldInvalidate(now)
	logging.Debug("invalidation schedule", "weekday", now.Weekday().String(), "invalidate", invalidate)
	return invalidate, nil
}

func printReport(cmd *cobra.Command, r mirror.Report) {
	fmt.Fprintf(cmd.OutOrStdout(),
		"created: %d, updated: %d, skipped: %d, failed: %d, comments: %d, diff tags: %d, invalidated: %d\n",
		r.Created, r.Updated, r.Skipped, r.Failed, r.Comments, r.DiffTags, r.Invalidated)
}
