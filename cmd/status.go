package cmd

import (
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/danielolaszy/tracksync/internal/mirror"
)

// statusCmd prints how much of TAPD is mirrored.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check synchronization status between TAPD and Phabricator",
	Long: `This command displays statistics about the synchronization status
between TAPD stories and tasks and their mirrored Phabricator tasks.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		syncer, err := newSyncer(cfg)
		if err != nil {
			return err
		}

		summary, err := syncer.Status(cmd.Context())
		if err != nil {
			return fmt.Errorf("failed to fetch synchronization status: %w", err)
		}

		renderSummary(cmd, summary)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func renderSummary(cmd *cobra.Command, s mirror.Summary) {
	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.AppendHeader(table.Row{"ITEM", "TAPD", "MIRRORED", "NOT MIRRORED", "ORPHANED TASKS"})
	t.AppendRow(table.Row{"stories", s.Stories, s.StoriesMirrored, s.Stories - s.StoriesMirrored, s.OrphanStories})
	t.AppendRow(table.Row{"tasks", s.Tasks, s.TasksMirrored, s.Tasks - s.TasksMirrored, s.OrphanTasks})
	t.Render()

	fmt.Fprintln(cmd.OutOrStdout(), "\nSynchronization status:", getStatusMessage(
		s.StoriesMirrored+s.TasksMirrored,
		s.Stories+s.Tasks-s.StoriesMirrored-s.TasksMirrored,
	))
}

func getStatusMessage(mirrored, unmirrored int) string {
	if unmirrored == 0 {
		return "All TAPD items are mirrored in Phabricator"
	}

	percentage := float64(mirrored) / float64(mirrored+unmirrored) * 100
	return fmt.Sprintf("%.1f%% mirrored (%d/%d items)", percentage, mirrored, mirrored+unmirrored)
}
