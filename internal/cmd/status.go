package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/maestro-dev/maestro/internal/config"
	"github.com/maestro-dev/maestro/internal/orchestrator"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the last persisted orchestration state",
	Long:  `Display the workflow, agents, and tasks from the persisted snapshot.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg := config.Get()
	snap, err := orchestrator.ReadSnapshot(cfg.Paths.ResolveStateDir())
	if err != nil {
		return err
	}
	if snap == nil {
		fmt.Println("No saved state")
		return nil
	}

	fmt.Println(dimStyle.Render("saved " + snap.SavedAt.Format("2006-01-02 15:04:05")))
	if snap.Restarts > 0 {
		fmt.Println(dimStyle.Render(fmt.Sprintf("restarts: %d", snap.Restarts)))
	}

	if wf := snap.Workflow; wf != nil {
		fmt.Printf("\n%s %s\n", titleStyle.Render(wf.Name), dimStyle.Render(string(wf.Status)))
		for i, p := range wf.Phases {
			cursor := " "
			if i == wf.CurrentPhaseIndex {
				cursor = ">"
			}
			fmt.Printf("%s %s %s %s\n", cursor, phaseMarker(p.Status), headerStyle.Render(p.Name), dimStyle.Render(string(p.Status)))
		}
	}

	if len(snap.Agents) > 0 {
		fmt.Printf("\n%s\n", headerStyle.Render("Agents"))
		for _, a := range snap.Agents {
			fmt.Printf("  %s %s (%s) %s\n", statusDot(a.Status), shortID(a.ID), a.Type, dimStyle.Render(a.Task))
			if a.Failure != nil {
				style := errStyle
				if a.Failure.Recoverable {
					style = warnStyle
				}
				fmt.Printf("    %s\n", style.Render(a.Failure.Message))
			}
		}
	}

	if len(snap.Tasks) > 0 {
		fmt.Printf("\n%s\n", headerStyle.Render("Tasks"))
		for _, t := range snap.Tasks {
			line := fmt.Sprintf("  [%s] %s", t.Status, t.Title)
			if t.MergeCommitSHA != "" {
				line += dimStyle.Render(" @" + shortID(t.MergeCommitSHA))
			}
			fmt.Println(line)
		}
	}

	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
