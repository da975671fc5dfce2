package cmd

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/maestro-dev/maestro/internal/config"
	"github.com/maestro-dev/maestro/internal/logging"
	"github.com/maestro-dev/maestro/internal/orchestrator"
	"github.com/maestro-dev/maestro/internal/thread"
	"github.com/maestro-dev/maestro/internal/workflow"
)

var (
	runFile        string
	runAutoApprove bool
	runAgentDelay  time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a workflow definition",
	Long: `Run the phases of a workflow definition file in order. Agents are
bound to scripted threads that complete after a fixed delay; approval
gates prompt on the terminal unless --auto-approve is set.`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVarP(&runFile, "file", "f", "", "workflow definition file (required)")
	runCmd.Flags().BoolVar(&runAutoApprove, "auto-approve", false, "approve every approval gate without prompting")
	runCmd.Flags().DurationVar(&runAgentDelay, "agent-delay", 100*time.Millisecond, "simulated agent execution time")
	_ = runCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	def, err := workflow.LoadDefinition(runFile)
	if err != nil {
		return err
	}

	cfg := config.Get()
	stateDir := cfg.Paths.ResolveStateDir()

	logger := logging.NopLogger()
	if cfg.Logging.Enabled {
		logger, err = logging.NewLogger(stateDir, cfg.Logging.Level)
		if err != nil {
			return fmt.Errorf("open log: %w", err)
		}
	}

	binder := thread.NewScriptedBinder()
	defer binder.Close()
	binder.SetAutoComplete(runAgentDelay)

	// Level changes in the config file take effect without a restart.
	config.Watch(func(c *config.Config) {
		logger.SetLevel(c.Logging.Level)
	}, func(err error) {
		logger.Warn("config reload failed", "error", err)
	})

	orch := orchestrator.New(binder, orchestrator.Options{
		ApprovalTimeout:     cfg.Approval.SoftTimeout(),
		AttachTimeout:       cfg.Recovery.AttachTimeout(),
		StateDir:            stateDir,
		MaxConcurrentAgents: cfg.Agents.MaxConcurrent,
		WorkerPollInterval:  cfg.Workers.PollInterval(),
	}, logger)
	defer func() { _ = orch.Close() }()

	if err := orch.Restore(); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	if cfg.Recovery.AutoRecover {
		if res, err := orch.AutoRecover(); err == nil && len(res.Reattached)+len(res.Remaining) > 0 {
			fmt.Printf("  %s recovered %d interrupted agents, %d still need a manual retry\n",
				warnStyle.Render("!"), len(res.Reattached), len(res.Remaining))
		}
	}

	id, err := orch.StartWorkflow(def)
	if err != nil {
		return err
	}
	fmt.Println(titleStyle.Render(def.Name), dimStyle.Render(id))

	return driveWorkflow(orch)
}

// driveWorkflow polls the workflow until it reaches a terminal state,
// answering approval gates on the way.
func driveWorkflow(orch *orchestrator.Orchestrator) error {
	prompted := make(map[string]bool)
	reported := make(map[string]workflow.PhaseStatus)

	for {
		wf := orch.Workflow()
		if wf == nil {
			return fmt.Errorf("workflow disappeared")
		}

		for _, p := range wf.Phases {
			if reported[p.ID] != p.Status {
				reported[p.ID] = p.Status
				fmt.Printf("  %s %s %s\n", phaseMarker(p.Status), headerStyle.Render(p.Name), dimStyle.Render(string(p.Status)))
			}
			// Keyed by attempt so a re-dispatched phase prompts again.
			gateKey := fmt.Sprintf("%s#%d", p.ID, p.Attempt)
			if p.Status == workflow.PhaseAwaitingApproval && !prompted[gateKey] {
				prompted[gateKey] = true
				if err := decidePhase(orch, p); err != nil {
					return err
				}
			}
		}

		if wf.Status.IsTerminal() {
			fmt.Println(headerStyle.Render("workflow " + string(wf.Status)))
			if wf.Status != workflow.WorkflowCompleted {
				return fmt.Errorf("workflow %s", wf.Status)
			}
			return nil
		}
		time.Sleep(20 * time.Millisecond)
	}
}

// decidePhase answers one approval gate, either automatically or by
// prompting on the terminal.
func decidePhase(orch *orchestrator.Orchestrator, p *workflow.Phase) error {
	if runAutoApprove {
		fmt.Printf("  %s auto-approving %s\n", okStyle.Render("✓"), p.Name)
		return orch.ApprovePhase(p.ID)
	}

	fmt.Printf("%s phase %q finished. Approve? [y/N]: ", warnStyle.Render("?"), p.Name)
	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	if answer := strings.ToLower(strings.TrimSpace(line)); answer == "y" || answer == "yes" {
		return orch.ApprovePhase(p.ID)
	}

	fmt.Print("rejection reason: ")
	reason, err := reader.ReadString('\n')
	if err != nil {
		return err
	}
	return orch.RejectPhase(p.ID, strings.TrimSpace(reason))
}
