package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maestro-dev/maestro/internal/config"
	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/logging"
	"github.com/maestro-dev/maestro/internal/merge"
	"github.com/maestro-dev/maestro/internal/orchestrator"
	"github.com/maestro-dev/maestro/internal/taskgraph"
	"github.com/maestro-dev/maestro/internal/thread"
	"github.com/maestro-dev/maestro/internal/worker"
)

var (
	tasksFile    string
	tasksWorkers int
	tasksDryRun  bool
	tasksDelay   time.Duration
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Drain a task list through the worker pool",
	Long: `Load a task list with dependencies and drain it with a pool of
workers. Finished tasks merge into the configured target branch in
dependency order; --dry-run records merges without touching git.`,
	RunE: runTasks,
}

func init() {
	tasksCmd.Flags().StringVarP(&tasksFile, "file", "f", "", "task list file (required)")
	tasksCmd.Flags().IntVar(&tasksWorkers, "workers", 0, "worker slots (default from workers.count)")
	tasksCmd.Flags().BoolVar(&tasksDryRun, "dry-run", false, "record merges without running git")
	tasksCmd.Flags().DurationVar(&tasksDelay, "task-delay", 50*time.Millisecond, "simulated task execution time")
	_ = tasksCmd.MarkFlagRequired("file")
	rootCmd.AddCommand(tasksCmd)
}

// taskList is the YAML shape of a task list file.
type taskList struct {
	Tasks []taskEntry `yaml:"tasks"`
}

type taskEntry struct {
	ID          string   `yaml:"id"`
	Title       string   `yaml:"title,omitempty"`
	Description string   `yaml:"description,omitempty"`
	Priority    int      `yaml:"priority,omitempty"`
	DependsOn   []string `yaml:"depends_on,omitempty"`
}

// loadTasks reads a task list file into graph tasks. The graph itself
// rejects duplicate IDs, unknown dependencies, and cycles on
// registration, so only per-entry shape is checked here.
func loadTasks(path string) ([]taskgraph.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task list: %w", err)
	}
	var list taskList
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, errors.NewValidationError("task list is not valid YAML").WithCause(err)
	}
	if len(list.Tasks) == 0 {
		return nil, errors.NewValidationError("task list has no tasks").WithField("tasks")
	}

	tasks := make([]taskgraph.Task, 0, len(list.Tasks))
	for i, e := range list.Tasks {
		if e.ID == "" {
			return nil, errors.NewValidationError(fmt.Sprintf("task %d has no id", i)).
				WithField("tasks.id")
		}
		if e.Priority < 0 {
			return nil, errors.NewValidationError("priority must not be negative").
				WithField("tasks.priority").WithValue(e.Priority)
		}
		title := e.Title
		if title == "" {
			title = e.ID
		}
		tasks = append(tasks, taskgraph.Task{
			ID:          e.ID,
			Title:       title,
			Description: e.Description,
			Priority:    e.Priority,
			DependsOn:   e.DependsOn,
		})
	}
	return tasks, nil
}

func runTasks(cmd *cobra.Command, args []string) error {
	tasks, err := loadTasks(tasksFile)
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

	orch := orchestrator.New(binder, orchestrator.Options{
		StateDir:           stateDir,
		WorkerPollInterval: cfg.Workers.PollInterval(),
	}, logger)
	defer func() { _ = orch.Close() }()

	if err := orch.EnqueueTasks(tasks); err != nil {
		return err
	}

	workers := tasksWorkers
	if workers <= 0 {
		workers = cfg.Workers.Count
	}

	var merger merge.Merger
	if tasksDryRun {
		merger = merge.NewScriptedMerger()
	} else {
		merger = merge.NewGitMerger(cfg.Merge.RepoDir, cfg.Merge.TargetBranch)
	}

	executor := worker.ExecutorFunc(func(ctx context.Context, task *taskgraph.Task) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(tasksDelay):
			return nil
		}
	})

	fmt.Println(titleStyle.Render("tasks"),
		dimStyle.Render(fmt.Sprintf("%d tasks, %d workers", len(tasks), workers)))
	if err := orch.RunTasks(cmd.Context(), executor, merger, workers); err != nil {
		return err
	}
	return reportTasks(orch)
}

// reportTasks prints every task's terminal status and fails the command
// when any task did not merge.
func reportTasks(orch *orchestrator.Orchestrator) error {
	unmerged := 0
	for _, task := range orch.Tasks() {
		marker := okStyle.Render("✓")
		detail := task.MergeCommitSHA
		switch task.Status {
		case taskgraph.StatusMerged:
		case taskgraph.StatusFailed:
			unmerged++
			marker = errStyle.Render("✗")
			detail = task.FailureReason
		default:
			unmerged++
			marker = warnStyle.Render("○")
			detail = string(task.Status)
		}
		fmt.Printf("  %s %s %s\n", marker, headerStyle.Render(task.Title), dimStyle.Render(detail))
	}
	if unmerged > 0 {
		return fmt.Errorf("%d tasks did not merge", unmerged)
	}
	return nil
}
