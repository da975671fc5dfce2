package merge

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/taskgraph"
)

// CommandExecutor abstracts command execution so tests can script git
// without running it.
type CommandExecutor interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// CLICommandExecutor executes commands using os/exec.
type CLICommandExecutor struct{}

// Run executes a command in dir and returns combined output.
func (e *CLICommandExecutor) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// GitMerger merges task branches into an integration branch using the
// git CLI. Task branches follow the "task/<id>" convention.
type GitMerger struct {
	repoDir      string
	targetBranch string
	executor     CommandExecutor
}

// NewGitMerger creates a GitMerger for the repository at repoDir merging
// into targetBranch.
func NewGitMerger(repoDir, targetBranch string) *GitMerger {
	return &GitMerger{
		repoDir:      repoDir,
		targetBranch: targetBranch,
		executor:     &CLICommandExecutor{},
	}
}

// NewGitMergerWithExecutor creates a GitMerger with a custom executor.
// This is primarily useful for testing.
func NewGitMergerWithExecutor(repoDir, targetBranch string, executor CommandExecutor) *GitMerger {
	return &GitMerger{
		repoDir:      repoDir,
		targetBranch: targetBranch,
		executor:     executor,
	}
}

// BranchFor returns the branch name for a task.
func (m *GitMerger) BranchFor(task *taskgraph.Task) string {
	return "task/" + task.ID
}

// Merge checks out the target branch, merges the task branch with a merge
// commit, and returns the resulting SHA. On conflict the merge is aborted
// and the error wraps errors.ErrMergeConflict.
func (m *GitMerger) Merge(ctx context.Context, task *taskgraph.Task) (string, error) {
	branch := m.BranchFor(task)

	output, err := m.executor.Run(ctx, m.repoDir, "git", "checkout", m.targetBranch)
	if err != nil {
		return "", fmt.Errorf("checkout %s: %w: %s", m.targetBranch, err, strings.TrimSpace(string(output)))
	}

	output, err = m.executor.Run(ctx, m.repoDir, "git", "merge", "--no-ff", branch,
		"-m", fmt.Sprintf("Merge %s: %s", branch, task.Title))
	if err != nil {
		outputStr := string(output)
		if strings.Contains(outputStr, "CONFLICT") || strings.Contains(outputStr, "Automatic merge failed") {
			// Leave the repository clean for the next merge.
			_, _ = m.executor.Run(ctx, m.repoDir, "git", "merge", "--abort")
			return "", fmt.Errorf("merge %s into %s: %w", branch, m.targetBranch, errors.ErrMergeConflict)
		}
		return "", fmt.Errorf("merge %s into %s: %w: %s", branch, m.targetBranch, err, strings.TrimSpace(outputStr))
	}

	output, err = m.executor.Run(ctx, m.repoDir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve merge commit: %w: %s", err, strings.TrimSpace(string(output)))
	}

	return strings.TrimSpace(string(output)), nil
}
