package cmd

import (
	"github.com/charmbracelet/lipgloss"

	"github.com/maestro-dev/maestro/internal/agent"
	"github.com/maestro-dev/maestro/internal/workflow"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
)

// statusDot renders a colored marker for an agent status.
func statusDot(status agent.Status) string {
	switch status {
	case agent.StatusRunning:
		return okStyle.Render("●")
	case agent.StatusCompleted:
		return okStyle.Render("✓")
	case agent.StatusPaused:
		return warnStyle.Render("◐")
	case agent.StatusError:
		return errStyle.Render("✗")
	case agent.StatusCancelled:
		return dimStyle.Render("○")
	default:
		return dimStyle.Render("·")
	}
}

// phaseMarker renders a colored marker for a phase status.
func phaseMarker(status workflow.PhaseStatus) string {
	switch status {
	case workflow.PhaseCompleted, workflow.PhaseApproved:
		return okStyle.Render("✓")
	case workflow.PhaseRunning:
		return okStyle.Render("●")
	case workflow.PhaseAwaitingApproval, workflow.PhaseApprovalTimeout:
		return warnStyle.Render("?")
	case workflow.PhaseFailed, workflow.PhaseRejected:
		return errStyle.Render("✗")
	default:
		return dimStyle.Render("·")
	}
}
