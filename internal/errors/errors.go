// Package errors provides centralized error definitions and error handling
// utilities for the Maestro codebase. It defines the orchestration error
// taxonomy, semantic error types, constructors with context wrapping, and
// classification helpers.
//
// Structural and validation errors (ErrDependencyNotFound,
// ErrCyclicDependency, ErrMissingReason, ...) are returned synchronously to
// callers and never mutate state. Execution errors are recorded on the
// affected agent or task and surfaced through the change-notification
// stream rather than thrown through the facade.
package errors

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Registry and dependency sentinel errors
var (
	// ErrAgentNotFound indicates that an agent could not be found.
	ErrAgentNotFound = New("agent not found")
	// ErrDependencyNotFound indicates that a declared dependency references
	// an unknown agent or task ID.
	ErrDependencyNotFound = New("dependency not found")
	// ErrDependencyNotSatisfied indicates that an agent cannot start
	// because one or more dependencies have not completed.
	ErrDependencyNotSatisfied = New("dependency not satisfied")
	// ErrInvalidTransition indicates a disallowed status transition.
	// It is non-fatal: speculative pause/resume calls report it and move on.
	ErrInvalidTransition = New("invalid status transition")
	// ErrOperationInProgress indicates that a control operation for the same
	// agent is already in flight.
	ErrOperationInProgress = New("operation already in progress")
)

// Approval sentinel errors
var (
	// ErrPhaseNotFound indicates that a phase could not be found.
	ErrPhaseNotFound = New("phase not found")
	// ErrNotAwaitingApproval indicates the phase is not in an approvable state.
	ErrNotAwaitingApproval = New("phase is not awaiting approval")
	// ErrMissingReason indicates a rejection was submitted without a reason.
	ErrMissingReason = New("rejection reason is required")
)

// Task graph sentinel errors
var (
	// ErrTaskNotFound indicates that a task could not be found.
	ErrTaskNotFound = New("task not found")
	// ErrCyclicDependency indicates a cycle in the task dependency set.
	// Cycles are rejected at registration, never at run time.
	ErrCyclicDependency = New("cyclic dependency detected")
	// ErrAlreadyAssigned indicates the task is assigned to another worker.
	ErrAlreadyAssigned = New("task already assigned")
	// ErrMergeConflict indicates the merge step failed with a conflict.
	ErrMergeConflict = New("merge conflict")
)

// Workflow sentinel errors
var (
	// ErrWorkflowNotFound indicates no active workflow exists.
	ErrWorkflowNotFound = New("no active workflow")
	// ErrWorkflowTerminal indicates the workflow reached a terminal state
	// and cannot accept further operations.
	ErrWorkflowTerminal = New("workflow is in a terminal state")
)

// General sentinel errors
var (
	// ErrTimeout indicates that an operation timed out.
	ErrTimeout = New("operation timed out")
	// ErrInvalidInput indicates that input validation failed.
	ErrInvalidInput = New("invalid input")
	// ErrOrchestratorClosed indicates the orchestrator has shut down.
	ErrOrchestratorClosed = New("orchestrator is closed")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// MaestroError is the base interface for all Maestro errors.
// It extends the standard error interface with classification methods.
type MaestroError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Is reports whether this error matches the target error.
	Is(target error) bool

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsRetryable returns true if the error is transient and the operation
	// may succeed on retry.
	IsRetryable() bool

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	retryable  bool
	userFacing bool
}

func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *baseError) Unwrap() error {
	return e.cause
}

func (e *baseError) Is(target error) bool {
	if e.cause != nil {
		return errors.Is(e.cause, target)
	}
	return false
}

func (e *baseError) Severity() Severity {
	return e.severity
}

func (e *baseError) IsRetryable() bool {
	return e.retryable
}

func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// AgentError represents errors scoped to a single agent. One agent's
// failure never takes down sibling agents or the workflow cursor, so
// AgentError is always surfaced on the agent record, not propagated.
//
// Example:
//
//	err := errors.NewAgentError("thread binding lost", errors.ErrInvalidTransition)
//	err = err.WithAgentID("a1b2c3d4").WithRetryable(true)
type AgentError struct {
	baseError
	AgentID  string
	ThreadID string
}

// NewAgentError creates a new AgentError.
func NewAgentError(message string, cause error) *AgentError {
	return &AgentError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithAgentID adds an agent ID to the error context.
func (e *AgentError) WithAgentID(id string) *AgentError {
	e.AgentID = id
	return e
}

// WithThreadID adds a thread binding ID to the error context.
func (e *AgentError) WithThreadID(id string) *AgentError {
	e.ThreadID = id
	return e
}

// WithSeverity sets the error severity.
func (e *AgentError) WithSeverity(s Severity) *AgentError {
	e.severity = s
	return e
}

// WithRetryable sets whether the error is retryable.
func (e *AgentError) WithRetryable(r bool) *AgentError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *AgentError) Error() string {
	var parts []string
	if e.AgentID != "" {
		parts = append(parts, fmt.Sprintf("agent=%s", e.AgentID))
	}
	if e.ThreadID != "" {
		parts = append(parts, fmt.Sprintf("thread=%s", e.ThreadID))
	}

	prefix := "agent error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("agent error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *AgentError) Is(target error) bool {
	if _, ok := target.(*AgentError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// SchedulerError represents errors related to phase scheduling and
// workflow advancement.
type SchedulerError struct {
	baseError
	WorkflowID string
	PhaseID    string
	PhaseIndex int
}

// NewSchedulerError creates a new SchedulerError.
func NewSchedulerError(message string, cause error) *SchedulerError {
	return &SchedulerError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
		PhaseIndex: -1, // -1 indicates not set
	}
}

// WithWorkflowID adds a workflow ID to the error context.
func (e *SchedulerError) WithWorkflowID(id string) *SchedulerError {
	e.WorkflowID = id
	return e
}

// WithPhaseID adds a phase ID to the error context.
func (e *SchedulerError) WithPhaseID(id string) *SchedulerError {
	e.PhaseID = id
	return e
}

// WithPhaseIndex adds the workflow cursor position to the error context.
func (e *SchedulerError) WithPhaseIndex(idx int) *SchedulerError {
	e.PhaseIndex = idx
	return e
}

// WithSeverity sets the error severity.
func (e *SchedulerError) WithSeverity(s Severity) *SchedulerError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *SchedulerError) Error() string {
	var parts []string
	if e.WorkflowID != "" {
		parts = append(parts, fmt.Sprintf("workflow=%s", e.WorkflowID))
	}
	if e.PhaseID != "" {
		parts = append(parts, fmt.Sprintf("phase=%s", e.PhaseID))
	}
	if e.PhaseIndex >= 0 {
		parts = append(parts, fmt.Sprintf("index=%d", e.PhaseIndex))
	}

	prefix := "scheduler error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("scheduler error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *SchedulerError) Is(target error) bool {
	if _, ok := target.(*SchedulerError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// GraphError represents errors related to the task dependency graph.
type GraphError struct {
	baseError
	TaskID   string
	WorkerID string
}

// NewGraphError creates a new GraphError.
func NewGraphError(message string, cause error) *GraphError {
	return &GraphError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithTaskID adds a task ID to the error context.
func (e *GraphError) WithTaskID(id string) *GraphError {
	e.TaskID = id
	return e
}

// WithWorkerID adds a worker ID to the error context.
func (e *GraphError) WithWorkerID(id string) *GraphError {
	e.WorkerID = id
	return e
}

// Error returns the formatted error message.
func (e *GraphError) Error() string {
	var parts []string
	if e.TaskID != "" {
		parts = append(parts, fmt.Sprintf("task=%s", e.TaskID))
	}
	if e.WorkerID != "" {
		parts = append(parts, fmt.Sprintf("worker=%s", e.WorkerID))
	}

	prefix := "graph error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("graph error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *GraphError) Is(target error) bool {
	if _, ok := target.(*GraphError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Execution Interruption
// -----------------------------------------------------------------------------

// InterruptedError is the distinguished error class carried on an agent
// whose underlying execution was in flight when the supervising process
// restarted. The execution may still be alive, orphaned, or dead; the
// Recovery Supervisor decides what to do with it.
type InterruptedError struct {
	baseError
	AgentID  string
	ThreadID string
}

// NewInterruptedError creates an InterruptedError for the given agent.
// It is retryable by default: interrupted is not definitively failed.
func NewInterruptedError(agentID, threadID string) *InterruptedError {
	return &InterruptedError{
		baseError: baseError{
			message:    "execution interrupted by process restart",
			severity:   SeverityWarning,
			retryable:  true,
			userFacing: true,
		},
		AgentID:  agentID,
		ThreadID: threadID,
	}
}

// WithRetryable sets whether the interruption is recoverable.
func (e *InterruptedError) WithRetryable(r bool) *InterruptedError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *InterruptedError) Error() string {
	var parts []string
	if e.AgentID != "" {
		parts = append(parts, fmt.Sprintf("agent=%s", e.AgentID))
	}
	if e.ThreadID != "" {
		parts = append(parts, fmt.Sprintf("thread=%s", e.ThreadID))
	}
	if len(parts) > 0 {
		return fmt.Sprintf("execution interrupted [%s]", strings.Join(parts, ", "))
	}
	return "execution interrupted"
}

// Is checks if this error matches the target.
func (e *InterruptedError) Is(target error) bool {
	if _, ok := target.(*InterruptedError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// IsInterrupted returns true if the error (or any error it wraps) is an
// InterruptedError.
func IsInterrupted(err error) bool {
	var interrupted *InterruptedError
	return As(err, &interrupted)
}

// -----------------------------------------------------------------------------
// Semantic Errors
// -----------------------------------------------------------------------------

// NotFoundError represents a resource that could not be found.
//
// Example:
//
//	err := errors.NewNotFoundError("agent", "a1b2c3d4")
//	fmt.Println(err) // "agent 'a1b2c3d4' not found"
type NotFoundError struct {
	baseError
	ResourceType string
	ResourceID   string
}

// NewNotFoundError creates a new NotFoundError.
func NewNotFoundError(resourceType, resourceID string) *NotFoundError {
	return &NotFoundError{
		baseError: baseError{
			message:    fmt.Sprintf("%s '%s' not found", resourceType, resourceID),
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
}

// WithCause adds a cause to the error.
func (e *NotFoundError) WithCause(cause error) *NotFoundError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *NotFoundError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s '%s' not found: %v", e.ResourceType, e.ResourceID, e.cause)
	}
	return fmt.Sprintf("%s '%s' not found", e.ResourceType, e.ResourceID)
}

// Is checks if this error matches the target.
func (e *NotFoundError) Is(target error) bool {
	if _, ok := target.(*NotFoundError); ok {
		return true
	}
	return e.baseError.Is(target)
}

// ValidationError represents invalid input or state.
type ValidationError struct {
	baseError
	Field string
	Value any
}

// NewValidationError creates a new ValidationError.
func NewValidationError(message string) *ValidationError {
	return &ValidationError{
		baseError: baseError{
			message:    message,
			severity:   SeverityWarning,
			retryable:  false,
			userFacing: true,
		},
	}
}

// WithField adds a field name to the error context.
func (e *ValidationError) WithField(field string) *ValidationError {
	e.Field = field
	return e
}

// WithValue adds the invalid value to the error context.
func (e *ValidationError) WithValue(value any) *ValidationError {
	e.Value = value
	return e
}

// WithCause adds a cause to the error.
func (e *ValidationError) WithCause(cause error) *ValidationError {
	e.cause = cause
	return e
}

// Error returns the formatted error message.
func (e *ValidationError) Error() string {
	var parts []string
	if e.Field != "" {
		parts = append(parts, fmt.Sprintf("field=%s", e.Field))
	}
	if e.Value != nil {
		parts = append(parts, fmt.Sprintf("value=%v", e.Value))
	}

	prefix := "validation error"
	if len(parts) > 0 {
		prefix = fmt.Sprintf("validation error [%s]", strings.Join(parts, ", "))
	}

	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", prefix, e.message)
}

// Is checks if this error matches the target.
func (e *ValidationError) Is(target error) bool {
	if _, ok := target.(*ValidationError); ok {
		return true
	}
	if errors.Is(target, ErrInvalidInput) {
		return true
	}
	return e.baseError.Is(target)
}

// TimeoutError represents an operation that timed out.
//
// Example:
//
//	err := errors.NewTimeoutError("waiting for thread attach", 30*time.Second)
//	fmt.Println(err) // "timeout error: waiting for thread attach (timeout: 30s)"
type TimeoutError struct {
	baseError
	Operation string
	Duration  time.Duration
}

// NewTimeoutError creates a new TimeoutError.
func NewTimeoutError(operation string, duration time.Duration) *TimeoutError {
	return &TimeoutError{
		baseError: baseError{
			message:    operation,
			severity:   SeverityWarning,
			retryable:  true, // Timeouts are generally retryable
			userFacing: true,
		},
		Operation: operation,
		Duration:  duration,
	}
}

// WithCause adds a cause to the error.
func (e *TimeoutError) WithCause(cause error) *TimeoutError {
	e.cause = cause
	return e
}

// WithRetryable sets whether the error is retryable (default true for timeouts).
func (e *TimeoutError) WithRetryable(r bool) *TimeoutError {
	e.retryable = r
	return e
}

// Error returns the formatted error message.
func (e *TimeoutError) Error() string {
	base := fmt.Sprintf("timeout error: %s (timeout: %s)", e.Operation, e.Duration)
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", base, e.cause)
	}
	return base
}

// Is checks if this error matches the target.
func (e *TimeoutError) Is(target error) bool {
	if _, ok := target.(*TimeoutError); ok {
		return true
	}
	if errors.Is(target, ErrTimeout) {
		return true
	}
	return e.baseError.Is(target)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsRetryable returns true if the error represents a transient condition
// that may succeed on retry. This checks for:
//   - Errors implementing MaestroError with IsRetryable() returning true
//   - Errors wrapping ErrTimeout
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var maestroErr MaestroError
	if As(err, &maestroErr) {
		return maestroErr.IsRetryable()
	}

	if Is(err, ErrTimeout) {
		return true
	}

	return false
}

// IsUserFacing returns true if the error message is safe to display to
// end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}

	var maestroErr MaestroError
	if As(err, &maestroErr) {
		return maestroErr.IsUserFacing()
	}

	var notFound *NotFoundError
	var validation *ValidationError
	var timeout *TimeoutError

	if As(err, &notFound) || As(err, &validation) || As(err, &timeout) {
		return true
	}

	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement MaestroError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}

	var maestroErr MaestroError
	if As(err, &maestroErr) {
		return maestroErr.Severity()
	}

	return SeverityError
}

// IsStructural returns true if the error is a synchronous validation
// error that never mutates orchestrator state (dependency lookups,
// cycle detection, missing rejection reasons, input validation).
func IsStructural(err error) bool {
	if err == nil {
		return false
	}
	return Is(err, ErrDependencyNotFound) ||
		Is(err, ErrDependencyNotSatisfied) ||
		Is(err, ErrCyclicDependency) ||
		Is(err, ErrMissingReason) ||
		Is(err, ErrInvalidInput)
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
