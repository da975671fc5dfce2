// Package recovery re-attaches interrupted agents after a process
// restart.
//
// Agents that were running or paused when the process died come back
// tagged with the interrupted failure code. The supervisor makes exactly
// one automatic pass over them: each agent whose thread still answers an
// attach probe returns to running, the rest stay in the recoverable
// error state for a manual retry.
package recovery

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	"github.com/maestro-dev/maestro/internal/agent"
	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/event"
	"github.com/maestro-dev/maestro/internal/logging"
	"github.com/maestro-dev/maestro/internal/thread"
)

// DefaultAttachTimeout bounds a single attach probe. A thread that does
// not answer within the window is treated as lost.
const DefaultAttachTimeout = 30 * time.Second

// Supervisor runs the one-shot auto-recovery pass.
type Supervisor struct {
	mu       sync.Mutex
	inFlight bool
	ran      bool

	registry *agent.Registry
	binder   thread.Binder
	bus      *event.Bus
	logger   *logging.Logger

	attachTimeout time.Duration

	// restarts counts recovery passes across the registry's lifetime,
	// including manual ones.
	restarts int
}

// NewSupervisor creates a Supervisor over the given registry and binder.
func NewSupervisor(registry *agent.Registry, binder thread.Binder, bus *event.Bus, logger *logging.Logger) *Supervisor {
	return &Supervisor{
		registry:      registry,
		binder:        binder,
		bus:           bus,
		logger:        logger.WithComponent("recovery"),
		attachTimeout: DefaultAttachTimeout,
	}
}

// SetAttachTimeout overrides the per-agent attach probe timeout.
func (s *Supervisor) SetAttachTimeout(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d > 0 {
		s.attachTimeout = d
	}
}

// Result summarizes a recovery pass.
type Result struct {
	// Reattached holds the IDs of agents restored to running.
	Reattached []string

	// Remaining holds the IDs of agents still interrupted. They await a
	// manual retry.
	Remaining []string
}

// AutoRecover runs the automatic pass. It executes at most once per
// process lifetime; later calls return ErrOperationInProgress. Manual
// passes go through Recover.
func (s *Supervisor) AutoRecover(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.ran || s.inFlight {
		s.mu.Unlock()
		return nil, errors.ErrOperationInProgress
	}
	s.ran = true
	s.inFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	return s.recover(ctx)
}

// Recover runs a recovery pass over the currently interrupted agents.
// Unlike AutoRecover it may be called repeatedly, but never
// concurrently.
func (s *Supervisor) Recover(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return nil, errors.ErrOperationInProgress
	}
	s.inFlight = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	return s.recover(ctx)
}

// Restarts returns how many recovery passes have run.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// InFlight reports whether a recovery pass is currently running.
func (s *Supervisor) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

func (s *Supervisor) recover(ctx context.Context) (*Result, error) {
	s.mu.Lock()
	s.restarts++
	timeout := s.attachTimeout
	s.mu.Unlock()

	ids := s.registry.Interrupted()
	result := &Result{}
	if len(ids) == 0 {
		s.logger.Debug("no interrupted agents")
		return result, nil
	}

	s.logger.Info("recovery started", "agents", len(ids))
	s.bus.Publish(event.NewRecoveryStartedEvent(ids))

	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			// Unprobed agents stay interrupted; a later pass picks
			// them up.
			result.Remaining = append(result.Remaining, id)
			continue
		}

		if s.tryReattach(ctx, id, timeout) {
			result.Reattached = append(result.Reattached, id)
		} else {
			result.Remaining = append(result.Remaining, id)
		}
	}

	s.logger.Info("recovery finished",
		"reattached", len(result.Reattached),
		"remaining", len(result.Remaining))
	s.bus.Publish(event.NewRecoveryFinishedEvent(result.Reattached, result.Remaining))
	return result, nil
}

// tryReattach probes one agent's thread and restores the agent on
// success. Failures leave the agent in its recoverable error state.
func (s *Supervisor) tryReattach(ctx context.Context, id string, timeout time.Duration) bool {
	a := s.registry.Get(id)
	if a == nil || a.ThreadID == "" {
		s.logger.Warn("interrupted agent has no thread", "agent_id", id)
		return false
	}

	attachCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := s.binder.Attach(attachCtx, a.ThreadID); err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) {
			err = errors.NewTimeoutError("thread attach probe", timeout).WithCause(err)
		}
		s.logger.Warn("attach failed",
			"agent_id", id,
			"thread_id", a.ThreadID,
			"retryable", errors.IsRetryable(err),
			"error", err)
		return false
	}

	if err := s.registry.Reattach(id); err != nil {
		// The agent moved on while we were probing, e.g. an operator
		// retried it. Not a recovery failure.
		s.logger.Debug("reattach skipped", "agent_id", id, "error", err)
		return false
	}

	s.logger.Info("agent reattached", "agent_id", id, "thread_id", a.ThreadID)
	return true
}
