package approval

import (
	"fmt"
	"sync"
	"time"

	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/event"
	"github.com/maestro-dev/maestro/internal/logging"
)

// State represents the decision status of an approval record.
type State string

const (
	// StatePending indicates the record is waiting for a human decision.
	StatePending State = "pending"

	// StateApproved indicates the target was approved.
	StateApproved State = "approved"

	// StateRejected indicates the target was rejected with a reason.
	StateRejected State = "rejected"

	// StateTimedOut indicates the advisory deadline elapsed with no
	// decision. A timed-out record is still actionable; it is never
	// auto-rejected.
	StateTimedOut State = "timeout"
)

// Record tracks the human decision for one approval target (a phase or
// a task).
type Record struct {
	TargetID    string     `json:"target_id"`
	State       State      `json:"state"`
	Reason      string     `json:"reason,omitempty"`
	RequestedAt time.Time  `json:"requested_at"`
	DecidedAt   *time.Time `json:"decided_at,omitempty"`
	TimedOutAt  *time.Time `json:"timed_out_at,omitempty"`
}

// Gate manages pending approvals for targets that require human sign-off
// before the workflow advances. Each request starts an advisory timer;
// when it fires the record is marked timed out and an event is published,
// but the decision stays open indefinitely until a human approves or
// rejects.
type Gate struct {
	mu      sync.Mutex
	records map[string]*Record
	timers  map[string]*time.Timer
	timeout time.Duration // 0 disables the advisory timer
	bus     *event.Bus
	logger  *logging.Logger
}

// NewGate creates a Gate with the given advisory timeout. A zero timeout
// disables the timer entirely.
func NewGate(timeout time.Duration, bus *event.Bus, logger *logging.Logger) *Gate {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Gate{
		records: make(map[string]*Record),
		timers:  make(map[string]*time.Timer),
		timeout: timeout,
		bus:     bus,
		logger:  logger.WithComponent("approval"),
	}
}

// Request opens a pending approval for the target and starts the
// advisory timer. Requesting a target with an open record is a no-op;
// requesting one whose previous record was decided starts a fresh record
// (a phase being re-dispatched needs a fresh decision).
func (g *Gate) Request(targetID string) error {
	if targetID == "" {
		return fmt.Errorf("%w: targetID must not be empty", errors.ErrInvalidInput)
	}

	g.mu.Lock()
	if rec, ok := g.records[targetID]; ok {
		if rec.State == StatePending || rec.State == StateTimedOut {
			g.mu.Unlock()
			return nil
		}
	}

	g.records[targetID] = &Record{
		TargetID:    targetID,
		State:       StatePending,
		RequestedAt: time.Now(),
	}
	g.startTimerLocked(targetID)
	g.mu.Unlock()

	g.logger.Info("approval requested", "target_id", targetID, "advisory_timeout", g.timeout)
	if g.bus != nil {
		g.bus.Publish(event.NewApprovalRequestedEvent(targetID, g.timeout))
	}
	return nil
}

// Approve records approval for the target. Valid from pending or
// timeout. Approving an already-approved target is a no-op with no
// duplicate notification.
func (g *Gate) Approve(targetID string) error {
	g.mu.Lock()
	rec, ok := g.records[targetID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrNotAwaitingApproval, targetID)
	}
	if rec.State == StateApproved {
		g.mu.Unlock()
		return nil
	}
	if rec.State == StateRejected {
		g.mu.Unlock()
		return fmt.Errorf("%w: target %s was already rejected", errors.ErrInvalidTransition, targetID)
	}

	now := time.Now()
	rec.State = StateApproved
	rec.DecidedAt = &now
	g.stopTimerLocked(targetID)
	g.mu.Unlock()

	g.logger.Info("approval granted", "target_id", targetID)
	if g.bus != nil {
		g.bus.Publish(event.NewApprovalDecidedEvent(targetID, true, ""))
	}
	return nil
}

// Reject records rejection for the target. A reason is mandatory; an
// empty reason fails with MissingReason and changes nothing. Valid from
// pending or timeout.
func (g *Gate) Reject(targetID, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: rejecting %s requires a reason", errors.ErrMissingReason, targetID)
	}

	g.mu.Lock()
	rec, ok := g.records[targetID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrNotAwaitingApproval, targetID)
	}
	if rec.State == StateRejected {
		g.mu.Unlock()
		return nil
	}
	if rec.State == StateApproved {
		g.mu.Unlock()
		return fmt.Errorf("%w: target %s was already approved", errors.ErrInvalidTransition, targetID)
	}

	now := time.Now()
	rec.State = StateRejected
	rec.Reason = reason
	rec.DecidedAt = &now
	g.stopTimerLocked(targetID)
	g.mu.Unlock()

	g.logger.Info("approval rejected", "target_id", targetID, "reason", reason)
	if g.bus != nil {
		g.bus.Publish(event.NewApprovalDecidedEvent(targetID, false, reason))
	}
	return nil
}

// RecoverTimeout clears the timed-out marker on a record without making
// a decision, returning it to pending and restarting the advisory timer.
// Used when a human wants to keep working past the soft deadline.
func (g *Gate) RecoverTimeout(targetID string) error {
	g.mu.Lock()
	rec, ok := g.records[targetID]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", errors.ErrNotAwaitingApproval, targetID)
	}
	if rec.State != StateTimedOut {
		g.mu.Unlock()
		return fmt.Errorf("%w: target %s is not timed out", errors.ErrInvalidTransition, targetID)
	}

	rec.State = StatePending
	rec.TimedOutAt = nil
	g.startTimerLocked(targetID)
	g.mu.Unlock()

	g.logger.Info("approval timeout recovered", "target_id", targetID)
	return nil
}

// Get returns a copy of the record for the target, or nil if none.
func (g *Gate) Get(targetID string) *Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[targetID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// Pending returns the IDs of targets awaiting a decision, including
// timed-out ones.
func (g *Gate) Pending() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	var ids []string
	for id, rec := range g.records {
		if rec.State == StatePending || rec.State == StateTimedOut {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsApproved reports whether the target has a recorded approval.
func (g *Gate) IsApproved(targetID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	rec, ok := g.records[targetID]
	return ok && rec.State == StateApproved
}

// Clear removes the record and timer for a target. Used when the owning
// phase is reset for a retry.
func (g *Gate) Clear(targetID string) {
	g.mu.Lock()
	g.stopTimerLocked(targetID)
	delete(g.records, targetID)
	g.mu.Unlock()
}

// Stop cancels all advisory timers. Records are retained.
func (g *Gate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id := range g.timers {
		if t := g.timers[id]; t != nil {
			t.Stop()
		}
		delete(g.timers, id)
	}
}

// Snapshot returns copies of all records.
func (g *Gate) Snapshot() []*Record {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]*Record, 0, len(g.records))
	for _, rec := range g.records {
		cp := *rec
		out = append(out, &cp)
	}
	return out
}

// Restore replaces the gate's records from a snapshot. Timers restart
// for records still awaiting a decision.
func (g *Gate) Restore(records []*Record) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for id := range g.timers {
		if t := g.timers[id]; t != nil {
			t.Stop()
		}
		delete(g.timers, id)
	}
	g.records = make(map[string]*Record, len(records))
	for _, src := range records {
		cp := *src
		g.records[cp.TargetID] = &cp
		if cp.State == StatePending {
			g.startTimerLocked(cp.TargetID)
		}
	}
}

// startTimerLocked arms the advisory timer for a target. Caller must
// hold the mutex.
func (g *Gate) startTimerLocked(targetID string) {
	if g.timeout <= 0 {
		return
	}
	g.stopTimerLocked(targetID)
	g.timers[targetID] = time.AfterFunc(g.timeout, func() {
		g.markTimedOut(targetID)
	})
}

// stopTimerLocked disarms the advisory timer. Caller must hold the mutex.
func (g *Gate) stopTimerLocked(targetID string) {
	if t, ok := g.timers[targetID]; ok {
		t.Stop()
		delete(g.timers, targetID)
	}
}

// markTimedOut moves a still-pending record to timed out when the
// advisory timer fires. The record stays actionable.
func (g *Gate) markTimedOut(targetID string) {
	g.mu.Lock()
	rec, ok := g.records[targetID]
	if !ok || rec.State != StatePending {
		g.mu.Unlock()
		return
	}
	now := time.Now()
	rec.State = StateTimedOut
	rec.TimedOutAt = &now
	delete(g.timers, targetID)
	g.mu.Unlock()

	g.logger.Warn("approval timed out", "target_id", targetID)
	if g.bus != nil {
		g.bus.Publish(event.NewApprovalTimedOutEvent(targetID))
	}
}
