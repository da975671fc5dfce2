package thread

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScriptedBinder is an in-process Binder used by tests and the demo CLI.
// It records every control request and lets the caller script outcomes:
// emit events by hand, fail specific operations, or auto-complete started
// threads after a delay.
type ScriptedBinder struct {
	mu      sync.Mutex
	events  chan Event
	threads map[string]string // threadID -> agentID
	seqs    map[string]uint64 // agentID -> last emitted sequence
	calls   []string          // "op:threadID" audit trail

	// Scripting knobs
	startErr     error
	attachErrs   map[string]error // threadID -> error returned by Attach
	autoComplete time.Duration    // when >0, Start schedules a completion event
	closed       bool
}

// NewScriptedBinder creates a ScriptedBinder with an event buffer large
// enough that scripted emissions never block a test.
func NewScriptedBinder() *ScriptedBinder {
	return &ScriptedBinder{
		events:     make(chan Event, 256),
		threads:    make(map[string]string),
		seqs:       make(map[string]uint64),
		attachErrs: make(map[string]error),
	}
}

// SetStartError makes subsequent Start calls fail with err (nil to clear).
func (b *ScriptedBinder) SetStartError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.startErr = err
}

// SetAttachError makes Attach fail for the given thread.
func (b *ScriptedBinder) SetAttachError(threadID string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attachErrs[threadID] = err
}

// SetAutoComplete makes every started thread emit a completed event after d.
// Used by the demo CLI to drive workflows without a real execution engine.
func (b *ScriptedBinder) SetAutoComplete(d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.autoComplete = d
}

// Start implements Binder.
func (b *ScriptedBinder) Start(ctx context.Context, agentID, task string) (string, error) {
	b.mu.Lock()
	if b.startErr != nil {
		err := b.startErr
		b.mu.Unlock()
		return "", err
	}

	threadID := uuid.NewString()
	b.threads[threadID] = agentID
	b.calls = append(b.calls, "start:"+threadID)
	auto := b.autoComplete
	b.mu.Unlock()

	if auto > 0 {
		go func() {
			select {
			case <-ctx.Done():
			case <-time.After(auto):
				b.EmitCompleted(agentID, threadID, fmt.Sprintf("done: %s", task))
			}
		}()
	}
	return threadID, nil
}

// Pause implements Binder.
func (b *ScriptedBinder) Pause(_ context.Context, threadID string) error {
	return b.record("pause", threadID)
}

// Resume implements Binder.
func (b *ScriptedBinder) Resume(_ context.Context, threadID string) error {
	return b.record("resume", threadID)
}

// Cancel implements Binder.
func (b *ScriptedBinder) Cancel(_ context.Context, threadID string) error {
	return b.record("cancel", threadID)
}

// Retry implements Binder.
func (b *ScriptedBinder) Retry(ctx context.Context, agentID, task string) (string, error) {
	return b.Start(ctx, agentID, task)
}

// Attach implements Binder.
func (b *ScriptedBinder) Attach(_ context.Context, threadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err, ok := b.attachErrs[threadID]; ok && err != nil {
		return err
	}
	if _, ok := b.threads[threadID]; !ok {
		// Threads created before a simulated restart are unknown; treat
		// attach as re-adoption so recovery tests can exercise success.
		b.threads[threadID] = ""
	}
	b.calls = append(b.calls, "attach:"+threadID)
	return nil
}

// Events implements Binder.
func (b *ScriptedBinder) Events() <-chan Event {
	return b.events
}

// Close shuts the event stream down.
func (b *ScriptedBinder) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.events)
	}
}

// record appends an audit entry for a control request.
func (b *ScriptedBinder) record(op, threadID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.threads[threadID]; !ok {
		return fmt.Errorf("unknown thread %s", threadID)
	}
	b.calls = append(b.calls, op+":"+threadID)
	return nil
}

// Calls returns a copy of the recorded control requests in order.
func (b *ScriptedBinder) Calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.calls))
	copy(out, b.calls)
	return out
}

// nextSeq allocates the next sequence number for an agent.
func (b *ScriptedBinder) nextSeq(agentID string) uint64 {
	b.seqs[agentID]++
	return b.seqs[agentID]
}

// Emit sends a raw event. The caller controls every field, including Seq;
// tests use this to deliver out-of-order updates.
func (b *ScriptedBinder) Emit(e Event) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if !closed {
		b.events <- e
	}
}

// EmitCompleted emits a completion event with the next sequence number.
func (b *ScriptedBinder) EmitCompleted(agentID, threadID, output string) {
	b.mu.Lock()
	seq := b.nextSeq(agentID)
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.events <- Event{
		ThreadID: threadID,
		AgentID:  agentID,
		Seq:      seq,
		Status:   StatusCompleted,
		Output:   output,
	}
}

// EmitError emits a failure event with the next sequence number.
func (b *ScriptedBinder) EmitError(agentID, threadID, message, code string, recoverable bool) {
	b.mu.Lock()
	seq := b.nextSeq(agentID)
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return
	}
	b.events <- Event{
		ThreadID:    threadID,
		AgentID:     agentID,
		Seq:         seq,
		Status:      StatusError,
		ErrMessage:  message,
		ErrCode:     code,
		Recoverable: recoverable,
	}
}
