// Package orchestrator is the single entry point callers use to drive
// workflows, agents, and the task graph.
//
// One goroutine owns every mutation. Facade calls and thread-binding
// callbacks enqueue closures onto the same command queue, so no two
// goroutines ever mutate orchestration state concurrently and callers
// observe each mutation fully committed. Thread execution itself stays
// asynchronous; the orchestrator never blocks waiting for an agent.
package orchestrator

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/maestro-dev/maestro/internal/agent"
	"github.com/maestro-dev/maestro/internal/approval"
	"github.com/maestro-dev/maestro/internal/errors"
	"github.com/maestro-dev/maestro/internal/event"
	"github.com/maestro-dev/maestro/internal/logging"
	"github.com/maestro-dev/maestro/internal/merge"
	"github.com/maestro-dev/maestro/internal/recovery"
	"github.com/maestro-dev/maestro/internal/taskgraph"
	"github.com/maestro-dev/maestro/internal/thread"
	"github.com/maestro-dev/maestro/internal/worker"
	"github.com/maestro-dev/maestro/internal/workflow"
)

// Options configures an Orchestrator.
type Options struct {
	// ApprovalTimeout is the advisory soft deadline for pending
	// approvals. Zero disables the timer.
	ApprovalTimeout time.Duration

	// AttachTimeout bounds each re-attach probe during recovery.
	AttachTimeout time.Duration

	// StateDir is where snapshots are written. Empty disables
	// persistence.
	StateDir string

	// MaxConcurrentAgents caps agents with live executions. Zero means
	// unlimited.
	MaxConcurrentAgents int

	// WorkerPollInterval overrides the task pool's idle re-check
	// interval. Zero keeps the pool default.
	WorkerPollInterval time.Duration
}

type command struct {
	fn    func(ctx context.Context)
	reply chan struct{}
}

// Orchestrator composes the registry, scheduler, approval gate, task
// graph, and recovery supervisor behind one mutation queue.
type Orchestrator struct {
	opts   Options
	binder thread.Binder
	bus    *event.Bus
	logger *logging.Logger

	registry   *agent.Registry
	gate       *approval.Gate
	sched      *workflow.Scheduler
	graph      *taskgraph.EventGraph
	supervisor *recovery.Supervisor

	cmds chan command
	done chan struct{}

	// watcher state is owned by the mutation goroutine, as is the
	// restart bookkeeping.
	watchers   map[int]func(*Snapshot)
	nextID     int
	restarts   int
	restoredAt *time.Time
}

// New creates and starts an Orchestrator over the given binder.
func New(binder thread.Binder, opts Options, logger *logging.Logger) *Orchestrator {
	bus := event.NewBus()
	registry := agent.NewRegistry(binder, bus, logger)
	gate := approval.NewGate(opts.ApprovalTimeout, bus, logger)
	sched := workflow.NewScheduler(registry, gate, bus, logger)
	graph := taskgraph.NewEventGraph(taskgraph.New(), bus)
	supervisor := recovery.NewSupervisor(registry, binder, bus, logger)
	if opts.AttachTimeout > 0 {
		supervisor.SetAttachTimeout(opts.AttachTimeout)
	}
	if opts.MaxConcurrentAgents > 0 {
		registry.SetMaxConcurrent(opts.MaxConcurrentAgents)
	}

	o := &Orchestrator{
		opts:       opts,
		binder:     binder,
		bus:        bus,
		logger:     logger.WithComponent("orchestrator"),
		registry:   registry,
		gate:       gate,
		sched:      sched,
		graph:      graph,
		supervisor: supervisor,
		cmds:       make(chan command, 64),
		done:       make(chan struct{}),
		watchers:   make(map[int]func(*Snapshot)),
	}

	// Advisory approval timeouts arrive on the bus; the scheduler must
	// only ever be called from the mutation goroutine, so the handler
	// enqueues instead of calling through.
	bus.Subscribe(event.TypeApprovalTimedOut, func(e event.Event) {
		timedOut, ok := e.(event.ApprovalTimedOutEvent)
		if !ok {
			return
		}
		o.enqueue(func(context.Context) {
			o.sched.OnApprovalTimeout(timedOut.PhaseID)
		})
	})

	// Worker pools mutate the task graph outside the mutation queue.
	// Bridge their committed events into it so watchers still get a
	// notification per task state change.
	for _, t := range []string{event.TypeTaskAssigned, event.TypeTaskMerged, event.TypeTaskFailed} {
		bus.Subscribe(t, func(event.Event) {
			o.enqueueNotify()
		})
	}

	go o.loop()
	go o.pumpThreadEvents()
	return o
}

// Bus returns the orchestrator's event bus for read-only subscription.
func (o *Orchestrator) Bus() *event.Bus {
	return o.bus
}

// loop is the single mutation goroutine.
func (o *Orchestrator) loop() {
	ctx := context.Background()
	for {
		select {
		case <-o.done:
			return
		case cmd := <-o.cmds:
			cmd.fn(ctx)
			o.notifyWatchers()
			if cmd.reply != nil {
				close(cmd.reply)
			}
		}
	}
}

// pumpThreadEvents forwards binder status updates into the mutation
// queue. The registry applies the update, then the scheduler reacts.
func (o *Orchestrator) pumpThreadEvents() {
	for e := range o.binder.Events() {
		e := e
		o.enqueue(func(ctx context.Context) {
			if err := o.registry.ReportStatus(e); err != nil {
				o.logger.Debug("status update dropped",
					"agent_id", e.AgentID,
					"error", err)
				return
			}
			o.sched.OnAgentStatusChanged(ctx, e.AgentID)
		})
	}
}

// do runs fn on the mutation goroutine and waits for it to commit.
func (o *Orchestrator) do(fn func(ctx context.Context) error) error {
	var err error
	cmd := command{
		fn:    func(ctx context.Context) { err = fn(ctx) },
		reply: make(chan struct{}),
	}

	select {
	case <-o.done:
		return errors.ErrOrchestratorClosed
	case o.cmds <- cmd:
	}

	select {
	case <-o.done:
		return errors.ErrOrchestratorClosed
	case <-cmd.reply:
		return err
	}
}

// enqueue submits fn without waiting. Used by callback paths that have
// no caller to report to.
func (o *Orchestrator) enqueue(fn func(ctx context.Context)) {
	select {
	case <-o.done:
	case o.cmds <- command{fn: fn}:
	}
}

// enqueueNotify pokes the mutation goroutine so watchers see a change
// committed outside the queue. Dropping when the queue is full is fine;
// the queued commands trigger notifications of their own.
func (o *Orchestrator) enqueueNotify() {
	select {
	case o.cmds <- command{fn: func(context.Context) {}}:
	default:
	}
}

// Close shuts the orchestrator down. Pending commands are abandoned;
// a final snapshot is persisted first when a state dir is configured.
func (o *Orchestrator) Close() error {
	err := o.do(func(context.Context) error {
		if o.opts.StateDir == "" {
			return nil
		}
		return o.persist()
	})
	if err != nil && !stderrors.Is(err, errors.ErrOrchestratorClosed) {
		o.logger.Error("final snapshot failed", "error", err)
	}

	select {
	case <-o.done:
		return nil
	default:
		close(o.done)
	}
	o.gate.Stop()
	return nil
}

// Workflow operations.

// StartWorkflow validates the definition and dispatches its first
// phase. It fails while another workflow is still active.
func (o *Orchestrator) StartWorkflow(def *workflow.Definition) (string, error) {
	var id string
	err := o.do(func(ctx context.Context) error {
		var err error
		id, err = o.sched.Start(ctx, def)
		return err
	})
	return id, err
}

// ApprovePhase records a human approval and lets the phase complete.
func (o *Orchestrator) ApprovePhase(phaseID string) error {
	return o.do(func(ctx context.Context) error {
		return o.sched.Approve(ctx, phaseID)
	})
}

// RejectPhase records a rejection. The reason is mandatory; the phase
// fails and the workflow with it.
func (o *Orchestrator) RejectPhase(phaseID, reason string) error {
	return o.do(func(context.Context) error {
		return o.sched.Reject(phaseID, reason)
	})
}

// RejectAndRetry rejects the phase and immediately re-dispatches it
// with a fresh agent fan-out.
func (o *Orchestrator) RejectAndRetry(phaseID, reason string) error {
	return o.do(func(ctx context.Context) error {
		return o.sched.RejectAndRetry(ctx, phaseID, reason)
	})
}

// RecoverApprovalTimeout clears the advisory timeout marker without
// deciding.
func (o *Orchestrator) RecoverApprovalTimeout(phaseID string) error {
	return o.do(func(context.Context) error {
		return o.sched.RecoverTimeout(phaseID)
	})
}

// RetryPhase re-dispatches a failed phase.
func (o *Orchestrator) RetryPhase(phaseID string) error {
	return o.do(func(ctx context.Context) error {
		return o.sched.RetryPhase(ctx, phaseID)
	})
}

// CancelWorkflow cancels the active workflow and its live agents.
func (o *Orchestrator) CancelWorkflow() error {
	return o.do(func(ctx context.Context) error {
		return o.sched.Cancel(ctx)
	})
}

// ClearWorkflow discards a terminal workflow and its approval records.
func (o *Orchestrator) ClearWorkflow() error {
	return o.do(func(context.Context) error {
		return o.sched.Clear()
	})
}

// Agent operations.

// SpawnAgent creates a standalone agent in pending.
func (o *Orchestrator) SpawnAgent(agentType agent.Type, task string, dependencies []string) (string, error) {
	var id string
	err := o.do(func(context.Context) error {
		var err error
		id, err = o.registry.Spawn(agentType, task, dependencies)
		return err
	})
	return id, err
}

// StartAgent requests a thread binding and moves the agent to running.
func (o *Orchestrator) StartAgent(id string) error {
	return o.do(func(ctx context.Context) error {
		return o.registry.Start(ctx, id)
	})
}

// PauseAgent requests a pause. The transition is optimistic; the
// binding confirms asynchronously.
func (o *Orchestrator) PauseAgent(id string) error {
	err := o.do(func(ctx context.Context) error {
		return o.registry.Pause(ctx, id)
	})
	o.warnInterrupted("pause", id, err)
	return err
}

// ResumeAgent requests a resume.
func (o *Orchestrator) ResumeAgent(id string) error {
	err := o.do(func(ctx context.Context) error {
		return o.registry.Resume(ctx, id)
	})
	o.warnInterrupted("resume", id, err)
	return err
}

// CancelAgent cancels an agent from any non-terminal status.
func (o *Orchestrator) CancelAgent(id string) error {
	return o.do(func(ctx context.Context) error {
		return o.registry.Cancel(ctx, id)
	})
}

// warnInterrupted flags control requests that raced a restart. The
// recovery supervisor owns interrupted agents; the operator gets
// pointed at recovery instead of a bare transition failure.
func (o *Orchestrator) warnInterrupted(op, id string, err error) {
	if errors.IsInterrupted(err) {
		o.logger.Warn("agent is interrupted, recover it before issuing control commands",
			"op", op, "agent_id", id)
	}
}

// RetryAgent spawns a replacement for a recoverably failed agent and
// swaps it into the owning phase's fan-out.
func (o *Orchestrator) RetryAgent(id string) (string, error) {
	var newID string
	err := o.do(func(ctx context.Context) error {
		var err error
		newID, err = o.registry.Retry(ctx, id)
		if err != nil {
			return err
		}
		o.sched.ReplaceAgent(id, newID)
		return nil
	})
	return newID, err
}

// ClearAgents removes every agent. Fails while a workflow is active.
func (o *Orchestrator) ClearAgents() error {
	return o.do(func(context.Context) error {
		if wf := o.sched.Current(); wf != nil && !wf.Status.IsTerminal() {
			return fmt.Errorf("%w: clear agents", errors.ErrInvalidTransition)
		}
		o.registry.Clear()
		return nil
	})
}

// Task graph operations.

// EnqueueTasks registers a batch of tasks, rejecting cycles before any
// task is admitted.
func (o *Orchestrator) EnqueueTasks(tasks []taskgraph.Task) error {
	return o.do(func(context.Context) error {
		return o.graph.Register(tasks)
	})
}

// ReassignTask returns a failed task to the unclaimed pool after its
// conflict or failure has been resolved out of band.
func (o *Orchestrator) ReassignTask(taskID string) error {
	return o.do(func(context.Context) error {
		return o.graph.Reassign(taskID)
	})
}

// RunTasks drains the task graph with a worker pool, merging finished
// tasks through the given merger. It blocks until the graph completes,
// stalls, or ctx is cancelled, so callers run it from their own
// goroutine. Task state flows back through the change-notification
// stream, not through this call's error.
func (o *Orchestrator) RunTasks(ctx context.Context, executor worker.Executor, merger merge.Merger, workers int) error {
	coord := merge.NewCoordinator(o.graph, merger, o.logger)
	pool := worker.NewPool(o.graph, coord, executor, o.bus, workers, o.logger)
	if o.opts.WorkerPollInterval > 0 {
		pool.SetPollInterval(o.opts.WorkerPollInterval)
	}
	err := pool.Run(ctx)
	if o.opts.StateDir != "" {
		// The pool mutates the graph outside the mutation queue, so the
		// snapshot on disk is stale until rewritten here.
		if perr := o.Save(); perr != nil {
			o.logger.Error("snapshot after task run failed", "error", perr)
		}
	}
	return err
}

// Recovery.

// AutoRecover runs the one-shot restart recovery pass.
func (o *Orchestrator) AutoRecover() (*recovery.Result, error) {
	var result *recovery.Result
	err := o.do(func(ctx context.Context) error {
		var err error
		result, err = o.supervisor.AutoRecover(ctx)
		return err
	})
	return result, err
}

// Recover runs a manual recovery pass over interrupted agents.
func (o *Orchestrator) Recover() (*recovery.Result, error) {
	var result *recovery.Result
	err := o.do(func(ctx context.Context) error {
		var err error
		result, err = o.supervisor.Recover(ctx)
		return err
	})
	return result, err
}

// Reads. These go straight to the underlying components, which hand out
// defensive copies under their own locks.

// Workflow returns a snapshot of the active workflow, or nil.
func (o *Orchestrator) Workflow() *workflow.Workflow {
	return o.sched.Current()
}

// Agents returns a snapshot of all non-archived agents.
func (o *Orchestrator) Agents() []*agent.Agent {
	return o.registry.Active()
}

// Agent returns a snapshot of one agent, or nil.
func (o *Orchestrator) Agent(id string) *agent.Agent {
	return o.registry.Get(id)
}

// Tasks returns a snapshot of all tasks.
func (o *Orchestrator) Tasks() []*taskgraph.Task {
	return o.graph.Graph().List()
}

// Approval returns the approval record for a phase, or nil.
func (o *Orchestrator) Approval(phaseID string) *approval.Record {
	return o.gate.Get(phaseID)
}
