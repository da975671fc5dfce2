// Package workflow implements the phase scheduler: it advances a
// workflow through an ordered list of phases, fanning each phase out to
// agents and deciding when a phase is complete, needs approval, or has
// failed.
//
// Workflows are described declaratively by a [Definition], typically
// loaded from a YAML file, and executed by a [Scheduler] over an agent
// registry and an approval gate. The scheduler is deliberately passive
// about concurrency: it does not subscribe to the event bus, and instead
// expects its owner (the orchestration facade) to feed it agent status
// changes and approval timeouts through explicit calls, all serialized
// on one mutation path. Bus subscribers must therefore never call back
// into the scheduler synchronously.
package workflow
