// Package approval provides human sign-off gates for workflow phases and
// tasks.
//
// When a phase requires approval before the workflow advances, the
// scheduler opens a pending record on the [Gate] once the phase's agents
// have all finished. A human then approves or rejects the record;
// rejection requires a reason. An advisory timer marks long-pending
// records as timed out so a UI can nudge the operator, but a timed-out
// record is never auto-decided; it stays actionable indefinitely.
//
// # Usage
//
//	gate := approval.NewGate(30*time.Minute, bus, logger)
//
//	// Scheduler opens the record when the phase's agents finish
//	err := gate.Request(phaseID)
//
//	// Human approves
//	err = gate.Approve(phaseID)
//
//	// Or rejects
//	err = gate.Reject(phaseID, "needs tests")
//
// # Thread Safety
//
// All methods on [Gate] are safe for concurrent use via an internal mutex.
package approval
