// Package runs implements the operations exposed to callers of the
// orchestrator: projects, run submission, status, approval decisions,
// cancellation and manual retries.
//
// Run status:
//   - Active -> AwaitingApproval -> Active -> Completed
//   - Active | AwaitingApproval -> Failed | Cancelled
//   - Failed -> Active (manual retry only)
//
// The service never holds run state between calls. Every change goes through
// a compare-and-set on the store; submissions, decisions, cancellations and
// retries emit exactly one audit event when they take effect.
package runs
