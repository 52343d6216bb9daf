// Package manager is the orchestration core of the control plane: every
// model and deployment state transition flows through it.
//
// The lifecycle of a model:
//
//	not_started ──train──▶ in_progress ──▶ {complete, failed}
//	complete ──deploy──▶ starting ──▶ in_progress ──▶ complete
//	                                       │
//	                          {stopped, failed} ◀──┘
//	stopped ──deploy──▶ starting ...        (redeploy permitted)
//	{complete, stopped, failed} ──delete──▶ gone
//
// Three actors drive transitions: user commands through the HTTP API,
// scheduled processes reporting back through authenticated callbacks,
// and the idle timer inside a deployment replica stopping its own job.
//
// Every operation follows the same shape: precondition checks, an
// atomic entity mutation, then the cluster action. A cluster failure
// after the entity insert rolls the row to failed with the error as its
// message; the row is kept for audit. Callbacks are idempotent so a
// process may safely re-report its final status.
//
// The license gate runs first after input validation on every
// job-submitting path: an invalid or expired license, or a scheduler
// already at the licensed concurrent-job bound, refuses the operation
// before any row is written.
//
// Composite models (enterprise-search, knowledge-extraction) are
// assembled from member models through dependency edges. Deploying a
// composite deploys its members first; undeploying one cascades to
// members only when their live reference count drops to zero. Deleting
// a model that other models still use is refused outright.
package manager
