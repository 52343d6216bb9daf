/*
Package types defines the core data structures used throughout Bazaar.

This package contains the fundamental types that represent Bazaar's domain
model: users, teams, models, deployments, reports, questions, API keys, and
secrets. These types are used by every other package for state management,
API payloads, and lifecycle logic.

# Architecture

The types package is the foundation of Bazaar's data model. It defines:

  - Accounts and grouping (users, teams, memberships)
  - Model records and their training lifecycle
  - Deployment records and their serving lifecycle
  - Knowledge-extraction work units (reports, questions)
  - Credentials (API keys) and encrypted secrets
  - The permissions tuple cached by deployment runtimes
  - Job naming for the external scheduler

All types are designed to be:
  - Serializable (JSON for API payloads, SQL rows via the store)
  - Plain data (no behavior beyond small predicates)
  - Validated (typed string enums with Valid* helpers)

# Core Types

Accounts:
  - User: platform account with bcrypt password hash
  - Team / TeamMembership: grouping with member and team_admin roles

Models:
  - Model: one trainable artifact plus bookkeeping
  - ModelType: ndb, nlp-text, nlp-token, enterprise-search,
    knowledge-extraction
  - TrainStatus: not_started, in_progress, complete, failed
  - AccessLevel: private, protected, public

Deployments:
  - Deployment: one serving instance of a trained model
  - DeployStatus: not_started, starting, in_progress, complete,
    stopped, failed

Knowledge extraction:
  - Report: queued work unit with attempt counter and lease expiry
  - Question: extraction prompt with keywords

# State Machines

Training:

	not_started → in_progress → complete
	                  ↓
	                failed

Deployment:

	not_started → starting → in_progress → complete
	                 ↓            ↓            ↓
	               failed       failed      stopped

complete → in_progress is also legal: a deployment that scales up from
zero re-enters in_progress while new allocations warm.

Reports:

	queued → in_progress → complete
	            ↓    ↑
	          failed │ (lease expiry re-queues until the attempt bound)
	                 └──────

# Naming

Entity names (models, deployments, teams, secrets) are restricted to
[A-Za-z0-9_-]+ by ValidName so they are safe inside scheduler job specs and
filesystem paths without escaping.

# Timestamps

All persisted timestamps go through NowUTC, which truncates to microsecond
precision in UTC. Postgres timestamptz columns carry microseconds; without
the truncation, in-memory values would not round-trip equal.

# Integration Points

This package integrates with:

  - pkg/store: persists all types to Postgres
  - pkg/api: JSON request/response payloads
  - pkg/manager: drives the training and deployment state machines
  - pkg/cluster: derives scheduler job names via TrainJobID/DeployJobID
  - pkg/auth: issues and caches the Permissions tuple
  - pkg/reports: leases Report rows to workers
  - pkg/runtime: evaluates Permissions per request

# See Also

  - pkg/store for the relational schema
  - pkg/manager for lifecycle rules
*/
package types
