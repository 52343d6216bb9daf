// Package runtime is the per-deployment inference process. The control
// plane submits a deployment job whose environment points at a config
// file; this package loads it, copies the model artifact to a host-local
// directory, and serves the HTTP surface for the model's type.
//
//	control plane ──submit──▶ scheduler ──▶ [runtime replica]
//	                                          │  copy-on-load
//	                                          ▼
//	            shared tree ──────────▶ local artifact copy
//
// Mutations follow the deployment's scaling mode. A dev-mode deployment
// has exactly one replica that owns its engine, so writes apply
// in-process under the model lock. An autoscaled deployment has
// read-only replicas: every write is appended to this allocation's
// durable update log and acknowledged with 202, to be folded into the
// authoritative artifact at the next retrain.
//
// Composite deployments (enterprise-search) own no engine at all. They
// fan search out to a dependency NDB deployment and, when a guardrail
// dependency is configured, strip PII from the query and every
// reference before the response leaves the process. Knowledge
// extraction passes report and question operations through the internal
// client to the control plane.
//
// The process stops itself: a single-fire idle timer re-armed by every
// request asks the control plane whether any active deployment still
// exists for this model, and reports stopped when none does.
package runtime
