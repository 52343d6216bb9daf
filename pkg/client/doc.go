// Package client is the HTTP client that job runtimes and report
// workers use to call back into the control plane.
//
// Scheduled jobs run with no database access; everything they need
// from the control plane flows through this client over the internal
// API: permission resolution for incoming user requests, training and
// deployment status callbacks, report leasing, and the active
// deployment count consulted before an idle runtime stops itself.
//
// Requests carry the per-process task-runner token so the control
// plane can tell its own jobs apart from end users. Idempotent calls
// get a single blind retry on transport failure; responses the server
// actually produced are never replayed.
package client
