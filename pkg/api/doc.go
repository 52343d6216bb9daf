// Package api is the control-plane HTTP surface.
//
// Two route trees hang off one router:
//
//	/api/...              public: accounts, teams, training, deployment,
//	                      models, workflows, backup, vault
//	/api/v1/internal/...  callbacks from scheduled jobs and report
//	                      workers, gated on the task-runner token
//
// Every response uses the envelope {status, message, data?} where
// status is "success" for 2xx and "failed" otherwise. Handler errors
// flow through one classifier (toHTTP) that maps the manager and store
// sentinels onto the documented status codes; anything unrecognized is
// a 500 with the error string.
//
// Authentication on the public tree resolves a Bearer JWT or an
// X-API-Key to a user account. HTTP Basic is accepted only on
// user/email-login, which mints the JWT. The internal tree instead
// compares X-Task-Token against the per-install token injected into
// every job environment; the permissions endpoint additionally reads
// the end user's forwarded credential to build the tuple deployment
// runtimes cache.
package api
