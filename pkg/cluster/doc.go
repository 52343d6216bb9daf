/*
Package cluster drives the external scheduler that runs every Bazaar job.

The control plane never executes training, deployment, synthetic-data, or
worker processes itself. It renders an HCL job spec from a fixed template
vocabulary, asks the scheduler to parse it into canonical JSON, and submits
that JSON. Job lifecycle beyond submission is the scheduler's business; the
driver only checks existence and requests stops.

# Contract

	Submit:   POST /v1/jobs/parse (spec -> canonical JSON),
	          then POST /v1/jobs. The second call is attempted only after
	          the first succeeds, so a failure is never partially applied.
	Exists:   GET /v1/job/{id}. 200 exists, 404 absent, anything else is
	          ErrSchedulerUnavailable.
	Stop:     DELETE /v1/job/{id}?purge=true. 404 counts as success.
	JobCount: GET /v1/jobs, counting running and pending jobs. Feeds the
	          license gate.

# Templates

One template per job kind (train, deploy, datagen, llm-dispatch). The
substitution vocabulary is the fixed TemplateVars struct rendered with
missingkey=error: a template referencing an unknown key is a programming
error caught at render time, not a silently empty field.

# Timeouts

Connect 5s, overall 60s, matching the platform-wide outbound HTTP policy.
Both submission calls are short; the driver is safe to call from request
handlers.
*/
package cluster
