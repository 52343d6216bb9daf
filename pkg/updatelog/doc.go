// Package updatelog is the durable record of post-deployment model
// changes: user feedback, document insertions and document deletions.
//
// Autoscaled deployments cannot mutate a shared model artifact in place,
// so every replica instead appends its mutations to an append-only log
// on the shared data directory. The layout keys files by deployment and
// allocation so that concurrent replicas never contend on a file:
//
//	data/{deployment_id}/
//	    feedback/{alloc_id}.jsonl
//	    insertions/{alloc_id}.jsonl
//	    deletions/{alloc_id}.jsonl
//
// Each line is one JSON event. An event is durable once Append returns:
// the writer fsyncs after every line, because a lost upvote silently
// degrades the next retrain. Readers take the union of all allocation
// files for a kind; ordering is total within one file and unspecified
// across files, which is acceptable because feedback events commute.
//
// AmalgamateFeedback gathers the feedback logs of one or more prior
// deployments into a single supervised file consumed by retraining.
// Weights are applied at consume time: explicit feedback counts double
// relative to implicit feedback.
package updatelog
