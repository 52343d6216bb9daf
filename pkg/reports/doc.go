// Package reports implements the document-report queue and its worker
// pool.
//
// A report is a user-submitted batch of documents to be scored against a
// knowledge-extraction model's stored questions. Processing is
// asynchronous: the control plane queues a row, and a pool of stateless
// workers — usually running as an autoscaled scheduler job — polls for
// work over the internal HTTP API.
//
// Exclusivity comes from the lease protocol in the store, not from
// worker coordination: claiming bumps the row's attempt counter and
// stamps updated_at, and a completion carrying a stale attempt is
// rejected. A worker that crashes mid-report simply lets the lease
// expire; the next claim picks the row up with the next attempt. A
// report that exhausts its attempts stays in_progress and unleasable —
// the service surfaces it as failed and an explicit admin reset
// re-queues it.
//
// Extraction here is the lexical pass: sentences scored by keyword
// coverage per question. The result JSON is stored on the row and
// served back through the report endpoints.
package reports
