// Package reconciler keeps entity state honest against the scheduler.
//
// A training or deployment row can claim to be in progress while its
// scheduler job is gone: the job OOMed before its first callback, an
// operator purged it, the scheduler restarted. Without intervention the
// row sits in_progress forever and the model is wedged.
//
// The reconciler sweeps every 30 seconds, asking the scheduler whether
// each active deployment's and in-flight training's job still exists. A
// job must be absent for a full grace period before its entity is
// marked failed with "job vanished"; a single missed poll, or a job the
// scheduler has not registered yet, is not evidence. An unreachable
// scheduler skips the check entirely rather than failing everything at
// once.
package reconciler
