/*
Package license verifies the platform's signed entitlement file.

A license is a JSON document holding a grant (key, expiry, concurrent-job
cap) and a detached Ed25519 signature over a canonical rendering of that
grant. The verifier keeps the last good grant in memory; the manager
consults Verify before every job submission and pairs it with a live job
count from the scheduler:

	ents, err := verifier.Verify()
	if err != nil { ... resource limit ... }
	if jobCount >= ents.MaxConcurrentJobs { ... resource limit ... }

Watch uses fsnotify to reload the file when operators drop in a renewal,
so expiring installations recover without a restart. Expiry itself needs
no watch: Verify compares against the clock on every call.

Verification failures are deliberately coarse (ErrInvalid, ErrExpired);
callers translate both into the non-retryable resource-limit API error.
*/
package license
