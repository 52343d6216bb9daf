/*
Package auth provides credentials and permission checks for Bazaar.

Two concerns live here. The Issuer signs and verifies session JWTs (HS256
via go-jose); the control plane issues one at email login and every other
endpoint accepts it as a bearer token. The Cache is the per-runtime
permission cache: deployment runtimes resolve each caller token to a
permission tuple at the control plane and cache it for the configured TTL.

# Permission cache

A single mutex guards the entry map, and the map is never held across
network I/O: a miss releases the lock, fetches, then installs the result
unless a fresher entry landed first. A secondary expiry-ordered list makes
eviction sweeps O(1) per expired entry.

Guards wrap runtime routes with the three permission variants:

	guard := auth.NewGuard(cache)
	router.Handle("/search", guard.RequireRead(searchHandler))
	router.Handle("/insert", guard.RequireWrite(insertHandler))

Missing or invalid credentials map to 401; a valid credential without the
required permission maps to 403. The X-API-Key header short-circuits the
JWT path; both resolve to the same tuple shape.

# API keys

API keys are random 32-byte values prefixed bzk_, stored only as SHA-256
hashes. The raw key is shown once at creation.
*/
package auth
