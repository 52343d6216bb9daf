/*
Package store provides the Postgres-backed entity store for the control
plane.

Every persisted entity (users, teams, models, dependency edges, deployments,
reports, questions, API keys, audit entries, secrets) lives behind the typed
Store interface: callers issue methods, never SQL. The SQLStore
implementation runs on sqlx over the pgx stdlib driver; schema migrations
are embedded goose SQL files applied at startup.

# Concurrency

Row-level locking is the only coordination mechanism. Report leases use
FOR UPDATE SKIP LOCKED so concurrent workers claim disjoint rows without
blocking each other; a partial unique index enforces at most one active
deployment per model. Per-request work runs inside WithTx: the closure
receives a transaction-bound Store, and an error rolls back every write.

# Conventions

  - ids are UUIDs generated by callers
  - timestamps are UTC truncated to microseconds (types.NowUTC)
  - missing rows map to ErrNotFound, uniqueness violations to ErrDuplicate
  - a report completion whose attempt no longer matches maps to
    ErrStaleLease

# Usage

	s, err := store.Open(cfg.DatabaseURL)
	if err != nil { ... }
	defer s.Close()
	if err := store.Migrate(s.DB()); err != nil { ... }

	err = s.WithTx(ctx, func(tx store.Store) error {
		if err := tx.CreateModel(ctx, model); err != nil {
			return err
		}
		return tx.AppendAudit(ctx, entry)
	})

# See Also

  - pkg/manager for the lifecycle logic that drives these tables
  - pkg/reports for the worker side of the report queue
*/
package store
