/*
Package store persists the director's registry.

The Store interface covers every durable entity: users, tasks, releases with
their versions, packages and templates, compiled packages, stemcells,
deployments, VMs, instances, disks, IP reservations, and the advisory lock
rows used by pkg/lock. Two implementations exist:

  - SQLStore: Postgres through sqlx, shared by all director and worker
    processes. This is the production store; conditional updates (task claims,
    lock upserts) rely on the database for cross-process atomicity.
  - MemoryStore: a mutex-guarded in-process mirror with identical semantics,
    used by unit tests and single-process development runs.

Conditional operations return (ok bool, err error) rather than errors so
callers can distinguish "lost the race" from "broke". Lookup methods come in
two flavors: Get* returns a not-found domain error for API surfacing, Find*
returns (value, found, err) for cache-style checks.

The schema lives in schema.sql, embedded into the binary and applied by
SQLStore.Migrate.
*/
package store
