/*
Package plan turns deployment manifests into executable desired state.

Construction has two phases. New parses and validates: manifest references
(release version, stemcells, networks, resource pools, templates) are
resolved against the registry and every problem is collected into one
validation_failed error instead of failing on the first. The result is an
immutable Plan with per-index InstancePlans derived from each job.

Binder.Bind then reconciles the Plan with current database state: existing
instances are adopted by (job, index), each one is classified as no_change,
restart, recreate or new, addresses are bound (static by index, dynamic by
reuse-or-allocate), obsolete instances are collected and resource pool
deltas computed. Binding happens in a single pass before any cloud call;
pkg/deployer executes the bound plan without further decisions.
*/
package plan
