/*
Package compiler turns a deployment plan's package requirements into
compiled artifacts.

Every job contributes (package, stemcell) pairs for its template's packages
and their transitive dependencies. Pairs form a DAG ordered by compile
dependencies and are executed by a bounded worker pool; a single failure
stops further scheduling while running compiles finish. Each pair is guarded
by a registry lock so concurrent deployments never compile the same thing
twice, and results are cached by a dependency fingerprint, making the whole
pass idempotent.

Compilation runs on transient VMs booted from the target stemcell. VMs are
reused across packages within one task and destroyed before it ends.
*/
package compiler
