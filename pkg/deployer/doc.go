/*
Package deployer executes bound deployment plans against the cloud.

The update runs in strict phases: resource pools are grown to their target
sizes, each job's instances transition canary-first and then max_in_flight
at a time, obsolete instances are torn down, surplus pool VMs are deleted
and finally the deployment record is updated. Instance state is persisted
only after an update is confirmed healthy, so a failed update is retried by
the next deploy rather than silently accepted.

Cancellation is cooperative: the deployer consults its context between
instances and between phases, never mid-transition, so a cancelled task
leaves no half-configured VM behind.
*/
package deployer
