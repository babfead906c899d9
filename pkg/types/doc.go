/*
Package types defines the core entities shared across Drydock packages.

These are the durable records of the director's registry: users, tasks,
releases and their versioned packages and templates, compiled packages,
stemcells, deployments, VMs, instances, persistent disks, IP reservations and
lock rows. The package also defines ApplySpec, the desired-state blob the
director sends to agents and stores back on instances, which is the unit of
change detection between deploys.

Entity relationships:

	Release ──< ReleaseVersion ──< Package ──< CompiledPackage >── Stemcell
	                           └──< Template
	Deployment ──< Instance >── VM
	                   └──< Disk
	                   └──< IPReservation

Structs here carry no behavior beyond trivial accessors. Persistence lives in
pkg/store, orchestration in pkg/deployer and pkg/jobs.
*/
package types
