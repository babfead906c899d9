/*
Package vsphere implements the cloud provider against vCenter.

Stemcells are template VMs whose root VMDK is uploaded to the configured
datastore; create_vm clones the template and passes the agent's bootstrap
environment through guestinfo extra config. Persistent disks are standalone
VMDKs in a datastore directory, attached and detached without deleting the
files. All vSphere tasks are waited on, so the Provider methods match the
synchronous contract of pkg/cloud.
*/
package vsphere
