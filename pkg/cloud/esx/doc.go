/*
Package esx adapts the vsphere provider to a single ESX host with no
vCenter: default datacenter, default resource pool, direct host endpoint.
*/
package esx
