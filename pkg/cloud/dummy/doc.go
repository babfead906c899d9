/*
Package dummy is the test cloud. World state (stemcells, VMs, disks,
snapshots) is kept in a bbolt file shared by all director processes on a
host, and every created VM gets an in-process fake agent that answers the
full RPC protocol on the bus. Deployments against the dummy cloud therefore
exercise the real compiler, updater and agent client code paths end to end
with no infrastructure behind them.
*/
package dummy
