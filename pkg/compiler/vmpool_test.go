package compiler

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/drydock/pkg/types"
)

// The compilation network is shared with deployed jobs, so the pool must
// never hand a compile VM an address a live instance or pool VM holds.
func TestCompileVMSkipsAddressesInUse(t *testing.T) {
	ctx := context.Background()
	s := seedDAG(t)
	newCompiler(t, s)
	p := compilePlan(t, s)

	dep, err := s.SaveDeployment(ctx, "prod", "---")
	require.NoError(t, err)
	in := &types.Instance{DeploymentID: dep.ID, Job: "web", Index: 0}
	require.NoError(t, s.CreateInstance(ctx, in))
	require.NoError(t, s.ReserveIP(ctx, &types.IPReservation{
		DeploymentID: dep.ID, InstanceID: in.ID, Network: "default", Address: "10.0.0.2",
	}))
	// an idle pool VM holds its address without a reservation row
	require.NoError(t, s.CreateVM(ctx, &types.VM{
		DeploymentID: dep.ID, AgentID: "a-1", CID: "vm-1", ResourcePool: "small", IP: "10.0.0.3",
	}))

	vms, err := newVMPool(ctx, s, nil, nil, p.Compilation, 3)
	require.NoError(t, err)

	networks, ip, err := vms.allocateNetwork()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", ip)
	assert.Equal(t, "10.0.0.4", networks["default"].IP)

	// a second allocation skips the first one too
	_, ip, err = vms.allocateNetwork()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.5", ip)

	// released addresses go back into the pool
	vms.releaseAddress("10.0.0.4")
	_, ip, err = vms.allocateNetwork()
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.4", ip)
}
