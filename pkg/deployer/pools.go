package deployer

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/meridianhq/drydock/pkg/plan"
	"github.com/meridianhq/drydock/pkg/task"
	"github.com/meridianhq/drydock/pkg/types"
)

// poolManager tracks idle resource pool VMs during one deployment update.
// Fill grows every pool to its target size before any job is touched;
// instance updates draw VMs from the idle sets; Shrink removes what is left
// over once the plan's demand is settled.
type poolManager struct {
	d  *Deployer
	bp *plan.BoundPlan

	mu   sync.Mutex
	idle map[string][]*types.VM
	used map[string]bool // addresses handed out on pool networks
}

func (d *Deployer) newPoolManager(ctx context.Context, bp *plan.BoundPlan) (*poolManager, error) {
	pm := &poolManager{
		d:    d,
		bp:   bp,
		idle: make(map[string][]*types.VM),
		used: make(map[string]bool),
	}
	for name, vms := range bp.IdleVMs {
		pm.idle[name] = append(pm.idle[name], vms...)
	}

	// seed the used-address set so pool VMs never collide with instance
	// addresses, bound or planned
	reservations, err := d.store.IPsByDeployment(ctx, bp.Deployment.ID)
	if err != nil {
		return nil, err
	}
	for _, r := range reservations {
		pm.used[r.Address] = true
	}
	vms, err := d.store.VMsByDeployment(ctx, bp.Deployment.ID)
	if err != nil {
		return nil, err
	}
	for _, vm := range vms {
		if vm.IP != "" {
			pm.used[vm.IP] = true
		}
	}
	for _, in := range bp.Plan.InstancePlans() {
		if in.IP != "" {
			pm.used[in.IP] = true
		}
	}
	return pm, nil
}

// Fill creates VMs until every pool holds its target size.
func (pm *poolManager) Fill(ctx context.Context, events *task.EventLog) error {
	var growing []string
	for name := range pm.bp.Plan.Pools {
		if pm.bp.PoolDeltas[name] > 0 {
			growing = append(growing, name)
		}
	}
	if len(growing) == 0 {
		return nil
	}
	sort.Strings(growing)

	stage := events.Stage("Updating resource pools", len(growing))
	for _, name := range growing {
		pool := pm.bp.Plan.Pools[name]
		delta := pm.bp.PoolDeltas[name]
		err := stage.Run(fmt.Sprintf("%s (+%d)", name, delta), func() error {
			for i := 0; i < delta; i++ {
				if err := interrupted(ctx); err != nil {
					return err
				}
				vm, err := pm.create(ctx, pool)
				if err != nil {
					return err
				}
				pm.mu.Lock()
				pm.idle[name] = append(pm.idle[name], vm)
				pm.mu.Unlock()
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// Acquire pops an idle VM for the pool, or creates one when the pool ran
// dry (a recreate burst can briefly outpace the idle set).
func (pm *poolManager) Acquire(ctx context.Context, pool *plan.ResourcePool) (*types.VM, error) {
	pm.mu.Lock()
	if vms := pm.idle[pool.Name]; len(vms) > 0 {
		vm := vms[len(vms)-1]
		pm.idle[pool.Name] = vms[:len(vms)-1]
		pm.mu.Unlock()
		return vm, nil
	}
	pm.mu.Unlock()
	return pm.create(ctx, pool)
}

// create boots one pool VM: fresh agent id, address on the pool network,
// ping until the agent answers, then a minimal baseline apply.
func (pm *poolManager) create(ctx context.Context, pool *plan.ResourcePool) (*types.VM, error) {
	agentID := uuid.NewString()

	ip := ""
	networks := map[string]types.NetworkSpec{}
	if n := pool.Network; n != nil {
		if n.Type == plan.NetworkManual {
			pm.mu.Lock()
			addr, err := n.AllocateDynamic(pm.used)
			if err != nil {
				pm.mu.Unlock()
				return nil, fmt.Errorf("failed to pick an address on %s for pool %s: %w", n.Name, pool.Name, err)
			}
			ip = addr.String()
			pm.used[ip] = true
			pm.mu.Unlock()
		}
		networks[n.Name] = n.SpecFor(ip)
	}

	cid, err := pm.d.cloud.CreateVM(ctx, agentID, pool.Stemcell.CID, pool.CloudProperties, networks, pool.Env)
	if err != nil {
		pm.releaseAddress(ip)
		return nil, err
	}
	if err := pm.d.agents.WaitUntilReady(ctx, agentID, pm.d.opts.PingRetries); err != nil {
		_ = pm.d.cloud.DeleteVM(ctx, cid)
		pm.releaseAddress(ip)
		return nil, err
	}
	baseline := &types.ApplySpec{
		Deployment:   pm.bp.Plan.Name,
		ResourcePool: pool.Name,
		Networks:     networks,
	}
	if err := pm.d.agents.Apply(ctx, agentID, baseline); err != nil {
		_ = pm.d.cloud.DeleteVM(ctx, cid)
		pm.releaseAddress(ip)
		return nil, err
	}

	vm := &types.VM{
		DeploymentID: pm.bp.Deployment.ID,
		AgentID:      agentID,
		CID:          cid,
		ResourcePool: pool.Name,
		StemcellCID:  pool.Stemcell.CID,
		IP:           ip,
	}
	if err := pm.d.store.CreateVM(ctx, vm); err != nil {
		return nil, err
	}
	pm.d.logger.Debug().
		Str("pool", pool.Name).
		Str("agent", agentID).
		Str("cid", cid).
		Msg("created pool vm")
	return vm, nil
}

func (pm *poolManager) releaseAddress(ip string) {
	if ip == "" {
		return
	}
	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.used, ip)
}

// Shrink deletes idle VMs above each pool's allowance and every idle VM of
// pools the manifest no longer declares.
func (pm *poolManager) Shrink(ctx context.Context, events *task.EventLog) error {
	demand := make(map[string]int)
	for _, in := range pm.bp.Plan.InstancePlans() {
		if in.Job.Pool != nil {
			demand[in.Job.Pool.Name]++
		}
	}

	var victims []*types.VM
	pm.mu.Lock()
	var names []string
	for name := range pm.idle {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		vms := pm.idle[name]
		allowed := 0
		if pool, ok := pm.bp.Plan.Pools[name]; ok {
			allowed = pool.Size - demand[name]
			if allowed < 0 {
				allowed = 0
			}
		}
		if len(vms) > allowed {
			victims = append(victims, vms[allowed:]...)
			pm.idle[name] = vms[:allowed]
		}
	}
	pm.mu.Unlock()

	if len(victims) == 0 {
		return nil
	}
	stage := events.Stage("Deleting unneeded VMs", len(victims))
	for _, vm := range victims {
		if err := interrupted(ctx); err != nil {
			return err
		}
		err := stage.Run(vm.CID, func() error {
			if err := pm.d.cloud.DeleteVM(ctx, vm.CID); err != nil {
				return err
			}
			pm.releaseAddress(vm.IP)
			return pm.d.store.DeleteVM(ctx, vm.ID)
		})
		if err != nil {
			return err
		}
	}
	return nil
}
