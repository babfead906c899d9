package deployer

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/drydock/pkg/agent"
	"github.com/meridianhq/drydock/pkg/cloud"
	"github.com/meridianhq/drydock/pkg/compiler"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/plan"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/task"
	"github.com/meridianhq/drydock/pkg/types"
)

// Deployer executes bound plans: it grows resource pools, walks jobs
// through their instance updates and tears down what the plan no longer
// wants. Every decision was made during binding; the deployer only acts.
type Deployer struct {
	store  store.Store
	cloud  cloud.Provider
	agents *agent.Client
	opts   Options
	logger zerolog.Logger
}

// Options tunes behavior not expressed in deployment manifests.
type Options struct {
	PingRetries int           // agent pings after VM creation before giving up
	WatchGrace  time.Duration // polling window after a watch time elapses
	WatchPoll   time.Duration // interval between get_state polls while watching
}

func New(s store.Store, c cloud.Provider, agents *agent.Client, opts Options) *Deployer {
	if opts.PingRetries <= 0 {
		opts.PingRetries = 20
	}
	if opts.WatchGrace <= 0 {
		opts.WatchGrace = 30 * time.Second
	}
	if opts.WatchPoll <= 0 {
		opts.WatchPoll = time.Second
	}
	return &Deployer{
		store:  s,
		cloud:  c,
		agents: agents,
		opts:   opts,
		logger: log.WithComponent("deployer"),
	}
}

// interrupted surfaces cooperative cancellation at suspension points. The
// cause carries the cancelled domain error set by the task runner.
func interrupted(ctx context.Context) error {
	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return nil
}

// Deploy executes a bound plan. Partial progress is persisted as it
// commits; a failed or cancelled deploy is not rolled back.
func (d *Deployer) Deploy(ctx context.Context, bp *plan.BoundPlan, compiled *compiler.Result, events *task.EventLog) error {
	pools, err := d.newPoolManager(ctx, bp)
	if err != nil {
		return err
	}

	if len(bp.StaleVMs) > 0 {
		stage := events.Stage("Deleting outdated VMs", len(bp.StaleVMs))
		for _, vm := range bp.StaleVMs {
			if err := interrupted(ctx); err != nil {
				return err
			}
			vm := vm
			err := stage.Run(vm.CID, func() error {
				if err := d.cloud.DeleteVM(ctx, vm.CID); err != nil {
					return err
				}
				pools.releaseAddress(vm.IP)
				return d.store.DeleteVM(ctx, vm.ID)
			})
			if err != nil {
				return err
			}
		}
	}

	if err := pools.Fill(ctx, events); err != nil {
		return err
	}

	for _, j := range bp.Plan.Jobs {
		if err := d.updateJob(ctx, bp, pools, compiled, j, events); err != nil {
			return err
		}
	}

	if len(bp.Obsolete) > 0 {
		stage := events.Stage("Deleting obsolete instances", len(bp.Obsolete))
		for _, obs := range bp.Obsolete {
			if err := interrupted(ctx); err != nil {
				return err
			}
			name := fmt.Sprintf("%s/%d", obs.Instance.Job, obs.Instance.Index)
			err := stage.Run(name, func() error {
				return d.teardownInstance(ctx, obs.Instance, obs.VM, obs.Disks)
			})
			if err != nil {
				return err
			}
		}
	}

	if err := pools.Shrink(ctx, events); err != nil {
		return err
	}

	return d.recordDeployment(ctx, bp)
}

// recordDeployment persists the applied manifest and the release and
// stemcell references the deployment now pins.
func (d *Deployer) recordDeployment(ctx context.Context, bp *plan.BoundPlan) error {
	dep, err := d.store.SaveDeployment(ctx, bp.Plan.Name, bp.Plan.ManifestYAML)
	if err != nil {
		return err
	}
	if ref := bp.Plan.Release.Ref; ref != nil {
		if err := d.store.SetDeploymentReleaseVersion(ctx, dep.ID, ref.ID); err != nil {
			return err
		}
	}

	seen := make(map[int64]bool)
	var stemcells []int64
	for _, pool := range bp.Plan.Pools {
		if pool.Stemcell != nil && !seen[pool.Stemcell.ID] {
			seen[pool.Stemcell.ID] = true
			stemcells = append(stemcells, pool.Stemcell.ID)
		}
	}
	sort.Slice(stemcells, func(i, j int) bool { return stemcells[i] < stemcells[j] })
	if err := d.store.SetDeploymentStemcells(ctx, dep.ID, stemcells); err != nil {
		return err
	}
	d.logger.Info().Str("deployment", bp.Plan.Name).Msg("deployment recorded")
	return nil
}

// teardownInstance removes one instance and everything it owns. The stop
// and unmount calls are best effort since the VM may already be gone.
func (d *Deployer) teardownInstance(ctx context.Context, in *types.Instance, vm *types.VM, disks []*types.Disk) error {
	if vm != nil {
		_ = d.agents.Stop(ctx, vm.AgentID)
		for _, disk := range disks {
			_ = d.agents.UnmountDisk(ctx, vm.AgentID, disk.CID)
			_ = d.cloud.DetachDisk(ctx, vm.CID, disk.CID)
		}
		if err := d.cloud.DeleteVM(ctx, vm.CID); err != nil {
			return err
		}
		if err := d.store.DeleteVM(ctx, vm.ID); err != nil {
			return err
		}
	}
	for _, disk := range disks {
		if err := d.cloud.DeleteDisk(ctx, disk.CID); err != nil {
			return err
		}
		if err := d.store.DeleteDisk(ctx, disk.ID); err != nil {
			return err
		}
	}
	if err := d.store.ReleaseInstanceIPs(ctx, in.ID); err != nil {
		return err
	}
	if err := d.store.DeleteInstance(ctx, in.ID); err != nil {
		return err
	}
	d.logger.Info().Str("instance", fmt.Sprintf("%s/%d", in.Job, in.Index)).Msg("instance deleted")
	return nil
}

// DestroyDeployment deletes every instance, VM, disk and reservation of a
// deployment, then the deployment row itself.
func (d *Deployer) DestroyDeployment(ctx context.Context, dep *types.Deployment, events *task.EventLog) error {
	instances, err := d.store.InstancesByDeployment(ctx, dep.ID)
	if err != nil {
		return err
	}
	vms, err := d.store.VMsByDeployment(ctx, dep.ID)
	if err != nil {
		return err
	}
	vmByID := make(map[int64]*types.VM, len(vms))
	for _, vm := range vms {
		vmByID[vm.ID] = vm
	}

	bound := make(map[int64]bool)
	if len(instances) > 0 {
		stage := events.Stage("Deleting instances", len(instances))
		for _, in := range instances {
			if err := interrupted(ctx); err != nil {
				return err
			}
			var vm *types.VM
			if in.VMID != nil {
				vm = vmByID[*in.VMID]
				bound[*in.VMID] = true
			}
			disks, err := d.store.DisksByInstance(ctx, in.ID)
			if err != nil {
				return err
			}
			name := fmt.Sprintf("%s/%d", in.Job, in.Index)
			if err := stage.Run(name, func() error {
				return d.teardownInstance(ctx, in, vm, disks)
			}); err != nil {
				return err
			}
		}
	}

	var idle []*types.VM
	for _, vm := range vms {
		if !bound[vm.ID] {
			idle = append(idle, vm)
		}
	}
	if len(idle) > 0 {
		stage := events.Stage("Deleting idle VMs", len(idle))
		for _, vm := range idle {
			if err := interrupted(ctx); err != nil {
				return err
			}
			if err := stage.Run(vm.CID, func() error {
				if err := d.cloud.DeleteVM(ctx, vm.CID); err != nil {
					return err
				}
				return d.store.DeleteVM(ctx, vm.ID)
			}); err != nil {
				return err
			}
		}
	}

	return d.store.DeleteDeployment(ctx, dep.ID)
}
