package deployer

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/meridianhq/drydock/pkg/plan"
	"github.com/meridianhq/drydock/pkg/types"
)

// instanceUpdater drives one instance through its transition:
// stop -> disk -> (recreate) -> apply -> start -> watch. Which steps run is
// decided by the change kind bound onto the plan; the updater itself makes
// no decisions beyond error unwinding.
type instanceUpdater struct {
	d    *Deployer
	bp   *plan.BoundPlan
	pm   *poolManager
	in   *plan.InstancePlan
	spec *types.ApplySpec

	row    *types.Instance
	vm     *types.VM
	disk   *types.Disk
	logger zerolog.Logger
}

func (u *instanceUpdater) update(ctx context.Context, canary bool) error {
	if u.in.Change == plan.ChangeNone {
		return nil
	}
	if err := u.ensureRow(ctx); err != nil {
		return err
	}
	u.vm = u.in.CurrentVM
	u.disk = u.in.CurrentDisk

	switch u.in.Change {
	case plan.ChangeRestart:
		if err := u.stop(ctx); err != nil {
			return err
		}

	case plan.ChangeRecreate:
		if err := u.stop(ctx); err != nil {
			return err
		}
		if err := u.recreateVM(ctx); err != nil {
			return err
		}

	case plan.ChangeNew:
		if u.vm == nil {
			if err := u.obtainVM(ctx); err != nil {
				return err
			}
		}
	}

	if err := u.syncDisk(ctx); err != nil {
		return err
	}
	if err := u.d.agents.Apply(ctx, u.vm.AgentID, u.spec); err != nil {
		return err
	}
	if err := u.d.agents.Start(ctx, u.vm.AgentID); err != nil {
		return err
	}
	if err := u.watch(ctx, canary); err != nil {
		return err
	}

	// the instance reached its target; record the applied spec so the next
	// binding classifies it no_change
	state, err := json.Marshal(u.spec)
	if err != nil {
		return err
	}
	return u.d.store.UpdateInstanceState(ctx, u.row.ID, state)
}

func (u *instanceUpdater) ensureRow(ctx context.Context) error {
	if u.in.Existing != nil {
		u.row = u.in.Existing
		return nil
	}
	row := &types.Instance{
		DeploymentID: u.bp.Deployment.ID,
		Job:          u.in.Job.Name,
		Index:        u.in.Index,
	}
	if err := u.d.store.CreateInstance(ctx, row); err != nil {
		return err
	}
	u.row = row
	return nil
}

func (u *instanceUpdater) stop(ctx context.Context) error {
	if u.vm == nil {
		return nil
	}
	return u.d.agents.Stop(ctx, u.vm.AgentID)
}

// recreateVM swaps the instance's VM: persistent disk detached, old VM
// deleted, a pool VM claimed and the disk reattached.
func (u *instanceUpdater) recreateVM(ctx context.Context) error {
	if u.disk != nil && u.vm != nil {
		if err := u.d.agents.UnmountDisk(ctx, u.vm.AgentID, u.disk.CID); err != nil {
			return err
		}
		if err := u.d.cloud.DetachDisk(ctx, u.vm.CID, u.disk.CID); err != nil {
			return err
		}
	}
	if u.vm != nil {
		if err := u.d.store.BindInstanceVM(ctx, u.row.ID, nil); err != nil {
			return err
		}
		if err := u.d.cloud.DeleteVM(ctx, u.vm.CID); err != nil {
			return err
		}
		if err := u.d.store.DeleteVM(ctx, u.vm.ID); err != nil {
			return err
		}
		u.vm = nil
	}

	if err := u.obtainVM(ctx); err != nil {
		return err
	}

	if u.disk != nil {
		if err := u.d.cloud.AttachDisk(ctx, u.vm.CID, u.disk.CID); err != nil {
			return err
		}
		if err := u.d.agents.MountDisk(ctx, u.vm.AgentID, u.disk.CID); err != nil {
			return err
		}
	}
	return nil
}

// obtainVM claims a pool VM for the instance, points it at the instance's
// address and rebinds the IP reservation.
func (u *instanceUpdater) obtainVM(ctx context.Context) error {
	vm, err := u.pm.Acquire(ctx, u.in.Job.Pool)
	if err != nil {
		return err
	}
	u.vm = vm

	if u.in.IP != "" && u.in.IP != vm.IP {
		if err := u.d.cloud.ConfigureNetworks(ctx, vm.CID, u.spec.Networks); err != nil {
			return err
		}
		u.pm.releaseAddress(vm.IP)
		if err := u.d.store.SetVMIP(ctx, vm.ID, u.in.IP); err != nil {
			return err
		}
		vm.IP = u.in.IP
	}
	if err := u.d.store.BindInstanceVM(ctx, u.row.ID, &vm.ID); err != nil {
		return err
	}

	if err := u.d.store.ReleaseInstanceIPs(ctx, u.row.ID); err != nil {
		return err
	}
	if u.in.IP == "" {
		return nil
	}
	return u.d.store.ReserveIP(ctx, &types.IPReservation{
		DeploymentID: u.bp.Deployment.ID,
		InstanceID:   u.row.ID,
		Network:      u.in.Job.Network.Name,
		Address:      u.in.IP,
		Static:       len(u.in.Job.StaticIPs) > 0,
	})
}

// syncDisk reconciles the persistent disk with the manifest: create,
// delete, or migrate to a resized one.
func (u *instanceUpdater) syncDisk(ctx context.Context) error {
	want := u.in.Job.PersistentDisk
	switch {
	case want == 0 && u.disk == nil:
		return nil

	case want > 0 && u.disk == nil:
		return u.createDisk(ctx, want)

	case want == 0:
		return u.dropDisk(ctx)

	case u.disk.SizeMB != want:
		return u.migrateDisk(ctx, want)
	}
	return nil
}

func (u *instanceUpdater) createDisk(ctx context.Context, sizeMB int) error {
	cid, err := u.d.cloud.CreateDisk(ctx, sizeMB, u.vm.CID)
	if err != nil {
		return err
	}
	row := &types.Disk{InstanceID: u.row.ID, CID: cid, SizeMB: sizeMB}
	if err := u.d.store.CreateDisk(ctx, row); err != nil {
		return err
	}
	if err := u.d.cloud.AttachDisk(ctx, u.vm.CID, cid); err != nil {
		return u.discardDisk(ctx, row, err)
	}
	if err := u.d.agents.MountDisk(ctx, u.vm.AgentID, cid); err != nil {
		_ = u.d.cloud.DetachDisk(ctx, u.vm.CID, cid)
		return u.discardDisk(ctx, row, err)
	}
	if err := u.d.store.SetDiskActive(ctx, row.ID, true); err != nil {
		return err
	}
	row.Active = true
	u.disk = row
	return nil
}

func (u *instanceUpdater) dropDisk(ctx context.Context) error {
	if err := u.d.agents.UnmountDisk(ctx, u.vm.AgentID, u.disk.CID); err != nil {
		return err
	}
	if err := u.d.cloud.DetachDisk(ctx, u.vm.CID, u.disk.CID); err != nil {
		return err
	}
	if err := u.d.cloud.DeleteDisk(ctx, u.disk.CID); err != nil {
		return err
	}
	if err := u.d.store.DeleteDisk(ctx, u.disk.ID); err != nil {
		return err
	}
	u.disk = nil
	return nil
}

// migrateDisk moves the instance's data onto a new disk of the wanted
// size. Both disks stay attached during the copy; any failure deletes the
// new disk and leaves the old one in place.
func (u *instanceUpdater) migrateDisk(ctx context.Context, sizeMB int) error {
	old := u.disk

	newCID, err := u.d.cloud.CreateDisk(ctx, sizeMB, u.vm.CID)
	if err != nil {
		return err
	}
	row := &types.Disk{InstanceID: u.row.ID, CID: newCID, SizeMB: sizeMB}
	if err := u.d.store.CreateDisk(ctx, row); err != nil {
		return err
	}

	if err := u.d.cloud.AttachDisk(ctx, u.vm.CID, newCID); err != nil {
		return u.discardDisk(ctx, row, err)
	}
	if err := u.d.agents.MountDisk(ctx, u.vm.AgentID, newCID); err != nil {
		_ = u.d.cloud.DetachDisk(ctx, u.vm.CID, newCID)
		return u.discardDisk(ctx, row, err)
	}
	if err := u.d.agents.MigrateDisk(ctx, u.vm.AgentID, old.CID, newCID); err != nil {
		_ = u.d.agents.UnmountDisk(ctx, u.vm.AgentID, newCID)
		_ = u.d.cloud.DetachDisk(ctx, u.vm.CID, newCID)
		return u.discardDisk(ctx, row, err)
	}

	// the copy landed; retire the old disk
	if err := u.d.agents.UnmountDisk(ctx, u.vm.AgentID, old.CID); err != nil {
		return err
	}
	if err := u.d.cloud.DetachDisk(ctx, u.vm.CID, old.CID); err != nil {
		return err
	}
	if err := u.d.cloud.DeleteDisk(ctx, old.CID); err != nil {
		return err
	}
	if err := u.d.store.DeleteDisk(ctx, old.ID); err != nil {
		return err
	}
	if err := u.d.store.SetDiskActive(ctx, row.ID, true); err != nil {
		return err
	}
	row.Active = true
	u.disk = row
	u.logger.Info().
		Str("old", old.CID).
		Str("new", newCID).
		Int("size_mb", sizeMB).
		Msg("migrated persistent disk")
	return nil
}

// discardDisk unwinds a half-created disk, preserving cause.
func (u *instanceUpdater) discardDisk(ctx context.Context, row *types.Disk, cause error) error {
	_ = u.d.cloud.DeleteDisk(ctx, row.CID)
	_ = u.d.store.DeleteDisk(ctx, row.ID)
	return cause
}

// watch gives the job its declared settling time, then polls agent state
// until it reports running or the grace window closes.
func (u *instanceUpdater) watch(ctx context.Context, canary bool) error {
	watchMS := u.in.Job.Update.UpdateWatchTime
	if canary {
		watchMS = u.in.Job.Update.CanaryWatchTime
	}
	if watchMS > 0 {
		select {
		case <-time.After(time.Duration(watchMS) * time.Millisecond):
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}

	deadline := time.Now().Add(u.d.opts.WatchGrace)
	var lastState string
	for {
		state, err := u.d.agents.GetState(ctx, u.vm.AgentID)
		if err == nil {
			lastState = state.JobState
			if state.JobState == "running" {
				return nil
			}
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("job did not reach running state (last %q)", lastState)
		}
		select {
		case <-time.After(u.d.opts.WatchPoll):
		case <-ctx.Done():
			return context.Cause(ctx)
		}
	}
}
