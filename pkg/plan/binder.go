package plan

import (
	"context"
	"encoding/json"
	"fmt"
	"net/netip"

	"github.com/mitchellh/hashstructure/v2"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/types"
)

// Binder reconciles a Plan with the registry: it adopts existing instances,
// classifies the change each one needs, assigns IPs and computes the
// obsolete set and resource pool deltas. Binding only reads (besides
// creating the deployment row); every decision is materialized on the
// BoundPlan before any cloud call happens.
type Binder struct {
	store  store.Store
	logger zerolog.Logger
}

// NewBinder builds a binder over the registry.
func NewBinder(s store.Store) *Binder {
	return &Binder{store: s, logger: log.WithComponent("binder")}
}

// BoundPlan is the executable output of binding.
type BoundPlan struct {
	Plan       *Plan
	Deployment *types.Deployment

	// Obsolete are DB instances absent from the plan, scheduled for
	// deletion after the update.
	Obsolete []*ObsoleteInstance

	// IdleVMs are the deployment's pool VMs not bound to any instance,
	// keyed by pool name. Only VMs still matching their pool's stemcell
	// qualify; the rest land in StaleVMs.
	IdleVMs map[string][]*types.VM

	// StaleVMs are idle VMs that can no longer serve their pool: the pool
	// is gone from the manifest or runs a different stemcell now.
	StaleVMs []*types.VM

	// PoolDeltas is pool name -> VMs to add (positive),
	// target_size - (bound_instances + idle).
	PoolDeltas map[string]int
}

// ObsoleteInstance carries everything needed to tear an instance down.
type ObsoleteInstance struct {
	Instance *types.Instance
	VM       *types.VM
	Disks    []*types.Disk
}

// ChangedInstances returns the instance plans that need work, in manifest
// job order then index order.
func (bp *BoundPlan) ChangedInstances() []*InstancePlan {
	return lo.Filter(bp.Plan.InstancePlans(), func(in *InstancePlan, _ int) bool {
		return in.Change != ChangeNone
	})
}

// Bind runs the single-threaded binding pass.
func (b *Binder) Bind(ctx context.Context, p *Plan) (*BoundPlan, error) {
	dep, err := b.store.GetDeployment(ctx, p.Name)
	if direrrors.IsCode(err, direrrors.CodeNotFound) {
		dep, err = b.store.SaveDeployment(ctx, p.Name, "")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load deployment %s: %w", p.Name, err)
	}

	instances, err := b.store.InstancesByDeployment(ctx, dep.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load instances: %w", err)
	}
	vms, err := b.store.VMsByDeployment(ctx, dep.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load vms: %w", err)
	}
	reservations, err := b.store.IPsByDeployment(ctx, dep.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ip reservations: %w", err)
	}

	vmByID := lo.SliceToMap(vms, func(vm *types.VM) (int64, *types.VM) { return vm.ID, vm })
	instanceIPs := make(map[int64]string)
	usedIPs := make(map[string]bool)
	for _, r := range reservations {
		instanceIPs[r.InstanceID] = r.Address
		usedIPs[r.Address] = true
	}

	existing := lo.SliceToMap(instances, func(in *types.Instance) (string, *types.Instance) {
		return fmt.Sprintf("%s/%d", in.Job, in.Index), in
	})
	claimed := make(map[int64]bool)

	bp := &BoundPlan{
		Plan:       p,
		Deployment: dep,
		IdleVMs:    make(map[string][]*types.VM),
		PoolDeltas: make(map[string]int),
	}

	// adopt existing instances, bind IPs, classify
	for _, in := range p.InstancePlans() {
		key := fmt.Sprintf("%s/%d", in.Job.Name, in.Index)
		if row, ok := existing[key]; ok {
			claimed[row.ID] = true
			in.Existing = row
			if row.VMID != nil {
				in.CurrentVM = vmByID[*row.VMID]
			}
			in.CurrentDisk, err = b.activeDisk(ctx, row.ID)
			if err != nil {
				return nil, err
			}
			in.CurrentSpec = decodeSpec(row.State)
		}

		if err := b.bindIP(in, instanceIPs, usedIPs); err != nil {
			return nil, err
		}
		in.Change = classify(in)
		b.logger.Debug().
			Str("deployment", p.Name).
			Str("instance", key).
			Str("change", string(in.Change)).
			Str("ip", in.IP).
			Msg("bound instance")
	}

	// obsolete: rows the plan no longer wants
	for _, row := range instances {
		if claimed[row.ID] {
			continue
		}
		obs := &ObsoleteInstance{Instance: row}
		if row.VMID != nil {
			obs.VM = vmByID[*row.VMID]
		}
		obs.Disks, err = b.store.DisksByInstance(ctx, row.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to load disks: %w", err)
		}
		bp.Obsolete = append(bp.Obsolete, obs)
	}

	b.bindPools(bp, vms)
	return bp, nil
}

func (b *Binder) activeDisk(ctx context.Context, instanceID int64) (*types.Disk, error) {
	disks, err := b.store.DisksByInstance(ctx, instanceID)
	if err != nil {
		return nil, fmt.Errorf("failed to load disks: %w", err)
	}
	for _, d := range disks {
		if d.Active {
			return d, nil
		}
	}
	return nil, nil
}

// bindIP decides the instance's address. Static jobs get their declared
// address by index; dynamic manual allocation reuses the held address when
// it is still valid, otherwise takes a free one.
func (b *Binder) bindIP(in *InstancePlan, instanceIPs map[int64]string, used map[string]bool) error {
	n := in.Job.Network
	if n == nil {
		return nil
	}

	var current string
	if in.Existing != nil {
		current = instanceIPs[in.Existing.ID]
	}

	switch {
	case n.Type == NetworkDynamic:
		// provider-assigned, nothing to bind
		return nil

	case len(in.Job.StaticIPs) > 0:
		in.IP = in.Job.StaticIPs[in.Index]
		return nil

	case n.Type == NetworkVIP:
		return direrrors.ValidationFailed(
			fmt.Sprintf("job %s is on vip network %s but declares no static ips", in.Job.Name, n.Name))

	default:
		if current != "" {
			if addr, err := netip.ParseAddr(current); err == nil && n.Contains(addr) && !n.HasStatic(addr) {
				in.IP = current
				return nil
			}
		}
		addr, err := n.AllocateDynamic(used)
		if err != nil {
			return direrrors.ValidationFailed(err.Error())
		}
		used[addr.String()] = true
		in.IP = addr.String()
		return nil
	}
}

// specSignature is the slice of an apply spec that decides whether an
// instance changed at all. Compiled package artifacts are reduced to
// versions: a recompile with identical sources is not a change.
type specSignature struct {
	Job            types.JobSpec
	Networks       map[string]types.NetworkSpec
	ResourcePool   string
	Stemcell       string
	PersistentDisk int
	Packages       map[string]string
}

func signature(spec *types.ApplySpec) uint64 {
	sig := specSignature{
		Job:            spec.Job,
		Networks:       spec.Networks,
		ResourcePool:   spec.ResourcePool,
		Stemcell:       spec.Stemcell,
		PersistentDisk: spec.PersistentDisk,
		Packages:       make(map[string]string),
	}
	sig.Job.SHA1 = ""
	sig.Job.BlobstoreID = ""
	for name, pkg := range spec.Packages {
		sig.Packages[name] = pkg.Version
	}
	h, err := hashstructure.Hash(sig, hashstructure.FormatV2, nil)
	if err != nil {
		return 0
	}
	return h
}

// classify picks the change kind per the binding rules: recreate when the
// VM itself must be replaced (stemcell, resource pool or address changes),
// restart when only what runs on it changes, no_change when the target spec
// matches the applied one.
func classify(in *InstancePlan) ChangeKind {
	if in.Existing == nil {
		return ChangeNew
	}
	if in.CurrentVM == nil || in.CurrentSpec == nil {
		// a row without a live VM or a readable state blob is rebuilt
		return ChangeNew
	}

	target := in.targetForComparison()
	current := in.CurrentSpec

	if current.Stemcell != target.Stemcell {
		return ChangeRecreate
	}
	if current.ResourcePool != target.ResourcePool {
		return ChangeRecreate
	}
	if networkChanged(current.Networks, target.Networks) {
		return ChangeRecreate
	}

	if signature(current) == signature(target) {
		return ChangeNone
	}
	return ChangeRestart
}

// targetForComparison builds the target spec with source package versions
// standing in for the not-yet-compiled artifacts.
func (in *InstancePlan) targetForComparison() *types.ApplySpec {
	packages := make(map[string]types.PackageSpec)
	if in.Job.Template != nil {
		for _, name := range in.Job.Template.Packages {
			if pkg, ok := packagesOf(in.Job)[name]; ok {
				packages[name] = types.PackageSpec{Name: pkg.Name, Version: pkg.Version}
			}
		}
	}
	return in.TargetSpec(in.deploymentName(), packages)
}

func (in *InstancePlan) deploymentName() string {
	if in.CurrentSpec != nil {
		return in.CurrentSpec.Deployment
	}
	return ""
}

func packagesOf(j *Job) map[string]*types.Package {
	return j.releasePackages
}

func networkChanged(current, target map[string]types.NetworkSpec) bool {
	if len(current) != len(target) {
		return true
	}
	for name, t := range target {
		c, ok := current[name]
		if !ok || c.Type != t.Type || c.IP != t.IP {
			return true
		}
	}
	return false
}

func decodeSpec(state []byte) *types.ApplySpec {
	if len(state) == 0 {
		return nil
	}
	var spec types.ApplySpec
	if err := json.Unmarshal(state, &spec); err != nil {
		return nil
	}
	return &spec
}

// bindPools computes per-pool deltas and the idle VM sets.
func (b *Binder) bindPools(bp *BoundPlan, vms []*types.VM) {
	boundVMs := make(map[int64]bool)
	for _, in := range bp.Plan.InstancePlans() {
		if in.CurrentVM != nil && in.Change != ChangeRecreate {
			boundVMs[in.CurrentVM.ID] = true
		}
	}
	for _, obs := range bp.Obsolete {
		if obs.VM != nil {
			boundVMs[obs.VM.ID] = true // torn down separately, not idle
		}
	}

	for _, vm := range vms {
		if boundVMs[vm.ID] || vmBoundToAnyInstance(bp, vm) {
			continue
		}
		pool, ok := bp.Plan.Pools[vm.ResourcePool]
		if !ok || pool.Stemcell == nil || pool.Stemcell.CID != vm.StemcellCID {
			bp.StaleVMs = append(bp.StaleVMs, vm)
			continue
		}
		bp.IdleVMs[vm.ResourcePool] = append(bp.IdleVMs[vm.ResourcePool], vm)
	}

	demand := make(map[string]int)
	for _, in := range bp.Plan.InstancePlans() {
		if in.Job.Pool != nil {
			demand[in.Job.Pool.Name]++
		}
	}
	for name, pool := range bp.Plan.Pools {
		bound := 0
		for _, in := range bp.Plan.InstancePlans() {
			if in.Job.Pool == pool && in.CurrentVM != nil && in.Change != ChangeRecreate {
				bound++
			}
		}
		bp.PoolDeltas[name] = pool.Size - (bound + len(bp.IdleVMs[name]))
	}
}

func vmBoundToAnyInstance(bp *BoundPlan, vm *types.VM) bool {
	for _, in := range bp.Plan.InstancePlans() {
		if in.Existing != nil && in.Existing.VMID != nil && *in.Existing.VMID == vm.ID {
			return true
		}
	}
	return false
}
