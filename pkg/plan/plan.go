package plan

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/samber/lo"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/types"
)

// Resolver is the slice of the registry the plan needs to resolve manifest
// references. store.Store satisfies it.
type Resolver interface {
	FindReleaseVersion(ctx context.Context, releaseName, version string) (*types.ReleaseVersion, bool, error)
	PackagesByReleaseVersion(ctx context.Context, releaseVersionID int64) ([]*types.Package, error)
	TemplatesByReleaseVersion(ctx context.Context, releaseVersionID int64) ([]*types.Template, error)
	FindStemcell(ctx context.Context, name, version string) (*types.Stemcell, bool, error)
}

// Plan is the immutable desired state: a validated manifest with every
// reference resolved against the registry. Binding (pkg/plan/binder.go)
// decorates its instances with current state; it never mutates the desired
// side.
type Plan struct {
	Name         string
	ManifestYAML string
	Update       UpdatePolicy

	Release     *ReleaseInfo
	Networks    map[string]*Network
	Pools       map[string]*ResourcePool
	Compilation *Compilation
	Jobs        []*Job
}

// ReleaseInfo is the resolved release version with its contents indexed by
// name.
type ReleaseInfo struct {
	Name      string
	Version   string
	Ref       *types.ReleaseVersion
	Packages  map[string]*types.Package
	Templates map[string]*types.Template
}

// ResourcePool is a resolved resource pool declaration.
type ResourcePool struct {
	Name            string
	Size            int
	Network         *Network
	Stemcell        *types.Stemcell
	CloudProperties map[string]interface{}
	Env             map[string]interface{}
}

// StemcellKey is the "name/version" identity recorded in apply specs.
func (p *ResourcePool) StemcellKey() string {
	return p.Stemcell.Name + "/" + p.Stemcell.Version
}

// Compilation is the dedicated pool spec the package compiler uses.
type Compilation struct {
	Workers         int
	Network         *Network
	CloudProperties map[string]interface{}
}

// Job is a resolved job declaration with its derived per-index instances.
type Job struct {
	Name           string
	Template       *types.Template
	Pool           *ResourcePool
	Network        *Network
	StaticIPs      []string
	PersistentDisk int
	Update         UpdatePolicy
	Instances      []*InstancePlan

	releasePackages map[string]*types.Package
}

// InstancePlan is the desired state of one (job, index) slot plus, after
// binding, its current state and the change class the updater must apply.
type InstancePlan struct {
	Job   *Job
	Index int

	// filled by the binder
	Change      ChangeKind
	Existing    *types.Instance
	CurrentVM   *types.VM
	CurrentDisk *types.Disk
	CurrentSpec *types.ApplySpec
	IP          string
}

// ChangeKind classifies what the instance updater must do.
type ChangeKind string

const (
	ChangeNone     ChangeKind = "no_change"
	ChangeRestart  ChangeKind = "restart"
	ChangeRecreate ChangeKind = "recreate"
	ChangeNew      ChangeKind = "new"
)

// problems accumulates validation failures so a bad manifest reports
// everything wrong with it in one validation_failed error.
type problems struct {
	list []string
}

func (p *problems) add(format string, args ...interface{}) {
	p.list = append(p.list, fmt.Sprintf(format, args...))
}

func (p *problems) err() error {
	if len(p.list) == 0 {
		return nil
	}
	return direrrors.ValidationFailed(p.list...)
}

// New resolves and validates a manifest into a Plan. All validation issues
// are aggregated; the returned error is a single validation_failed carrying
// every problem found.
func New(ctx context.Context, r Resolver, m *Manifest, manifestYAML string) (*Plan, error) {
	probs := &problems{}
	p := &Plan{
		Name:         m.Name,
		ManifestYAML: manifestYAML,
		Update:       m.Update,
		Networks:     make(map[string]*Network),
		Pools:        make(map[string]*ResourcePool),
	}

	p.Release = resolveRelease(ctx, r, m.Release, probs)

	for _, spec := range m.Networks {
		n := buildNetwork(spec, probs.add)
		if _, dup := p.Networks[n.Name]; dup {
			probs.add("network %s declared twice", n.Name)
			continue
		}
		p.Networks[n.Name] = n
	}

	for _, spec := range m.ResourcePools {
		pool := resolvePool(ctx, r, p, spec, probs)
		if _, dup := p.Pools[pool.Name]; dup {
			probs.add("resource pool %s declared twice", pool.Name)
			continue
		}
		p.Pools[pool.Name] = pool
	}

	p.Compilation = &Compilation{
		Workers:         m.Compile.Workers,
		CloudProperties: m.Compile.CloudProperties,
	}
	if p.Compilation.Workers <= 0 {
		p.Compilation.Workers = 1
	}
	if m.Compile.Network != "" {
		n, ok := p.Networks[m.Compile.Network]
		if !ok {
			probs.add("compilation references unknown network %s", m.Compile.Network)
		}
		p.Compilation.Network = n
	}

	seen := make(map[string]bool)
	for _, jm := range m.Jobs {
		if seen[jm.Name] {
			probs.add("job %s declared twice", jm.Name)
			continue
		}
		seen[jm.Name] = true
		p.Jobs = append(p.Jobs, p.resolveJob(jm, probs))
	}

	p.validateStaticIPs(probs)
	p.validatePoolCapacity(probs)

	if err := probs.err(); err != nil {
		return nil, err
	}
	return p, nil
}

func resolveRelease(ctx context.Context, r Resolver, ref ReleaseRef, probs *problems) *ReleaseInfo {
	info := &ReleaseInfo{
		Name:      ref.Name,
		Version:   ref.Version,
		Packages:  make(map[string]*types.Package),
		Templates: make(map[string]*types.Template),
	}
	if ref.Name == "" || ref.Version == "" {
		probs.add("manifest must name a release and version")
		return info
	}

	rv, found, err := r.FindReleaseVersion(ctx, ref.Name, ref.Version)
	if err != nil || !found {
		probs.add("release %s/%s is not uploaded", ref.Name, ref.Version)
		return info
	}
	info.Ref = rv

	pkgs, err := r.PackagesByReleaseVersion(ctx, rv.ID)
	if err == nil {
		for _, pkg := range pkgs {
			info.Packages[pkg.Name] = pkg
		}
	}
	templates, err := r.TemplatesByReleaseVersion(ctx, rv.ID)
	if err == nil {
		for _, t := range templates {
			info.Templates[t.Name] = t
		}
	}
	return info
}

func resolvePool(ctx context.Context, r Resolver, p *Plan, spec ResourcePoolSpec, probs *problems) *ResourcePool {
	pool := &ResourcePool{
		Name:            spec.Name,
		Size:            spec.Size,
		CloudProperties: spec.CloudProperties,
		Env:             spec.Env,
	}
	if spec.Name == "" {
		probs.add("resource pool with no name")
	}

	if n, ok := p.Networks[spec.Network]; ok {
		pool.Network = n
	} else {
		probs.add("resource pool %s references unknown network %q", spec.Name, spec.Network)
	}

	if spec.Stemcell.Name == "" {
		probs.add("resource pool %s names no stemcell", spec.Name)
	} else {
		sc, found, err := r.FindStemcell(ctx, spec.Stemcell.Name, spec.Stemcell.Version)
		if err != nil || !found {
			probs.add("stemcell %s/%s is not uploaded", spec.Stemcell.Name, spec.Stemcell.Version)
		} else {
			pool.Stemcell = sc
		}
	}
	return pool
}

func (p *Plan) resolveJob(jm JobManifest, probs *problems) *Job {
	j := &Job{
		Name:            jm.Name,
		PersistentDisk:  jm.PersistentDisk,
		Update:          p.Update.merged(jm.Update),
		releasePackages: p.Release.Packages,
	}

	if t, ok := p.Release.Templates[jm.Template]; ok {
		j.Template = t
		for _, pkgName := range t.Packages {
			if _, ok := p.Release.Packages[pkgName]; !ok {
				probs.add("job %s template %s needs package %s, which release %s/%s does not have",
					jm.Name, jm.Template, pkgName, p.Release.Name, p.Release.Version)
			}
		}
	} else {
		probs.add("job %s references unknown template %q", jm.Name, jm.Template)
	}

	if pool, ok := p.Pools[jm.ResourcePool]; ok {
		j.Pool = pool
	} else {
		probs.add("job %s references unknown resource pool %q", jm.Name, jm.ResourcePool)
	}

	switch len(jm.Networks) {
	case 0:
		probs.add("job %s is attached to no network", jm.Name)
	case 1:
		binding := jm.Networks[0]
		if n, ok := p.Networks[binding.Name]; ok {
			j.Network = n
		} else {
			probs.add("job %s references unknown network %q", jm.Name, binding.Name)
		}
		j.StaticIPs = binding.StaticIPs
		if len(j.StaticIPs) > 0 && len(j.StaticIPs) < jm.Instances {
			probs.add("job %s declares %d static ips for %d instances",
				jm.Name, len(j.StaticIPs), jm.Instances)
		}
	default:
		probs.add("job %s attaches more than one network, which is not supported", jm.Name)
	}

	for i := 0; i < jm.Instances; i++ {
		j.Instances = append(j.Instances, &InstancePlan{Job: j, Index: i, Change: ChangeNew})
	}
	return j
}

// validateStaticIPs checks that every declared static IP lies in a static
// range of its network and is used by at most one instance.
func (p *Plan) validateStaticIPs(probs *problems) {
	used := make(map[string]string) // ip -> job
	for _, j := range p.Jobs {
		if j.Network == nil {
			continue
		}
		for _, ip := range j.StaticIPs {
			if holder, dup := used[ip]; dup {
				probs.add("static ip %s is used by both %s and %s", ip, holder, j.Name)
				continue
			}
			used[ip] = j.Name

			if j.Network.Type == NetworkVIP {
				continue // vip addresses are external, nothing to range-check
			}
			addr, err := netip.ParseAddr(ip)
			if err != nil {
				probs.add("job %s static ip %q is not an address", j.Name, ip)
				continue
			}
			if !j.Network.HasStatic(addr) {
				probs.add("job %s static ip %s is outside the static ranges of network %s",
					j.Name, ip, j.Network.Name)
			}
		}
	}
}

// validatePoolCapacity checks size >= sum of instances of the jobs on each
// pool.
func (p *Plan) validatePoolCapacity(probs *problems) {
	demand := make(map[string]int)
	for _, j := range p.Jobs {
		if j.Pool != nil {
			demand[j.Pool.Name] += len(j.Instances)
		}
	}
	for name, want := range demand {
		if pool := p.Pools[name]; pool.Size < want {
			probs.add("resource pool %s has size %d but jobs need %d instances",
				name, pool.Size, want)
		}
	}
}

// InstancePlans flattens all jobs' instances in manifest order.
func (p *Plan) InstancePlans() []*InstancePlan {
	return lo.FlatMap(p.Jobs, func(j *Job, _ int) []*InstancePlan {
		return j.Instances
	})
}

// RequiredPackages is the set of packages any job template needs, the
// compiler's work list.
func (p *Plan) RequiredPackages() []*types.Package {
	var out []*types.Package
	seen := make(map[string]bool)
	for _, j := range p.Jobs {
		if j.Template == nil {
			continue
		}
		for _, name := range j.Template.Packages {
			pkg, ok := p.Release.Packages[name]
			if !ok || seen[name] {
				continue
			}
			seen[name] = true
			out = append(out, pkg)
		}
	}
	return out
}

// TargetSpec builds the desired apply spec for an instance. packages carries
// the compiled artifacts for the job's packages; the binder passes nil when
// it only needs the spec for change comparison.
func (in *InstancePlan) TargetSpec(deployment string, packages map[string]types.PackageSpec) *types.ApplySpec {
	j := in.Job
	spec := &types.ApplySpec{
		Deployment: deployment,
		Index:      in.Index,
		Networks: map[string]types.NetworkSpec{
			j.Network.Name: j.Network.SpecFor(in.IP),
		},
		ResourcePool:   j.Pool.Name,
		Stemcell:       j.Pool.StemcellKey(),
		PersistentDisk: j.PersistentDisk,
		Packages:       packages,
	}
	if j.Template != nil {
		spec.Job = types.JobSpec{
			Name:        j.Template.Name,
			Version:     j.Template.Version,
			SHA1:        j.Template.SHA1,
			BlobstoreID: j.Template.BlobstoreID,
		}
	}
	return spec
}
