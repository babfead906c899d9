package compiler

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"sort"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/meridianhq/drydock/pkg/agent"
	"github.com/meridianhq/drydock/pkg/cloud"
	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/lock"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/metrics"
	"github.com/meridianhq/drydock/pkg/plan"
	"github.com/meridianhq/drydock/pkg/pool"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/task"
	"github.com/meridianhq/drydock/pkg/types"
)

// Compiler builds the compiled packages a bound plan needs. Work is
// organized as a DAG over (package, stemcell) pairs and driven by a bounded
// worker pool; compiled artifacts are cached in the registry keyed by the
// package's transitive dependency fingerprint, so re-running on identical
// inputs performs zero work.
type Compiler struct {
	store       store.Store
	locks       *lock.Manager
	cloud       cloud.Provider
	agents      *agent.Client
	pingRetries int
	logger      zerolog.Logger
}

func New(s store.Store, locks *lock.Manager, c cloud.Provider, agents *agent.Client, pingRetries int) *Compiler {
	return &Compiler{
		store:       s,
		locks:       locks,
		cloud:       c,
		agents:      agents,
		pingRetries: pingRetries,
		logger:      log.WithComponent("compiler"),
	}
}

// unit is one (package, stemcell) compile.
type unit struct {
	pkg        *types.Package
	stemcell   *types.Stemcell
	depKey     string
	deps       []*unit
	dependents []*unit
	remaining  int
	result     *types.CompiledPackage
}

func (u *unit) stemcellKey() string {
	return u.stemcell.Name + "/" + u.stemcell.Version
}

// Compile ensures every required (package, stemcell) pair has a compiled
// artifact, creating compilation VMs as needed, and returns the full set.
func (c *Compiler) Compile(ctx context.Context, p *plan.Plan, events *task.EventLog) (*Result, error) {
	units := buildUnits(p)
	result := &Result{plan: p, artifacts: make(map[string]*types.CompiledPackage)}
	if len(units) == 0 {
		return result, nil
	}

	stage := events.Stage("Compiling packages", len(units))
	workers := pool.New(ctx, p.Compilation.Workers)
	vms, err := newVMPool(ctx, c.store, c.cloud, c.agents, p.Compilation, c.pingRetries)
	if err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var schedule func(u *unit)
	schedule = func(u *unit) {
		workers.Go(func(ctx context.Context) error {
			err := stage.Run(u.pkg.Name+"/"+u.pkg.Version, func() error {
				cp, cerr := c.compileOne(ctx, u, vms)
				if cerr != nil {
					return cerr
				}
				u.result = cp
				return nil
			})
			if err != nil {
				if direrrors.IsCancelled(err) || direrrors.IsCode(err, direrrors.CodeLockBusy) {
					return err
				}
				return direrrors.CompilationFailed(u.pkg.Name, u.stemcellKey(), err)
			}

			mu.Lock()
			var ready []*unit
			for _, d := range u.dependents {
				d.remaining--
				if d.remaining == 0 {
					ready = append(ready, d)
				}
			}
			mu.Unlock()
			for _, d := range ready {
				schedule(d)
			}
			return nil
		})
	}

	for _, u := range units {
		if u.remaining == 0 {
			schedule(u)
		}
	}

	err = workers.Wait()
	vms.Drain(context.WithoutCancel(ctx))
	if err != nil {
		return nil, err
	}

	for _, u := range units {
		result.artifacts[unitKey(u.stemcellKey(), u.pkg.Name)] = u.result
	}
	return result, nil
}

// compileOne is the per-unit body: cache check, per-pair lock, re-check,
// compile on a pooled VM, persist.
func (c *Compiler) compileOne(ctx context.Context, u *unit, vms *vmPool) (*types.CompiledPackage, error) {
	if cp, ok, err := c.store.FindCompiledPackage(ctx, u.pkg.ID, u.stemcell.ID, u.depKey); err != nil {
		return nil, err
	} else if ok {
		metrics.CompilationCacheHits.Inc()
		return cp, nil
	}

	lk, err := c.locks.Acquire(ctx, lock.CompileLock(u.pkg.ID, u.stemcell.ID))
	if err != nil {
		return nil, err
	}
	defer lk.Release()
	lockCtx, cancel := lk.Guard(ctx)
	defer cancel()

	// another deployment may have compiled this pair while we waited
	if cp, ok, err := c.store.FindCompiledPackage(lockCtx, u.pkg.ID, u.stemcell.ID, u.depKey); err != nil {
		return nil, err
	} else if ok {
		metrics.CompilationCacheHits.Inc()
		return cp, nil
	}

	timer := prometheus.NewTimer(metrics.CompilationDuration)
	defer timer.ObserveDuration()

	vm, err := vms.Acquire(lockCtx, u.stemcell)
	if err != nil {
		return nil, err
	}
	defer vms.Release(u.stemcell, vm)

	deps := make(map[string]types.PackageSpec, len(u.deps))
	for _, d := range u.deps {
		deps[d.pkg.Name] = types.PackageSpec{
			Name:        d.pkg.Name,
			Version:     d.pkg.Version,
			SHA1:        d.result.SHA1,
			BlobstoreID: d.result.BlobstoreID,
		}
	}

	res, err := c.agents.CompilePackage(lockCtx, vm.agentID,
		u.pkg.BlobstoreID, u.pkg.SHA1, u.pkg.Name, u.pkg.Version, deps)
	if err != nil {
		return nil, err
	}

	cp := &types.CompiledPackage{
		PackageID:     u.pkg.ID,
		StemcellID:    u.stemcell.ID,
		SHA1:          res.SHA1,
		BlobstoreID:   res.BlobstoreID,
		DependencyKey: u.depKey,
	}
	if err := c.store.CreateCompiledPackage(ctx, cp); err != nil {
		return nil, err
	}
	metrics.CompilationsTotal.Inc()
	c.logger.Info().
		Str("package", u.pkg.Name+"/"+u.pkg.Version).
		Str("stemcell", u.stemcellKey()).
		Msg("compiled package")
	return cp, nil
}

// buildUnits derives the compile DAG from the plan: for every job, its
// template's packages plus their transitive dependencies on the job's
// stemcell.
func buildUnits(p *plan.Plan) []*unit {
	byKey := make(map[string]*unit)
	var units []*unit

	for _, j := range p.Jobs {
		if j.Template == nil || j.Pool == nil || j.Pool.Stemcell == nil {
			continue
		}
		sc := j.Pool.Stemcell
		scKey := j.Pool.StemcellKey()
		for _, name := range packageClosure(j.Template.Packages, p.Release.Packages) {
			pkg := p.Release.Packages[name]
			key := unitKey(scKey, name)
			if _, ok := byKey[key]; ok {
				continue
			}
			u := &unit{pkg: pkg, stemcell: sc, depKey: dependencyKey(pkg, p.Release.Packages)}
			byKey[key] = u
			units = append(units, u)
		}
	}

	for _, u := range units {
		scKey := u.stemcellKey()
		for _, depName := range u.pkg.Dependencies {
			dep, ok := byKey[unitKey(scKey, depName)]
			if !ok {
				continue
			}
			u.deps = append(u.deps, dep)
			u.remaining++
			dep.dependents = append(dep.dependents, u)
		}
	}
	return units
}

// packageClosure expands package names to include all transitive
// dependencies, depth-first, deduplicated.
func packageClosure(names []string, packages map[string]*types.Package) []string {
	var out []string
	seen := make(map[string]bool)
	var visit func(name string)
	visit = func(name string) {
		if seen[name] {
			return
		}
		pkg, ok := packages[name]
		if !ok {
			return
		}
		seen[name] = true
		for _, dep := range pkg.Dependencies {
			visit(dep)
		}
		out = append(out, name)
	}
	for _, name := range names {
		visit(name)
	}
	return out
}

// dependencyKey fingerprints a package's transitive compile dependencies:
// sha1 over the sorted (name, version, fingerprint) identities. A package
// whose dependency set changed compiles to a different artifact even when
// its own sources did not.
func dependencyKey(pkg *types.Package, packages map[string]*types.Package) string {
	var ids []string
	for _, name := range packageClosure(pkg.Dependencies, packages) {
		dep := packages[name]
		ids = append(ids, dep.Name+"/"+dep.Version+"/"+dep.Fingerprint)
	}
	sort.Strings(ids)
	sum := sha1.Sum([]byte(strings.Join(ids, ",")))
	return hex.EncodeToString(sum[:])
}

func unitKey(stemcellKey, pkg string) string {
	return stemcellKey + "\x00" + pkg
}

// Result is the compiled artifact set for one plan, indexed by stemcell and
// package name.
type Result struct {
	plan      *plan.Plan
	artifacts map[string]*types.CompiledPackage
}

// For looks up the artifact for one (stemcell, package) pair.
func (r *Result) For(stemcellKey, pkg string) (*types.CompiledPackage, bool) {
	cp, ok := r.artifacts[unitKey(stemcellKey, pkg)]
	return cp, ok
}

// SpecsFor builds the apply-spec package block for a job: its template's
// packages plus their transitive dependencies, as compiled for the job's
// stemcell.
func (r *Result) SpecsFor(j *plan.Job) map[string]types.PackageSpec {
	specs := make(map[string]types.PackageSpec)
	if j.Template == nil || j.Pool == nil {
		return specs
	}
	scKey := j.Pool.StemcellKey()
	for _, name := range packageClosure(j.Template.Packages, r.plan.Release.Packages) {
		pkg := r.plan.Release.Packages[name]
		cp, ok := r.For(scKey, name)
		if !ok {
			continue
		}
		specs[name] = types.PackageSpec{
			Name:        pkg.Name,
			Version:     pkg.Version,
			SHA1:        cp.SHA1,
			BlobstoreID: cp.BlobstoreID,
		}
	}
	return specs
}
