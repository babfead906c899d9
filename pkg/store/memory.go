package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/types"
)

// MemoryStore is an in-process Store with the same semantics as SQLStore.
// It backs unit tests and single-process development setups; it provides no
// cross-process lock safety.
type MemoryStore struct {
	mu sync.RWMutex

	nextID int64

	users            map[string]*types.User
	tasks            map[int64]*types.Task
	releases         map[int64]*types.Release
	releaseVersions  map[int64]*types.ReleaseVersion
	packages         map[int64]*types.Package
	templates        map[int64]*types.Template
	compiledPackages map[int64]*types.CompiledPackage
	stemcells        map[int64]*types.Stemcell
	deployments      map[int64]*types.Deployment
	vms              map[int64]*types.VM
	instances        map[int64]*types.Instance
	disks            map[int64]*types.Disk
	ips              map[int64]*types.IPReservation
	locks            map[string]*types.Lock

	deploymentReleaseVersions map[int64]int64           // deployment -> release version
	deploymentStemcells       map[int64]map[int64]bool  // deployment -> stemcell set
}

// NewMemory builds an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{
		users:                     map[string]*types.User{},
		tasks:                     map[int64]*types.Task{},
		releases:                  map[int64]*types.Release{},
		releaseVersions:           map[int64]*types.ReleaseVersion{},
		packages:                  map[int64]*types.Package{},
		templates:                 map[int64]*types.Template{},
		compiledPackages:          map[int64]*types.CompiledPackage{},
		stemcells:                 map[int64]*types.Stemcell{},
		deployments:               map[int64]*types.Deployment{},
		vms:                       map[int64]*types.VM{},
		instances:                 map[int64]*types.Instance{},
		disks:                     map[int64]*types.Disk{},
		ips:                       map[int64]*types.IPReservation{},
		locks:                     map[string]*types.Lock{},
		deploymentReleaseVersions: map[int64]int64{},
		deploymentStemcells:       map[int64]map[int64]bool{},
	}
}

func (s *MemoryStore) id() int64 {
	s.nextID++
	return s.nextID
}

func (s *MemoryStore) Ping(ctx context.Context) error { return nil }
func (s *MemoryStore) Close() error                   { return nil }

// ---- users ----

func (s *MemoryStore) CreateUser(ctx context.Context, u *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Username]; ok {
		return direrrors.ValidationFailed(fmt.Sprintf("user %q already exists", u.Username))
	}
	cp := *u
	s.users[u.Username] = &cp
	return nil
}

func (s *MemoryStore) UpdateUser(ctx context.Context, u *types.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.Username]; !ok {
		return direrrors.NotFound("user", u.Username)
	}
	cp := *u
	s.users[u.Username] = &cp
	return nil
}

func (s *MemoryStore) DeleteUser(ctx context.Context, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[username]; !ok {
		return direrrors.NotFound("user", username)
	}
	delete(s.users, username)
	return nil
}

func (s *MemoryStore) GetUser(ctx context.Context, username string) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[username]
	if !ok {
		return nil, direrrors.NotFound("user", username)
	}
	cp := *u
	return &cp, nil
}

// ---- tasks ----

func (s *MemoryStore) CreateTask(ctx context.Context, t *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.State == "" {
		t.State = types.TaskQueued
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	if len(t.Args) == 0 {
		t.Args = []byte("{}")
	}
	t.ID = s.id()
	cp := *t
	s.tasks[t.ID] = &cp
	return nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, direrrors.NotFound("task", fmt.Sprintf("%d", id))
	}
	cp := *t
	return &cp, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, limit int, states []types.TaskState) ([]*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tasks := []*types.Task{}
	for _, t := range s.tasks {
		if len(states) > 0 && !lo.Contains(states, t.State) {
			continue
		}
		cp := *t
		tasks = append(tasks, &cp)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID > tasks[j].ID })
	if limit > 0 && len(tasks) > limit {
		tasks = tasks[:limit]
	}
	return tasks, nil
}

func (s *MemoryStore) ClaimTask(ctx context.Context, id int64) (bool, types.TaskState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, "", direrrors.NotFound("task", fmt.Sprintf("%d", id))
	}
	if t.State != types.TaskQueued {
		return false, t.State, nil
	}
	t.State = types.TaskProcessing
	return true, types.TaskProcessing, nil
}

func (s *MemoryStore) FinishTask(ctx context.Context, id int64, state types.TaskState, result string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return direrrors.NotFound("task", fmt.Sprintf("%d", id))
	}
	t.State = state
	t.Result = result
	return nil
}

func (s *MemoryStore) RequestTaskCancel(ctx context.Context, id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, direrrors.NotFound("task", fmt.Sprintf("%d", id))
	}
	if t.State != types.TaskQueued && t.State != types.TaskProcessing {
		return false, nil
	}
	t.State = types.TaskCancelling
	return true, nil
}

func (s *MemoryStore) TaskCancelRequested(ctx context.Context, id int64) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return false, direrrors.NotFound("task", fmt.Sprintf("%d", id))
	}
	return t.State == types.TaskCancelling, nil
}

// ---- releases ----

func (s *MemoryStore) CreateRelease(ctx context.Context, name string) (*types.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.releases {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	r := &types.Release{ID: s.id(), Name: name}
	s.releases[r.ID] = r
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) GetRelease(ctx context.Context, name string) (*types.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.releases {
		if r.Name == name {
			cp := *r
			return &cp, nil
		}
	}
	return nil, direrrors.NotFound("release", name)
}

func (s *MemoryStore) ListReleases(ctx context.Context) ([]*types.Release, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	releases := lo.Map(lo.Values(s.releases), func(r *types.Release, _ int) *types.Release {
		cp := *r
		return &cp
	})
	sort.Slice(releases, func(i, j int) bool { return releases[i].Name < releases[j].Name })
	return releases, nil
}

func (s *MemoryStore) DeleteRelease(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.releases, id)
	for rvID, rv := range s.releaseVersions {
		if rv.ReleaseID != id {
			continue
		}
		for pkgID, p := range s.packages {
			if p.ReleaseVersionID == rvID {
				for cpID, cp := range s.compiledPackages {
					if cp.PackageID == pkgID {
						delete(s.compiledPackages, cpID)
					}
				}
				delete(s.packages, pkgID)
			}
		}
		for tplID, t := range s.templates {
			if t.ReleaseVersionID == rvID {
				delete(s.templates, tplID)
			}
		}
		delete(s.releaseVersions, rvID)
	}
	return nil
}

func (s *MemoryStore) ReleaseDeployments(ctx context.Context, releaseName string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := []string{}
	for depID, rvID := range s.deploymentReleaseVersions {
		rv, ok := s.releaseVersions[rvID]
		if !ok {
			continue
		}
		r, ok := s.releases[rv.ReleaseID]
		if !ok || r.Name != releaseName {
			continue
		}
		if d, ok := s.deployments[depID]; ok {
			names = append(names, d.Name)
		}
	}
	sort.Strings(names)
	return lo.Uniq(names), nil
}

func (s *MemoryStore) CreateReleaseVersion(ctx context.Context, releaseID int64, version string) (*types.ReleaseVersion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rv := range s.releaseVersions {
		if rv.ReleaseID == releaseID && rv.Version == version {
			return nil, direrrors.ValidationFailed(fmt.Sprintf("release version %q already exists", version))
		}
	}
	rv := &types.ReleaseVersion{ID: s.id(), ReleaseID: releaseID, Version: version}
	s.releaseVersions[rv.ID] = rv
	cp := *rv
	return &cp, nil
}

func (s *MemoryStore) FindReleaseVersion(ctx context.Context, releaseName, version string) (*types.ReleaseVersion, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rv := range s.releaseVersions {
		r, ok := s.releases[rv.ReleaseID]
		if ok && r.Name == releaseName && rv.Version == version {
			cp := *rv
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) ReleaseVersions(ctx context.Context, releaseID int64) ([]*types.ReleaseVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	versions := []*types.ReleaseVersion{}
	for _, rv := range s.releaseVersions {
		if rv.ReleaseID == releaseID {
			cp := *rv
			versions = append(versions, &cp)
		}
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i].ID < versions[j].ID })
	return versions, nil
}

func (s *MemoryStore) CreatePackage(ctx context.Context, p *types.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.packages {
		if existing.ReleaseVersionID == p.ReleaseVersionID && existing.Name == p.Name {
			return direrrors.ValidationFailed(fmt.Sprintf("package %q already exists in release version", p.Name))
		}
	}
	p.ID = s.id()
	cp := *p
	cp.Dependencies = append([]string(nil), p.Dependencies...)
	s.packages[p.ID] = &cp
	return nil
}

func (s *MemoryStore) PackagesByReleaseVersion(ctx context.Context, releaseVersionID int64) ([]*types.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	packages := []*types.Package{}
	for _, p := range s.packages {
		if p.ReleaseVersionID == releaseVersionID {
			cp := *p
			cp.Dependencies = append([]string(nil), p.Dependencies...)
			packages = append(packages, &cp)
		}
	}
	sort.Slice(packages, func(i, j int) bool { return packages[i].Name < packages[j].Name })
	return packages, nil
}

func (s *MemoryStore) CreateTemplate(ctx context.Context, t *types.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.templates {
		if existing.ReleaseVersionID == t.ReleaseVersionID && existing.Name == t.Name {
			return direrrors.ValidationFailed(fmt.Sprintf("template %q already exists in release version", t.Name))
		}
	}
	t.ID = s.id()
	cp := *t
	cp.Packages = append([]string(nil), t.Packages...)
	s.templates[t.ID] = &cp
	return nil
}

func (s *MemoryStore) TemplatesByReleaseVersion(ctx context.Context, releaseVersionID int64) ([]*types.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	templates := []*types.Template{}
	for _, t := range s.templates {
		if t.ReleaseVersionID == releaseVersionID {
			cp := *t
			cp.Packages = append([]string(nil), t.Packages...)
			templates = append(templates, &cp)
		}
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}

func (s *MemoryStore) CreateCompiledPackage(ctx context.Context, cp *types.CompiledPackage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.compiledPackages {
		if existing.PackageID == cp.PackageID && existing.StemcellID == cp.StemcellID &&
			existing.DependencyKey == cp.DependencyKey {
			return direrrors.ValidationFailed("compiled package already exists")
		}
	}
	cp.ID = s.id()
	c := *cp
	s.compiledPackages[cp.ID] = &c
	return nil
}

func (s *MemoryStore) FindCompiledPackage(ctx context.Context, packageID, stemcellID int64, dependencyKey string) (*types.CompiledPackage, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, cp := range s.compiledPackages {
		if cp.PackageID == packageID && cp.StemcellID == stemcellID && cp.DependencyKey == dependencyKey {
			c := *cp
			return &c, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) CompiledPackagesByRelease(ctx context.Context, releaseID int64) ([]*types.CompiledPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := []*types.CompiledPackage{}
	for _, cp := range s.compiledPackages {
		p, ok := s.packages[cp.PackageID]
		if !ok {
			continue
		}
		rv, ok := s.releaseVersions[p.ReleaseVersionID]
		if !ok || rv.ReleaseID != releaseID {
			continue
		}
		c := *cp
		cps = append(cps, &c)
	}
	return cps, nil
}

func (s *MemoryStore) CompiledPackagesByStemcell(ctx context.Context, stemcellID int64) ([]*types.CompiledPackage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := []*types.CompiledPackage{}
	for _, cp := range s.compiledPackages {
		if cp.StemcellID == stemcellID {
			c := *cp
			cps = append(cps, &c)
		}
	}
	return cps, nil
}

// ---- stemcells ----

func (s *MemoryStore) CreateStemcell(ctx context.Context, sc *types.Stemcell) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.stemcells {
		if existing.Name == sc.Name && existing.Version == sc.Version {
			return direrrors.ValidationFailed(fmt.Sprintf("stemcell %s/%s already exists", sc.Name, sc.Version))
		}
	}
	sc.ID = s.id()
	cp := *sc
	s.stemcells[sc.ID] = &cp
	return nil
}

func (s *MemoryStore) GetStemcell(ctx context.Context, name, version string) (*types.Stemcell, error) {
	sc, found, err := s.FindStemcell(ctx, name, version)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, direrrors.NotFound("stemcell", fmt.Sprintf("%s/%s", name, version))
	}
	return sc, nil
}

func (s *MemoryStore) FindStemcell(ctx context.Context, name, version string) (*types.Stemcell, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sc := range s.stemcells {
		if sc.Name == name && sc.Version == version {
			cp := *sc
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *MemoryStore) ListStemcells(ctx context.Context) ([]*types.Stemcell, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stemcells := lo.Map(lo.Values(s.stemcells), func(sc *types.Stemcell, _ int) *types.Stemcell {
		cp := *sc
		return &cp
	})
	sort.Slice(stemcells, func(i, j int) bool {
		if stemcells[i].Name != stemcells[j].Name {
			return stemcells[i].Name < stemcells[j].Name
		}
		return stemcells[i].Version < stemcells[j].Version
	})
	return stemcells, nil
}

func (s *MemoryStore) DeleteStemcell(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stemcells, id)
	for cpID, cp := range s.compiledPackages {
		if cp.StemcellID == id {
			delete(s.compiledPackages, cpID)
		}
	}
	return nil
}

func (s *MemoryStore) StemcellDeployments(ctx context.Context, name, version string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := []string{}
	for depID, set := range s.deploymentStemcells {
		for scID := range set {
			sc, ok := s.stemcells[scID]
			if !ok || sc.Name != name || sc.Version != version {
				continue
			}
			if d, ok := s.deployments[depID]; ok {
				names = append(names, d.Name)
			}
		}
	}
	sort.Strings(names)
	return lo.Uniq(names), nil
}

// ---- deployments ----

func (s *MemoryStore) SaveDeployment(ctx context.Context, name, manifest string) (*types.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range s.deployments {
		if d.Name == name {
			d.Manifest = manifest
			cp := *d
			return &cp, nil
		}
	}
	d := &types.Deployment{ID: s.id(), Name: name, Manifest: manifest}
	s.deployments[d.ID] = d
	cp := *d
	return &cp, nil
}

func (s *MemoryStore) GetDeployment(ctx context.Context, name string) (*types.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, d := range s.deployments {
		if d.Name == name {
			cp := *d
			return &cp, nil
		}
	}
	return nil, direrrors.NotFound("deployment", name)
}

func (s *MemoryStore) ListDeployments(ctx context.Context) ([]*types.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	deployments := lo.Map(lo.Values(s.deployments), func(d *types.Deployment, _ int) *types.Deployment {
		cp := *d
		return &cp
	})
	sort.Slice(deployments, func(i, j int) bool { return deployments[i].Name < deployments[j].Name })
	return deployments, nil
}

func (s *MemoryStore) DeleteDeployment(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var vms, instances int
	for _, vm := range s.vms {
		if vm.DeploymentID == id {
			vms++
		}
	}
	for _, in := range s.instances {
		if in.DeploymentID == id {
			instances++
		}
	}
	if vms > 0 || instances > 0 {
		return direrrors.DeploymentInUse(fmt.Sprintf("%d", id),
			fmt.Sprintf("%d vms, %d instances still present", vms, instances))
	}
	delete(s.deployments, id)
	delete(s.deploymentReleaseVersions, id)
	delete(s.deploymentStemcells, id)
	return nil
}

func (s *MemoryStore) SetDeploymentReleaseVersion(ctx context.Context, deploymentID, releaseVersionID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deploymentReleaseVersions[deploymentID] = releaseVersionID
	return nil
}

func (s *MemoryStore) SetDeploymentStemcells(ctx context.Context, deploymentID int64, stemcellIDs []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := map[int64]bool{}
	for _, id := range stemcellIDs {
		set[id] = true
	}
	s.deploymentStemcells[deploymentID] = set
	return nil
}

// ---- vms ----

func (s *MemoryStore) CreateVM(ctx context.Context, vm *types.VM) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.vms {
		if existing.AgentID == vm.AgentID {
			return direrrors.ValidationFailed(fmt.Sprintf("agent id %q already registered", vm.AgentID))
		}
	}
	vm.ID = s.id()
	cp := *vm
	s.vms[vm.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteVM(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.vms, id)
	for _, in := range s.instances {
		if in.VMID != nil && *in.VMID == id {
			in.VMID = nil
		}
	}
	return nil
}

func (s *MemoryStore) SetVMIP(ctx context.Context, id int64, ip string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	vm, ok := s.vms[id]
	if !ok {
		return direrrors.NotFound("vm", fmt.Sprintf("%d", id))
	}
	vm.IP = ip
	return nil
}

func (s *MemoryStore) VMsByDeployment(ctx context.Context, deploymentID int64) ([]*types.VM, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	vms := []*types.VM{}
	for _, vm := range s.vms {
		if vm.DeploymentID == deploymentID {
			cp := *vm
			vms = append(vms, &cp)
		}
	}
	sort.Slice(vms, func(i, j int) bool { return vms[i].ID < vms[j].ID })
	return vms, nil
}

// ---- instances ----

func (s *MemoryStore) CreateInstance(ctx context.Context, in *types.Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.instances {
		if existing.DeploymentID == in.DeploymentID && existing.Job == in.Job && existing.Index == in.Index {
			return direrrors.ValidationFailed(
				fmt.Sprintf("instance %s/%d already exists in deployment", in.Job, in.Index))
		}
	}
	if len(in.State) == 0 {
		in.State = []byte("{}")
	}
	in.ID = s.id()
	cp := *in
	cp.State = append([]byte(nil), in.State...)
	s.instances[in.ID] = &cp
	return nil
}

func (s *MemoryStore) DeleteInstance(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	for diskID, d := range s.disks {
		if d.InstanceID == id {
			delete(s.disks, diskID)
		}
	}
	for ipID, r := range s.ips {
		if r.InstanceID == id {
			delete(s.ips, ipID)
		}
	}
	return nil
}

func (s *MemoryStore) InstancesByDeployment(ctx context.Context, deploymentID int64) ([]*types.Instance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	instances := []*types.Instance{}
	for _, in := range s.instances {
		if in.DeploymentID == deploymentID {
			cp := *in
			cp.State = append([]byte(nil), in.State...)
			instances = append(instances, &cp)
		}
	}
	sort.Slice(instances, func(i, j int) bool {
		if instances[i].Job != instances[j].Job {
			return instances[i].Job < instances[j].Job
		}
		return instances[i].Index < instances[j].Index
	})
	return instances, nil
}

func (s *MemoryStore) BindInstanceVM(ctx context.Context, instanceID int64, vmID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[instanceID]
	if !ok {
		return direrrors.NotFound("instance", fmt.Sprintf("%d", instanceID))
	}
	in.VMID = vmID
	return nil
}

func (s *MemoryStore) UpdateInstanceState(ctx context.Context, instanceID int64, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	in, ok := s.instances[instanceID]
	if !ok {
		return direrrors.NotFound("instance", fmt.Sprintf("%d", instanceID))
	}
	if len(state) == 0 {
		state = []byte("{}")
	}
	in.State = append([]byte(nil), state...)
	return nil
}

// ---- disks ----

func (s *MemoryStore) CreateDisk(ctx context.Context, d *types.Disk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d.ID = s.id()
	cp := *d
	s.disks[d.ID] = &cp
	return nil
}

func (s *MemoryStore) DisksByInstance(ctx context.Context, instanceID int64) ([]*types.Disk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	disks := []*types.Disk{}
	for _, d := range s.disks {
		if d.InstanceID == instanceID {
			cp := *d
			disks = append(disks, &cp)
		}
	}
	sort.Slice(disks, func(i, j int) bool { return disks[i].ID < disks[j].ID })
	return disks, nil
}

func (s *MemoryStore) SetDiskActive(ctx context.Context, diskID int64, active bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.disks[diskID]
	if !ok {
		return direrrors.NotFound("disk", fmt.Sprintf("%d", diskID))
	}
	d.Active = active
	return nil
}

func (s *MemoryStore) DeleteDisk(ctx context.Context, diskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.disks, diskID)
	return nil
}

// ---- ip reservations ----

func (s *MemoryStore) ReserveIP(ctx context.Context, r *types.IPReservation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.ips {
		if existing.DeploymentID == r.DeploymentID && existing.Network == r.Network &&
			existing.Address == r.Address {
			return direrrors.ValidationFailed(
				fmt.Sprintf("address %s on network %s is already reserved", r.Address, r.Network))
		}
	}
	r.ID = s.id()
	cp := *r
	s.ips[r.ID] = &cp
	return nil
}

func (s *MemoryStore) ReleaseInstanceIPs(ctx context.Context, instanceID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.ips {
		if r.InstanceID == instanceID {
			delete(s.ips, id)
		}
	}
	return nil
}

func (s *MemoryStore) IPsByDeployment(ctx context.Context, deploymentID int64) ([]*types.IPReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ips := []*types.IPReservation{}
	for _, r := range s.ips {
		if r.DeploymentID == deploymentID {
			cp := *r
			ips = append(ips, &cp)
		}
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i].ID < ips[j].ID })
	return ips, nil
}

func (s *MemoryStore) IPsByNetwork(ctx context.Context, network string) ([]*types.IPReservation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ips := []*types.IPReservation{}
	for _, r := range s.ips {
		if r.Network == network {
			cp := *r
			ips = append(ips, &cp)
		}
	}
	sort.Slice(ips, func(i, j int) bool { return ips[i].ID < ips[j].ID })
	return ips, nil
}

// ---- locks ----

func (s *MemoryStore) TryAcquireLock(ctx context.Context, name, uid string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	l, ok := s.locks[name]
	if ok && l.ExpiresAt.After(now) {
		return false, nil
	}
	s.locks[name] = &types.Lock{Name: name, UID: uid, ExpiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLock(ctx context.Context, name, uid string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	l, ok := s.locks[name]
	if !ok || l.UID != uid || l.ExpiresAt.Before(now) {
		return false, nil
	}
	l.ExpiresAt = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) ReleaseLock(ctx context.Context, name, uid string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok || l.UID != uid {
		return false, nil
	}
	delete(s.locks, name)
	return true, nil
}

// ---- ops ----

func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := &Stats{
		TasksByState: map[types.TaskState]int64{},
		Deployments:  int64(len(s.deployments)),
		Releases:     int64(len(s.releases)),
		Stemcells:    int64(len(s.stemcells)),
		VMs:          int64(len(s.vms)),
		Instances:    int64(len(s.instances)),
	}
	for _, t := range s.tasks {
		stats.TasksByState[t.State]++
	}
	return stats, nil
}
