package deployer

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/drydock/pkg/agent"
	"github.com/meridianhq/drydock/pkg/bus"
	"github.com/meridianhq/drydock/pkg/cloud/dummy"
	"github.com/meridianhq/drydock/pkg/compiler"
	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/lock"
	"github.com/meridianhq/drydock/pkg/plan"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/task"
	"github.com/meridianhq/drydock/pkg/types"
)

// webManifest renders the test deployment: one job on a pool of four, with
// millisecond watch times so updates settle fast.
func webManifest(instances, diskMB int, stemcellVersion string) string {
	ips := strings.Join([]string{"10.0.0.10", "10.0.0.11", "10.0.0.12"}[:instances], ", ")
	return fmt.Sprintf(`
name: prod
release:
  name: redis
  version: "1"
compilation:
  workers: 1
  network: default
update:
  canaries: 1
  max_in_flight: 2
  canary_watch_time: 10
  update_watch_time: 10
networks:
  - name: default
    subnets:
      - range: 10.0.0.0/24
        gateway: 10.0.0.1
        static: [10.0.0.10 - 10.0.0.20]
resource_pools:
  - name: small
    size: 4
    network: default
    stemcell:
      name: ubuntu-stemcell
      version: %q
jobs:
  - name: web
    template: web
    instances: %d
    resource_pool: small
    persistent_disk: %d
    networks:
      - name: default
        static_ips: [%s]
`, stemcellVersion, instances, diskMB, ips)
}

type fixture struct {
	s      *store.MemoryStore
	cloud  *dummy.Provider
	agents *agent.Client
	binder *plan.Binder
	comp   *compiler.Compiler
	d      *Deployer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()

	rel, err := s.CreateRelease(ctx, "redis")
	require.NoError(t, err)
	rv, err := s.CreateReleaseVersion(ctx, rel.ID, "1")
	require.NoError(t, err)
	require.NoError(t, s.CreatePackage(ctx, &types.Package{
		ReleaseVersionID: rv.ID, Name: "redis-server", Version: "3", Fingerprint: "fp-redis",
		SHA1: "sha-redis", BlobstoreID: "blob-redis",
	}))
	require.NoError(t, s.CreateTemplate(ctx, &types.Template{
		ReleaseVersionID: rv.ID, Name: "web", Version: "2", Fingerprint: "fp-web",
		SHA1: "sha-web", BlobstoreID: "blob-web", Packages: []string{"redis-server"},
	}))

	b := bus.NewMemory()
	t.Cleanup(b.Close)
	cloud, err := dummy.NewProvider(t.TempDir(), b)
	require.NoError(t, err)
	t.Cleanup(func() { cloud.Close() })

	f := &fixture{
		s:      s,
		cloud:  cloud,
		binder: plan.NewBinder(s),
	}
	f.addStemcell(t, "0.1")

	f.agents = agent.NewClient(b, "test-director", agent.Options{
		ReplyTimeout: time.Second,
		TaskPollMax:  10 * time.Millisecond,
	})
	locks := lock.NewManager(s, time.Second, 5*time.Second)
	f.comp = compiler.New(s, locks, cloud, f.agents, 3)
	f.d = New(s, cloud, f.agents, Options{
		PingRetries: 5,
		WatchGrace:  500 * time.Millisecond,
		WatchPoll:   10 * time.Millisecond,
	})
	return f
}

func (f *fixture) addStemcell(t *testing.T, version string) {
	t.Helper()
	ctx := context.Background()
	cid, err := f.cloud.CreateStemcell(ctx, "image", nil)
	require.NoError(t, err)
	require.NoError(t, f.s.CreateStemcell(ctx, &types.Stemcell{
		Name: "ubuntu-stemcell", Version: version, CID: cid,
	}))
}

func (f *fixture) bind(t *testing.T, manifest string) *plan.BoundPlan {
	t.Helper()
	m, err := plan.ParseManifest([]byte(manifest))
	require.NoError(t, err)
	p, err := plan.New(context.Background(), f.s, m, manifest)
	require.NoError(t, err)
	bp, err := f.binder.Bind(context.Background(), p)
	require.NoError(t, err)
	return bp
}

// deploy runs the full pipeline: bind, compile, deploy. The event log is
// returned for stage assertions.
func (f *fixture) deploy(t *testing.T, manifest string) (*plan.BoundPlan, *bytes.Buffer) {
	t.Helper()
	ctx := context.Background()
	bp := f.bind(t, manifest)

	var buf bytes.Buffer
	events := task.NewEventLog(&buf)
	compiled, err := f.comp.Compile(ctx, bp.Plan, events)
	require.NoError(t, err)
	require.NoError(t, f.d.Deploy(ctx, bp, compiled, events))
	return bp, &buf
}

func TestDeployFreshDeployment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bp, events := f.deploy(t, webManifest(3, 0, "0.1"))

	instances, err := f.s.InstancesByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	require.Len(t, instances, 3)
	for _, in := range instances {
		require.NotNil(t, in.VMID, "instance %s/%d has no vm", in.Job, in.Index)
		assert.Contains(t, string(in.State), `"prod"`)
	}

	reservations, err := f.s.IPsByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	held := make(map[string]bool)
	for _, r := range reservations {
		held[r.Address] = true
	}
	for _, ip := range []string{"10.0.0.10", "10.0.0.11", "10.0.0.12"} {
		assert.True(t, held[ip], "address %s not reserved", ip)
	}

	// pool size 4 with 3 instances leaves one idle VM after shrink
	vms, err := f.s.VMsByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	assert.Len(t, vms, 4)

	log := events.String()
	assert.Contains(t, log, "Updating resource pools")
	assert.Contains(t, log, "web/0 (canary)")
	assert.Contains(t, log, "Updating job web")
}

func TestRedeployIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bp, _ := f.deploy(t, webManifest(3, 0, "0.1"))
	before, err := f.s.VMsByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)

	bp2, _ := f.deploy(t, webManifest(3, 0, "0.1"))
	assert.Empty(t, bp2.ChangedInstances())

	after, err := f.s.VMsByDeployment(ctx, bp2.Deployment.ID)
	require.NoError(t, err)
	require.Len(t, after, len(before))
	for i := range before {
		assert.Equal(t, before[i].CID, after[i].CID)
	}
}

func TestDiskResizeMigratesWithoutRecreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bp, _ := f.deploy(t, webManifest(1, 1024, "0.1"))
	instances, err := f.s.InstancesByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	vmID := *instances[0].VMID
	disks, err := f.s.DisksByInstance(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	oldCID := disks[0].CID

	bp2 := f.bind(t, webManifest(1, 2048, "0.1"))
	require.Len(t, bp2.ChangedInstances(), 1)
	assert.Equal(t, plan.ChangeRestart, bp2.ChangedInstances()[0].Change)

	_, _ = f.deploy(t, webManifest(1, 2048, "0.1"))

	instances, err = f.s.InstancesByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	// a resize keeps the VM and swaps the disk underneath it
	assert.Equal(t, vmID, *instances[0].VMID)
	disks, err = f.s.DisksByInstance(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	assert.NotEqual(t, oldCID, disks[0].CID)
	assert.Equal(t, 2048, disks[0].SizeMB)
	assert.True(t, disks[0].Active)
}

func TestStemcellChangeRecreatesVMKeepingDisk(t *testing.T) {
	f := newFixture(t)
	f.addStemcell(t, "0.2")
	ctx := context.Background()

	bp, _ := f.deploy(t, webManifest(1, 1024, "0.1"))
	instances, err := f.s.InstancesByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	vmID := *instances[0].VMID
	disks, err := f.s.DisksByInstance(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	diskCID := disks[0].CID

	bp2 := f.bind(t, webManifest(1, 1024, "0.2"))
	require.Len(t, bp2.ChangedInstances(), 1)
	assert.Equal(t, plan.ChangeRecreate, bp2.ChangedInstances()[0].Change)

	_, _ = f.deploy(t, webManifest(1, 1024, "0.2"))

	instances, err = f.s.InstancesByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.NotNil(t, instances[0].VMID)
	assert.NotEqual(t, vmID, *instances[0].VMID)
	disks, err = f.s.DisksByInstance(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	assert.Equal(t, diskCID, disks[0].CID)
}

func TestScaleDownDeletesObsoleteInstances(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.deploy(t, webManifest(3, 0, "0.1"))
	bp, events := f.deploy(t, webManifest(2, 0, "0.1"))

	instances, err := f.s.InstancesByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	require.Len(t, instances, 2)
	for _, in := range instances {
		assert.Less(t, in.Index, 2)
	}
	assert.Contains(t, events.String(), "Deleting obsolete instances")

	vms, err := f.s.VMsByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	assert.Len(t, vms, 4)
}

func TestDestroyDeployment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bp, _ := f.deploy(t, webManifest(2, 1024, "0.1"))

	var buf bytes.Buffer
	dep, err := f.s.GetDeployment(ctx, "prod")
	require.NoError(t, err)
	require.NoError(t, f.d.DestroyDeployment(ctx, dep, task.NewEventLog(&buf)))

	_, err = f.s.GetDeployment(ctx, "prod")
	assert.Equal(t, direrrors.CodeNotFound, direrrors.CodeOf(err))
	vms, err := f.s.VMsByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	assert.Empty(t, vms)
	assert.Contains(t, buf.String(), "Deleting instances")
}

func TestFailedDiskMigrationKeepsOldDisk(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bp, _ := f.deploy(t, webManifest(1, 1024, "0.1"))
	instances, err := f.s.InstancesByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	vmID := *instances[0].VMID
	disks, err := f.s.DisksByInstance(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	oldCID := disks[0].CID

	f.cloud.FailMethod("migrate_disk", "copy ran out of space")

	bp2 := f.bind(t, webManifest(1, 2048, "0.1"))
	var buf bytes.Buffer
	events := task.NewEventLog(&buf)
	compiled, err := f.comp.Compile(ctx, bp2.Plan, events)
	require.NoError(t, err)
	err = f.d.Deploy(ctx, bp2, compiled, events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "copy ran out of space")

	// the old disk survives untouched; the half-migrated one is gone
	instances, err = f.s.InstancesByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, vmID, *instances[0].VMID)
	disks, err = f.s.DisksByInstance(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	assert.Equal(t, oldCID, disks[0].CID)
	assert.Equal(t, 1024, disks[0].SizeMB)
	assert.True(t, disks[0].Active)

	// a retry without the fault completes the resize
	_, _ = f.deploy(t, webManifest(1, 2048, "0.1"))
	disks, err = f.s.DisksByInstance(ctx, instances[0].ID)
	require.NoError(t, err)
	require.Len(t, disks, 1)
	assert.NotEqual(t, oldCID, disks[0].CID)
	assert.Equal(t, 2048, disks[0].SizeMB)
}

func TestFailedCanaryLeavesBulkUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	bp := f.bind(t, webManifest(3, 0, "0.1"))
	var buf bytes.Buffer
	events := task.NewEventLog(&buf)
	compiled, err := f.comp.Compile(ctx, bp.Plan, events)
	require.NoError(t, err)

	f.cloud.FailMethod("start", "monit refused to start the job")

	err = f.d.Deploy(ctx, bp, compiled, events)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "web/0")
	assert.Contains(t, err.Error(), "monit refused to start the job")

	// only the canary was touched and it never recorded a converged state
	instances, err := f.s.InstancesByDeployment(ctx, bp.Deployment.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	assert.Equal(t, 0, instances[0].Index)
	assert.NotContains(t, string(instances[0].State), `"prod"`)

	log := buf.String()
	assert.Contains(t, log, "web/0 (canary)")
	assert.NotContains(t, log, "web/1")
	assert.NotContains(t, log, "web/2")
}

func TestDeployStopsWhenCancelled(t *testing.T) {
	f := newFixture(t)
	bg := context.Background()

	bp := f.bind(t, webManifest(3, 0, "0.1"))
	var buf bytes.Buffer
	events := task.NewEventLog(&buf)
	compiled, err := f.comp.Compile(bg, bp.Plan, events)
	require.NoError(t, err)

	ctx, cancel := context.WithCancelCause(bg)
	cancel(direrrors.Cancelled(7))

	err = f.d.Deploy(ctx, bp, compiled, events)
	require.Error(t, err)
	assert.True(t, direrrors.IsCancelled(err))

	instances, err := f.s.InstancesByDeployment(bg, bp.Deployment.ID)
	require.NoError(t, err)
	assert.Empty(t, instances)
}
