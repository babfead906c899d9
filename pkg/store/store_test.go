package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/types"
)

// TestTaskLifecycle tests queued -> processing -> done transitions
func TestTaskLifecycle(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	task := &types.Task{Kind: types.TaskUpdateDeployment, Description: "deploy prod"}
	require.NoError(t, s.CreateTask(ctx, task))
	assert.NotZero(t, task.ID)
	assert.Equal(t, types.TaskQueued, task.State)

	claimed, state, err := s.ClaimTask(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.Equal(t, types.TaskProcessing, state)

	// a second claim must fail and report the current state
	claimed, state, err = s.ClaimTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, types.TaskProcessing, state)

	require.NoError(t, s.FinishTask(ctx, task.ID, types.TaskDone, "/deployments/prod"))
	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, got.State)
	assert.Equal(t, "/deployments/prod", got.Result)
}

// TestTaskCancelRequest tests the cancelling transition rules
func TestTaskCancelRequest(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	task := &types.Task{Kind: types.TaskDeleteRelease}
	require.NoError(t, s.CreateTask(ctx, task))

	ok, err := s.RequestTaskCancel(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	cancelling, err := s.TaskCancelRequested(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, cancelling)

	// a task already cancelling cannot be claimed
	claimed, state, err := s.ClaimTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
	assert.Equal(t, types.TaskCancelling, state)

	// finished tasks cannot be cancelled
	require.NoError(t, s.FinishTask(ctx, task.ID, types.TaskCancelled, ""))
	ok, err = s.RequestTaskCancel(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)
}

// TestListTasksFilter tests state filtering and limit
func TestListTasksFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	for i := 0; i < 5; i++ {
		require.NoError(t, s.CreateTask(ctx, &types.Task{Kind: types.TaskUpdateRelease}))
	}
	done := &types.Task{Kind: types.TaskUpdateRelease}
	require.NoError(t, s.CreateTask(ctx, done))
	require.NoError(t, s.FinishTask(ctx, done.ID, types.TaskDone, ""))

	queued, err := s.ListTasks(ctx, 0, []types.TaskState{types.TaskQueued})
	require.NoError(t, err)
	assert.Len(t, queued, 5)

	limited, err := s.ListTasks(ctx, 2, nil)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	// newest first
	assert.Greater(t, limited[0].ID, limited[1].ID)
}

// TestLockSemantics tests acquire, contention, expiry, renew and release
func TestLockSemantics(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	ok, err := s.TryAcquireLock(ctx, "lock:deployment:prod", "holder-a", 100*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	// contended
	ok, err = s.TryAcquireLock(ctx, "lock:deployment:prod", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	// wrong holder cannot release
	ok, err = s.ReleaseLock(ctx, "lock:deployment:prod", "holder-b")
	require.NoError(t, err)
	assert.False(t, ok)

	// expired lease is up for grabs
	time.Sleep(120 * time.Millisecond)
	ok, err = s.TryAcquireLock(ctx, "lock:deployment:prod", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	// previous holder cannot renew a lost lock
	ok, err = s.RenewLock(ctx, "lock:deployment:prod", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.RenewLock(ctx, "lock:deployment:prod", "holder-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ReleaseLock(ctx, "lock:deployment:prod", "holder-b")
	require.NoError(t, err)
	assert.True(t, ok)
}

// TestCompiledPackageCacheKey tests that the dependency key partitions the cache
func TestCompiledPackageCacheKey(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateCompiledPackage(ctx, &types.CompiledPackage{
		PackageID: 1, StemcellID: 2, DependencyKey: "aaa", SHA1: "s1", BlobstoreID: "b1",
	}))

	_, found, err := s.FindCompiledPackage(ctx, 1, 2, "aaa")
	require.NoError(t, err)
	assert.True(t, found)

	_, found, err = s.FindCompiledPackage(ctx, 1, 2, "bbb")
	require.NoError(t, err)
	assert.False(t, found)

	_, found, err = s.FindCompiledPackage(ctx, 1, 3, "aaa")
	require.NoError(t, err)
	assert.False(t, found)

	err = s.CreateCompiledPackage(ctx, &types.CompiledPackage{
		PackageID: 1, StemcellID: 2, DependencyKey: "aaa",
	})
	assert.Error(t, err)
}

// TestReleaseCascade tests that deleting a release removes dependent rows
func TestReleaseCascade(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	release, err := s.CreateRelease(ctx, "redis")
	require.NoError(t, err)
	rv, err := s.CreateReleaseVersion(ctx, release.ID, "1.0")
	require.NoError(t, err)

	pkg := &types.Package{ReleaseVersionID: rv.ID, Name: "redis-server", Version: "3"}
	require.NoError(t, s.CreatePackage(ctx, pkg))
	require.NoError(t, s.CreateTemplate(ctx, &types.Template{ReleaseVersionID: rv.ID, Name: "redis"}))
	require.NoError(t, s.CreateStemcell(ctx, &types.Stemcell{Name: "ubuntu", Version: "1", CID: "sc-1"}))
	sc, err := s.GetStemcell(ctx, "ubuntu", "1")
	require.NoError(t, err)
	require.NoError(t, s.CreateCompiledPackage(ctx, &types.CompiledPackage{
		PackageID: pkg.ID, StemcellID: sc.ID, DependencyKey: "k",
	}))

	require.NoError(t, s.DeleteRelease(ctx, release.ID))

	_, err = s.GetRelease(ctx, "redis")
	assert.True(t, direrrors.IsCode(err, direrrors.CodeNotFound))
	_, found, err := s.FindReleaseVersion(ctx, "redis", "1.0")
	require.NoError(t, err)
	assert.False(t, found)
	cps, err := s.CompiledPackagesByStemcell(ctx, sc.ID)
	require.NoError(t, err)
	assert.Empty(t, cps)
}

// TestDeploymentDeleteGuard tests the in-use protection
func TestDeploymentDeleteGuard(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	d, err := s.SaveDeployment(ctx, "prod", "---")
	require.NoError(t, err)

	vm := &types.VM{DeploymentID: d.ID, AgentID: "agent-1", CID: "vm-1"}
	require.NoError(t, s.CreateVM(ctx, vm))

	err = s.DeleteDeployment(ctx, d.ID)
	assert.True(t, direrrors.IsCode(err, direrrors.CodeDeploymentInUse))

	require.NoError(t, s.DeleteVM(ctx, vm.ID))
	assert.NoError(t, s.DeleteDeployment(ctx, d.ID))
}

// TestStemcellInUse tests deployment references block stemcell queries
func TestStemcellInUse(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	sc := &types.Stemcell{Name: "ubuntu", Version: "2204", CID: "tmpl-1"}
	require.NoError(t, s.CreateStemcell(ctx, sc))
	d, err := s.SaveDeployment(ctx, "prod", "---")
	require.NoError(t, err)
	require.NoError(t, s.SetDeploymentStemcells(ctx, d.ID, []int64{sc.ID}))

	names, err := s.StemcellDeployments(ctx, "ubuntu", "2204")
	require.NoError(t, err)
	assert.Equal(t, []string{"prod"}, names)

	// duplicate registration is rejected
	err = s.CreateStemcell(ctx, &types.Stemcell{Name: "ubuntu", Version: "2204", CID: "tmpl-2"})
	assert.True(t, direrrors.IsCode(err, direrrors.CodeValidationFailed))
}

// TestInstanceVMBinding tests instance/vm/disk relations
func TestInstanceVMBinding(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	d, err := s.SaveDeployment(ctx, "prod", "---")
	require.NoError(t, err)
	vm := &types.VM{DeploymentID: d.ID, AgentID: "agent-1", CID: "vm-1", ResourcePool: "small"}
	require.NoError(t, s.CreateVM(ctx, vm))

	in := &types.Instance{DeploymentID: d.ID, Job: "web", Index: 0}
	require.NoError(t, s.CreateInstance(ctx, in))
	require.NoError(t, s.BindInstanceVM(ctx, in.ID, &vm.ID))

	instances, err := s.InstancesByDeployment(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, instances, 1)
	require.NotNil(t, instances[0].VMID)
	assert.Equal(t, vm.ID, *instances[0].VMID)

	// deleting the VM unbinds the instance
	require.NoError(t, s.DeleteVM(ctx, vm.ID))
	instances, err = s.InstancesByDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Nil(t, instances[0].VMID)

	// duplicate (job, index) rejected
	err = s.CreateInstance(ctx, &types.Instance{DeploymentID: d.ID, Job: "web", Index: 0})
	assert.Error(t, err)
}

// TestIPReservations tests reservation uniqueness and release
func TestIPReservations(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	d, err := s.SaveDeployment(ctx, "prod", "---")
	require.NoError(t, err)
	in := &types.Instance{DeploymentID: d.ID, Job: "db", Index: 0}
	require.NoError(t, s.CreateInstance(ctx, in))

	r := &types.IPReservation{DeploymentID: d.ID, InstanceID: in.ID, Network: "default", Address: "10.0.0.5", Static: true}
	require.NoError(t, s.ReserveIP(ctx, r))

	err = s.ReserveIP(ctx, &types.IPReservation{
		DeploymentID: d.ID, InstanceID: in.ID, Network: "default", Address: "10.0.0.5",
	})
	assert.True(t, direrrors.IsCode(err, direrrors.CodeValidationFailed))

	require.NoError(t, s.ReleaseInstanceIPs(ctx, in.ID))
	ips, err := s.IPsByDeployment(ctx, d.ID)
	require.NoError(t, err)
	assert.Empty(t, ips)
}

// TestStats tests the entity counters
func TestStats(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()

	require.NoError(t, s.CreateTask(ctx, &types.Task{Kind: types.TaskUpdateRelease}))
	done := &types.Task{Kind: types.TaskUpdateRelease}
	require.NoError(t, s.CreateTask(ctx, done))
	require.NoError(t, s.FinishTask(ctx, done.ID, types.TaskDone, ""))
	_, err := s.SaveDeployment(ctx, "prod", "")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TasksByState[types.TaskQueued])
	assert.Equal(t, int64(1), stats.TasksByState[types.TaskDone])
	assert.Equal(t, int64(1), stats.Deployments)
}
