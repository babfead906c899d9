package store

import (
	"context"
	"time"

	"github.com/meridianhq/drydock/pkg/types"
)

// Store is the director's registry. Implementations must be safe for
// concurrent use from multiple goroutines and, for the SQL implementation,
// from multiple director processes sharing one database.
type Store interface {
	// Users
	CreateUser(ctx context.Context, u *types.User) error
	UpdateUser(ctx context.Context, u *types.User) error
	DeleteUser(ctx context.Context, username string) error
	GetUser(ctx context.Context, username string) (*types.User, error)

	// Tasks
	CreateTask(ctx context.Context, t *types.Task) error
	GetTask(ctx context.Context, id int64) (*types.Task, error)
	ListTasks(ctx context.Context, limit int, states []types.TaskState) ([]*types.Task, error)
	// ClaimTask flips a queued task to processing. When the task is not
	// queued anymore it reports claimed=false and the state it found, so
	// redelivered queue messages are dropped instead of re-run.
	ClaimTask(ctx context.Context, id int64) (claimed bool, state types.TaskState, err error)
	FinishTask(ctx context.Context, id int64, state types.TaskState, result string) error
	// RequestTaskCancel marks a queued or processing task as cancelling.
	RequestTaskCancel(ctx context.Context, id int64) (bool, error)
	TaskCancelRequested(ctx context.Context, id int64) (bool, error)

	// Releases
	CreateRelease(ctx context.Context, name string) (*types.Release, error)
	GetRelease(ctx context.Context, name string) (*types.Release, error)
	ListReleases(ctx context.Context) ([]*types.Release, error)
	DeleteRelease(ctx context.Context, id int64) error
	ReleaseDeployments(ctx context.Context, releaseName string) ([]string, error)

	CreateReleaseVersion(ctx context.Context, releaseID int64, version string) (*types.ReleaseVersion, error)
	FindReleaseVersion(ctx context.Context, releaseName, version string) (*types.ReleaseVersion, bool, error)
	ReleaseVersions(ctx context.Context, releaseID int64) ([]*types.ReleaseVersion, error)

	CreatePackage(ctx context.Context, p *types.Package) error
	PackagesByReleaseVersion(ctx context.Context, releaseVersionID int64) ([]*types.Package, error)
	CreateTemplate(ctx context.Context, t *types.Template) error
	TemplatesByReleaseVersion(ctx context.Context, releaseVersionID int64) ([]*types.Template, error)

	CreateCompiledPackage(ctx context.Context, cp *types.CompiledPackage) error
	FindCompiledPackage(ctx context.Context, packageID, stemcellID int64, dependencyKey string) (*types.CompiledPackage, bool, error)
	CompiledPackagesByRelease(ctx context.Context, releaseID int64) ([]*types.CompiledPackage, error)
	CompiledPackagesByStemcell(ctx context.Context, stemcellID int64) ([]*types.CompiledPackage, error)

	// Stemcells
	CreateStemcell(ctx context.Context, s *types.Stemcell) error
	GetStemcell(ctx context.Context, name, version string) (*types.Stemcell, error)
	FindStemcell(ctx context.Context, name, version string) (*types.Stemcell, bool, error)
	ListStemcells(ctx context.Context) ([]*types.Stemcell, error)
	DeleteStemcell(ctx context.Context, id int64) error
	StemcellDeployments(ctx context.Context, name, version string) ([]string, error)

	// Deployments
	SaveDeployment(ctx context.Context, name, manifest string) (*types.Deployment, error)
	GetDeployment(ctx context.Context, name string) (*types.Deployment, error)
	ListDeployments(ctx context.Context) ([]*types.Deployment, error)
	// DeleteDeployment refuses to remove a deployment that still owns VMs,
	// instances or disks.
	DeleteDeployment(ctx context.Context, id int64) error
	SetDeploymentReleaseVersion(ctx context.Context, deploymentID, releaseVersionID int64) error
	SetDeploymentStemcells(ctx context.Context, deploymentID int64, stemcellIDs []int64) error

	// VMs
	CreateVM(ctx context.Context, vm *types.VM) error
	DeleteVM(ctx context.Context, id int64) error
	SetVMIP(ctx context.Context, id int64, ip string) error
	VMsByDeployment(ctx context.Context, deploymentID int64) ([]*types.VM, error)

	// Instances
	CreateInstance(ctx context.Context, in *types.Instance) error
	DeleteInstance(ctx context.Context, id int64) error
	InstancesByDeployment(ctx context.Context, deploymentID int64) ([]*types.Instance, error)
	BindInstanceVM(ctx context.Context, instanceID int64, vmID *int64) error
	UpdateInstanceState(ctx context.Context, instanceID int64, state []byte) error

	// Disks
	CreateDisk(ctx context.Context, d *types.Disk) error
	DisksByInstance(ctx context.Context, instanceID int64) ([]*types.Disk, error)
	SetDiskActive(ctx context.Context, diskID int64, active bool) error
	DeleteDisk(ctx context.Context, diskID int64) error

	// IP reservations
	ReserveIP(ctx context.Context, r *types.IPReservation) error
	ReleaseInstanceIPs(ctx context.Context, instanceID int64) error
	IPsByDeployment(ctx context.Context, deploymentID int64) ([]*types.IPReservation, error)
	IPsByNetwork(ctx context.Context, network string) ([]*types.IPReservation, error)

	// Locks. TryAcquireLock succeeds when the named row is absent or its
	// lease has expired; renew and release are fenced by the holder uid.
	TryAcquireLock(ctx context.Context, name, uid string, ttl time.Duration) (bool, error)
	RenewLock(ctx context.Context, name, uid string, ttl time.Duration) (bool, error)
	ReleaseLock(ctx context.Context, name, uid string) (bool, error)

	// Ops
	Stats(ctx context.Context) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Stats carries entity counts for the metrics collector.
type Stats struct {
	TasksByState map[types.TaskState]int64
	Deployments  int64
	Releases     int64
	Stemcells    int64
	VMs          int64
	Instances    int64
}
