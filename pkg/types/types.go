package types

import (
	"time"
)

// Task represents an asynchronous unit of work tracked by the director.
// Task rows are the durable record; the queue only carries task IDs.
type Task struct {
	ID          int64     `db:"id" json:"id"`
	State       TaskState `db:"state" json:"state"`
	Kind        TaskKind  `db:"kind" json:"kind"`
	Description string    `db:"description" json:"description"`
	Timestamp   time.Time `db:"timestamp" json:"-"`
	Result      string    `db:"result" json:"result"`
	Args        []byte    `db:"args" json:"-"` // kind-specific arguments, JSON
}

// TaskState is the lifecycle state of a task
type TaskState string

const (
	TaskQueued     TaskState = "queued"
	TaskProcessing TaskState = "processing"
	TaskCancelling TaskState = "cancelling"
	TaskDone       TaskState = "done"
	TaskError      TaskState = "error"
	TaskCancelled  TaskState = "cancelled"
)

// Finished reports whether the state is terminal.
func (s TaskState) Finished() bool {
	return s == TaskDone || s == TaskError || s == TaskCancelled
}

// TaskKind names the operation a task performs
type TaskKind string

const (
	TaskUpdateDeployment TaskKind = "update_deployment"
	TaskDeleteDeployment TaskKind = "delete_deployment"
	TaskUpdateRelease    TaskKind = "update_release"
	TaskDeleteRelease    TaskKind = "delete_release"
	TaskUpdateStemcell   TaskKind = "update_stemcell"
	TaskDeleteStemcell   TaskKind = "delete_stemcell"
)

// User is an API principal. Passwords are stored as bcrypt hashes only.
type User struct {
	Username     string `db:"username" json:"username"`
	PasswordHash string `db:"password_hash" json:"-"`
}

// Release is a named collection of versioned software bundles
type Release struct {
	ID   int64  `db:"id"`
	Name string `db:"name"`
}

// ReleaseVersion is one uploaded version of a release
type ReleaseVersion struct {
	ID        int64  `db:"id"`
	ReleaseID int64  `db:"release_id"`
	Version   string `db:"version"`
}

// Package is a compilable source bundle belonging to a release version.
// Fingerprint identifies the source contents; SHA1 covers the stored blob.
type Package struct {
	ID               int64    `db:"id"`
	ReleaseVersionID int64    `db:"release_version_id"`
	Name             string   `db:"name"`
	Version          string   `db:"version"`
	Fingerprint      string   `db:"fingerprint"`
	SHA1             string   `db:"sha1"`
	BlobstoreID      string   `db:"blobstore_id"`
	Dependencies     []string `db:"-"` // names of packages within the same release version
}

// Template is a job template bundle belonging to a release version
type Template struct {
	ID               int64    `db:"id"`
	ReleaseVersionID int64    `db:"release_version_id"`
	Name             string   `db:"name"`
	Version          string   `db:"version"`
	Fingerprint      string   `db:"fingerprint"`
	SHA1             string   `db:"sha1"`
	BlobstoreID      string   `db:"blobstore_id"`
	Packages         []string `db:"-"` // names of packages the job needs at runtime
}

// CompiledPackage is the result of compiling a package against a stemcell.
// DependencyKey is the SHA1 of the sorted transitive dependency identities,
// so a cache hit requires the whole dependency closure to match.
type CompiledPackage struct {
	ID            int64  `db:"id"`
	PackageID     int64  `db:"package_id"`
	StemcellID    int64  `db:"stemcell_id"`
	SHA1          string `db:"sha1"`
	BlobstoreID   string `db:"blobstore_id"`
	DependencyKey string `db:"dependency_key"`
}

// Stemcell is a registered VM image
type Stemcell struct {
	ID      int64  `db:"id"`
	Name    string `db:"name"`
	Version string `db:"version"`
	CID     string `db:"cid"` // cloud id returned by create_stemcell
	SHA1    string `db:"sha1"`
}

// Deployment is a named set of instances built from a manifest
type Deployment struct {
	ID       int64  `db:"id"`
	Name     string `db:"name"`
	Manifest string `db:"manifest"` // last successfully applied manifest, YAML
}

// VM is a live virtual machine. A VM with no instance bound to it is idle
// and belongs to the resource pool named by ResourcePool.
type VM struct {
	ID           int64  `db:"id"`
	DeploymentID int64  `db:"deployment_id"`
	AgentID      string `db:"agent_id"`
	CID          string `db:"cid"`
	ResourcePool string `db:"resource_pool"`
	StemcellCID  string `db:"stemcell_cid"` // stemcell the VM was booted from
	IP           string `db:"ip"`           // address held on the pool's network, may be empty
}

// Instance is one indexed slot of a job within a deployment. State holds the
// last apply spec sent to the agent, JSON-encoded.
type Instance struct {
	ID           int64  `db:"id"`
	DeploymentID int64  `db:"deployment_id"`
	VMID         *int64 `db:"vm_id"`
	Job          string `db:"job"`
	Index        int    `db:"job_index"`
	State        []byte `db:"state"`
}

// Disk is a persistent disk bound to an instance. During migration two rows
// exist for the instance; Active marks the one the job runs on.
type Disk struct {
	ID         int64  `db:"id"`
	InstanceID int64  `db:"instance_id"`
	CID        string `db:"cid"`
	SizeMB     int    `db:"size_mb"`
	Active     bool   `db:"active"`
}

// IPReservation records an address held by an instance on a network
type IPReservation struct {
	ID           int64  `db:"id"`
	DeploymentID int64  `db:"deployment_id"`
	InstanceID   int64  `db:"instance_id"`
	Network      string `db:"network"`
	Address      string `db:"address"`
	Static       bool   `db:"static"`
}

// Lock is a named advisory lock row. UID identifies the holder; a lock whose
// ExpiresAt has passed is free regardless of UID.
type Lock struct {
	Name      string    `db:"name"`
	UID       string    `db:"uid"`
	ExpiresAt time.Time `db:"expires_at"`
}

// ApplySpec is the desired state blob sent to an agent with the apply method
// and stored on the instance after a successful update.
type ApplySpec struct {
	Deployment     string                 `json:"deployment"`
	Job            JobSpec                `json:"job"`
	Index          int                    `json:"index"`
	Networks       map[string]NetworkSpec `json:"networks"`
	ResourcePool   string                 `json:"resource_pool"`
	Stemcell       string                 `json:"stemcell"` // "name/version" the VM runs
	Packages       map[string]PackageSpec `json:"packages"`
	PersistentDisk int                    `json:"persistent_disk"`
}

// JobSpec names the template an instance runs
type JobSpec struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	SHA1        string `json:"sha1"`
	BlobstoreID string `json:"blobstore_id"`
}

// NetworkSpec is one network attachment inside an apply spec
type NetworkSpec struct {
	Type            string                 `json:"type"`
	IP              string                 `json:"ip,omitempty"`
	Netmask         string                 `json:"netmask,omitempty"`
	Gateway         string                 `json:"gateway,omitempty"`
	DNS             []string               `json:"dns,omitempty"`
	CloudProperties map[string]interface{} `json:"cloud_properties,omitempty"`
}

// PackageSpec is one compiled package reference inside an apply spec
type PackageSpec struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	SHA1        string `json:"sha1"`
	BlobstoreID string `json:"blobstore_id"`
}
