package jobs

import (
	"github.com/meridianhq/drydock/pkg/agent"
	"github.com/meridianhq/drydock/pkg/blobstore"
	"github.com/meridianhq/drydock/pkg/cloud"
	"github.com/meridianhq/drydock/pkg/compiler"
	"github.com/meridianhq/drydock/pkg/deployer"
	"github.com/meridianhq/drydock/pkg/lock"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/task"
	"github.com/meridianhq/drydock/pkg/types"
)

// Env carries the collaborators task bodies need. It is built once in main
// and shared by every worker; bodies receive per-task state through
// task.Run.
type Env struct {
	Store    store.Store
	Blobs    blobstore.Blobstore
	Cloud    cloud.Provider
	Agents   *agent.Client
	Locks    *lock.Manager
	Compiler *compiler.Compiler
	Deployer *deployer.Deployer

	// UploadsDir holds spooled uploads (release/stemcell tarballs) on a
	// volume shared between the API process and workers.
	UploadsDir string
}

// Registry maps every task kind to its body.
func Registry(e *Env) task.Registry {
	return task.Registry{
		types.TaskUpdateDeployment: e.UpdateDeployment,
		types.TaskDeleteDeployment: e.DeleteDeployment,
		types.TaskUpdateRelease:    e.UpdateRelease,
		types.TaskDeleteRelease:    e.DeleteRelease,
		types.TaskUpdateStemcell:   e.UpdateStemcell,
		types.TaskDeleteStemcell:   e.DeleteStemcell,
	}
}
