package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/lock"
	"github.com/meridianhq/drydock/pkg/task"
)

// DeleteStemcellArgs names the stemcell version to remove. Force keeps
// going when the cloud or blob cleanup fails.
type DeleteStemcellArgs struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Force   bool   `json:"force"`
}

// DeleteStemcell removes a stemcell version: compiled packages built
// against it, the cloud image, then the row. The in-use check runs inside
// the stemcells lock.
func (e *Env) DeleteStemcell(ctx context.Context, run *task.Run) (string, error) {
	var args DeleteStemcellArgs
	if err := json.Unmarshal(run.Task.Args, &args); err != nil {
		return "", fmt.Errorf("failed to decode task arguments: %w", err)
	}

	lk, err := e.Locks.Acquire(ctx, lock.StemcellsLock())
	if err != nil {
		return "", err
	}
	defer lk.Release()
	ctx, unguard := lk.Guard(ctx)
	defer unguard()

	sc, err := e.Store.GetStemcell(ctx, args.Name, args.Version)
	if err != nil {
		return "", err
	}
	deployments, err := e.Store.StemcellDeployments(ctx, args.Name, args.Version)
	if err != nil {
		return "", err
	}
	if len(deployments) > 0 {
		return "", direrrors.StemcellInUse(args.Name, args.Version, deployments)
	}

	compiled, err := e.Store.CompiledPackagesByStemcell(ctx, sc.ID)
	if err != nil {
		return "", err
	}
	stage := run.Events.Stage("Deleting stemcell", 2)
	if err := stage.Run("Deleting compiled packages", func() error {
		for _, cp := range compiled {
			if err := e.Blobs.Delete(ctx, cp.BlobstoreID); err != nil {
				if !args.Force {
					return err
				}
				run.Logger.Warn().Err(err).Str("blob", cp.BlobstoreID).Msg("blob deletion failed, forced delete continues")
			}
		}
		return nil
	}); err != nil {
		return "", err
	}
	if err := stage.Run(args.Name+"/"+args.Version, func() error {
		if err := e.Cloud.DeleteStemcell(ctx, sc.CID); err != nil {
			if !args.Force {
				return err
			}
			run.Logger.Warn().Err(err).Str("cid", sc.CID).Msg("cloud image deletion failed, forced delete continues")
		}
		return e.Store.DeleteStemcell(ctx, sc.ID)
	}); err != nil {
		return "", err
	}

	run.Logger.Info().Str("stemcell", args.Name).Str("version", args.Version).Msg("stemcell deleted")
	return fmt.Sprintf("stemcell %s/%s deleted", args.Name, args.Version), nil
}
