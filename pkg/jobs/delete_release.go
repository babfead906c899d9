package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/lock"
	"github.com/meridianhq/drydock/pkg/task"
)

// DeleteReleaseArgs names the release to remove. Force keeps going when
// blob deletion fails.
type DeleteReleaseArgs struct {
	Name  string `json:"name"`
	Force bool   `json:"force"`
}

// DeleteRelease removes a release with all its versions, packages,
// templates and compiled artifacts. The in-use check runs inside the
// release lock so a concurrent deployment cannot slip a reference in
// between check and delete.
func (e *Env) DeleteRelease(ctx context.Context, run *task.Run) (string, error) {
	var args DeleteReleaseArgs
	if err := json.Unmarshal(run.Task.Args, &args); err != nil {
		return "", fmt.Errorf("failed to decode task arguments: %w", err)
	}

	lk, err := e.Locks.Acquire(ctx, lock.ReleaseLock())
	if err != nil {
		return "", err
	}
	defer lk.Release()
	ctx, unguard := lk.Guard(ctx)
	defer unguard()

	rel, err := e.Store.GetRelease(ctx, args.Name)
	if err != nil {
		return "", err
	}
	deployments, err := e.Store.ReleaseDeployments(ctx, args.Name)
	if err != nil {
		return "", err
	}
	if len(deployments) > 0 {
		return "", direrrors.ReleaseInUse(args.Name, deployments)
	}

	blobs, err := e.releaseBlobs(ctx, rel.ID)
	if err != nil {
		return "", err
	}
	stage := run.Events.Stage("Deleting release", 2)
	if err := stage.Run("Deleting blobs", func() error {
		for _, id := range blobs {
			if err := e.Blobs.Delete(ctx, id); err != nil {
				if !args.Force {
					return err
				}
				run.Logger.Warn().Err(err).Str("blob", id).Msg("blob deletion failed, forced delete continues")
			}
		}
		return nil
	}); err != nil {
		return "", err
	}
	if err := stage.Run(args.Name, func() error {
		return e.Store.DeleteRelease(ctx, rel.ID)
	}); err != nil {
		return "", err
	}

	run.Logger.Info().Str("release", args.Name).Msg("release deleted")
	return fmt.Sprintf("release %q deleted", args.Name), nil
}

// releaseBlobs collects every blobstore object the release owns: package
// sources, job templates, compiled packages.
func (e *Env) releaseBlobs(ctx context.Context, releaseID int64) ([]string, error) {
	var out []string
	versions, err := e.Store.ReleaseVersions(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	for _, rv := range versions {
		pkgs, err := e.Store.PackagesByReleaseVersion(ctx, rv.ID)
		if err != nil {
			return nil, err
		}
		for _, p := range pkgs {
			out = append(out, p.BlobstoreID)
		}
		templates, err := e.Store.TemplatesByReleaseVersion(ctx, rv.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range templates {
			out = append(out, t.BlobstoreID)
		}
	}
	compiled, err := e.Store.CompiledPackagesByRelease(ctx, releaseID)
	if err != nil {
		return nil, err
	}
	for _, cp := range compiled {
		out = append(out, cp.BlobstoreID)
	}
	return out, nil
}
