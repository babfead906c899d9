package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/meridianhq/drydock/pkg/bundle"
	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/lock"
	"github.com/meridianhq/drydock/pkg/task"
	"github.com/meridianhq/drydock/pkg/types"
)

// UpdateReleaseArgs points at the spooled upload.
type UpdateReleaseArgs struct {
	Path string `json:"path"`
}

// UpdateRelease ingests an uploaded release tarball: archives into the
// blobstore, rows into the registry. Duplicate (release, version) pairs are
// rejected and their blobs discarded.
func (e *Env) UpdateRelease(ctx context.Context, run *task.Run) (string, error) {
	var args UpdateReleaseArgs
	if err := json.Unmarshal(run.Task.Args, &args); err != nil {
		return "", fmt.Errorf("failed to decode task arguments: %w", err)
	}
	f, err := os.Open(args.Path)
	if err != nil {
		return "", fmt.Errorf("failed to open release upload: %w", err)
	}
	defer f.Close()
	defer os.Remove(args.Path)

	var rel *bundle.Release
	stage := run.Events.Stage("Uploading release", 2)
	if err := stage.Run("Verifying archives", func() error {
		rel, err = bundle.IngestRelease(ctx, f, e.Blobs)
		return err
	}); err != nil {
		return "", err
	}
	name, version := rel.Manifest.Name, rel.Manifest.Version

	lk, err := e.Locks.Acquire(ctx, lock.ReleaseLock())
	if err != nil {
		rel.Discard(ctx, e.Blobs)
		return "", err
	}
	defer lk.Release()
	ctx, unguard := lk.Guard(ctx)
	defer unguard()

	if err := stage.Run(name+"/"+version, func() error {
		return e.registerRelease(ctx, rel)
	}); err != nil {
		rel.Discard(ctx, e.Blobs)
		return "", err
	}

	run.Logger.Info().Str("release", name).Str("version", version).Msg("release uploaded")
	return fmt.Sprintf("release %s/%s uploaded", name, version), nil
}

func (e *Env) registerRelease(ctx context.Context, rel *bundle.Release) error {
	name, version := rel.Manifest.Name, rel.Manifest.Version

	if _, exists, err := e.Store.FindReleaseVersion(ctx, name, version); err != nil {
		return err
	} else if exists {
		return direrrors.ValidationFailed(fmt.Sprintf("release %s/%s already exists", name, version))
	}

	row, err := e.Store.GetRelease(ctx, name)
	if direrrors.IsCode(err, direrrors.CodeNotFound) {
		row, err = e.Store.CreateRelease(ctx, name)
	}
	if err != nil {
		return err
	}
	rv, err := e.Store.CreateReleaseVersion(ctx, row.ID, version)
	if err != nil {
		return err
	}

	for _, p := range rel.Manifest.Packages {
		blob := rel.Packages[p.Name]
		if err := e.Store.CreatePackage(ctx, &types.Package{
			ReleaseVersionID: rv.ID,
			Name:             p.Name,
			Version:          p.Version,
			Fingerprint:      p.Fingerprint,
			SHA1:             blob.SHA1,
			BlobstoreID:      blob.ID,
			Dependencies:     p.Dependencies,
		}); err != nil {
			return err
		}
	}
	for _, j := range rel.Manifest.Jobs {
		blob := rel.Jobs[j.Name]
		if err := e.Store.CreateTemplate(ctx, &types.Template{
			ReleaseVersionID: rv.ID,
			Name:             j.Name,
			Version:          j.Version,
			Fingerprint:      j.Fingerprint,
			SHA1:             blob.SHA1,
			BlobstoreID:      blob.ID,
			Packages:         j.Packages,
		}); err != nil {
			return err
		}
	}
	return nil
}
