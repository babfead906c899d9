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

// UpdateStemcellArgs points at the spooled upload.
type UpdateStemcellArgs struct {
	Path string `json:"path"`
}

// UpdateStemcell registers an uploaded stemcell: metadata from stemcell.MF,
// image handed to the cloud provider, row into the registry.
func (e *Env) UpdateStemcell(ctx context.Context, run *task.Run) (string, error) {
	var args UpdateStemcellArgs
	if err := json.Unmarshal(run.Task.Args, &args); err != nil {
		return "", fmt.Errorf("failed to decode task arguments: %w", err)
	}
	f, err := os.Open(args.Path)
	if err != nil {
		return "", fmt.Errorf("failed to open stemcell upload: %w", err)
	}
	defer f.Close()
	defer os.Remove(args.Path)

	var sc *bundle.Stemcell
	stage := run.Events.Stage("Uploading stemcell", 2)
	if err := stage.Run("Verifying image", func() error {
		sc, err = bundle.ReadStemcell(f, e.UploadsDir)
		if err != nil {
			return err
		}
		if sc.Manifest.SHA1 != "" && sc.Manifest.SHA1 != sc.ImageSHA1 {
			return direrrors.ValidationFailed(fmt.Sprintf(
				"stemcell image sha1 %s does not match manifest %s", sc.ImageSHA1, sc.Manifest.SHA1))
		}
		return nil
	}); err != nil {
		return "", err
	}
	defer sc.Cleanup()
	name, version := sc.Manifest.Name, sc.Manifest.Version

	lk, err := e.Locks.Acquire(ctx, lock.StemcellsLock())
	if err != nil {
		return "", err
	}
	defer lk.Release()
	ctx, unguard := lk.Guard(ctx)
	defer unguard()

	if err := stage.Run(name+"/"+version, func() error {
		if _, exists, err := e.Store.FindStemcell(ctx, name, version); err != nil {
			return err
		} else if exists {
			return direrrors.ValidationFailed(fmt.Sprintf("stemcell %s/%s already exists", name, version))
		}
		cid, err := e.Cloud.CreateStemcell(ctx, sc.ImagePath, sc.Manifest.CloudProperties)
		if err != nil {
			return err
		}
		if err := e.Store.CreateStemcell(ctx, &types.Stemcell{
			Name: name, Version: version, CID: cid, SHA1: sc.ImageSHA1,
		}); err != nil {
			// orphaned image in the cloud otherwise
			_ = e.Cloud.DeleteStemcell(ctx, cid)
			return err
		}
		return nil
	}); err != nil {
		return "", err
	}

	run.Logger.Info().Str("stemcell", name).Str("version", version).Msg("stemcell uploaded")
	return fmt.Sprintf("stemcell %s/%s uploaded", name, version), nil
}
