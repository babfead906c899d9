package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridianhq/drydock/pkg/lock"
	"github.com/meridianhq/drydock/pkg/task"
)

// DeleteDeploymentArgs names the deployment to destroy.
type DeleteDeploymentArgs struct {
	Name string `json:"name"`
}

// DeleteDeployment tears a deployment down: every instance stopped and
// deleted with its VM and disks, idle pool VMs removed, then the rows.
func (e *Env) DeleteDeployment(ctx context.Context, run *task.Run) (string, error) {
	var args DeleteDeploymentArgs
	if err := json.Unmarshal(run.Task.Args, &args); err != nil {
		return "", fmt.Errorf("failed to decode task arguments: %w", err)
	}

	lk, err := e.Locks.Acquire(ctx, lock.DeploymentLock(args.Name))
	if err != nil {
		return "", err
	}
	defer lk.Release()
	ctx, unguard := lk.Guard(ctx)
	defer unguard()

	dep, err := e.Store.GetDeployment(ctx, args.Name)
	if err != nil {
		return "", err
	}
	if err := e.Deployer.DestroyDeployment(ctx, dep, run.Events); err != nil {
		return "", err
	}

	run.Logger.Info().Str("deployment", args.Name).Msg("deployment deleted")
	return fmt.Sprintf("deployment %q deleted", args.Name), nil
}
