package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/meridianhq/drydock/pkg/lock"
	"github.com/meridianhq/drydock/pkg/plan"
	"github.com/meridianhq/drydock/pkg/task"
)

// UpdateDeploymentArgs carries the raw manifest the API accepted.
type UpdateDeploymentArgs struct {
	Manifest string `json:"manifest"`
}

// UpdateDeployment drives a deployment to the state its manifest declares.
// It plans, binds, compiles and deploys, all under the deployment lock.
func (e *Env) UpdateDeployment(ctx context.Context, run *task.Run) (string, error) {
	var args UpdateDeploymentArgs
	if err := json.Unmarshal(run.Task.Args, &args); err != nil {
		return "", fmt.Errorf("failed to decode task arguments: %w", err)
	}
	m, err := plan.ParseManifest([]byte(args.Manifest))
	if err != nil {
		return "", err
	}

	lk, err := e.Locks.Acquire(ctx, lock.DeploymentLock(m.Name))
	if err != nil {
		return "", err
	}
	defer lk.Release()
	ctx, unguard := lk.Guard(ctx)
	defer unguard()

	var (
		p  *plan.Plan
		bp *plan.BoundPlan
	)
	prep := run.Events.Stage("Preparing deployment", 2)
	if err := prep.Run("Evaluating manifest", func() error {
		p, err = plan.New(ctx, e.Store, m, args.Manifest)
		return err
	}); err != nil {
		return "", err
	}
	if err := prep.Run("Binding existing deployment", func() error {
		bp, err = plan.NewBinder(e.Store).Bind(ctx, p)
		return err
	}); err != nil {
		return "", err
	}

	compiled, err := e.Compiler.Compile(ctx, p, run.Events)
	if err != nil {
		return "", err
	}
	if err := e.Deployer.Deploy(ctx, bp, compiled, run.Events); err != nil {
		return "", err
	}

	run.Logger.Info().Str("deployment", p.Name).Msg("deployment updated")
	return fmt.Sprintf("deployment %q updated", p.Name), nil
}
