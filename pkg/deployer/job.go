package deployer

import (
	"context"
	"fmt"

	"github.com/meridianhq/drydock/pkg/compiler"
	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/metrics"
	"github.com/meridianhq/drydock/pkg/plan"
	"github.com/meridianhq/drydock/pkg/pool"
	"github.com/meridianhq/drydock/pkg/task"
)

// updateJob walks one job's changed instances: the first canaries instances
// run serially, the rest max_in_flight at a time. A canary failure leaves
// the bulk untouched.
func (d *Deployer) updateJob(ctx context.Context, bp *plan.BoundPlan, pm *poolManager, compiled *compiler.Result, j *plan.Job, events *task.EventLog) error {
	var changed []*plan.InstancePlan
	for _, in := range j.Instances {
		if in.Change != plan.ChangeNone {
			changed = append(changed, in)
		}
	}
	if len(changed) == 0 {
		return nil
	}

	stage := events.Stage("Updating job "+j.Name, len(changed))

	canaries := j.Update.Canaries
	if canaries > len(changed) {
		canaries = len(changed)
	}
	for _, in := range changed[:canaries] {
		if err := interrupted(ctx); err != nil {
			return err
		}
		in := in
		name := fmt.Sprintf("%s/%d (canary)", j.Name, in.Index)
		err := stage.Run(name, func() error {
			return d.updateInstance(ctx, bp, pm, compiled, j, in, true)
		})
		if err != nil {
			return err
		}
	}

	rest := changed[canaries:]
	if len(rest) == 0 {
		return nil
	}
	inFlight := j.Update.MaxInFlight
	if inFlight <= 0 {
		inFlight = 1
	}
	workers := pool.New(ctx, inFlight)
	for _, in := range rest {
		in := in
		workers.Go(func(ctx context.Context) error {
			name := fmt.Sprintf("%s/%d", j.Name, in.Index)
			return stage.Run(name, func() error {
				return d.updateInstance(ctx, bp, pm, compiled, j, in, false)
			})
		})
	}
	return workers.Wait()
}

func (d *Deployer) updateInstance(ctx context.Context, bp *plan.BoundPlan, pm *poolManager, compiled *compiler.Result, j *plan.Job, in *plan.InstancePlan, canary bool) error {
	spec := in.TargetSpec(bp.Plan.Name, compiled.SpecsFor(j))
	u := &instanceUpdater{
		d:    d,
		bp:   bp,
		pm:   pm,
		in:   in,
		spec: spec,
		logger: d.logger.With().
			Str("deployment", bp.Plan.Name).
			Str("instance", fmt.Sprintf("%s/%d", j.Name, in.Index)).
			Logger(),
	}

	err := u.update(ctx, canary)
	result := "success"
	if err != nil {
		result = "failure"
	}
	metrics.InstanceUpdates.WithLabelValues(string(in.Change), result).Inc()

	switch {
	case err == nil:
		return nil
	case direrrors.IsCancelled(err):
		return err
	default:
		return direrrors.InstanceUpdateFailed(j.Name, in.Index, err)
	}
}
