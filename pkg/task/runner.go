package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/metrics"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/types"
)

// Body is the executable part of a task. It returns the short result string
// recorded on the task row and written to the result stream. Bodies observe
// cancellation through ctx; the cause is a cancelled domain error.
type Body func(ctx context.Context, run *Run) (string, error)

// Registry maps task kinds to their bodies.
type Registry map[types.TaskKind]Body

// Run is the task body's view of its task: the row, a logger bound to the
// debug stream and the event stream.
type Run struct {
	Task   *types.Task
	Logger zerolog.Logger
	Events *EventLog
}

// Runner consumes the queue and executes tasks. Several runners may share
// one queue; the queued -> processing conditional claim keeps a task from
// running twice.
type Runner struct {
	store      store.Store
	queue      Queue
	registry   Registry
	dir        string
	cancelPoll time.Duration
	logger     zerolog.Logger
}

// NewRunner builds a runner over the shared queue. cancelPoll is the
// interval at which a running task's cancellation flag is checked.
func NewRunner(s store.Store, q Queue, reg Registry, dir string, cancelPoll time.Duration) *Runner {
	if cancelPoll <= 0 {
		cancelPoll = 5 * time.Second
	}
	return &Runner{
		store:      s,
		queue:      q,
		registry:   reg,
		dir:        dir,
		cancelPoll: cancelPoll,
		logger:     log.WithComponent("worker"),
	}
}

// Run consumes tasks until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	r.logger.Info().Msg("worker started")
	for {
		id, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				r.logger.Info().Msg("worker stopped")
				return nil
			}
			r.logger.Error().Err(err).Msg("dequeue failed")
			continue
		}
		r.runOne(ctx, id)
	}
}

func (r *Runner) runOne(ctx context.Context, id int64) {
	claimed, state, err := r.store.ClaimTask(ctx, id)
	if err != nil {
		r.logger.Error().Err(err).Int64("task", id).Msg("failed to claim task")
		return
	}
	if !claimed {
		// cancelled before pickup: finalize without running the body
		if state == types.TaskCancelling {
			kind := types.TaskKind("")
			if t, gerr := r.store.GetTask(ctx, id); gerr == nil {
				kind = t.Kind
			}
			r.finish(ctx, id, kind, types.TaskCancelled, "task cancelled")
		} else {
			r.logger.Debug().Int64("task", id).Str("state", string(state)).Msg("task no longer queued, dropping")
		}
		return
	}

	t, err := r.store.GetTask(ctx, id)
	if err != nil {
		r.logger.Error().Err(err).Int64("task", id).Msg("failed to load claimed task")
		return
	}

	body, ok := r.registry[t.Kind]
	if !ok {
		r.finish(ctx, id, t.Kind, types.TaskError, fmt.Sprintf("no handler for task kind %q", t.Kind))
		return
	}

	dir := filepath.Join(r.dir, strconv.FormatInt(id, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		r.finish(ctx, id, t.Kind, types.TaskError, fmt.Sprintf("failed to create log dir: %v", err))
		return
	}
	debug, err := os.OpenFile(filepath.Join(dir, StreamDebug), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.finish(ctx, id, t.Kind, types.TaskError, fmt.Sprintf("failed to open debug stream: %v", err))
		return
	}
	defer debug.Close()
	events, err := os.OpenFile(filepath.Join(dir, StreamEvent), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		r.finish(ctx, id, t.Kind, types.TaskError, fmt.Sprintf("failed to open event stream: %v", err))
		return
	}
	defer events.Close()

	run := &Run{
		Task:   t,
		Logger: log.TaskLogger(id, debug),
		Events: NewEventLog(events),
	}

	bodyCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	go r.watchCancel(bodyCtx, id, cancel)

	run.Logger.Info().Str("kind", string(t.Kind)).Str("description", t.Description).Msg("task started")
	timer := prometheus.NewTimer(metrics.TaskDuration.WithLabelValues(string(t.Kind)))
	result, err := body(bodyCtx, run)
	timer.ObserveDuration()

	switch {
	case err == nil:
		run.Logger.Info().Msg("task finished")
		r.writeResult(dir, result)
		r.finish(ctx, id, t.Kind, types.TaskDone, result)
	case direrrors.IsCancelled(err) || direrrors.IsCancelled(context.Cause(bodyCtx)):
		run.Logger.Info().Msg("task cancelled")
		r.writeResult(dir, "task cancelled")
		r.finish(ctx, id, t.Kind, types.TaskCancelled, "task cancelled")
	default:
		run.Logger.Error().Err(err).Msg("task failed")
		msg := resultFor(err)
		r.writeResult(dir, msg)
		r.finish(ctx, id, t.Kind, types.TaskError, msg)
	}
}

// watchCancel polls the task's cancellation flag and cancels the body
// context with a cancelled cause when it is set.
func (r *Runner) watchCancel(ctx context.Context, id int64, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(r.cancelPoll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			requested, err := r.store.TaskCancelRequested(ctx, id)
			if err != nil {
				continue
			}
			if requested {
				cancel(direrrors.Cancelled(id))
				return
			}
		}
	}
}

func (r *Runner) finish(ctx context.Context, id int64, kind types.TaskKind, state types.TaskState, result string) {
	if err := r.store.FinishTask(ctx, id, state, result); err != nil {
		r.logger.Error().Err(err).Int64("task", id).Msg("failed to finish task")
		return
	}
	metrics.TasksProcessed.WithLabelValues(string(kind), string(state)).Inc()
	r.logger.Info().Int64("task", id).Str("state", string(state)).Msg("task finished")
}

func (r *Runner) writeResult(dir, result string) {
	if err := os.WriteFile(filepath.Join(dir, StreamResult), []byte(result+"\n"), 0o644); err != nil {
		r.logger.Error().Err(err).Msg("failed to write result stream")
	}
}

// resultFor renders an error for the result stream: domain errors keep their
// stable code, everything else is reported as-is.
func resultFor(err error) string {
	if code := direrrors.CodeOf(err); code != 0 {
		payload, merr := json.Marshal(map[string]interface{}{
			"code":        code,
			"description": err.Error(),
		})
		if merr == nil {
			return string(payload)
		}
	}
	return err.Error()
}
