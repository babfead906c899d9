package task

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/rs/zerolog"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/types"
)

// Streams of a task's log directory.
const (
	StreamDebug  = "debug"
	StreamEvent  = "event"
	StreamResult = "result"
)

// Manager creates task records, allocates their log directories and hands
// the ids to the queue. The API layer uses it; workers run tasks through
// Runner.
type Manager struct {
	store  store.Store
	queue  Queue
	dir    string
	logger zerolog.Logger
}

// NewManager builds a manager writing task logs under dir.
func NewManager(s store.Store, q Queue, dir string) *Manager {
	return &Manager{store: s, queue: q, dir: dir, logger: log.WithComponent("tasks")}
}

// Create inserts a queued task row, allocates its log directory and enqueues
// the id. It returns immediately; the caller redirects to the task location.
func (m *Manager) Create(ctx context.Context, kind types.TaskKind, description string, args interface{}) (*types.Task, error) {
	data, err := json.Marshal(args)
	if err != nil {
		return nil, fmt.Errorf("failed to encode task arguments: %w", err)
	}

	t := &types.Task{Kind: kind, Description: description, Args: data}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(m.OutputDir(t.ID), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create task log dir: %w", err)
	}
	if err := m.queue.Enqueue(ctx, kind, t.ID); err != nil {
		return nil, fmt.Errorf("failed to enqueue task %d: %w", t.ID, err)
	}

	m.logger.Info().
		Int64("task", t.ID).
		Str("kind", string(kind)).
		Str("description", description).
		Msg("task created")
	return t, nil
}

// Cancel requests cooperative cancellation. A queued task is cancelled at
// pickup; a processing one at its next suspension point. Finished tasks
// cannot be cancelled.
func (m *Manager) Cancel(ctx context.Context, id int64) error {
	ok, err := m.store.RequestTaskCancel(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		return direrrors.ValidationFailed(fmt.Sprintf("task %d is already finished", id))
	}
	m.logger.Info().Int64("task", id).Msg("task cancellation requested")
	return nil
}

// OutputDir is the task's log directory.
func (m *Manager) OutputDir(id int64) string {
	return filepath.Join(m.dir, strconv.FormatInt(id, 10))
}

// OutputPath is the path of one stream within the task's log directory.
func (m *Manager) OutputPath(id int64, stream string) string {
	return filepath.Join(m.OutputDir(id), stream)
}
