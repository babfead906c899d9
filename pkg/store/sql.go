package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	sqrl "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

// SQLStore is the Postgres-backed Store shared by all director processes.
type SQLStore struct {
	db *sqlx.DB
}

// NewSQL connects to the registry database.
func NewSQL(url string, maxOpenConns int, connMaxLifetime time.Duration) (*SQLStore, error) {
	db, err := sqlx.Connect("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if maxOpenConns > 0 {
		db.SetMaxOpenConns(maxOpenConns)
	}
	if connMaxLifetime > 0 {
		db.SetConnMaxLifetime(connMaxLifetime)
	}
	return &SQLStore{db: db}, nil
}

// Migrate applies the embedded schema. Safe to run repeatedly.
func (s *SQLStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }
func (s *SQLStore) Close() error                   { return s.db.Close() }

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

// ---- users ----

func (s *SQLStore) CreateUser(ctx context.Context, u *types.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash) VALUES ($1, $2)`,
		u.Username, u.PasswordHash)
	if isUniqueViolation(err) {
		return direrrors.ValidationFailed(fmt.Sprintf("user %q already exists", u.Username))
	}
	return err
}

func (s *SQLStore) UpdateUser(ctx context.Context, u *types.User) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE users SET password_hash = $2 WHERE username = $1`,
		u.Username, u.PasswordHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return direrrors.NotFound("user", u.Username)
	}
	return nil
}

func (s *SQLStore) DeleteUser(ctx context.Context, username string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM users WHERE username = $1`, username)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return direrrors.NotFound("user", username)
	}
	return nil
}

func (s *SQLStore) GetUser(ctx context.Context, username string) (*types.User, error) {
	u := &types.User{}
	err := s.db.GetContext(ctx, u, `SELECT * FROM users WHERE username = $1`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, direrrors.NotFound("user", username)
	}
	return u, err
}

// ---- tasks ----

func (s *SQLStore) CreateTask(ctx context.Context, t *types.Task) error {
	if t.State == "" {
		t.State = types.TaskQueued
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = time.Now().UTC()
	}
	if len(t.Args) == 0 {
		t.Args = []byte("{}")
	}
	return s.db.GetContext(ctx, &t.ID,
		`INSERT INTO tasks (state, kind, description, timestamp, args)
		 VALUES ($1, $2, $3, $4, $5::jsonb) RETURNING id`,
		t.State, t.Kind, t.Description, t.Timestamp, string(t.Args))
}

func (s *SQLStore) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	t := &types.Task{}
	err := s.db.GetContext(ctx, t, `SELECT * FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, direrrors.NotFound("task", fmt.Sprintf("%d", id))
	}
	return t, err
}

func (s *SQLStore) ListTasks(ctx context.Context, limit int, states []types.TaskState) ([]*types.Task, error) {
	q := sqrl.Select("*").From("tasks").OrderBy("id DESC").PlaceholderFormat(sqrl.Dollar)
	if len(states) > 0 {
		q = q.Where(sqrl.Eq{"state": states})
	}
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	tasks := []*types.Task{}
	return tasks, s.db.SelectContext(ctx, &tasks, query, args...)
}

func (s *SQLStore) ClaimTask(ctx context.Context, id int64) (bool, types.TaskState, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = $2 WHERE id = $1 AND state = $3`,
		id, types.TaskProcessing, types.TaskQueued)
	if err != nil {
		return false, "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, "", err
	}
	if n == 1 {
		return true, types.TaskProcessing, nil
	}
	var state types.TaskState
	err = s.db.GetContext(ctx, &state, `SELECT state FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, "", direrrors.NotFound("task", fmt.Sprintf("%d", id))
	}
	return false, state, err
}

func (s *SQLStore) FinishTask(ctx context.Context, id int64, state types.TaskState, result string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = $2, result = $3 WHERE id = $1`, id, state, result)
	return err
}

func (s *SQLStore) RequestTaskCancel(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = $2 WHERE id = $1 AND state IN ($3, $4)`,
		id, types.TaskCancelling, types.TaskQueued, types.TaskProcessing)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLStore) TaskCancelRequested(ctx context.Context, id int64) (bool, error) {
	var state types.TaskState
	err := s.db.GetContext(ctx, &state, `SELECT state FROM tasks WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, direrrors.NotFound("task", fmt.Sprintf("%d", id))
	}
	return state == types.TaskCancelling, err
}

// ---- locks ----

func (s *SQLStore) TryAcquireLock(ctx context.Context, name, uid string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (name, uid, expires_at)
		 VALUES ($1, $2, now() + make_interval(secs => $3))
		 ON CONFLICT (name) DO UPDATE
		 SET uid = EXCLUDED.uid, expires_at = EXCLUDED.expires_at
		 WHERE locks.expires_at < now()`,
		name, uid, ttl.Seconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLStore) RenewLock(ctx context.Context, name, uid string, ttl time.Duration) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE locks SET expires_at = now() + make_interval(secs => $3)
		 WHERE name = $1 AND uid = $2 AND expires_at >= now()`,
		name, uid, ttl.Seconds())
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (s *SQLStore) ReleaseLock(ctx context.Context, name, uid string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE name = $1 AND uid = $2`, name, uid)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ---- ops ----

func (s *SQLStore) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{TasksByState: map[types.TaskState]int64{}}

	rows, err := s.db.QueryxContext(ctx, `SELECT state, count(*) FROM tasks GROUP BY state`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var state types.TaskState
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats.TasksByState[state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	counts := []struct {
		table string
		dest  *int64
	}{
		{"deployments", &stats.Deployments},
		{"releases", &stats.Releases},
		{"stemcells", &stats.Stemcells},
		{"vms", &stats.VMs},
		{"instances", &stats.Instances},
	}
	for _, c := range counts {
		if err := s.db.GetContext(ctx, c.dest, fmt.Sprintf(`SELECT count(*) FROM %s`, c.table)); err != nil {
			return nil, err
		}
	}
	return stats, nil
}
