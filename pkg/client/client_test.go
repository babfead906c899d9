package client

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/meridianhq/drydock/pkg/api"
	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/jobs"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/task"
	"github.com/meridianhq/drydock/pkg/types"
)

type clientFixture struct {
	s      *store.MemoryStore
	tasks  *task.Manager
	client *Client
}

func newFixture(t *testing.T) *clientFixture {
	t.Helper()
	s := store.NewMemory()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(context.Background(), &types.User{
		Username: "admin", PasswordHash: string(hash),
	}))

	tasks := task.NewManager(s, task.NewMemoryQueue(), t.TempDir())
	srv := api.NewServer(s, tasks, api.Info{Name: "drydock", UUID: "deadbeef", Version: "0.1.0"}, t.TempDir())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &clientFixture{s: s, tasks: tasks, client: New(ts.URL, "admin", "secret")}
}

func TestStatus(t *testing.T) {
	f := newFixture(t)

	status, err := f.client.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Drydock Director (logged in as admin)", status)
}

func TestBadCredentialsDecodeAsDirectorError(t *testing.T) {
	f := newFixture(t)
	f.client.password = "wrong"

	_, err := f.client.Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeNotAuthorized, direrrors.CodeOf(err))
}

func TestDeployReturnsTaskID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.client.Deploy(ctx, []byte("name: prod\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	tk, err := f.client.GetTask(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.TaskUpdateDeployment, tk.Kind)
	assert.Equal(t, types.TaskQueued, tk.State)
}

func TestDeployBadManifest(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.Deploy(context.Background(), []byte("{{nope"))
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeBadManifest, direrrors.CodeOf(err))
	assert.Equal(t, 400, direrrors.StatusOf(err))
}

func TestUploadReleaseSpoolsTarball(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	payload := []byte("pretend gzip tarball")
	id, err := f.client.UploadRelease(ctx, bytes.NewReader(payload))
	require.NoError(t, err)

	tk, err := f.s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, types.TaskUpdateRelease, tk.Kind)

	var args jobs.UpdateReleaseArgs
	require.NoError(t, json.Unmarshal(tk.Args, &args))
	spooled, err := os.ReadFile(args.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, spooled)
}

func TestDeleteReleaseForce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.client.DeleteRelease(ctx, "redis", true)
	require.NoError(t, err)

	tk, err := f.s.GetTask(ctx, id)
	require.NoError(t, err)
	var args jobs.DeleteReleaseArgs
	require.NoError(t, json.Unmarshal(tk.Args, &args))
	assert.Equal(t, "redis", args.Name)
	assert.True(t, args.Force)
}

func TestDeleteUnknownDeployment(t *testing.T) {
	f := newFixture(t)

	_, err := f.client.DeleteDeployment(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeNotFound, direrrors.CodeOf(err))
}

func TestWaitTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id, err := f.client.Deploy(ctx, []byte("name: prod\n"))
	require.NoError(t, err)

	// finish the task out of band as a worker would
	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = f.s.FinishTask(ctx, id, types.TaskDone, "deployment \"prod\" updated")
	}()

	waitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	tk, err := f.client.WaitTask(waitCtx, id, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, types.TaskDone, tk.State)
	assert.Equal(t, `deployment "prod" updated`, tk.Result)
}

func TestTaskOutput(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, err := f.tasks.Create(ctx, types.TaskUpdateRelease, "create release", nil)
	require.NoError(t, err)

	// stream not written yet
	out, err := f.client.TaskOutput(ctx, tk.ID, task.StreamEvent)
	require.NoError(t, err)
	assert.Empty(t, out)

	dir := f.tasks.OutputDir(tk.ID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, task.StreamEvent), []byte("event line\n"), 0o644))

	out, err = f.client.TaskOutput(ctx, tk.ID, task.StreamEvent)
	require.NoError(t, err)
	assert.Equal(t, "event line\n", out)
}

func TestCancelTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tk, err := f.tasks.Create(ctx, types.TaskUpdateDeployment, "create deployment prod", nil)
	require.NoError(t, err)

	require.NoError(t, f.client.CancelTask(ctx, tk.ID))

	got, err := f.s.GetTask(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelling, got.State)
}
