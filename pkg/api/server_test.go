package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/jobs"
	"github.com/meridianhq/drydock/pkg/metrics"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/task"
	"github.com/meridianhq/drydock/pkg/types"
)

type apiFixture struct {
	s       *store.MemoryStore
	tasks   *task.Manager
	handler http.Handler
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	s := store.NewMemory()
	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, s.CreateUser(context.Background(), &types.User{
		Username: "admin", PasswordHash: string(hash),
	}))

	tasks := task.NewManager(s, task.NewMemoryQueue(), t.TempDir())
	srv := NewServer(s, tasks, Info{Name: "drydock", UUID: "deadbeef", Version: "0.1.0"}, t.TempDir())
	return &apiFixture{s: s, tasks: tasks, handler: srv.Handler()}
}

func (f *apiFixture) do(t *testing.T, method, path, contentType string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	req.SetBasicAuth("admin", "secret")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) int {
	t.Helper()
	var body struct {
		Code int `json:"code"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body.Code
}

func TestRequiresBasicAuth(t *testing.T) {
	f := newAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, direrrors.CodeNotAuthorized, errCode(t, w))

	req = httptest.NewRequest(http.MethodGet, "/status", nil)
	req.SetBasicAuth("admin", "wrong")
	w = httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHealthSkipsAuth(t *testing.T) {
	s := store.NewMemory()
	tasks := task.NewManager(s, task.NewMemoryQueue(), t.TempDir())
	srv := NewServer(s, tasks, Info{Name: "drydock"}, t.TempDir())
	h := metrics.NewHealth("0.1.0")
	h.Register("database", s.Ping)
	srv.Health(h)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy"`)
}

func TestStatusReportsUser(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodGet, "/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		Status string `json:"status"`
		Name   string `json:"name"`
		UUID   string `json:"uuid"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "Drydock Director (logged in as admin)", body.Status)
	assert.Equal(t, "drydock", body.Name)
	assert.Equal(t, "deadbeef", body.UUID)
}

func TestCreateDeploymentRedirectsToTask(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodPost, "/deployments", "text/yaml", []byte("name: prod\n"))
	require.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "/tasks/1", w.Header().Get("Location"))

	tk, err := f.s.GetTask(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskUpdateDeployment, tk.Kind)
	assert.Equal(t, types.TaskQueued, tk.State)
	assert.Equal(t, "create deployment prod", tk.Description)
}

func TestCreateDeploymentRejectsWrongContentType(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodPost, "/deployments", "application/json", []byte("name: prod\n"))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateDeploymentRejectsBadManifest(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodPost, "/deployments", "text/yaml", []byte("{{nope"))
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, direrrors.CodeBadManifest, errCode(t, w))
}

func TestUploadReleaseSpoolsBody(t *testing.T) {
	f := newAPI(t)

	payload := []byte("pretend gzip tarball")
	w := f.do(t, http.MethodPost, "/releases", "application/x-compressed", payload)
	require.Equal(t, http.StatusFound, w.Code)

	tk, err := f.s.GetTask(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, types.TaskUpdateRelease, tk.Kind)

	var args jobs.UpdateReleaseArgs
	require.NoError(t, json.Unmarshal(tk.Args, &args))
	spooled, err := os.ReadFile(args.Path)
	require.NoError(t, err)
	assert.Equal(t, payload, spooled)
}

func TestDeleteReleaseCarriesForce(t *testing.T) {
	f := newAPI(t)

	w := f.do(t, http.MethodDelete, "/releases/redis?force=true", "", nil)
	require.Equal(t, http.StatusFound, w.Code)

	tk, err := f.s.GetTask(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, types.TaskDeleteRelease, tk.Kind)

	var args jobs.DeleteReleaseArgs
	require.NoError(t, json.Unmarshal(tk.Args, &args))
	assert.Equal(t, "redis", args.Name)
	assert.True(t, args.Force)
}

func TestListReleasesWithVersions(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	rel, err := f.s.CreateRelease(ctx, "redis")
	require.NoError(t, err)
	_, err = f.s.CreateReleaseVersion(ctx, rel.ID, "1")
	require.NoError(t, err)
	_, err = f.s.CreateReleaseVersion(ctx, rel.ID, "2")
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/releases", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out []struct {
		Name     string   `json:"name"`
		Versions []string `json:"versions"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "redis", out[0].Name)
	assert.Equal(t, []string{"1", "2"}, out[0].Versions)
}

func TestListStemcells(t *testing.T) {
	f := newAPI(t)
	require.NoError(t, f.s.CreateStemcell(context.Background(), &types.Stemcell{
		Name: "ubuntu-stemcell", Version: "0.1", CID: "sc-1", SHA1: "abc123",
	}))

	w := f.do(t, http.MethodGet, "/stemcells", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out []struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		CID     string `json:"cid"`
		SHA1    string `json:"sha1"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out, 1)
	assert.Equal(t, "sc-1", out[0].CID)
	assert.Equal(t, "abc123", out[0].SHA1)
}

func TestDeleteUnknownDeployment(t *testing.T) {
	f := newAPI(t)
	w := f.do(t, http.MethodDelete, "/deployments/ghost", "", nil)
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, direrrors.CodeNotFound, errCode(t, w))
}

func TestTaskListAndGet(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	_, err := f.tasks.Create(ctx, types.TaskUpdateRelease, "create release", nil)
	require.NoError(t, err)
	_, err = f.tasks.Create(ctx, types.TaskDeleteRelease, "delete release redis", nil)
	require.NoError(t, err)

	w := f.do(t, http.MethodGet, "/tasks?limit=1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []types.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, int64(2), list[0].ID) // newest first

	w = f.do(t, http.MethodGet, "/tasks/1", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got types.Task
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "create release", got.Description)

	w = f.do(t, http.MethodGet, "/tasks/99", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestTaskOutputStreams(t *testing.T) {
	f := newAPI(t)
	tk, err := f.tasks.Create(context.Background(), types.TaskUpdateRelease, "create release", nil)
	require.NoError(t, err)

	// nothing written yet
	w := f.do(t, http.MethodGet, "/tasks/1/output", "", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	dir := f.tasks.OutputDir(tk.ID)
	require.NoError(t, os.WriteFile(filepath.Join(dir, task.StreamEvent), []byte("event line\n"), 0o644))
	w = f.do(t, http.MethodGet, "/tasks/1/output?type=event", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "event line\n", w.Body.String())

	w = f.do(t, http.MethodGet, "/tasks/1/output?type=bogus", "", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, direrrors.CodeValidationFailed, errCode(t, w))
}

func TestCancelTask(t *testing.T) {
	f := newAPI(t)
	ctx := context.Background()
	_, err := f.tasks.Create(ctx, types.TaskUpdateDeployment, "create deployment prod", nil)
	require.NoError(t, err)

	w := f.do(t, http.MethodDelete, "/tasks/1", "", nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	tk, err := f.s.GetTask(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, types.TaskCancelling, tk.State)

	// terminal tasks cannot be cancelled
	require.NoError(t, f.s.FinishTask(ctx, 1, types.TaskCancelled, "task cancelled"))
	w = f.do(t, http.MethodDelete, "/tasks/1", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUserLifecycle(t *testing.T) {
	f := newAPI(t)

	body, _ := json.Marshal(map[string]string{"username": "reader", "password": "hunter2"})
	w := f.do(t, http.MethodPost, "/users", "application/json", body)
	require.Equal(t, http.StatusNoContent, w.Code)

	// the new user can authenticate
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	req.SetBasicAuth("reader", "hunter2")
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	// renames via PUT are rejected
	body, _ = json.Marshal(map[string]string{"username": "writer", "password": "hunter3"})
	w = f.do(t, http.MethodPut, "/users/reader", "application/json", body)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, direrrors.CodeUserImmutableUsername, errCode(t, w))

	w = f.do(t, http.MethodDelete, "/users/reader", "application/json", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
}
