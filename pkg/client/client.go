package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/types"
)

// Client talks to a director over its HTTP API with basic auth. Mutations
// return the task the director started; WaitTask polls it to completion.
type Client struct {
	base     string
	username string
	password string
	http     *http.Client
}

// New builds a client for the director at base (e.g. "http://director:25555").
func New(base, username, password string) *Client {
	return &Client{
		base:     strings.TrimRight(base, "/"),
		username: username,
		password: password,
		http: &http.Client{
			// mutations answer with a redirect to the task; stop there so
			// the task id is not lost
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Timeout: 5 * time.Minute,
		},
	}
}

func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.username, c.password)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to %s failed: %w", path, err)
	}
	return resp, nil
}

// decodeError turns an API error body back into a domain error.
func decodeError(resp *http.Response) error {
	defer resp.Body.Close()
	var body struct {
		Code        int    `json:"code"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil || body.Code == 0 {
		return fmt.Errorf("director returned status %d", resp.StatusCode)
	}
	return direrrors.New(body.Code, resp.StatusCode, "%s", body.Description)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, http.MethodGet, path, "", nil)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return decodeError(resp)
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

// taskFrom parses the task id out of a 302 Location.
func taskFrom(resp *http.Response) (int64, error) {
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusFound {
		return 0, decodeError(resp)
	}
	loc := resp.Header.Get("Location")
	id, err := strconv.ParseInt(strings.TrimPrefix(loc, "/tasks/"), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unexpected task location %q", loc)
	}
	return id, nil
}

// Status returns the director's identity banner.
func (c *Client) Status(ctx context.Context) (string, error) {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.getJSON(ctx, "/status", &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// UploadRelease streams a release tarball and returns the ingest task id.
func (c *Client) UploadRelease(ctx context.Context, tarball io.Reader) (int64, error) {
	resp, err := c.do(ctx, http.MethodPost, "/releases", "application/x-compressed", tarball)
	if err != nil {
		return 0, err
	}
	return taskFrom(resp)
}

// UploadStemcell streams a stemcell tarball and returns the ingest task id.
func (c *Client) UploadStemcell(ctx context.Context, tarball io.Reader) (int64, error) {
	resp, err := c.do(ctx, http.MethodPost, "/stemcells", "application/x-compressed", tarball)
	if err != nil {
		return 0, err
	}
	return taskFrom(resp)
}

// Deploy submits a deployment manifest and returns the update task id.
func (c *Client) Deploy(ctx context.Context, manifest []byte) (int64, error) {
	resp, err := c.do(ctx, http.MethodPost, "/deployments", "text/yaml", bytes.NewReader(manifest))
	if err != nil {
		return 0, err
	}
	return taskFrom(resp)
}

// DeleteDeployment starts teardown of a deployment.
func (c *Client) DeleteDeployment(ctx context.Context, name string) (int64, error) {
	resp, err := c.do(ctx, http.MethodDelete, "/deployments/"+name, "", nil)
	if err != nil {
		return 0, err
	}
	return taskFrom(resp)
}

// DeleteRelease starts deletion of a release and all its versions.
func (c *Client) DeleteRelease(ctx context.Context, name string, force bool) (int64, error) {
	path := "/releases/" + name
	if force {
		path += "?force=true"
	}
	resp, err := c.do(ctx, http.MethodDelete, path, "", nil)
	if err != nil {
		return 0, err
	}
	return taskFrom(resp)
}

// DeleteStemcell starts deletion of a stemcell version.
func (c *Client) DeleteStemcell(ctx context.Context, name, version string) (int64, error) {
	resp, err := c.do(ctx, http.MethodDelete, "/stemcells/"+name+"/"+version, "", nil)
	if err != nil {
		return 0, err
	}
	return taskFrom(resp)
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	var t types.Task
	if err := c.getJSON(ctx, fmt.Sprintf("/tasks/%d", id), &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// CancelTask requests cooperative cancellation of a task.
func (c *Client) CancelTask(ctx context.Context, id int64) error {
	resp, err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/tasks/%d", id), "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		return decodeError(resp)
	}
	return nil
}

// TaskOutput fetches one of the task's output streams; empty when the stream
// has not been written yet.
func (c *Client) TaskOutput(ctx context.Context, id int64, stream string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, fmt.Sprintf("/tasks/%d/output?type=%s", id, stream), "", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		b, err := io.ReadAll(resp.Body)
		return string(b), err
	case http.StatusNoContent:
		return "", nil
	default:
		return "", decodeError(resp)
	}
}

// WaitTask polls a task until it reaches a terminal state or ctx is done.
func (c *Client) WaitTask(ctx context.Context, id int64, poll time.Duration) (*types.Task, error) {
	if poll <= 0 {
		poll = time.Second
	}
	for {
		t, err := c.GetTask(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.State.Finished() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}
