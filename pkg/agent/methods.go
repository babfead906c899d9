package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/meridianhq/drydock/pkg/types"
)

// State is the agent's view of its instance, returned by get_state.
type State struct {
	JobState   string `json:"job_state"` // "running", "failing", "unknown"
	Deployment string `json:"deployment"`
	AgentID    string `json:"agent_id"`
}

// CompileResult is the final value of a compile_package agent task.
type CompileResult struct {
	SHA1        string `json:"sha1"`
	BlobstoreID string `json:"blobstore_id"`
}

// Ping checks liveness. Agents reply "pong" as soon as they are up.
func (c *Client) Ping(ctx context.Context, agentID string) error {
	_, err := c.Call(ctx, agentID, "ping")
	return err
}

// WaitUntilReady pings a fresh VM's agent until it answers. Used after
// create_vm, where the agent may take a while to boot; the interval between
// attempts is fixed because the agent's startup time dominates.
func (c *Client) WaitUntilReady(ctx context.Context, agentID string, attempts int) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = c.Ping(ctx, agentID); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
	}
	return err
}

// Apply pushes a desired-state spec to the agent.
func (c *Client) Apply(ctx context.Context, agentID string, spec *types.ApplySpec) error {
	_, err := c.CallTask(ctx, agentID, "apply", spec)
	return err
}

// Start starts the instance's job processes.
func (c *Client) Start(ctx context.Context, agentID string) error {
	_, err := c.Call(ctx, agentID, "start")
	return err
}

// Stop gracefully stops the instance's job processes.
func (c *Client) Stop(ctx context.Context, agentID string) error {
	_, err := c.CallTask(ctx, agentID, "stop")
	return err
}

// GetState fetches the agent's current view of its instance.
func (c *Client) GetState(ctx context.Context, agentID string) (*State, error) {
	value, err := c.Call(ctx, agentID, "get_state")
	if err != nil {
		return nil, err
	}
	var st State
	if err := json.Unmarshal(value, &st); err != nil {
		return nil, fmt.Errorf("malformed get_state reply from agent %s: %w", agentID, err)
	}
	return &st, nil
}

// CompilePackage compiles a source package on the agent's VM. deps maps
// dependency package names to their already compiled artifacts, which the
// agent downloads and installs before building.
func (c *Client) CompilePackage(ctx context.Context, agentID, blobstoreID, sha1, name, version string, deps map[string]types.PackageSpec) (*CompileResult, error) {
	value, err := c.CallTask(ctx, agentID, "compile_package", blobstoreID, sha1, name, version, deps)
	if err != nil {
		return nil, err
	}
	// agents wrap the compile output in a result envelope
	var envelope struct {
		Result CompileResult `json:"result"`
	}
	if err := json.Unmarshal(value, &envelope); err != nil {
		return nil, fmt.Errorf("malformed compile_package reply from agent %s: %w", agentID, err)
	}
	if envelope.Result.BlobstoreID == "" {
		return nil, fmt.Errorf("compile_package reply from agent %s has no blobstore id", agentID)
	}
	return &envelope.Result, nil
}

// MountDisk mounts an attached persistent disk on the instance.
func (c *Client) MountDisk(ctx context.Context, agentID, diskCID string) error {
	_, err := c.CallTask(ctx, agentID, "mount_disk", diskCID)
	return err
}

// UnmountDisk unmounts a persistent disk before detaching it.
func (c *Client) UnmountDisk(ctx context.Context, agentID, diskCID string) error {
	_, err := c.CallTask(ctx, agentID, "unmount_disk", diskCID)
	return err
}

// MigrateDisk copies persistent data from the old disk to the new one. Both
// disks must be attached and the old one mounted.
func (c *Client) MigrateDisk(ctx context.Context, agentID, oldDiskCID, newDiskCID string) error {
	_, err := c.CallTask(ctx, agentID, "migrate_disk", oldDiskCID, newDiskCID)
	return err
}

// ListDisk returns the cids of the persistent disks the agent sees.
func (c *Client) ListDisk(ctx context.Context, agentID string) ([]string, error) {
	value, err := c.CallTask(ctx, agentID, "list_disk")
	if err != nil {
		return nil, err
	}
	var cids []string
	if err := json.Unmarshal(value, &cids); err != nil {
		return nil, fmt.Errorf("malformed list_disk reply from agent %s: %w", agentID, err)
	}
	return cids, nil
}
