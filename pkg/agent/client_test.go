package agent

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianhq/drydock/pkg/bus"
	direrrors "github.com/meridianhq/drydock/pkg/errors"
)

// startFakeAgent subscribes an RPC responder on the bus. handle returns the
// response for one request, or nil to swallow the request without replying.
func startFakeAgent(t *testing.T, b *bus.MemoryBus, id string, handle func(method string, args []json.RawMessage) *Response) {
	t.Helper()
	_, err := b.Subscribe(bus.AgentSubject(id), func(_ string, data []byte) {
		var req struct {
			Method    string            `json:"method"`
			Arguments []json.RawMessage `json:"arguments"`
			ReplyTo   string            `json:"reply_to"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			t.Errorf("malformed request: %v", err)
			return
		}
		resp := handle(req.Method, req.Arguments)
		if resp == nil {
			return
		}
		payload, _ := json.Marshal(resp)
		b.Publish(req.ReplyTo, payload)
	})
	require.NoError(t, err)
}

func value(v interface{}) *Response {
	raw, _ := json.Marshal(v)
	return &Response{Value: raw}
}

func TestCallRoundTrip(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	startFakeAgent(t, b, "agent-1", func(method string, _ []json.RawMessage) *Response {
		assert.Equal(t, "ping", method)
		return value("pong")
	})

	c := NewClient(b, "director-uuid", Options{ReplyTimeout: time.Second})
	raw, err := c.Call(context.Background(), "agent-1", "ping")
	require.NoError(t, err)
	assert.JSONEq(t, `"pong"`, string(raw))
}

func TestCallRemoteException(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	startFakeAgent(t, b, "agent-1", func(string, []json.RawMessage) *Response {
		return &Response{Exception: &RemoteError{Message: "no such disk"}}
	})

	c := NewClient(b, "director-uuid", Options{ReplyTimeout: time.Second})
	_, err := c.Call(context.Background(), "agent-1", "start")
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeRemoteError, direrrors.CodeOf(err))
	assert.Contains(t, err.Error(), "no such disk")
}

func TestCallTimeout(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	// no agent subscribed at all

	c := NewClient(b, "director-uuid", Options{ReplyTimeout: 20 * time.Millisecond})
	_, err := c.Call(context.Background(), "agent-gone", "start")
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeAgentTimeout, direrrors.CodeOf(err))
}

// TestIdempotentRetry verifies ping is retried on timeout but start is not
func TestIdempotentRetry(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	var pings, starts int32
	startFakeAgent(t, b, "agent-1", func(method string, _ []json.RawMessage) *Response {
		if method == "ping" {
			atomic.AddInt32(&pings, 1)
		} else {
			atomic.AddInt32(&starts, 1)
		}
		return nil // never reply, force timeouts
	})

	c := NewClient(b, "director-uuid", Options{ReplyTimeout: 15 * time.Millisecond})

	_, err := c.Call(context.Background(), "agent-1", "start")
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeAgentTimeout, direrrors.CodeOf(err))

	_, err = c.Call(context.Background(), "agent-1", "ping")
	require.Error(t, err)
	assert.Equal(t, direrrors.CodeAgentTimeout, direrrors.CodeOf(err))

	// give in-flight deliveries a moment to land
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&starts))
	assert.Equal(t, int32(3), atomic.LoadInt32(&pings))
}

// TestCallTaskPollsToCompletion verifies the task-handle flow
func TestCallTaskPollsToCompletion(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	var polls int32
	startFakeAgent(t, b, "agent-1", func(method string, args []json.RawMessage) *Response {
		switch method {
		case "compile_package":
			return value(map[string]string{"agent_task_id": "at-7", "state": "running"})
		case "get_task":
			var id string
			require.NoError(t, json.Unmarshal(args[0], &id))
			assert.Equal(t, "at-7", id)
			if atomic.AddInt32(&polls, 1) < 2 {
				return value(map[string]string{"agent_task_id": "at-7", "state": "running"})
			}
			return value(map[string]interface{}{
				"result": map[string]string{"sha1": "abc", "blobstore_id": "blob-1"},
			})
		default:
			t.Errorf("unexpected method %s", method)
			return nil
		}
	})

	c := NewClient(b, "director-uuid", Options{ReplyTimeout: time.Second, TaskPollMax: 10 * time.Millisecond})
	res, err := c.CompilePackage(context.Background(), "agent-1", "src-blob", "sha", "nginx", "1.2", nil)
	require.NoError(t, err)
	assert.Equal(t, "blob-1", res.BlobstoreID)
	assert.Equal(t, "abc", res.SHA1)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&polls), int32(2))
}

// TestWaitTaskContextCancel verifies cancellation between polls
func TestWaitTaskContextCancel(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	startFakeAgent(t, b, "agent-1", func(string, []json.RawMessage) *Response {
		return value(map[string]string{"agent_task_id": "at-1", "state": "running"})
	})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()

	c := NewClient(b, "director-uuid", Options{ReplyTimeout: time.Second, TaskPollMax: 10 * time.Millisecond})
	_, err := c.WaitTask(ctx, "agent-1", "at-1")
	require.ErrorIs(t, err, context.Canceled)
}

// TestConcurrentCallsSameAgent verifies replies never cross between calls
func TestConcurrentCallsSameAgent(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()
	startFakeAgent(t, b, "agent-1", func(method string, args []json.RawMessage) *Response {
		var n int
		json.Unmarshal(args[0], &n)
		return value(n)
	})

	c := NewClient(b, "director-uuid", Options{ReplyTimeout: time.Second})
	done := make(chan error, 10)
	for i := 0; i < 10; i++ {
		go func(n int) {
			raw, err := c.Call(context.Background(), "agent-1", "echo", n)
			if err != nil {
				done <- err
				return
			}
			var got int
			if err := json.Unmarshal(raw, &got); err != nil {
				done <- err
				return
			}
			if got != n {
				done <- assert.AnError
				return
			}
			done <- nil
		}(i)
	}
	for i := 0; i < 10; i++ {
		require.NoError(t, <-done)
	}
}
