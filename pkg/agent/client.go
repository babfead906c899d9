package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/meridianhq/drydock/pkg/bus"
	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/metrics"
)

// Request is the wire format published to agent.<agent_id>.
type Request struct {
	Method    string        `json:"method"`
	Arguments []interface{} `json:"arguments"`
	ReplyTo   string        `json:"reply_to"`
}

// Response is the wire format an agent publishes to the reply inbox. Exactly
// one of Value and Exception is set.
type Response struct {
	Value     json.RawMessage `json:"value,omitempty"`
	Exception *RemoteError    `json:"exception,omitempty"`
}

// RemoteError is the payload of an agent-side exception.
type RemoteError struct {
	Message string `json:"message"`
}

// taskHandle is what long-running agent methods return instead of a value.
// get_task with the handle's id returns the handle again while running and
// the final value once finished.
type taskHandle struct {
	AgentTaskID string `json:"agent_task_id"`
	State       string `json:"state"`
}

// Options tunes the client. Zero values default to 30s per RPC, a 4s poll
// cap, and no overall deadline on agent tasks.
type Options struct {
	ReplyTimeout time.Duration // per-call reply deadline
	TaskPollMax  time.Duration // cap on the get_task poll backoff
	TaskTimeout  time.Duration // overall deadline for WaitTask, 0 = none
}

// Client performs request/response RPC with agents over the bus. Replies are
// matched purely by the per-invocation inbox subject, so concurrent calls to
// one agent never cross.
type Client struct {
	bus          bus.Bus
	directorUUID string
	opts         Options
	logger       zerolog.Logger
}

// NewClient builds an agent RPC client.
func NewClient(b bus.Bus, directorUUID string, opts Options) *Client {
	if opts.ReplyTimeout == 0 {
		opts.ReplyTimeout = 30 * time.Second
	}
	if opts.TaskPollMax == 0 {
		opts.TaskPollMax = 4 * time.Second
	}
	return &Client{
		bus:          b,
		directorUUID: directorUUID,
		opts:         opts,
		logger:       log.WithComponent("agent"),
	}
}

// idempotent methods may be retried on timeout; everything else gets exactly
// one attempt.
var idempotent = map[string]bool{
	"ping":      true,
	"get_state": true,
	"get_task":  true,
}

// Call invokes method on the agent and returns the raw reply value. Timeouts
// on idempotent methods are retried twice before giving up.
func (c *Client) Call(ctx context.Context, agentID, method string, args ...interface{}) (json.RawMessage, error) {
	if !idempotent[method] {
		return c.call(ctx, agentID, method, args)
	}

	var value json.RawMessage
	err := retry.Do(
		func() error {
			var err error
			value, err = c.call(ctx, agentID, method, args)
			return err
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return direrrors.IsCode(err, direrrors.CodeAgentTimeout)
		}),
	)
	return value, err
}

func (c *Client) call(ctx context.Context, agentID, method string, args []interface{}) (json.RawMessage, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.AgentRPCDuration.WithLabelValues(method))

	if args == nil {
		args = []interface{}{}
	}
	inbox := bus.InboxSubject(c.directorUUID, uuid.NewString())
	payload, err := json.Marshal(Request{Method: method, Arguments: args, ReplyTo: inbox})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", method, err)
	}

	replyCh := make(chan []byte, 1)
	sub, err := c.bus.Subscribe(inbox, func(_ string, data []byte) {
		select {
		case replyCh <- data:
		default:
		}
	})
	if err != nil {
		metrics.AgentRPCErrors.WithLabelValues(method, "unreachable").Inc()
		return nil, direrrors.AgentUnreachable(agentID, err)
	}
	defer sub.Unsubscribe()

	if err := c.bus.Publish(bus.AgentSubject(agentID), payload); err != nil {
		metrics.AgentRPCErrors.WithLabelValues(method, "unreachable").Inc()
		return nil, direrrors.AgentUnreachable(agentID, err)
	}

	c.logger.Debug().Str("agent_id", agentID).Str("method", method).Msg("rpc sent")

	var raw []byte
	select {
	case raw = <-replyCh:
	case <-time.After(c.opts.ReplyTimeout):
		metrics.AgentRPCErrors.WithLabelValues(method, "timeout").Inc()
		return nil, direrrors.AgentTimeout(agentID, method, c.opts.ReplyTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var resp Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("malformed reply from agent %s to %s: %w", agentID, method, err)
	}
	if resp.Exception != nil {
		metrics.AgentRPCErrors.WithLabelValues(method, "remote").Inc()
		return nil, direrrors.RemoteError(agentID, method, resp.Exception.Message)
	}
	return resp.Value, nil
}

// CallTask invokes a long-running method and waits for its agent task to
// finish, returning the final value. Methods that reply with a direct value
// instead of a task handle are returned as-is.
func (c *Client) CallTask(ctx context.Context, agentID, method string, args ...interface{}) (json.RawMessage, error) {
	value, err := c.Call(ctx, agentID, method, args...)
	if err != nil {
		return nil, err
	}
	handle, ok := decodeHandle(value)
	if !ok {
		return value, nil
	}
	return c.WaitTask(ctx, agentID, handle.AgentTaskID)
}

// WaitTask polls get_task until the agent task leaves the running state,
// backing off exponentially up to TaskPollMax between polls. With TaskTimeout
// set the wait fails once the deadline passes; by default only context
// cancellation stops it.
func (c *Client) WaitTask(ctx context.Context, agentID, agentTaskID string) (json.RawMessage, error) {
	var deadline time.Time
	if c.opts.TaskTimeout > 0 {
		deadline = time.Now().Add(c.opts.TaskTimeout)
	}

	backoff := time.Second
	if backoff > c.opts.TaskPollMax {
		backoff = c.opts.TaskPollMax
	}
	for {
		value, err := c.Call(ctx, agentID, "get_task", agentTaskID)
		if err != nil {
			return nil, err
		}
		handle, ok := decodeHandle(value)
		if !ok || handle.State != "running" {
			return value, nil
		}

		if !deadline.IsZero() && time.Now().After(deadline) {
			return nil, direrrors.AgentTimeout(agentID, "get_task", c.opts.TaskTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < c.opts.TaskPollMax {
			backoff *= 2
			if backoff > c.opts.TaskPollMax {
				backoff = c.opts.TaskPollMax
			}
		}
	}
}

func decodeHandle(value json.RawMessage) (taskHandle, bool) {
	var h taskHandle
	if err := json.Unmarshal(value, &h); err != nil {
		return taskHandle{}, false
	}
	return h, h.AgentTaskID != ""
}
