package dummy

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/meridianhq/drydock/pkg/agent"
	"github.com/meridianhq/drydock/pkg/bus"
	"github.com/meridianhq/drydock/pkg/log"
)

// fakeAgent is the in-process stand-in for the per-VM agent. It speaks the
// real wire protocol on the bus, including the task-handle dance for
// long-running methods, so everything above the bus behaves exactly as it
// would against real VMs.
type fakeAgent struct {
	id       string
	bus      bus.Bus
	sub      bus.Subscription
	failures *failureSet

	mu       sync.Mutex
	jobState string
	applied  json.RawMessage
	mounted  []string
	tasks    map[string]json.RawMessage // finished agent task results
}

func newFakeAgent(id string, b bus.Bus, failures *failureSet) *fakeAgent {
	a := &fakeAgent{
		id:       id,
		bus:      b,
		failures: failures,
		jobState: "running",
		tasks:    make(map[string]json.RawMessage),
	}
	sub, err := b.Subscribe(bus.AgentSubject(id), a.handle)
	if err != nil {
		logger := log.WithComponent("dummy-cloud")
		logger.Error().Err(err).Str("agent_id", id).Msg("fake agent subscribe failed")
		return a
	}
	a.sub = sub
	return a
}

// failureSet arms one-shot agent errors, keyed by method, shared by every
// fake agent of a provider. Deploy unwind paths are unreachable against an
// always-succeeding agent; tests arm a failure to reach them.
type failureSet struct {
	mu   sync.Mutex
	next map[string]string
}

func newFailureSet() *failureSet {
	return &failureSet{next: make(map[string]string)}
}

func (f *failureSet) arm(method, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next[method] = message
}

func (f *failureSet) take(method string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg, ok := f.next[method]
	if ok {
		delete(f.next, method)
	}
	return msg, ok
}

func (a *fakeAgent) stop() {
	if a.sub != nil {
		a.sub.Unsubscribe()
	}
}

func (a *fakeAgent) handle(_ string, data []byte) {
	var req agent.Request
	if err := json.Unmarshal(data, &req); err != nil {
		return
	}

	var resp agent.Response
	value, err := a.dispatch(req.Method, rawArgs(req.Arguments))
	if err != nil {
		resp.Exception = &agent.RemoteError{Message: err.Error()}
	} else {
		resp.Value = value
	}
	payload, _ := json.Marshal(resp)
	a.bus.Publish(req.ReplyTo, payload)
}

func rawArgs(args []interface{}) []json.RawMessage {
	out := make([]json.RawMessage, len(args))
	for i, arg := range args {
		raw, _ := json.Marshal(arg)
		out[i] = raw
	}
	return out
}

func (a *fakeAgent) dispatch(method string, args []json.RawMessage) (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.failures != nil {
		if msg, ok := a.failures.take(method); ok {
			return nil, &injectedError{method: method, message: msg}
		}
	}

	switch method {
	case "ping":
		return json.Marshal("pong")

	case "get_state":
		return json.Marshal(agent.State{JobState: a.jobState, AgentID: a.id})

	case "start":
		a.jobState = "running"
		return json.Marshal("started")

	case "stop":
		a.jobState = "stopped"
		return a.finishTask("stopped")

	case "apply":
		if len(args) > 0 {
			a.applied = args[0]
		}
		return a.finishTask("applied")

	case "compile_package":
		var name, version string
		if len(args) >= 4 {
			json.Unmarshal(args[2], &name)
			json.Unmarshal(args[3], &version)
		}
		sum := sha1.Sum([]byte(name + "/" + version))
		return a.finishTask(map[string]interface{}{
			"result": map[string]string{
				"sha1":         hex.EncodeToString(sum[:]),
				"blobstore_id": "compiled-" + uuid.NewString(),
			},
		})

	case "mount_disk":
		var cid string
		if len(args) > 0 {
			json.Unmarshal(args[0], &cid)
		}
		a.mounted = append(a.mounted, cid)
		return a.finishTask("mounted")

	case "unmount_disk":
		var cid string
		if len(args) > 0 {
			json.Unmarshal(args[0], &cid)
		}
		kept := a.mounted[:0]
		for _, m := range a.mounted {
			if m != cid {
				kept = append(kept, m)
			}
		}
		a.mounted = kept
		return a.finishTask("unmounted")

	case "migrate_disk":
		return a.finishTask("migrated")

	case "list_disk":
		disks := a.mounted
		if disks == nil {
			disks = []string{}
		}
		return a.finishTask(disks)

	case "get_task":
		var id string
		if len(args) > 0 {
			json.Unmarshal(args[0], &id)
		}
		result, ok := a.tasks[id]
		if !ok {
			return nil, &notFoundError{id: id}
		}
		delete(a.tasks, id)
		return result, nil

	default:
		return nil, &unknownMethodError{method: method}
	}
}

// finishTask records a completed agent task and returns its handle. The real
// agent runs these in the background; here the work is instantaneous, so the
// caller's first get_task poll finds the result.
func (a *fakeAgent) finishTask(result interface{}) (json.RawMessage, error) {
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, err
	}
	id := "at-" + uuid.NewString()
	a.tasks[id] = raw
	return json.Marshal(map[string]string{"agent_task_id": id, "state": "running"})
}

type injectedError struct{ method, message string }

func (e *injectedError) Error() string { return e.method + ": " + e.message }

type unknownMethodError struct{ method string }

func (e *unknownMethodError) Error() string { return "unknown method " + e.method }

type notFoundError struct{ id string }

func (e *notFoundError) Error() string { return "unknown agent task " + e.id }
