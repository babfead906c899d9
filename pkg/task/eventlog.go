package task

import (
	"encoding/json"
	"io"
	"sync"
	"time"
)

// EventLog writes the machine-readable progress stream clients follow while
// a task runs: one JSON object per line, grouped into named stages with
// numbered entries.
type EventLog struct {
	mu sync.Mutex
	w  io.Writer
}

func NewEventLog(w io.Writer) *EventLog {
	return &EventLog{w: w}
}

type event struct {
	Time     int64  `json:"time"`
	Stage    string `json:"stage"`
	Task     string `json:"task"`
	Index    int    `json:"index"`
	Total    int    `json:"total"`
	State    string `json:"state"`
	Progress int    `json:"progress"`
}

// Stage opens a named stage with a known number of entries.
func (l *EventLog) Stage(name string, total int) *Stage {
	return &Stage{log: l, name: name, total: total}
}

// Stage tracks one phase of a task, e.g. "Updating job". Entries are
// numbered in the order Run is called, which may be concurrent.
type Stage struct {
	log   *EventLog
	name  string
	total int

	mu   sync.Mutex
	next int
}

// Run executes one stage entry, emitting started and finished (or failed)
// events around fn.
func (s *Stage) Run(task string, fn func() error) error {
	s.mu.Lock()
	s.next++
	index := s.next
	s.mu.Unlock()

	s.log.emit(event{Stage: s.name, Task: task, Index: index, Total: s.total, State: "started"})
	if err := fn(); err != nil {
		s.log.emit(event{Stage: s.name, Task: task, Index: index, Total: s.total, State: "failed", Progress: 100})
		return err
	}
	s.log.emit(event{Stage: s.name, Task: task, Index: index, Total: s.total, State: "finished", Progress: 100})
	return nil
}

func (l *EventLog) emit(e event) {
	e.Time = time.Now().Unix()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.w.Write(append(data, '\n'))
}
