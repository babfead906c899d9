package api

import (
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/task"
	"github.com/meridianhq/drydock/pkg/types"
)

const defaultTaskLimit = 30

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	limit := defaultTaskLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, direrrors.ValidationFailed("limit must be a positive integer"))
			return
		}
		limit = n
	}

	var states []types.TaskState
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, st := range strings.Split(raw, ",") {
			states = append(states, types.TaskState(strings.TrimSpace(st)))
		}
	}

	tasks, err := s.store.ListTasks(r.Context(), limit, states)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, tasks)
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, direrrors.NotFound("task", chi.URLParam(r, "id")))
		return 0, false
	}
	return id, true
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	t, err := s.store.GetTask(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, t)
}

func (s *Server) taskOutput(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}

	stream := r.URL.Query().Get("type")
	if stream == "" {
		stream = task.StreamDebug
	}
	switch stream {
	case task.StreamDebug, task.StreamEvent, task.StreamResult:
	default:
		s.writeError(w, direrrors.ValidationFailed("unknown output type "+stream))
		return
	}

	f, err := os.Open(s.tasks.OutputPath(id, stream))
	if err != nil {
		if os.IsNotExist(err) {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		s.writeError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "text/plain")
	if _, err := io.Copy(w, f); err != nil {
		s.logger.Error().Err(err).Int64("task", id).Msg("failed to stream task output")
	}
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.tasks.Cancel(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
