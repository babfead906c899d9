package api

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/go-chi/chi/v5"

	"github.com/meridianhq/drydock/pkg/jobs"
	"github.com/meridianhq/drydock/pkg/types"
)

// spool writes an upload to the shared uploads directory and returns its
// path. The task body owns the file from here and removes it when done.
func (s *Server) spool(r *http.Request) (string, error) {
	if err := os.MkdirAll(s.uploadsDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create uploads dir: %w", err)
	}
	f, err := os.CreateTemp(s.uploadsDir, "upload-*")
	if err != nil {
		return "", fmt.Errorf("failed to spool upload: %w", err)
	}
	defer f.Close()
	if _, err := io.Copy(f, r.Body); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("failed to spool upload: %w", err)
	}
	return f.Name(), nil
}

// runTask enqueues a task and redirects the client to it.
func (s *Server) runTask(w http.ResponseWriter, r *http.Request, kind types.TaskKind, description string, args interface{}) {
	t, err := s.tasks.Create(r.Context(), kind, description, args)
	if err != nil {
		s.writeError(w, err)
		return
	}
	http.Redirect(w, r, fmt.Sprintf("/tasks/%d", t.ID), http.StatusFound)
}

func (s *Server) uploadRelease(w http.ResponseWriter, r *http.Request) {
	path, err := s.spool(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.runTask(w, r, types.TaskUpdateRelease, "create release", jobs.UpdateReleaseArgs{Path: path})
}

func (s *Server) listReleases(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	releases, err := s.store.ListReleases(ctx)
	if err != nil {
		s.writeError(w, err)
		return
	}

	type releaseView struct {
		Name     string   `json:"name"`
		Versions []string `json:"versions"`
	}
	out := make([]releaseView, 0, len(releases))
	for _, rel := range releases {
		versions, err := s.store.ReleaseVersions(ctx, rel.ID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		v := releaseView{Name: rel.Name, Versions: make([]string, 0, len(versions))}
		for _, rv := range versions {
			v.Versions = append(v.Versions, rv.Version)
		}
		out = append(out, v)
	}
	s.writeJSON(w, out)
}

func (s *Server) deleteRelease(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	s.runTask(w, r, types.TaskDeleteRelease, "delete release "+name, jobs.DeleteReleaseArgs{
		Name:  name,
		Force: r.URL.Query().Get("force") == "true",
	})
}
