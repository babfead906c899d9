package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridianhq/drydock/pkg/jobs"
	"github.com/meridianhq/drydock/pkg/plan"
	"github.com/meridianhq/drydock/pkg/types"
)

func (s *Server) createDeployment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	// parse up front so a broken manifest fails the request, not the task
	m, err := plan.ParseManifest(body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.runTask(w, r, types.TaskUpdateDeployment, "create deployment "+m.Name, jobs.UpdateDeploymentArgs{
		Manifest: string(body),
	})
}

func (s *Server) listDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := s.store.ListDeployments(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	type deploymentView struct {
		Name string `json:"name"`
	}
	out := make([]deploymentView, 0, len(deployments))
	for _, d := range deployments {
		out = append(out, deploymentView{Name: d.Name})
	}
	s.writeJSON(w, out)
}

func (s *Server) deleteDeployment(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.store.GetDeployment(r.Context(), name); err != nil {
		s.writeError(w, err)
		return
	}
	s.runTask(w, r, types.TaskDeleteDeployment, "delete deployment "+name, jobs.DeleteDeploymentArgs{
		Name: name,
	})
}
