package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/meridianhq/drydock/pkg/jobs"
	"github.com/meridianhq/drydock/pkg/types"
)

func (s *Server) uploadStemcell(w http.ResponseWriter, r *http.Request) {
	path, err := s.spool(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.runTask(w, r, types.TaskUpdateStemcell, "create stemcell", jobs.UpdateStemcellArgs{Path: path})
}

func (s *Server) listStemcells(w http.ResponseWriter, r *http.Request) {
	stemcells, err := s.store.ListStemcells(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}

	type stemcellView struct {
		Name    string `json:"name"`
		Version string `json:"version"`
		CID     string `json:"cid"`
		SHA1    string `json:"sha1"`
	}
	out := make([]stemcellView, 0, len(stemcells))
	for _, sc := range stemcells {
		out = append(out, stemcellView{Name: sc.Name, Version: sc.Version, CID: sc.CID, SHA1: sc.SHA1})
	}
	s.writeJSON(w, out)
}

func (s *Server) deleteStemcell(w http.ResponseWriter, r *http.Request) {
	name, version := chi.URLParam(r, "name"), chi.URLParam(r, "version")
	s.runTask(w, r, types.TaskDeleteStemcell, "delete stemcell "+name+"/"+version, jobs.DeleteStemcellArgs{
		Name:    name,
		Version: version,
		Force:   r.URL.Query().Get("force") == "true",
	})
}
