package api

import (
	"fmt"
	"net/http"
)

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	type statusView struct {
		Status  string `json:"status"`
		Name    string `json:"name"`
		UUID    string `json:"uuid"`
		Version string `json:"version"`
	}
	s.writeJSON(w, statusView{
		Status:  fmt.Sprintf("Drydock Director (logged in as %s)", currentUser(r)),
		Name:    s.info.Name,
		UUID:    s.info.UUID,
		Version: s.info.Version,
	})
}
