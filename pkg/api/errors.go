package api

import (
	"encoding/json"
	"net/http"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
)

// errorBody is the wire form of a domain error.
type errorBody struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
}

// writeError renders a domain error as {code, description} with its carried
// HTTP status. Non-domain errors become a bare 500: internals stay internal.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := direrrors.CodeOf(err)
	if code == 0 {
		s.logger.Error().Err(err).Msg("request failed")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(direrrors.StatusOf(err))
	_ = json.NewEncoder(w).Encode(errorBody{Code: code, Description: err.Error()})
}

// writeJSON renders a 200 JSON response.
func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error().Err(err).Msg("failed to encode response")
	}
}
