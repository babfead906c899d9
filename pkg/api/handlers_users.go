package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"golang.org/x/crypto/bcrypt"

	direrrors "github.com/meridianhq/drydock/pkg/errors"
	"github.com/meridianhq/drydock/pkg/types"
)

type userRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, direrrors.ValidationFailed("invalid user payload"))
		return
	}
	if req.Username == "" || req.Password == "" {
		s.writeError(w, direrrors.ValidationFailed("username and password are required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.CreateUser(r.Context(), &types.User{
		Username: req.Username, PasswordHash: string(hash),
	}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request) {
	var req userRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, direrrors.ValidationFailed("invalid user payload"))
		return
	}
	if req.Username != chi.URLParam(r, "username") {
		s.writeError(w, direrrors.UserImmutableUsername())
		return
	}
	if req.Password == "" {
		s.writeError(w, direrrors.ValidationFailed("password is required"))
		return
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if err := s.store.UpdateUser(r.Context(), &types.User{
		Username: req.Username, PasswordHash: string(hash),
	}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) deleteUser(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteUser(r.Context(), chi.URLParam(r, "username")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
