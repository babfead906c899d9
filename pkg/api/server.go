package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/meridianhq/drydock/pkg/log"
	"github.com/meridianhq/drydock/pkg/metrics"
	"github.com/meridianhq/drydock/pkg/store"
	"github.com/meridianhq/drydock/pkg/task"
)

// Info identifies the director to clients of /status.
type Info struct {
	Name    string
	UUID    string
	Version string
}

// Server is the director's HTTP front end. It is a thin layer: synchronous
// reads go straight to the store, every mutation becomes a task and the
// client is redirected to it.
type Server struct {
	store      store.Store
	tasks      *task.Manager
	info       Info
	uploadsDir string
	health     *metrics.Health
	logger     zerolog.Logger

	http *http.Server
}

// Health mounts a liveness report at /health. It sits outside authentication
// so load balancers can probe it.
func (s *Server) Health(h *metrics.Health) { s.health = h }

// NewServer wires the API over the shared store and task manager. Uploaded
// tarballs are spooled under uploadsDir before their task is enqueued.
func NewServer(s store.Store, tasks *task.Manager, info Info, uploadsDir string) *Server {
	srv := &Server{
		store:      s,
		tasks:      tasks,
		info:       info,
		uploadsDir: uploadsDir,
		logger:     log.WithComponent("api"),
	}
	return srv
}

// Handler builds the route tree. Split out from Start so tests can drive it
// through httptest.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.instrument)
	if s.health != nil {
		r.Get("/health", s.health.Handler())
	}
	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		s.routes(r)
	})
	return r
}

func (s *Server) routes(r chi.Router) {
	r.Route("/users", func(r chi.Router) {
		r.Use(requireContentType("application/json"))
		r.Post("/", s.createUser)
		r.Put("/{username}", s.updateUser)
		r.Delete("/{username}", s.deleteUser)
	})

	r.Route("/releases", func(r chi.Router) {
		r.With(requireContentType("application/x-compressed")).Post("/", s.uploadRelease)
		r.Get("/", s.listReleases)
		r.Delete("/{name}", s.deleteRelease)
	})

	r.Route("/stemcells", func(r chi.Router) {
		r.With(requireContentType("application/x-compressed")).Post("/", s.uploadStemcell)
		r.Get("/", s.listStemcells)
		r.Delete("/{name}/{version}", s.deleteStemcell)
	})

	r.Route("/deployments", func(r chi.Router) {
		r.With(requireContentType("text/yaml")).Post("/", s.createDeployment)
		r.Get("/", s.listDeployments)
		r.Delete("/{name}", s.deleteDeployment)
	})

	r.Route("/tasks", func(r chi.Router) {
		r.Get("/", s.listTasks)
		r.Get("/{id}", s.getTask)
		r.Get("/{id}/output", s.taskOutput)
		r.Delete("/{id}", s.cancelTask)
	})

	r.Get("/status", s.status)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
}

// Start serves the API until the listener fails or Shutdown is called.
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Minute, // release uploads are large
		WriteTimeout: time.Minute,
	}
	s.logger.Info().Str("addr", addr).Msg("api listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
