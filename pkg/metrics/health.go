package metrics

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Probe checks one dependency. A nil error means the dependency is usable.
type Probe func(ctx context.Context) error

const probeTimeout = 2 * time.Second

// Health runs registered probes on demand for /health and /ready. Probes are
// live checks, not pushed state, so a flapping dependency shows up without
// anyone remembering to report it.
type Health struct {
	mu      sync.Mutex
	probes  map[string]Probe
	version string
	start   time.Time
}

// NewHealth builds an empty checker stamped with the build version.
func NewHealth(version string) *Health {
	return &Health{
		probes:  make(map[string]Probe),
		version: version,
		start:   time.Now(),
	}
}

// Register adds a named probe. Registering the same name again replaces it.
func (h *Health) Register(name string, p Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = p
}

type healthView struct {
	Status     string            `json:"status"`
	Version    string            `json:"version,omitempty"`
	Uptime     string            `json:"uptime"`
	Components map[string]string `json:"components,omitempty"`
}

// check runs every probe under a shared deadline.
func (h *Health) check(ctx context.Context) healthView {
	h.mu.Lock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(h.probes))
	for name, p := range h.probes {
		probes[name] = p
	}
	version, start := h.version, h.start
	h.mu.Unlock()
	sort.Strings(names)

	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	view := healthView{
		Status:     "healthy",
		Version:    version,
		Uptime:     time.Since(start).Round(time.Second).String(),
		Components: make(map[string]string, len(names)),
	}
	for _, name := range names {
		if err := probes[name](ctx); err != nil {
			view.Status = "unhealthy"
			view.Components[name] = "unhealthy: " + err.Error()
		} else {
			view.Components[name] = "healthy"
		}
	}
	return view
}

// Handler serves the health report; 503 when any probe fails.
func (h *Health) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view := h.check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if view.Status != "healthy" {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(view)
	}
}
