// Package dispatch routes typed tasks to registered execution backends.
// A backend is addressed by explicit id, never by load balancing; the
// registry is written at startup and read-mostly afterwards.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/malloy/porter/internal/task"
)

// Runtime names how a backend is reached.
type Runtime string

const (
	RuntimeInProcess Runtime = "in-process"
	RuntimeHTTP      Runtime = "http"
	RuntimeContainer Runtime = "container"
	RuntimeProcess   Runtime = "process"
)

// Handler executes a task for an in-process backend.
type Handler func(ctx context.Context, t task.Task) task.Result

// Config holds runtime-specific connection details.
type Config struct {
	URL            string      `json:"url,omitempty"`            // http runtime
	Image          string      `json:"image,omitempty"`          // container runtime
	Script         string      `json:"script,omitempty"`         // process runtime
	Env            []string    `json:"env,omitempty"`            // container/process
	Ports          map[int]int `json:"ports,omitempty"`          // container: host->container
	HealthEndpoint string      `json:"healthEndpoint,omitempty"` // container readiness probe
}

// Definition registers one backend. Handler is only used for the
// in-process runtime and never serializes.
type Definition struct {
	ID           string   `json:"id"`
	Type         string   `json:"type"`
	Version      string   `json:"version,omitempty"`
	Runtime      Runtime  `json:"runtime"`
	Config       Config   `json:"config,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Handler      Handler  `json:"-"`
}

// Registry maps backend ids to definitions. It is an explicit value
// constructed at process start and passed to whatever needs it; there is
// no ambient global registry.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds or replaces a backend definition. Re-registering an id is
// last-write-wins with no version conflict detection.
func (r *Registry) Register(def Definition) error {
	if def.ID == "" {
		return fmt.Errorf("backend id is required")
	}
	switch def.Runtime {
	case RuntimeInProcess:
		if def.Handler == nil {
			return fmt.Errorf("in-process backend %q requires a handler", def.ID)
		}
	case RuntimeHTTP:
		if def.Config.URL == "" {
			return fmt.Errorf("http backend %q requires a url", def.ID)
		}
	case RuntimeContainer:
		if def.Config.Image == "" {
			return fmt.Errorf("container backend %q requires an image", def.ID)
		}
	case RuntimeProcess:
		if def.Config.Script == "" {
			return fmt.Errorf("process backend %q requires a script", def.ID)
		}
	default:
		return fmt.Errorf("unknown runtime %q for backend %q", def.Runtime, def.ID)
	}

	r.mu.Lock()
	if _, exists := r.defs[def.ID]; exists {
		slog.Debug("replacing backend registration", "backend_id", def.ID)
	}
	r.defs[def.ID] = def
	r.mu.Unlock()
	return nil
}

// Get looks up a definition by id.
func (r *Registry) Get(id string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[id]
	return def, ok
}

// List returns all registered definitions sorted by id.
func (r *Registry) List() []Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Definition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
