package dispatch

import (
	"context"
	"net/http"
	"time"

	"github.com/malloy/porter/internal/task"
)

const defaultCallTimeout = 30 * time.Second

// ContainerRunner brings a container backend up and reports the base URL
// its task endpoint is reachable at. Implemented by the docker runner;
// faked in tests.
type ContainerRunner interface {
	Ensure(ctx context.Context, def Definition) (baseURL string, err error)
}

// Dispatcher executes tasks against registered backends. Stateless per
// call; operational failures always come back as a failure Result, never
// as a Go error, and nothing is ever retried here — retry policy belongs
// to the caller.
type Dispatcher struct {
	reg        *Registry
	timeout    time.Duration
	httpClient *http.Client
	containers ContainerRunner // optional; nil disables the container runtime
}

// Options tune the Dispatcher; zero values pick defaults.
type Options struct {
	CallTimeout time.Duration
	Containers  ContainerRunner
}

// New creates a Dispatcher over the given registry.
func New(reg *Registry, opts Options) *Dispatcher {
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = defaultCallTimeout
	}
	return &Dispatcher{
		reg:        reg,
		timeout:    opts.CallTimeout,
		httpClient: &http.Client{Timeout: opts.CallTimeout},
		containers: opts.Containers,
	}
}

// Execute routes one task to the backend registered under backendID and
// returns its Result with latency metadata attached.
func (d *Dispatcher) Execute(ctx context.Context, backendID string, t task.Task) task.Result {
	def, ok := d.reg.Get(backendID)
	if !ok {
		return task.Failf("backend not registered")
	}

	// Validation happens before any backend call.
	if _, err := task.DecodePayload(t); err != nil {
		return task.Fail(err)
	}

	start := time.Now()
	var res task.Result
	switch def.Runtime {
	case RuntimeInProcess:
		res = def.Handler(ctx, t)
	case RuntimeHTTP:
		res = d.executeHTTP(ctx, def.Config.URL, t)
	case RuntimeContainer:
		res = d.executeContainer(ctx, def, t)
	case RuntimeProcess:
		res = d.executeProcess(ctx, def, t)
	default:
		res = task.Failf("unknown runtime %q", def.Runtime)
	}

	res.Meta = &task.Meta{
		LatencyMs: time.Since(start).Milliseconds(),
		BackendID: def.ID,
		Version:   def.Version,
	}
	return res
}

func (d *Dispatcher) executeContainer(ctx context.Context, def Definition, t task.Task) task.Result {
	if d.containers == nil {
		return task.Failf("container runtime not configured")
	}

	callCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	baseURL, err := d.containers.Ensure(callCtx, def)
	if err != nil {
		return task.Failf("starting container backend: %v", err)
	}
	return d.executeHTTP(ctx, baseURL+"/v1/tasks", t)
}
