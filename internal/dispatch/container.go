package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// DockerRunner implements ContainerRunner on the Docker API. One
// container per backend definition, named after the backend id, reused
// across calls.
type DockerRunner struct {
	cli        *client.Client
	httpClient *http.Client
}

// NewDockerRunner connects to the Docker daemon using environment
// configuration.
func NewDockerRunner() (*DockerRunner, error) {
	cli, err := client.New(client.FromEnv)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &DockerRunner{
		cli:        cli,
		httpClient: &http.Client{Timeout: 2 * time.Second},
	}, nil
}

// Close releases the Docker connection.
func (r *DockerRunner) Close() error {
	return r.cli.Close()
}

// Ensure brings the backend's container up if needed, waits for its
// health endpoint and returns the base URL of its mapped task port.
func (r *DockerRunner) Ensure(ctx context.Context, def Definition) (string, error) {
	hostPort, containerPort, err := taskPort(def)
	if err != nil {
		return "", err
	}

	name := "porter-" + def.ID
	inspect, err := r.cli.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	switch {
	case errdefs.IsNotFound(err):
		if err := r.create(ctx, name, def, hostPort, containerPort); err != nil {
			return "", err
		}
	case err != nil:
		return "", fmt.Errorf("inspecting container %s: %w", name, err)
	case !inspect.Container.State.Running:
		if _, err := r.cli.ContainerStart(ctx, name, client.ContainerStartOptions{}); err != nil {
			return "", fmt.Errorf("starting container %s: %w", name, err)
		}
	}

	baseURL := fmt.Sprintf("http://127.0.0.1:%d", hostPort)
	if def.Config.HealthEndpoint != "" {
		if err := r.waitHealthy(ctx, baseURL+def.Config.HealthEndpoint); err != nil {
			return "", err
		}
	}
	return baseURL, nil
}

func (r *DockerRunner) create(ctx context.Context, name string, def Definition, hostPort, containerPort int) error {
	port := network.MustParsePort(fmt.Sprintf("%d/tcp", containerPort))
	exposed := network.PortSet{port: struct{}{}}
	bindings := network.PortMap{
		port: []network.PortBinding{
			{HostIP: netip.IPv4Unspecified(), HostPort: fmt.Sprintf("%d", hostPort)},
		},
	}

	_, err := r.cli.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:  name,
		Image: def.Config.Image,
		Config: &container.Config{
			Env:          def.Config.Env,
			ExposedPorts: exposed,
		},
		HostConfig: &container.HostConfig{
			PortBindings: bindings,
		},
	})
	if err != nil {
		return fmt.Errorf("creating container %s: %w", name, err)
	}

	if _, err := r.cli.ContainerStart(ctx, name, client.ContainerStartOptions{}); err != nil {
		return fmt.Errorf("starting container %s: %w", name, err)
	}
	return nil
}

// waitHealthy polls the health endpoint until it answers 200 or ctx
// expires.
func (r *DockerRunner) waitHealthy(ctx context.Context, url string) error {
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return fmt.Errorf("building health request: %w", err)
		}
		resp, err := r.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("backend container not healthy: %w", ctx.Err())
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// taskPort picks the single host->container port mapping a backend
// definition must declare.
func taskPort(def Definition) (hostPort, containerPort int, err error) {
	if len(def.Config.Ports) == 0 {
		return 0, 0, fmt.Errorf("container backend %q declares no port mapping", def.ID)
	}
	for h, c := range def.Config.Ports {
		return h, c, nil
	}
	return 0, 0, nil
}
