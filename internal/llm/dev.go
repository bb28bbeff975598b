package llm

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

const (
	containerName = "docket-ollama"
	ollamaImage   = "ollama/ollama"
	ollamaHealth  = "http://localhost:11434/"
)

// StartOllamaContainer brings up a local ollama for dev mode. A natively
// running ollama on the default port is used as-is.
func StartOllamaContainer(ctx context.Context) error {
	if checkHealth(ctx, ollamaHealth, 1) == nil {
		return nil
	}

	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("creating Docker client: %w", err)
	}

	out, err := cli.ImagePull(ctx, ollamaImage, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pulling %s: %w", ollamaImage, err)
	}
	defer func() { _ = out.Close() }()

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: ollamaImage,
		ExposedPorts: nat.PortSet{
			"11434/tcp": struct{}{},
		},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{
			"11434/tcp": []nat.PortBinding{
				{HostIP: "127.0.0.1", HostPort: "11434"},
			},
		},
	}, &network.NetworkingConfig{}, nil, containerName)
	if err != nil {
		if !errdefs.IsConflict(err) {
			return fmt.Errorf("creating container: %w", err)
		}
		// Left over from an earlier run; start accepts the name.
		resp.ID = containerName
	}

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting container: %w", err)
	}

	if err := checkHealth(ctx, ollamaHealth, 30); err != nil {
		return fmt.Errorf("waiting for ollama: %w", err)
	}
	return nil
}

func checkHealth(ctx context.Context, url string, attempts int) error {
	for i := 0; i < attempts; i++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if resp != nil {
			_ = resp.Body.Close()
		}
		if err == nil && resp.StatusCode == http.StatusOK {
			return nil
		}

		backoff := time.Duration(math.Pow(2, float64(i))) * 100 * time.Millisecond
		slog.InfoContext(ctx, "ollama is not ready, retrying", "backoff", backoff, "error", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("ollama is not ready after multiple attempts")
}
