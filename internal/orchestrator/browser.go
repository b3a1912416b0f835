package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

const (
	defaultBrowserImage = "iter8/embed-browser:latest"
	browserAPIPort      = 8082
	browserAgentPort    = 8083
	browserNoVNCPort    = 6080
	readyTimeout        = 30 * time.Second
)

// ErrNoDocker is returned when a remote browser is requested but the node
// runs without a Docker client.
var ErrNoDocker = errors.New("remote browsers are not enabled on this node")

// Browser is a remote embed browser running in a container. Its page runs
// the tracking agent, reachable at AgentURL.
type Browser struct {
	ContainerID string `json:"container_id"`
	ContainerIP string `json:"container_ip"`
	APIPort     int    `json:"api_port"`
	AgentPort   int    `json:"agent_port"`
	NoVNCPort   int    `json:"novnc_port"`
}

func (b *Browser) AgentURL() string {
	return fmt.Sprintf("ws://%s:%d/agent", b.ContainerIP, b.AgentPort)
}

func (b *Browser) apiURL(path string) string {
	return fmt.Sprintf("http://%s:%d%s", b.ContainerIP, b.APIPort, path)
}

// VNCURL is the address a viewer uses to watch the remote browser.
func (b *Browser) VNCURL(publicHost string) string {
	return fmt.Sprintf("ws://%s:%d/websockify", publicHost, b.NoVNCPort)
}

// NewDockerClient connects to the daemon configured in the environment.
func NewDockerClient() (*client.Client, error) {
	docker, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return docker, nil
}

func (o *Orchestrator) startBrowser(ctx context.Context, sessionID string) (*Browser, error) {
	if o.docker == nil {
		return nil, ErrNoDocker
	}
	containerName := fmt.Sprintf("iter8-browser-%s", sessionID[:8])

	exposedPorts := nat.PortSet{
		nat.Port(fmt.Sprintf("%d/tcp", browserAPIPort)):   struct{}{},
		nat.Port(fmt.Sprintf("%d/tcp", browserAgentPort)): struct{}{},
		nat.Port(fmt.Sprintf("%d/tcp", browserNoVNCPort)): struct{}{},
	}

	config := &container.Config{
		Image: o.browserImage,
		Env: []string{
			fmt.Sprintf("SESSION_ID=%s", sessionID),
			fmt.Sprintf("AGENT_PORT=%d", browserAgentPort),
		},
		ExposedPorts: exposedPorts,
	}

	hostConfig := &container.HostConfig{
		AutoRemove: true,
		Resources: container.Resources{
			Memory:   2 * 1024 * 1024 * 1024,
			NanoCPUs: 2 * 1000000000,
		},
	}

	var networkConfig *network.NetworkingConfig
	if o.networkName != "" {
		networkConfig = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				o.networkName: {},
			},
		}
	}

	resp, err := o.docker.ContainerCreate(ctx, config, hostConfig, networkConfig, nil, containerName)
	if err != nil {
		return nil, fmt.Errorf("failed to create container: %w", err)
	}

	if err := o.docker.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("failed to start container: %w", err)
	}

	inspect, err := o.docker.ContainerInspect(ctx, resp.ID)
	if err != nil {
		o.stopContainer(ctx, resp.ID)
		return nil, fmt.Errorf("failed to inspect container: %w", err)
	}

	var containerIP string
	if o.networkName != "" && inspect.NetworkSettings.Networks[o.networkName] != nil {
		containerIP = inspect.NetworkSettings.Networks[o.networkName].IPAddress
	} else if inspect.NetworkSettings.IPAddress != "" {
		containerIP = inspect.NetworkSettings.IPAddress
	} else {
		for _, net := range inspect.NetworkSettings.Networks {
			if net.IPAddress != "" {
				containerIP = net.IPAddress
				break
			}
		}
	}

	browser := &Browser{
		ContainerID: resp.ID,
		ContainerIP: containerIP,
		APIPort:     browserAPIPort,
		AgentPort:   browserAgentPort,
		NoVNCPort:   browserNoVNCPort,
	}

	if err := o.waitForReady(ctx, browser); err != nil {
		o.stopContainer(ctx, resp.ID)
		return nil, fmt.Errorf("browser not ready: %w", err)
	}
	return browser, nil
}

func (o *Orchestrator) waitForReady(ctx context.Context, browser *Browser) error {
	healthURL := browser.apiURL("/health")

	deadline := time.Now().Add(readyTimeout)
	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
		if err != nil {
			return err
		}
		resp, err := o.httpClient.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(500 * time.Millisecond):
		}
	}

	return fmt.Errorf("timeout waiting for browser to be ready")
}

func (o *Orchestrator) stopContainer(ctx context.Context, containerID string) {
	stopTimeout := 5
	if err := o.docker.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &stopTimeout}); err != nil {
		o.log.Warn("failed to stop container", "container_id", containerID, "error", err)
	}
}

// navigate asks the remote browser to load url.
func (o *Orchestrator) navigate(ctx context.Context, browser *Browser, url string) error {
	body, _ := json.Marshal(map[string]string{"url": url})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, browser.apiURL("/open"), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("failed to open URL: %s", string(respBody))
	}
	return nil
}
