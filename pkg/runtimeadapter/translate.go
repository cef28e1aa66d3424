package runtimeadapter

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types/container"
	dockertypes "github.com/docker/docker/api/types"
	"github.com/docker/go-connections/nat"
)

// toHostConfig translates a ContainerSpec's port/volume/restart fields into
// the Docker Engine API's HostConfig. Ports are "host:container[/proto]";
// volumes are "host:container[:ro]", matching the wire format spec.md
// defines for ServiceSpec.
func toHostConfig(spec ContainerSpec) (*container.HostConfig, error) {
	portBindings := nat.PortMap{}
	for _, p := range spec.Ports {
		hostPort, containerPort, proto, err := splitPortSpec(p)
		if err != nil {
			return nil, fmt.Errorf("invalid port spec %q: %w", p, err)
		}
		portKey, err := nat.NewPort(proto, containerPort)
		if err != nil {
			return nil, fmt.Errorf("invalid container port in %q: %w", p, err)
		}
		portBindings[portKey] = append(portBindings[portKey], nat.PortBinding{HostPort: hostPort})
	}

	binds := make([]string, 0, len(spec.Volumes))
	binds = append(binds, spec.Volumes...)

	hc := &container.HostConfig{
		PortBindings: portBindings,
		Binds:        binds,
		NetworkMode:  container.NetworkMode(networkModeOrDefault(spec.NetworkMode)),
	}

	hc.RestartPolicy = toRestartPolicy(spec.RestartPolicy)

	return hc, nil
}

func networkModeOrDefault(mode string) string {
	if mode == "" {
		return "bridge"
	}
	return mode
}

func toRestartPolicy(policy string) container.RestartPolicy {
	switch policy {
	case "always":
		return container.RestartPolicy{Name: "always"}
	case "on-failure":
		return container.RestartPolicy{Name: "on-failure", MaximumRetryCount: 5}
	case "no", "":
		return container.RestartPolicy{Name: "no"}
	default:
		return container.RestartPolicy{Name: "unless-stopped"}
	}
}

// splitPortSpec parses "8080:80", "8080:80/udp" into host port, container
// port, and protocol.
func splitPortSpec(spec string) (hostPort, containerPort, proto string, err error) {
	proto = "tcp"
	if i := strings.LastIndex(spec, "/"); i != -1 {
		proto = spec[i+1:]
		spec = spec[:i]
	}

	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return "", "", "", fmt.Errorf("expected host:container format")
	}
	hostPort, containerPort = parts[0], parts[1]

	if _, err := strconv.Atoi(hostPort); err != nil {
		return "", "", "", fmt.Errorf("host port %q is not numeric", hostPort)
	}
	if _, err := strconv.Atoi(containerPort); err != nil {
		return "", "", "", fmt.Errorf("container port %q is not numeric", containerPort)
	}

	return hostPort, containerPort, proto, nil
}

func toContainerInfo(raw dockertypes.ContainerJSON) ContainerInfo {
	info := ContainerInfo{
		ID:     raw.ID,
		Name:   strings.TrimPrefix(raw.Name, "/"),
		Labels: raw.Config.Labels,
	}
	if raw.Config != nil {
		info.ImageRef = raw.Config.Image
	}
	if raw.State != nil {
		info.State = ContainerState(raw.State.Status)
		info.ExitCode = raw.State.ExitCode
		info.Started = raw.State.Running
	}
	return info
}
