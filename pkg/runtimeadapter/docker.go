package runtimeadapter

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	dockerclient "github.com/docker/docker/client"
	"golang.org/x/sync/singleflight"

	"github.com/iotistic/supervisor/pkg/rtmerr"
)

// dockerAdapter implements Adapter against a local Docker Engine, reached
// through the unix socket (or DOCKER_HOST override) the way the daemon's
// own CLI clients do.
type dockerAdapter struct {
	cli     *dockerclient.Client
	pullGrp singleflight.Group
}

// NewDocker creates an Adapter backed by the Docker Engine API. If
// dockerHost is empty, the client uses the environment's default
// (DOCKER_HOST, or the platform unix socket).
func NewDocker(dockerHost string) (Adapter, error) {
	opts := []dockerclient.Opt{dockerclient.FromEnv, dockerclient.WithAPIVersionNegotiation()}
	if dockerHost != "" {
		opts = append(opts, dockerclient.WithHost(dockerHost))
	}

	cli, err := dockerclient.NewClientWithOpts(opts...)
	if err != nil {
		return nil, rtmerr.NewFatal("runtimeadapter.NewDocker", fmt.Errorf("creating docker client: %w", err))
	}
	return &dockerAdapter{cli: cli}, nil
}

func (a *dockerAdapter) Close() error {
	return a.cli.Close()
}

func (a *dockerAdapter) ImagePresent(ctx context.Context, imageRef string) (bool, error) {
	_, _, err := a.cli.ImageInspectWithRaw(ctx, imageRef)
	if err == nil {
		return true, nil
	}
	if dockerclient.IsErrNotFound(err) {
		return false, nil
	}
	return false, rtmerr.NewRetriable("ImagePresent", err)
}

// PullImage pulls imageRef, coalescing concurrent pulls of the same ref
// into a single Engine API call via singleflight — the same flightcontrol
// pattern the Moby builder's image source uses to avoid pulling one layer
// set twice.
func (a *dockerAdapter) PullImage(ctx context.Context, imageRef string) error {
	_, err, _ := a.pullGrp.Do(imageRef, func() (interface{}, error) {
		rc, err := a.cli.ImagePull(ctx, imageRef, image.PullOptions{})
		if err != nil {
			return nil, classifyDockerErr("PullImage", err)
		}
		defer rc.Close()
		if _, err := io.Copy(io.Discard, rc); err != nil {
			return nil, rtmerr.NewTransient("PullImage", fmt.Sprintf("reading pull stream for %s", imageRef), err)
		}
		return nil, nil
	})
	return err
}

func (a *dockerAdapter) CreateContainer(ctx context.Context, spec ContainerSpec) (string, error) {
	hostCfg, err := toHostConfig(spec)
	if err != nil {
		return "", rtmerr.NewStateViolation("CreateContainer", err.Error())
	}

	env := make([]string, 0, len(spec.Environment))
	for k, v := range spec.Environment {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	containerCfg := &container.Config{
		Image:  spec.ImageRef,
		Env:    env,
		Labels: spec.Labels,
	}

	resp, err := a.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, spec.Name)
	if err != nil {
		return "", classifyDockerErr("CreateContainer", err)
	}

	for _, netName := range spec.Networks {
		if err := a.NetworkConnect(ctx, netName, resp.ID); err != nil {
			return resp.ID, err
		}
	}

	return resp.ID, nil
}

func (a *dockerAdapter) Start(ctx context.Context, containerID string) error {
	if err := a.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return classifyDockerErr("Start", err)
	}
	return nil
}

func (a *dockerAdapter) Stop(ctx context.Context, containerID string) error {
	if err := a.cli.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if dockerclient.IsErrNotFound(err) {
			return nil
		}
		return classifyDockerErr("Stop", err)
	}
	return nil
}

func (a *dockerAdapter) Remove(ctx context.Context, containerID string) error {
	err := a.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true})
	if err != nil && !dockerclient.IsErrNotFound(err) {
		return classifyDockerErr("Remove", err)
	}
	return nil
}

func (a *dockerAdapter) Inspect(ctx context.Context, containerID string) (ContainerInfo, error) {
	raw, err := a.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if dockerclient.IsErrNotFound(err) {
			return ContainerInfo{}, rtmerr.NewTransient("Inspect", "container not found", err)
		}
		return ContainerInfo{}, classifyDockerErr("Inspect", err)
	}
	return toContainerInfo(raw), nil
}

func (a *dockerAdapter) ListContainers(ctx context.Context, labelFilter map[string]string) ([]ContainerInfo, error) {
	f := filters.NewArgs()
	for k, v := range labelFilter {
		f.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	raws, err := a.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: f})
	if err != nil {
		return nil, classifyDockerErr("ListContainers", err)
	}

	out := make([]ContainerInfo, 0, len(raws))
	for _, c := range raws {
		name := ""
		if len(c.Names) > 0 {
			name = strings.TrimPrefix(c.Names[0], "/")
		}
		out = append(out, ContainerInfo{
			ID:       c.ID,
			Name:     name,
			ImageRef: c.Image,
			State:    ContainerState(c.State),
			Labels:   c.Labels,
		})
	}
	return out, nil
}

func (a *dockerAdapter) NetworkCreate(ctx context.Context, name string, labels map[string]string) (string, error) {
	resp, err := a.cli.NetworkCreate(ctx, name, network.CreateOptions{Labels: labels})
	if err != nil {
		return "", classifyDockerErr("NetworkCreate", err)
	}
	return resp.ID, nil
}

func (a *dockerAdapter) NetworkRemove(ctx context.Context, networkID string) error {
	if err := a.cli.NetworkRemove(ctx, networkID); err != nil && !dockerclient.IsErrNotFound(err) {
		return classifyDockerErr("NetworkRemove", err)
	}
	return nil
}

func (a *dockerAdapter) NetworkConnect(ctx context.Context, networkID, containerID string) error {
	if err := a.cli.NetworkConnect(ctx, networkID, containerID, nil); err != nil {
		return classifyDockerErr("NetworkConnect", err)
	}
	return nil
}

func (a *dockerAdapter) ListNetworks(ctx context.Context, labelFilter map[string]string) ([]NetworkInfo, error) {
	f := filters.NewArgs()
	for k, v := range labelFilter {
		f.Add("label", fmt.Sprintf("%s=%s", k, v))
	}

	raws, err := a.cli.NetworkList(ctx, network.ListOptions{Filters: f})
	if err != nil {
		return nil, classifyDockerErr("ListNetworks", err)
	}

	out := make([]NetworkInfo, 0, len(raws))
	for _, n := range raws {
		out = append(out, NetworkInfo{ID: n.ID, Name: n.Name, Labels: n.Labels})
	}
	return out, nil
}

func (a *dockerAdapter) LogsAttach(ctx context.Context, containerID string, since string) (io.ReadCloser, error) {
	opts := container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Since:      since,
	}
	rc, err := a.cli.ContainerLogs(ctx, containerID, opts)
	if err != nil {
		return nil, classifyDockerErr("LogsAttach", err)
	}
	return rc, nil
}

// Exec runs cmd inside containerID via ContainerExecCreate/ContainerExecAttach,
// collecting output until the process exits.
func (a *dockerAdapter) Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error) {
	created, err := a.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, classifyDockerErr("Exec", err)
	}

	attached, err := a.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return ExecResult{}, classifyDockerErr("Exec", err)
	}
	defer attached.Close()

	output, err := io.ReadAll(attached.Reader)
	if err != nil {
		return ExecResult{}, rtmerr.NewTransient("Exec", "reading exec output", err)
	}

	inspect, err := a.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return ExecResult{}, classifyDockerErr("Exec", err)
	}

	return ExecResult{Output: string(output), ExitCode: inspect.ExitCode}, nil
}

func classifyDockerErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if dockerclient.IsErrNotFound(err) {
		return rtmerr.NewTransient(op, "not found", err)
	}
	if dockerclient.IsErrConnectionFailed(err) {
		return rtmerr.NewRetriable(op, err)
	}
	return rtmerr.NewTransient(op, "runtime call failed", err)
}
