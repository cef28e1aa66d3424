// Package runtimeadapter is the Runtime Adapter (C2): a thin typed wrapper
// around a container runtime that never leaks the runtime's own types to
// callers. The only implementation is Docker, driven through
// github.com/docker/docker/client — no teacher package drives a container
// runtime, so this is grounded on the retrieval pack's reference material
// for the Docker/Moby and Podman client shapes rather than on any of the six
// example repos.
package runtimeadapter

import (
	"context"
	"io"
)

// ContainerSpec describes the container the adapter should create. It is
// the adapter-level analog of model.ServiceSpec, translated from wire/app
// identifiers into runtime-facing names and labels by the caller.
type ContainerSpec struct {
	Name        string
	ImageRef    string
	Ports       []string
	Environment map[string]string
	Volumes     []string
	Networks    []string
	NetworkMode string
	Labels      map[string]string
	RestartPolicy string
}

// ContainerState is the runtime-observed status of a container.
type ContainerState string

const (
	ContainerCreated    ContainerState = "created"
	ContainerRunning    ContainerState = "running"
	ContainerRestarting ContainerState = "restarting"
	ContainerPaused     ContainerState = "paused"
	ContainerExited     ContainerState = "exited"
	ContainerDead       ContainerState = "dead"
	ContainerUnknown    ContainerState = "unknown"
)

// ContainerInfo is the adapter's runtime-agnostic view of one container.
type ContainerInfo struct {
	ID       string
	Name     string
	ImageRef string
	State    ContainerState
	ExitCode int
	Labels   map[string]string
	Started  bool
}

// NetworkInfo is the adapter's runtime-agnostic view of one network.
type NetworkInfo struct {
	ID     string
	Name   string
	Labels map[string]string
}

// Adapter is the entire public surface the reconciler is allowed to drive a
// container runtime through. Implementations must not expose runtime SDK
// types on this interface.
type Adapter interface {
	// ImagePresent reports whether imageRef already exists in local storage.
	ImagePresent(ctx context.Context, imageRef string) (bool, error)
	// PullImage pulls imageRef, coalescing concurrent pulls of the same ref.
	PullImage(ctx context.Context, imageRef string) error

	CreateContainer(ctx context.Context, spec ContainerSpec) (id string, err error)
	Start(ctx context.Context, containerID string) error
	Stop(ctx context.Context, containerID string) error
	Remove(ctx context.Context, containerID string) error
	Inspect(ctx context.Context, containerID string) (ContainerInfo, error)
	ListContainers(ctx context.Context, labelFilter map[string]string) ([]ContainerInfo, error)

	NetworkCreate(ctx context.Context, name string, labels map[string]string) (id string, err error)
	NetworkRemove(ctx context.Context, networkID string) error
	NetworkConnect(ctx context.Context, networkID, containerID string) error
	ListNetworks(ctx context.Context, labelFilter map[string]string) ([]NetworkInfo, error)

	// LogsAttach streams combined stdout/stderr from containerID until ctx
	// is cancelled or the container stops. Callers demultiplex stdout from
	// stderr via the Docker multiplexed stream framing in the returned
	// ReadCloser.
	LogsAttach(ctx context.Context, containerID string, since string) (io.ReadCloser, error)

	// Exec runs a one-shot command inside containerID and waits for it to
	// finish, returning its combined stdout/stderr and exit code.
	Exec(ctx context.Context, containerID string, cmd []string) (ExecResult, error)

	Close() error
}

// ExecResult is the outcome of a one-shot Exec call.
type ExecResult struct {
	Output   string
	ExitCode int
}
