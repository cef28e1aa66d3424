// Package reconciler is the Reconciler core (C6): it diffs TargetState
// against CurrentState and produces a deterministic, three-phase ordered
// Plan of Steps, then executes that plan against the Runtime Adapter one
// step at a time. Grounded on the teacher's only true "poll, evaluate,
// act" background loop, pkg/escalation/engine.go (Engine.Run/tick/
// per-item processing/metrics), generalized from "bump an alert's
// escalation tier" to "bring a container's state in line with its spec".
package reconciler

import (
	"fmt"

	"github.com/iotistic/supervisor/pkg/model"
)

// Step is a single atomic unit of reconciliation work. The set of concrete
// types below is closed — Go's idiomatic substitute for a tagged union,
// matching the "tagged records with explicit fields" design guidance.
type Step interface {
	// Kind returns a short identifier used for logging and metrics.
	Kind() string
	String() string
}

// DownloadImageStep pulls an image referenced by a to-start service.
type DownloadImageStep struct {
	AppID    int64
	ImageRef string
}

func (s DownloadImageStep) Kind() string { return "download_image" }
func (s DownloadImageStep) String() string {
	return fmt.Sprintf("DownloadImage(app=%d, image=%s)", s.AppID, s.ImageRef)
}

// CreateNetworkStep creates an app-scoped network referenced by to-start services.
type CreateNetworkStep struct {
	AppID       int64
	AppName     string
	NetworkName string
}

func (s CreateNetworkStep) Kind() string { return "create_network" }
func (s CreateNetworkStep) String() string {
	return fmt.Sprintf("CreateNetwork(app=%d, network=%s)", s.AppID, s.NetworkName)
}

// StopContainerStep stops a running container ahead of removal or replacement.
type StopContainerStep struct {
	AppID       int64
	ServiceID   int64
	ContainerID string
}

func (s StopContainerStep) Kind() string { return "stop_container" }
func (s StopContainerStep) String() string {
	return fmt.Sprintf("StopContainer(app=%d, service=%d, container=%s)", s.AppID, s.ServiceID, s.ContainerID)
}

// RemoveContainerStep removes a stopped container.
type RemoveContainerStep struct {
	AppID       int64
	ServiceID   int64
	ContainerID string
}

func (s RemoveContainerStep) Kind() string { return "remove_container" }
func (s RemoveContainerStep) String() string {
	return fmt.Sprintf("RemoveContainer(app=%d, service=%d, container=%s)", s.AppID, s.ServiceID, s.ContainerID)
}

// StartContainerStep creates and starts a container for spec.
type StartContainerStep struct {
	AppID   int64
	AppName string
	Spec    model.ServiceSpec
}

func (s StartContainerStep) Kind() string { return "start_container" }
func (s StartContainerStep) String() string {
	return fmt.Sprintf("StartContainer(app=%d, service=%d/%s)", s.AppID, s.Spec.ServiceID, s.Spec.ServiceName)
}

// RemoveNetworkStep removes a network no longer referenced by any target service.
type RemoveNetworkStep struct {
	AppID       int64
	AppName     string
	NetworkName string
}

func (s RemoveNetworkStep) Kind() string { return "remove_network" }
func (s RemoveNetworkStep) String() string {
	return fmt.Sprintf("RemoveNetwork(app=%d, network=%s)", s.AppID, s.NetworkName)
}

// NoOpStep indicates a converged service or network requiring no action.
type NoOpStep struct {
	Reason string
}

func (s NoOpStep) Kind() string   { return "noop" }
func (s NoOpStep) String() string { return fmt.Sprintf("NoOp(%s)", s.Reason) }

// Plan is an ordered, phase-respecting sequence of Steps.
type Plan []Step

// IsEmpty reports whether the plan contains only NoOp steps.
func (p Plan) IsEmpty() bool {
	for _, s := range p {
		if _, ok := s.(NoOpStep); !ok {
			return false
		}
	}
	return true
}
