package model

// ServiceSpec describes one container workload within an app.
type ServiceSpec struct {
	ServiceID      int64             `json:"service_id" validate:"required"`
	ServiceName    string            `json:"service_name" validate:"required"`
	ImageRef       string            `json:"image_ref" validate:"required"`
	Ports          []string          `json:"ports,omitempty"`
	Environment    map[string]string `json:"environment,omitempty"`
	Volumes        []string          `json:"volumes,omitempty"`
	Networks       []string          `json:"networks,omitempty"`
	RestartPolicy  string            `json:"restart_policy,omitempty"`
	Labels         map[string]string `json:"labels,omitempty"`
	NetworkMode    string            `json:"network_mode,omitempty"`
}

// AppSpec is an ordered set of ServiceSpecs under one fleet-unique app_id.
type AppSpec struct {
	AppID    int64         `json:"app_id" validate:"required"`
	AppName  string        `json:"app_name" validate:"required"`
	AppUUID  string        `json:"app_uuid,omitempty"`
	Services []ServiceSpec `json:"services"`
}

// TargetState is the single, cloud-declared desired state for this device.
type TargetState struct {
	Apps    map[int64]AppSpec `json:"apps"`
	Version int64             `json:"version"`
	ETag    string            `json:"-"`
}

// ServiceStatus is the per-service state machine surfaced to the admin UI.
type ServiceStatus string

const (
	ServiceDeploying  ServiceStatus = "deploying"
	ServiceRunning    ServiceStatus = "running"
	ServiceStopped    ServiceStatus = "stopped"
	ServiceRestarting ServiceStatus = "restarting"
	ServiceError      ServiceStatus = "error"
	ServiceRemoved    ServiceStatus = "removed"
)

// CurrentServiceState is the observed state of one running (or stopped) service.
type CurrentServiceState struct {
	ServiceID   int64         `json:"service_id"`
	ServiceName string        `json:"service_name"`
	ImageRef    string        `json:"image_ref"`
	ContainerID string        `json:"container_id,omitempty"`
	Status      ServiceStatus `json:"status"`
	Reason      string        `json:"reason,omitempty"`
	Ports       []string      `json:"ports,omitempty"`
	Networks    []string      `json:"networks,omitempty"`
	// SpecHash is the hash of the ServiceSpec last successfully applied to
	// this container, used to detect replacement-triggering drift without
	// re-deriving a spec from runtime-observed fields alone.
	SpecHash string `json:"spec_hash,omitempty"`
}

// CurrentApp is the observed state of all services within one app.
type CurrentApp struct {
	AppID int64 `json:"app_id"`
	// AppName is remembered from the last TargetState that declared this
	// app, so a later full app removal can still address its networks and
	// containers by name after the app drops out of TargetState entirely.
	AppName  string                `json:"app_name,omitempty"`
	Services []CurrentServiceState `json:"services"`
}

// HostMetrics is a snapshot of host resource usage reported alongside current state.
type HostMetrics struct {
	CPUUsagePercent    float64 `json:"cpu_usage"`
	CPUTempCelsius     float64 `json:"cpu_temp"`
	MemoryUsageBytes   uint64  `json:"memory_usage"`
	MemoryTotalBytes   uint64  `json:"memory_total"`
	StorageUsageBytes  uint64  `json:"storage_usage"`
	StorageTotalBytes  uint64  `json:"storage_total"`
	UptimeSeconds      int64   `json:"uptime"`
}

// DeviceMetadata accompanies every current-state report.
type DeviceMetadata struct {
	IPAddress         string `json:"ip_address"`
	MACAddress        string `json:"mac_address,omitempty"`
	OSVersion         string `json:"os_version"`
	SupervisorVersion string `json:"supervisor_version"`
}

// CurrentState is the device's observed reality, reported to the cloud.
type CurrentState struct {
	Apps     map[int64]CurrentApp `json:"apps"`
	Metrics  HostMetrics          `json:"-"`
	Metadata DeviceMetadata       `json:"-"`
}

// ReconciliationStatus is the derived in-sync/needs-update/missing/extra
// classification for a single service; never persisted long-term.
type ReconciliationStatus string

const (
	StatusInSync      ReconciliationStatus = "in-sync"
	StatusNeedsUpdate ReconciliationStatus = "needs-update"
	StatusMissing     ReconciliationStatus = "missing"
	StatusExtra       ReconciliationStatus = "extra"
)

// ServiceDiff pairs a ReconciliationStatus with an optional human-readable reason.
type ServiceDiff struct {
	Status ReconciliationStatus `json:"status"`
	Reason string               `json:"reason,omitempty"`
}
