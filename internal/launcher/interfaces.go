package launcher

import (
	"time"

	"github.com/aosedge/edgenode/core/cloudprotocol"
)

// ServiceData is the handle to a service installed on disk.
type ServiceData struct {
	ServiceID  string
	ProviderID string
	Version    string
	ImagePath  string
}

// ServiceManager installs and caches service and layer artifacts.
// Artifact download and on-disk layout live behind this interface.
type ServiceManager interface {
	InstallService(service cloudprotocol.ServiceInfo) (ServiceData, error)
	InstallLayer(layer cloudprotocol.LayerInfo) error
	RemoveService(serviceID string) error
	GetService(serviceID string) (ServiceData, error)
	GetAllServices() ([]ServiceData, error)
}

// ServiceSpec is the runtime spec resolved from an installed service image.
type ServiceSpec struct {
	Image string   `json:"image"`
	Env   []string `json:"env,omitempty"`
}

// OCISpec resolves an installed service's runtime manifest.
type OCISpec interface {
	LoadServiceSpec(imagePath string) (ServiceSpec, error)
}

// Storage persists launcher state for restart recovery. In-memory state is
// the source of truth for the running node; storage failures are reported
// but never roll back in-memory state.
type Storage interface {
	AddInstance(instance cloudprotocol.InstanceInfo) error
	UpdateInstance(instance cloudprotocol.InstanceInfo) error
	RemoveInstance(ident cloudprotocol.InstanceIdent) error
	GetAllInstances() ([]cloudprotocol.InstanceInfo, error)
	GetOperationVersion() (uint64, error)
	SetOperationVersion(version uint64) error
	GetOverrideEnvVars() ([]cloudprotocol.EnvVarsInstanceInfo, error)
	SetOverrideEnvVars(envVars []cloudprotocol.EnvVarsInstanceInfo) error
	GetOnlineTime() (time.Time, error)
	SetOnlineTime(onlineTime time.Time) error
}

// InstanceStatusReceiver receives aggregated instance statuses, both the
// full set after a reconciliation and incremental runner updates.
type InstanceStatusReceiver interface {
	InstancesRunStatus(instances []cloudprotocol.InstanceStatus) error
	InstancesUpdateStatus(instances []cloudprotocol.InstanceStatus) error
}

// ResourceMonitor registers instances for resource monitoring.
type ResourceMonitor interface {
	StartInstanceMonitoring(instanceID string, params cloudprotocol.InstanceMonitorParams) error
	StopInstanceMonitoring(instanceID string) error
}
