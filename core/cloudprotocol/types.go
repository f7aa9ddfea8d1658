package cloudprotocol

import (
	"fmt"
	"time"
)

// InstanceRunState is the observed run state of a service instance.
type InstanceRunState string

const (
	InstanceStateActive InstanceRunState = "active"
	InstanceStateFailed InstanceRunState = "failed"
)

// InstanceIdent uniquely identifies one service instance on the node.
type InstanceIdent struct {
	ServiceID string `json:"serviceId" db:"service_id"`
	SubjectID string `json:"subjectId" db:"subject_id"`
	Instance  uint64 `json:"instance" db:"instance"`
}

func (i InstanceIdent) String() string {
	return fmt.Sprintf("%s:%s:%d", i.ServiceID, i.SubjectID, i.Instance)
}

// InstanceInfo is the desired spec for one instance, as pushed by the
// control plane and persisted for restart recovery.
type InstanceInfo struct {
	InstanceIdent
	UID         uint32 `json:"uid" db:"uid"`
	Priority    uint64 `json:"priority" db:"priority"`
	StoragePath string `json:"storagePath" db:"storage_path"`
	StatePath   string `json:"statePath" db:"state_path"`
}

// InstanceStatus is the observed state of one instance, re-derived after
// every reconciliation step or runner callback.
type InstanceStatus struct {
	InstanceIdent
	ServiceVersion string           `json:"serviceVersion"`
	RunState       InstanceRunState `json:"runState"`
	Err            error            `json:"-"`
}

// ServiceInfo describes a desired deployable service artifact.
type ServiceInfo struct {
	ID         string `json:"id"`
	ProviderID string `json:"providerId"`
	Version    string `json:"version"`
	GID        uint32 `json:"gid"`
	URL        string `json:"url"`
	SHA256     []byte `json:"sha256"`
	Size       uint64 `json:"size"`
}

// LayerInfo describes a desired deployable layer artifact.
type LayerInfo struct {
	ID      string `json:"id"`
	Digest  string `json:"digest"`
	Version string `json:"version"`
	URL     string `json:"url"`
	SHA256  []byte `json:"sha256"`
	Size    uint64 `json:"size"`
}

// EnvVarInfo is one environment variable override with an optional expiry.
type EnvVarInfo struct {
	Name  string     `json:"name"`
	Value string     `json:"value"`
	TTL   *time.Time `json:"ttl,omitempty"`
}

// EnvVarsInstanceInfo is a per-instance set of environment variable overrides.
type EnvVarsInstanceInfo struct {
	InstanceIdent
	Variables []EnvVarInfo `json:"variables"`
}

// EnvVarsInstanceStatus is the per-instance result of an override request.
type EnvVarsInstanceStatus struct {
	InstanceIdent
	Err error `json:"-"`
}

// PartitionInfo describes one disk partition and its usage.
type PartitionInfo struct {
	Name      string   `json:"name"`
	Types     []string `json:"types,omitempty"`
	Path      string   `json:"path"`
	TotalSize uint64   `json:"totalSize"`
	UsedSize  uint64   `json:"usedSize"`
}

// MonitoringData is one resource usage sample for the node or an instance.
type MonitoringData struct {
	CPU      float64         `json:"cpu"`
	RAM      uint64          `json:"ram"`
	Disk     []PartitionInfo `json:"disk"`
	Download uint64          `json:"download"`
	Upload   uint64          `json:"upload"`
}

// InstanceMonitoringData is one instance's sample tagged with its identity.
type InstanceMonitoringData struct {
	InstanceID string `json:"instanceId"`
	InstanceIdent
	MonitoringData
}

// NodeMonitoringData is the node sample plus all tracked instance samples.
type NodeMonitoringData struct {
	NodeID    string                   `json:"nodeId"`
	Timestamp time.Time                `json:"timestamp"`
	MonitoringData
	Instances []InstanceMonitoringData `json:"instances"`
}

// InstanceMonitorParams registers an instance for resource monitoring.
type InstanceMonitorParams struct {
	InstanceIdent
	Partitions []PartitionInfo `json:"partitions"`
}

// NodeInfo is the static node description fetched once at startup.
type NodeInfo struct {
	NodeID     string          `json:"nodeId"`
	Partitions []PartitionInfo `json:"partitions"`
}
