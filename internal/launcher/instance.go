package launcher

import (
	"github.com/google/uuid"

	"github.com/aosedge/edgenode/core/cloudprotocol"
)

// service is a cached handle to an installed service, shared by every
// instance that references it.
type service struct {
	data    ServiceData
	spec    ServiceSpec
	specErr error
}

// instance is the cached runtime state of one started (or failed) instance.
// All fields are guarded by the launcher lock.
type instance struct {
	info       cloudprotocol.InstanceInfo
	instanceID string
	service    *service
	runState   cloudprotocol.InstanceRunState
	runErr     error
}

func newInstance(info cloudprotocol.InstanceInfo) *instance {
	return &instance{
		info:       info,
		instanceID: uuid.New().String(),
		runState:   cloudprotocol.InstanceStateFailed,
	}
}

func (i *instance) serviceVersion() string {
	if i.service == nil {
		return ""
	}

	return i.service.data.Version
}

func (i *instance) status() cloudprotocol.InstanceStatus {
	return cloudprotocol.InstanceStatus{
		InstanceIdent:  i.info.InstanceIdent,
		ServiceVersion: i.serviceVersion(),
		RunState:       i.runState,
		Err:            i.runErr,
	}
}

// monitorParams lists the disk partitions tracked for this instance.
func (i *instance) monitorParams() cloudprotocol.InstanceMonitorParams {
	params := cloudprotocol.InstanceMonitorParams{InstanceIdent: i.info.InstanceIdent}

	if i.info.StoragePath != "" {
		params.Partitions = append(params.Partitions,
			cloudprotocol.PartitionInfo{Name: "storage", Path: i.info.StoragePath})
	}

	if i.info.StatePath != "" {
		params.Partitions = append(params.Partitions,
			cloudprotocol.PartitionInfo{Name: "state", Path: i.info.StatePath})
	}

	return params
}
