// Package runner abstracts the process/container execution backend that
// actually runs service instances. The launcher drives it synchronously and
// receives asynchronous state transitions back through StatusReceiver.
package runner

import (
	"github.com/aosedge/edgenode/core/cloudprotocol"
)

// RunStatus is the run state of one instance as reported by the backend.
type RunStatus struct {
	InstanceID string
	State      cloudprotocol.InstanceRunState
	Err        error
}

// StartParams carries the resolved service and instance spec needed to
// start a runtime instance.
type StartParams struct {
	Ident       cloudprotocol.InstanceIdent
	Image       string
	Env         []string
	UID         uint32
	StoragePath string
	StatePath   string
}

// Runner starts and stops runtime instances.
type Runner interface {
	StartInstance(instanceID string, params StartParams) RunStatus
	StopInstance(instanceID string) error
}

// StatusReceiver receives asynchronous instance state transitions, e.g. a
// process exiting outside of any reconciliation. Implemented by the launcher.
type StatusReceiver interface {
	UpdateRunStatus(instances []RunStatus) error
}
