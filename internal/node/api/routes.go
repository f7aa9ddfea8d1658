package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
	"github.com/aosedge/edgenode/internal/node/constants"
)

// InstanceLauncher is the slice of the launcher the control API drives.
type InstanceLauncher interface {
	RunInstances(services []cloudprotocol.ServiceInfo, layers []cloudprotocol.LayerInfo,
		instances []cloudprotocol.InstanceInfo, forceRestart bool) error
	OverrideEnvVars(envVarsInfo []cloudprotocol.EnvVarsInstanceInfo) ([]cloudprotocol.EnvVarsInstanceStatus, error)
}

// MonitoringReader hands out the averaged node monitoring data.
type MonitoringReader interface {
	GetAverageMonitoringData() (cloudprotocol.NodeMonitoringData, error)
}

type VersionHandler struct {
}

func NewVersionHandler() *VersionHandler {
	return &VersionHandler{}
}

func (h *VersionHandler) Pattern() string {
	return "/version"
}

func (h *VersionHandler) Method() string {
	return http.MethodGet
}

func (h *VersionHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	_, _ = w.Write([]byte(constants.Version))
}

// RunInstancesRequest is the desired-state snapshot pushed by the caller.
type RunInstancesRequest struct {
	Services     []cloudprotocol.ServiceInfo  `json:"services"`
	Layers       []cloudprotocol.LayerInfo    `json:"layers"`
	Instances    []cloudprotocol.InstanceInfo `json:"instances"`
	ForceRestart bool                         `json:"forceRestart"`
}

type RunInstancesRoute struct {
	launcher InstanceLauncher
}

func NewRunInstancesRoute(launcher InstanceLauncher) *RunInstancesRoute {
	return &RunInstancesRoute{launcher: launcher}
}

func (h *RunInstancesRoute) Pattern() string {
	return "/run"
}

func (h *RunInstancesRoute) Method() string {
	return http.MethodPost
}

func (h *RunInstancesRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req RunInstancesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err := h.launcher.RunInstances(req.Services, req.Layers, req.Instances, req.ForceRestart)
	if err != nil {
		if errors.Is(err, aoserrors.ErrWrongState) {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}

		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// The launch itself runs in the background, the run status is reported
	// through the status receiver once it finishes.
	w.WriteHeader(http.StatusAccepted)
}

// EnvVarStatus mirrors one requested instance, with the error flattened to a
// string so it survives JSON encoding.
type EnvVarStatus struct {
	cloudprotocol.InstanceIdent
	Error string `json:"error,omitempty"`
}

type OverrideEnvVarsRoute struct {
	launcher InstanceLauncher
}

func NewOverrideEnvVarsRoute(launcher InstanceLauncher) *OverrideEnvVarsRoute {
	return &OverrideEnvVarsRoute{launcher: launcher}
}

func (h *OverrideEnvVarsRoute) Pattern() string {
	return "/envvars"
}

func (h *OverrideEnvVarsRoute) Method() string {
	return http.MethodPost
}

func (h *OverrideEnvVarsRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req []cloudprotocol.EnvVarsInstanceInfo
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	statuses, err := h.launcher.OverrideEnvVars(req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	resp := make([]EnvVarStatus, 0, len(statuses))
	for _, status := range statuses {
		item := EnvVarStatus{InstanceIdent: status.InstanceIdent}
		if status.Err != nil {
			item.Error = status.Err.Error()
		}

		resp = append(resp, item)
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

type MonitoringRoute struct {
	monitor MonitoringReader
}

func NewMonitoringRoute(monitor MonitoringReader) *MonitoringRoute {
	return &MonitoringRoute{monitor: monitor}
}

func (h *MonitoringRoute) Pattern() string {
	return "/monitoring"
}

func (h *MonitoringRoute) Method() string {
	return http.MethodGet
}

func (h *MonitoringRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	data, err := h.monitor.GetAverageMonitoringData()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// CloudConnectionRequest toggles the agent's view of cloud connectivity.
type CloudConnectionRequest struct {
	Connected bool `json:"connected"`
}

type CloudConnectionRoute struct {
	events ConnectionNotifier
}

// ConnectionNotifier fans a connectivity change out to subscribed components.
type ConnectionNotifier interface {
	Connect()
	Disconnect()
}

func NewCloudConnectionRoute(events ConnectionNotifier) *CloudConnectionRoute {
	return &CloudConnectionRoute{events: events}
}

func (h *CloudConnectionRoute) Pattern() string {
	return "/connection"
}

func (h *CloudConnectionRoute) Method() string {
	return http.MethodPost
}

func (h *CloudConnectionRoute) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var req CloudConnectionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if req.Connected {
		h.events.Connect()
	} else {
		h.events.Disconnect()
	}

	w.WriteHeader(http.StatusNoContent)
}
