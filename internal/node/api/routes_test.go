package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
)

type fakeLauncher struct {
	busy     bool
	received RunInstancesRequest
}

func (l *fakeLauncher) RunInstances(services []cloudprotocol.ServiceInfo, layers []cloudprotocol.LayerInfo,
	instances []cloudprotocol.InstanceInfo, forceRestart bool,
) error {
	if l.busy {
		return fmt.Errorf("%w: launch in progress", aoserrors.ErrWrongState)
	}

	l.received = RunInstancesRequest{
		Services: services, Layers: layers, Instances: instances, ForceRestart: forceRestart,
	}

	return nil
}

func (l *fakeLauncher) OverrideEnvVars(
	envVarsInfo []cloudprotocol.EnvVarsInstanceInfo,
) ([]cloudprotocol.EnvVarsInstanceStatus, error) {
	statuses := make([]cloudprotocol.EnvVarsInstanceStatus, 0, len(envVarsInfo))
	for _, info := range envVarsInfo {
		status := cloudprotocol.EnvVarsInstanceStatus{InstanceIdent: info.InstanceIdent}
		if info.ServiceID == "missing" {
			status.Err = aoserrors.ErrNotFound
		}

		statuses = append(statuses, status)
	}

	return statuses, nil
}

type fakeMonitor struct {
	data cloudprotocol.NodeMonitoringData
}

func (m *fakeMonitor) GetAverageMonitoringData() (cloudprotocol.NodeMonitoringData, error) {
	return m.data, nil
}

func newTestServer(launcher *fakeLauncher, monitor *fakeMonitor) *httptest.Server {
	logger := zerolog.Nop()

	routes := []Route{
		NewVersionHandler(),
		NewRunInstancesRoute(launcher),
		NewOverrideEnvVarsRoute(launcher),
		NewMonitoringRoute(monitor),
	}

	return httptest.NewServer(NewRouter(routes, &logger))
}

func TestRunInstancesRoute(t *testing.T) {
	launcher := &fakeLauncher{}

	server := newTestServer(launcher, &fakeMonitor{})
	defer server.Close()

	body := `{
		"services": [{"id": "service0", "version": "1.0.0"}],
		"instances": [{"serviceId": "service0", "subjectId": "subject0", "instance": 0}],
		"forceRestart": true
	}`

	resp, err := http.Post(server.URL+"/run", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, launcher.received.ForceRestart)
	require.Len(t, launcher.received.Instances, 1)
	assert.Equal(t, "service0", launcher.received.Instances[0].ServiceID)

	// While a launch is in flight the route reports conflict.
	launcher.busy = true

	resp, err = http.Post(server.URL+"/run", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, err = http.Post(server.URL+"/run", "application/json", strings.NewReader("not json"))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestOverrideEnvVarsRoute(t *testing.T) {
	server := newTestServer(&fakeLauncher{}, &fakeMonitor{})
	defer server.Close()

	body := `[
		{"serviceId": "service0", "subjectId": "subject0", "instance": 0,
		 "variables": [{"name": "LOG_LEVEL", "value": "debug"}]},
		{"serviceId": "missing", "subjectId": "subject0", "instance": 0}
	]`

	resp, err := http.Post(server.URL+"/envvars", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var statuses []EnvVarStatus
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&statuses))
	require.Len(t, statuses, 2)
	assert.Empty(t, statuses[0].Error)
	assert.NotEmpty(t, statuses[1].Error)
}

func TestMonitoringRoute(t *testing.T) {
	monitor := &fakeMonitor{
		data: cloudprotocol.NodeMonitoringData{
			NodeID: "node0",
			MonitoringData: cloudprotocol.MonitoringData{
				CPU: 12.5, RAM: 1024,
			},
		},
	}

	server := newTestServer(&fakeLauncher{}, monitor)
	defer server.Close()

	resp, err := http.Get(server.URL + "/monitoring")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	var data cloudprotocol.NodeMonitoringData
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&data))
	assert.Equal(t, "node0", data.NodeID)
	assert.Equal(t, uint64(1024), data.RAM)
}
