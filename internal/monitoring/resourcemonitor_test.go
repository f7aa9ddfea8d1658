package monitoring

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
	"github.com/aosedge/edgenode/internal/node/config"
	"github.com/aosedge/edgenode/internal/node/pubsub"
)

type testUsageProvider struct {
	mu            sync.Mutex
	nodePolls     int
	instancePolls int
}

func (p *testUsageProvider) GetNodeInfo() (cloudprotocol.NodeInfo, error) {
	return cloudprotocol.NodeInfo{
		NodeID:     "node0",
		Partitions: []cloudprotocol.PartitionInfo{{Name: "root", Path: "/"}},
	}, nil
}

func (p *testUsageProvider) GetNodeMonitoringData(
	nodeID string, partitions []cloudprotocol.PartitionInfo,
) (cloudprotocol.MonitoringData, error) {
	p.mu.Lock()
	p.nodePolls++
	p.mu.Unlock()

	data := cloudprotocol.MonitoringData{CPU: 10.0, RAM: 100, Download: 5, Upload: 5}
	for _, partition := range partitions {
		data.Disk = append(data.Disk, cloudprotocol.PartitionInfo{
			Name: partition.Name, Path: partition.Path, TotalSize: 1000, UsedSize: 100,
		})
	}

	return data, nil
}

func (p *testUsageProvider) GetInstanceMonitoringData(
	instanceID string, partitions []cloudprotocol.PartitionInfo,
) (cloudprotocol.MonitoringData, error) {
	p.mu.Lock()
	p.instancePolls++
	ram := uint64(10 + p.instancePolls)
	p.mu.Unlock()

	data := cloudprotocol.MonitoringData{CPU: 1.0, RAM: ram}
	for _, partition := range partitions {
		data.Disk = append(data.Disk, cloudprotocol.PartitionInfo{
			Name: partition.Name, Path: partition.Path, TotalSize: 100, UsedSize: 10,
		})
	}

	return data, nil
}

func (p *testUsageProvider) polls() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.nodePolls
}

type testSender struct {
	sent chan cloudprotocol.NodeMonitoringData
}

func newTestSender() *testSender {
	return &testSender{sent: make(chan cloudprotocol.NodeMonitoringData, 16)}
}

func (s *testSender) SendMonitoringData(data cloudprotocol.NodeMonitoringData) error {
	select {
	case s.sent <- data:
	default:
	}

	return nil
}

func testMonitoringConfig() config.MonitoringConfig {
	return config.MonitoringConfig{
		PollPeriod:    20 * time.Millisecond,
		SendPeriod:    20 * time.Millisecond,
		AverageWindow: 80 * time.Millisecond,
	}
}

func TestMonitorSendGatedOnConnection(t *testing.T) {
	provider := &testUsageProvider{}
	sender := newTestSender()
	events := pubsub.NewConnectionEvents()

	monitor, err := New(testMonitoringConfig(), provider, sender, events)
	require.NoError(t, err)
	defer monitor.Shutdown()

	// Disconnected at start: nothing may be sent, but sampling runs.
	select {
	case <-sender.sent:
		t.Fatal("monitoring data sent while disconnected")
	case <-time.After(100 * time.Millisecond):
	}

	assert.Greater(t, provider.polls(), 0, "sampling should run while disconnected")

	events.Connect()

	select {
	case data := <-sender.sent:
		assert.Equal(t, "node0", data.NodeID)
	case <-time.After(time.Second):
		t.Fatal("no monitoring data sent after connect")
	}

	events.Disconnect()

	// Drain anything in flight, then expect silence again.
	time.Sleep(50 * time.Millisecond)
	for len(sender.sent) > 0 {
		<-sender.sent
	}

	select {
	case <-sender.sent:
		t.Fatal("monitoring data sent after disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestMonitorInstanceUpsert(t *testing.T) {
	provider := &testUsageProvider{}
	events := pubsub.NewConnectionEvents()

	monitor, err := New(testMonitoringConfig(), provider, newTestSender(), events)
	require.NoError(t, err)
	defer monitor.Shutdown()

	ident := cloudprotocol.InstanceIdent{ServiceID: "service0", SubjectID: "subject0", Instance: 0}

	require.NoError(t, monitor.StartInstanceMonitoring("inst0", cloudprotocol.InstanceMonitorParams{
		InstanceIdent: ident,
		Partitions:    []cloudprotocol.PartitionInfo{{Name: "storage", Path: "/storage"}},
	}))

	// Re-registering the same instance replaces its partition list instead
	// of failing or duplicating the entry.
	require.NoError(t, monitor.StartInstanceMonitoring("inst0", cloudprotocol.InstanceMonitorParams{
		InstanceIdent: ident,
		Partitions: []cloudprotocol.PartitionInfo{
			{Name: "storage", Path: "/storage"},
			{Name: "state", Path: "/state"},
		},
	}))

	data, err := monitor.GetAverageMonitoringData()
	require.NoError(t, err)
	require.Len(t, data.Instances, 1)
	assert.Equal(t, ident, data.Instances[0].InstanceIdent)
	assert.Len(t, data.Instances[0].Disk, 2)

	require.NoError(t, monitor.StopInstanceMonitoring("inst0"))

	err = monitor.StopInstanceMonitoring("inst0")
	require.ErrorIs(t, err, aoserrors.ErrNotFound)
}

func TestMonitorRejectsNonPositivePeriods(t *testing.T) {
	provider := &testUsageProvider{}

	cfg := testMonitoringConfig()
	cfg.PollPeriod = 0

	_, err := New(cfg, provider, newTestSender(), pubsub.NewConnectionEvents())
	require.ErrorIs(t, err, aoserrors.ErrInvalidArgument)

	cfg = testMonitoringConfig()
	cfg.SendPeriod = -time.Second

	_, err = New(cfg, provider, newTestSender(), pubsub.NewConnectionEvents())
	require.ErrorIs(t, err, aoserrors.ErrInvalidArgument)
}

func TestMonitorSentSnapshotIsStable(t *testing.T) {
	provider := &testUsageProvider{}
	sender := newTestSender()
	events := pubsub.NewConnectionEvents()

	monitor, err := New(testMonitoringConfig(), provider, sender, events)
	require.NoError(t, err)
	defer monitor.Shutdown()

	require.NoError(t, monitor.StartInstanceMonitoring("inst0", cloudprotocol.InstanceMonitorParams{
		InstanceIdent: cloudprotocol.InstanceIdent{ServiceID: "service0", SubjectID: "subject0", Instance: 0},
	}))

	events.Connect()

	var snapshot cloudprotocol.NodeMonitoringData

	deadline := time.After(time.Second)
	for len(snapshot.Instances) == 0 {
		select {
		case snapshot = <-sender.sent:
		case <-deadline:
			t.Fatal("no instance monitoring data sent after connect")
		}
	}

	ram := snapshot.Instances[0].RAM

	// A retained snapshot must not be rewritten by later polls.
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, ram, snapshot.Instances[0].RAM)
}

func TestMonitorShutdownStopsWorkers(t *testing.T) {
	provider := &testUsageProvider{}
	events := pubsub.NewConnectionEvents()

	monitor, err := New(testMonitoringConfig(), provider, newTestSender(), events)
	require.NoError(t, err)

	monitor.Shutdown()

	polls := provider.polls()
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, polls, provider.polls(), "sampling must stop after shutdown")

	// Second shutdown is a no-op.
	monitor.Shutdown()
}
