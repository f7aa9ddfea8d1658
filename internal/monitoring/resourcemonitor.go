// Package monitoring samples node and per-instance resource usage on a
// fixed cadence, maintains windowed running averages, and periodically
// transmits the collected data while the cloud connection is up.
package monitoring

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
	"github.com/aosedge/edgenode/internal/node/config"
	"github.com/aosedge/edgenode/internal/node/pubsub"
)

// ResourceUsageProvider returns the static node layout once and current
// usage samples per poll.
type ResourceUsageProvider interface {
	GetNodeInfo() (cloudprotocol.NodeInfo, error)
	GetNodeMonitoringData(nodeID string, partitions []cloudprotocol.PartitionInfo) (cloudprotocol.MonitoringData, error)
	GetInstanceMonitoringData(
		instanceID string, partitions []cloudprotocol.PartitionInfo) (cloudprotocol.MonitoringData, error)
}

// Sender pushes a monitoring snapshot downstream to the control plane.
type Sender interface {
	SendMonitoringData(data cloudprotocol.NodeMonitoringData) error
}

type instanceMonitoringData struct {
	ident cloudprotocol.InstanceIdent
	data  cloudprotocol.MonitoringData
}

// ResourceMonitor owns one sampling worker and one transmission worker.
// Sampling never stops; transmission is gated on connectivity.
type ResourceMonitor struct {
	provider            ResourceUsageProvider
	sender              Sender
	connectionPublisher pubsub.ConnectionPublisher

	pollPeriod time.Duration
	sendPeriod time.Duration

	mu             sync.Mutex
	nodeData       cloudprotocol.NodeMonitoringData
	nodePartitions []cloudprotocol.PartitionInfo
	instances      map[string]*instanceMonitoringData
	average        *Average
	sendMonitoring bool
	finished       bool

	stop chan struct{}
	wg   sync.WaitGroup
}

var _ pubsub.ConnectionSubscriber = (*ResourceMonitor)(nil)

// New fetches the static node layout, subscribes to connectivity events and
// starts both background workers.
func New(cfg config.MonitoringConfig, provider ResourceUsageProvider, sender Sender,
	connectionPublisher pubsub.ConnectionPublisher,
) (*ResourceMonitor, error) {
	log.Debug().Msg("Init resource monitor")

	if cfg.PollPeriod <= 0 {
		return nil, fmt.Errorf("%w: poll period must be positive", aoserrors.ErrInvalidArgument)
	}

	if cfg.SendPeriod <= 0 {
		return nil, fmt.Errorf("%w: send period must be positive", aoserrors.ErrInvalidArgument)
	}

	nodeInfo, err := provider.GetNodeInfo()
	if err != nil {
		return nil, fmt.Errorf("can't get node info: %w", err)
	}

	window := uint64(1)
	if cfg.AverageWindow > cfg.PollPeriod {
		window = uint64(cfg.AverageWindow / cfg.PollPeriod)
	}

	monitor := &ResourceMonitor{
		provider:            provider,
		sender:              sender,
		connectionPublisher: connectionPublisher,
		pollPeriod:          cfg.PollPeriod,
		sendPeriod:          cfg.SendPeriod,
		nodePartitions:      nodeInfo.Partitions,
		instances:           make(map[string]*instanceMonitoringData),
		average:             NewAverage(nodeInfo.Partitions, window),
		stop:                make(chan struct{}),
	}

	monitor.nodeData.NodeID = nodeInfo.NodeID
	monitor.nodeData.Disk = append([]cloudprotocol.PartitionInfo(nil), nodeInfo.Partitions...)

	if err = connectionPublisher.Subscribe(monitor); err != nil {
		return nil, fmt.Errorf("can't subscribe to connection events: %w", err)
	}

	monitor.wg.Add(2)

	go monitor.runGathering()
	go monitor.runSending()

	return monitor, nil
}

// StartInstanceMonitoring is an idempotent upsert: tracking an already
// tracked instance replaces its partition list.
func (m *ResourceMonitor) StartInstanceMonitoring(
	instanceID string, params cloudprotocol.InstanceMonitorParams,
) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Debug().Msgf("Start instance monitoring: instanceID=%s", instanceID)

	if instance, ok := m.instances[instanceID]; ok {
		instance.data = cloudprotocol.MonitoringData{
			Disk: append([]cloudprotocol.PartitionInfo(nil), params.Partitions...),
		}

		// The partition list may have changed shape, re-seed the average
		// entry to match.
		if err := m.average.StopInstanceMonitoring(instance.ident); err != nil {
			return err
		}

		instance.ident = params.InstanceIdent

		return m.average.StartInstanceMonitoring(params)
	}

	m.instances[instanceID] = &instanceMonitoringData{
		ident: params.InstanceIdent,
		data: cloudprotocol.MonitoringData{
			Disk: append([]cloudprotocol.PartitionInfo(nil), params.Partitions...),
		},
	}

	if err := m.average.StartInstanceMonitoring(params); err != nil {
		return err
	}

	return nil
}

// StopInstanceMonitoring removes the tracked entry.
func (m *ResourceMonitor) StopInstanceMonitoring(instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Debug().Msgf("Stop instance monitoring: instanceID=%s", instanceID)

	instance, ok := m.instances[instanceID]
	if !ok {
		return fmt.Errorf("%w: instance monitoring not found", aoserrors.ErrNotFound)
	}

	delete(m.instances, instanceID)

	if err := m.average.StopInstanceMonitoring(instance.ident); err != nil {
		return err
	}

	return nil
}

// GetAverageMonitoringData returns the materialized running averages.
func (m *ResourceMonitor) GetAverageMonitoringData() (cloudprotocol.NodeMonitoringData, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := m.average.GetData()
	if err != nil {
		return cloudprotocol.NodeMonitoringData{}, err
	}

	data.NodeID = m.nodeData.NodeID
	data.Timestamp = time.Now()

	return data, nil
}

func (m *ResourceMonitor) OnConnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Debug().Msg("Connection event")

	m.sendMonitoring = true
}

func (m *ResourceMonitor) OnDisconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Debug().Msg("Disconnection event")

	m.sendMonitoring = false
}

// Shutdown unsubscribes from connectivity and joins both workers. No
// sample or send happens afterward.
func (m *ResourceMonitor) Shutdown() {
	m.connectionPublisher.Unsubscribe(m)

	m.mu.Lock()

	if m.finished {
		m.mu.Unlock()
		return
	}

	m.finished = true
	close(m.stop)

	m.mu.Unlock()

	m.wg.Wait()
}

// runGathering refreshes the node and every tracked instance each poll
// period. Per-sample provider errors are logged and skipped: monitoring
// must survive provider flakiness.
func (m *ResourceMonitor) runGathering() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.pollPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return

		case <-ticker.C:
			m.mu.Lock()

			if m.finished {
				m.mu.Unlock()
				return
			}

			m.gatherMonitoringData()

			m.mu.Unlock()
		}
	}
}

// runSending transmits the current snapshot each send period while
// connected. Send errors are logged, the next tick retries naturally.
func (m *ResourceMonitor) runSending() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.sendPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return

		case <-ticker.C:
			m.mu.Lock()

			if m.finished {
				m.mu.Unlock()
				return
			}

			if !m.sendMonitoring {
				m.mu.Unlock()
				continue
			}

			log.Debug().Msg("Send monitoring data")

			// The gatherer reuses the Instances backing array, so the
			// sender gets its own copy to retain.
			data := m.nodeData
			data.Instances = append([]cloudprotocol.InstanceMonitoringData(nil), m.nodeData.Instances...)

			if err := m.sender.SendMonitoringData(data); err != nil {
				log.Error().Err(err).Msg("Failed to send monitoring data")
			}

			m.mu.Unlock()
		}
	}
}

// Caller must hold the lock.
func (m *ResourceMonitor) gatherMonitoringData() {
	m.nodeData.Timestamp = time.Now()

	nodeData, err := m.provider.GetNodeMonitoringData(m.nodeData.NodeID, m.nodePartitions)
	if err != nil {
		log.Error().Err(err).Msg("Failed to get node monitoring data")
	} else {
		m.nodeData.MonitoringData = nodeData
	}

	m.nodeData.Instances = m.nodeData.Instances[:0]

	for instanceID, instance := range m.instances {
		data, err := m.provider.GetInstanceMonitoringData(instanceID, instance.data.Disk)
		if err != nil {
			log.Error().Err(err).Msgf("Failed to get monitoring data for instance %s", instanceID)
		} else {
			instance.data = data
		}

		m.nodeData.Instances = append(m.nodeData.Instances, cloudprotocol.InstanceMonitoringData{
			InstanceID:     instanceID,
			InstanceIdent:  instance.ident,
			MonitoringData: instance.data,
		})
	}

	if err := m.average.Update(m.nodeData); err != nil {
		log.Error().Err(err).Msg("Failed to update average monitoring data")
	}
}
