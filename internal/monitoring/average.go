package monitoring

import (
	"fmt"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
)

// Average keeps a windowed running aggregate per tracked entity (the node
// plus every registered instance). It is a leaky accumulator approximating
// a sliding window of N samples without storing them individually: less
// accurate than a FIFO moving average, but bounded-memory. On the first
// sample the accumulator is seeded as if the window already contained N
// copies of it; afterwards each update leaks 1/N and adds the new sample.
type Average struct {
	window    uint64
	node      averageData
	instances map[cloudprotocol.InstanceIdent]*averageData
}

type averageData struct {
	initialized bool
	data        cloudprotocol.MonitoringData
}

// NewAverage creates the aggregate with the node's partition layout.
// A zero window is coerced to 1.
func NewAverage(nodeDisks []cloudprotocol.PartitionInfo, window uint64) *Average {
	if window == 0 {
		window = 1
	}

	average := &Average{
		window:    window,
		instances: make(map[cloudprotocol.InstanceIdent]*averageData),
	}

	average.node.data.Disk = append([]cloudprotocol.PartitionInfo(nil), nodeDisks...)

	return average
}

// Update folds one node sample into the aggregates. A sample for an
// instance that was never registered fails with ErrNotFound and aborts the
// call: an untracked instance must never silently start being averaged.
func (a *Average) Update(data cloudprotocol.NodeMonitoringData) error {
	if err := a.updateMonitoringData(&a.node, data.MonitoringData); err != nil {
		return err
	}

	for _, instance := range data.Instances {
		average, ok := a.instances[instance.InstanceIdent]
		if !ok {
			return fmt.Errorf("%w: instance %s", aoserrors.ErrNotFound, instance.InstanceIdent)
		}

		if err := a.updateMonitoringData(average, instance.MonitoringData); err != nil {
			return err
		}
	}

	return nil
}

// GetData materializes the point estimates for the node and every tracked
// instance. Iteration order over instances is unspecified.
func (a *Average) GetData() (cloudprotocol.NodeMonitoringData, error) {
	data := cloudprotocol.NodeMonitoringData{
		MonitoringData: a.getMonitoringData(a.node.data),
	}

	for ident, average := range a.instances {
		data.Instances = append(data.Instances, cloudprotocol.InstanceMonitoringData{
			InstanceIdent:  ident,
			MonitoringData: a.getMonitoringData(average.data),
		})
	}

	return data, nil
}

// StartInstanceMonitoring registers an instance. Registering an already
// tracked instance is an error, there is no implicit replace here.
func (a *Average) StartInstanceMonitoring(params cloudprotocol.InstanceMonitorParams) error {
	if _, ok := a.instances[params.InstanceIdent]; ok {
		return fmt.Errorf("%w: instance monitoring already started", aoserrors.ErrAlreadyExists)
	}

	average := &averageData{}
	average.data.Disk = append([]cloudprotocol.PartitionInfo(nil), params.Partitions...)

	a.instances[params.InstanceIdent] = average

	return nil
}

// StopInstanceMonitoring unregisters an instance.
func (a *Average) StopInstanceMonitoring(ident cloudprotocol.InstanceIdent) error {
	if _, ok := a.instances[ident]; !ok {
		return fmt.Errorf("%w: instance monitoring not found", aoserrors.ErrNotFound)
	}

	delete(a.instances, ident)

	return nil
}

func (a *Average) updateMonitoringData(average *averageData, sample cloudprotocol.MonitoringData) error {
	average.data.CPU = updateFloat(average.data.CPU, sample.CPU, a.window, average.initialized)
	average.data.RAM = updateUint64(average.data.RAM, sample.RAM, a.window, average.initialized)
	average.data.Download = updateUint64(average.data.Download, sample.Download, a.window, average.initialized)
	average.data.Upload = updateUint64(average.data.Upload, sample.Upload, a.window, average.initialized)

	if len(average.data.Disk) != len(sample.Disk) {
		return fmt.Errorf("%w: disk partition count mismatch", aoserrors.ErrInvalidArgument)
	}

	for i := range average.data.Disk {
		average.data.Disk[i].UsedSize = updateUint64(
			average.data.Disk[i].UsedSize, sample.Disk[i].UsedSize, a.window, average.initialized)
		average.data.Disk[i].TotalSize = sample.Disk[i].TotalSize
	}

	average.initialized = true

	return nil
}

func (a *Average) getMonitoringData(average cloudprotocol.MonitoringData) cloudprotocol.MonitoringData {
	data := cloudprotocol.MonitoringData{
		CPU:      average.CPU / float64(a.window),
		RAM:      getUint64(average.RAM, a.window),
		Download: getUint64(average.Download, a.window),
		Upload:   getUint64(average.Upload, a.window),
	}

	for _, disk := range average.Disk {
		data.Disk = append(data.Disk, cloudprotocol.PartitionInfo{
			Name:      disk.Name,
			Types:     disk.Types,
			Path:      disk.Path,
			TotalSize: disk.TotalSize,
			UsedSize:  getUint64(disk.UsedSize, a.window),
		})
	}

	return data
}

// getUint64 rounds half up.
func getUint64(value, window uint64) uint64 {
	return uint64(float64(value)/float64(window) + 0.5)
}

func updateUint64(value, sample, window uint64, initialized bool) uint64 {
	if !initialized {
		return sample * window
	}

	return value - getUint64(value, window) + sample
}

func updateFloat(value, sample float64, window uint64, initialized bool) float64 {
	if !initialized {
		return sample * float64(window)
	}

	return value - value/float64(window) + sample
}
