package monitoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aosedge/edgenode/core/cloudprotocol"
	"github.com/aosedge/edgenode/internal/aoserrors"
)

func nodeSample(cpu float64, ram, diskUsed uint64) cloudprotocol.NodeMonitoringData {
	return cloudprotocol.NodeMonitoringData{
		MonitoringData: cloudprotocol.MonitoringData{
			CPU:      cpu,
			RAM:      ram,
			Download: ram,
			Upload:   ram,
			Disk: []cloudprotocol.PartitionInfo{
				{Name: "root", Path: "/", TotalSize: 1000, UsedSize: diskUsed},
			},
		},
	}
}

func TestAverageFirstSampleSeedsWindow(t *testing.T) {
	average := NewAverage([]cloudprotocol.PartitionInfo{{Name: "root", Path: "/"}}, 4)

	require.NoError(t, average.Update(nodeSample(40.0, 1000, 500)))

	data, err := average.GetData()
	require.NoError(t, err)

	// One sample reads back as itself: the window is seeded full.
	assert.InDelta(t, 40.0, data.CPU, 1e-9)
	assert.Equal(t, uint64(1000), data.RAM)
	assert.Equal(t, uint64(1000), data.Download)
	assert.Equal(t, uint64(1000), data.Upload)
	require.Len(t, data.Disk, 1)
	assert.Equal(t, uint64(500), data.Disk[0].UsedSize)
	assert.Equal(t, uint64(1000), data.Disk[0].TotalSize)
}

func TestAverageConvergesTowardsNewLevel(t *testing.T) {
	average := NewAverage([]cloudprotocol.PartitionInfo{{Name: "root", Path: "/"}}, 4)

	require.NoError(t, average.Update(nodeSample(10.0, 10, 0)))

	wantRAM := []uint64{13, 14, 16}
	wantCPU := []float64{12.5, 14.375, 15.78125}

	for i := range wantRAM {
		require.NoError(t, average.Update(nodeSample(20.0, 20, 0)))

		data, err := average.GetData()
		require.NoError(t, err)

		assert.Equal(t, wantRAM[i], data.RAM, "update %d", i+1)
		assert.InDelta(t, wantCPU[i], data.CPU, 1e-9, "update %d", i+1)
	}
}

func TestAverageInstanceLifecycle(t *testing.T) {
	ident := cloudprotocol.InstanceIdent{ServiceID: "service0", SubjectID: "subject0", Instance: 0}
	other := cloudprotocol.InstanceIdent{ServiceID: "service0", SubjectID: "subject0", Instance: 1}

	average := NewAverage(nil, 4)

	instSample := func(target cloudprotocol.InstanceIdent, ram uint64) cloudprotocol.InstanceMonitoringData {
		return cloudprotocol.InstanceMonitoringData{
			InstanceIdent: target,
			MonitoringData: cloudprotocol.MonitoringData{
				CPU: 8.0, RAM: ram,
				Disk: []cloudprotocol.PartitionInfo{{Name: "storage", UsedSize: 50}},
			},
		}
	}

	find := func(data cloudprotocol.NodeMonitoringData, target cloudprotocol.InstanceIdent) cloudprotocol.InstanceMonitoringData {
		t.Helper()

		for _, instance := range data.Instances {
			if instance.InstanceIdent == target {
				return instance
			}
		}

		t.Fatalf("no data for instance %s", target)
		return cloudprotocol.InstanceMonitoringData{}
	}

	params := cloudprotocol.InstanceMonitorParams{
		InstanceIdent: ident,
		Partitions:    []cloudprotocol.PartitionInfo{{Name: "storage", Path: "/storage"}},
	}

	require.NoError(t, average.StartInstanceMonitoring(params))

	err := average.StartInstanceMonitoring(params)
	require.ErrorIs(t, err, aoserrors.ErrAlreadyExists)

	require.NoError(t, average.StartInstanceMonitoring(cloudprotocol.InstanceMonitorParams{
		InstanceIdent: other,
		Partitions:    []cloudprotocol.PartitionInfo{{Name: "storage", Path: "/storage"}},
	}))

	sample := cloudprotocol.NodeMonitoringData{
		MonitoringData: cloudprotocol.MonitoringData{RAM: 1000},
		Instances: []cloudprotocol.InstanceMonitoringData{
			instSample(ident, 100),
			instSample(other, 200),
		},
	}

	require.NoError(t, average.Update(sample))

	data, err := average.GetData()
	require.NoError(t, err)
	require.Len(t, data.Instances, 2)
	assert.Equal(t, uint64(100), find(data, ident).RAM)
	assert.Equal(t, uint64(200), find(data, other).RAM)

	require.NoError(t, average.StopInstanceMonitoring(ident))

	err = average.StopInstanceMonitoring(ident)
	require.ErrorIs(t, err, aoserrors.ErrNotFound)

	// Samples for an unregistered instance abort the update: aggregates for
	// still tracked instances and the node keep their previous readings.
	err = average.Update(cloudprotocol.NodeMonitoringData{
		MonitoringData: cloudprotocol.MonitoringData{RAM: 1000},
		Instances: []cloudprotocol.InstanceMonitoringData{
			instSample(ident, 400),
			instSample(other, 400),
		},
	})
	require.ErrorIs(t, err, aoserrors.ErrNotFound)

	data, err = average.GetData()
	require.NoError(t, err)
	require.Len(t, data.Instances, 1)
	assert.Equal(t, uint64(200), find(data, other).RAM)
	assert.Equal(t, uint64(1000), data.RAM)
}

func TestAverageRejectsPartitionCountMismatch(t *testing.T) {
	average := NewAverage([]cloudprotocol.PartitionInfo{{Name: "root"}, {Name: "state"}}, 4)

	err := average.Update(nodeSample(1.0, 1, 1))
	require.ErrorIs(t, err, aoserrors.ErrInvalidArgument)
}
