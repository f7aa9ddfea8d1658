// Package usage implements the resource usage provider on top of /proc,
// /sys/fs/cgroup and statfs.
package usage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/aosedge/edgenode/core/cloudprotocol"
)

const cgroupRoot = "/sys/fs/cgroup"

type cpuSample struct {
	total uint64
	idle  uint64
}

// Provider reads node usage from /proc and per-instance usage from the
// instance's cgroup.
type Provider struct {
	nodeID     string
	partitions []cloudprotocol.PartitionInfo

	prevCPU      *cpuSample
	prevInstance map[string]uint64
}

// New creates the provider. With no partitions configured the root
// filesystem is tracked.
func New(nodeID string, partitions []cloudprotocol.PartitionInfo) *Provider {
	if len(partitions) == 0 {
		partitions = []cloudprotocol.PartitionInfo{{Name: "root", Path: "/"}}
	}

	return &Provider{
		nodeID:       nodeID,
		partitions:   partitions,
		prevInstance: make(map[string]uint64),
	}
}

func (p *Provider) GetNodeInfo() (cloudprotocol.NodeInfo, error) {
	partitions := make([]cloudprotocol.PartitionInfo, len(p.partitions))
	copy(partitions, p.partitions)

	for i := range partitions {
		total, _, err := diskUsage(partitions[i].Path)
		if err == nil {
			partitions[i].TotalSize = total
		}
	}

	return cloudprotocol.NodeInfo{NodeID: p.nodeID, Partitions: partitions}, nil
}

func (p *Provider) GetNodeMonitoringData(
	nodeID string, partitions []cloudprotocol.PartitionInfo,
) (cloudprotocol.MonitoringData, error) {
	data := cloudprotocol.MonitoringData{}

	total, idle, err := readCPU()
	if err != nil {
		return data, err
	}

	if p.prevCPU != nil {
		deltaTotal := total - p.prevCPU.total
		deltaIdle := idle - p.prevCPU.idle

		if deltaTotal > 0 {
			data.CPU = 100 * (1 - float64(deltaIdle)/float64(deltaTotal))
		}
	}

	p.prevCPU = &cpuSample{total: total, idle: idle}

	memTotal, memAvail, err := readMem()
	if err == nil && memTotal > 0 {
		data.RAM = memTotal - memAvail
	}

	rx, tx, err := readNetDev()
	if err == nil {
		data.Download = rx
		data.Upload = tx
	}

	for _, partition := range partitions {
		total, used, err := diskUsage(partition.Path)
		if err != nil {
			return data, fmt.Errorf("can't stat partition %s: %w", partition.Path, err)
		}

		data.Disk = append(data.Disk, cloudprotocol.PartitionInfo{
			Name:      partition.Name,
			Types:     partition.Types,
			Path:      partition.Path,
			TotalSize: total,
			UsedSize:  used,
		})
	}

	return data, nil
}

func (p *Provider) GetInstanceMonitoringData(
	instanceID string, partitions []cloudprotocol.PartitionInfo,
) (cloudprotocol.MonitoringData, error) {
	data := cloudprotocol.MonitoringData{}

	usage, err := readCgroupCPU(instanceID)
	if err == nil {
		if prev, ok := p.prevInstance[instanceID]; ok && usage > prev {
			// usage_usec is cumulative, report the delta as busy time.
			data.CPU = float64(usage - prev)
		}

		p.prevInstance[instanceID] = usage
	}

	ram, err := readCgroupMemory(instanceID)
	if err == nil {
		data.RAM = ram
	}

	for _, partition := range partitions {
		total, used, err := diskUsage(partition.Path)
		if err != nil {
			return data, fmt.Errorf("can't stat partition %s: %w", partition.Path, err)
		}

		data.Disk = append(data.Disk, cloudprotocol.PartitionInfo{
			Name:      partition.Name,
			Types:     partition.Types,
			Path:      partition.Path,
			TotalSize: total,
			UsedSize:  used,
		})
	}

	return data, nil
}

func readCPU() (total, idle uint64, err error) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := s.Text()
		if !strings.HasPrefix(line, "cpu ") {
			continue
		}

		parts := strings.Fields(line)
		if len(parts) < 5 {
			return 0, 0, errors.New("invalid cpu line")
		}

		vals := make([]uint64, 0, len(parts)-1)
		for _, p := range parts[1:] {
			v, e := strconv.ParseUint(p, 10, 64)
			if e != nil {
				return 0, 0, e
			}
			vals = append(vals, v)
			total += v
		}

		idle = vals[3]
		if len(vals) > 4 {
			idle += vals[4]
		}

		return total, idle, nil
	}

	if err := s.Err(); err != nil {
		return 0, 0, err
	}

	return 0, 0, errors.New("cpu line not found")
}

func readMem() (total, available uint64, err error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		fields := strings.Fields(s.Text())
		if len(fields) < 2 {
			continue
		}

		if fields[0] == "MemTotal:" {
			total, _ = strconv.ParseUint(fields[1], 10, 64)
			total *= 1024
		}

		if fields[0] == "MemAvailable:" {
			available, _ = strconv.ParseUint(fields[1], 10, 64)
			available *= 1024
		}
	}

	if total == 0 {
		return 0, 0, errors.New("meminfo parse failed")
	}

	return total, available, nil
}

func readNetDev() (rx, tx uint64, err error) {
	f, err := os.Open("/proc/net/dev")
	if err != nil {
		return 0, 0, err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if !strings.Contains(line, ":") {
			continue
		}

		parts := strings.SplitN(line, ":", 2)
		if strings.TrimSpace(parts[0]) == "lo" {
			continue
		}

		fields := strings.Fields(parts[1])
		if len(fields) < 9 {
			continue
		}

		r, _ := strconv.ParseUint(fields[0], 10, 64)
		t, _ := strconv.ParseUint(fields[8], 10, 64)

		rx += r
		tx += t
	}

	return rx, tx, s.Err()
}

func diskUsage(path string) (total, used uint64, err error) {
	var stat syscall.Statfs_t

	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, err
	}

	total = stat.Blocks * uint64(stat.Bsize)
	free := stat.Bfree * uint64(stat.Bsize)

	return total, total - free, nil
}

func readCgroupCPU(instanceID string) (uint64, error) {
	raw, err := os.ReadFile(filepath.Join(cgroupRoot, instanceID, "cpu.stat"))
	if err != nil {
		return 0, err
	}

	for _, line := range strings.Split(string(raw), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			return strconv.ParseUint(fields[1], 10, 64)
		}
	}

	return 0, errors.New("usage_usec not found")
}

func readCgroupMemory(instanceID string) (uint64, error) {
	raw, err := os.ReadFile(filepath.Join(cgroupRoot, instanceID, "memory.current"))
	if err != nil {
		return 0, err
	}

	return strconv.ParseUint(strings.TrimSpace(string(raw)), 10, 64)
}
