package resourceguard

import (
	"bufio"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
)

// containerCPU reads container CPU usage directly from cgroup
// statistics files, normalized to the cgroup's own quota/period
// allocation rather than the host's core count.
type containerCPU struct {
	mu             sync.RWMutex
	lastUsageUsec  uint64
	lastSampleTime time.Time
	cgroupVersion  int
	cgroupPath     string
	cpusAllocated  float64
}

func newContainerCPU() (*containerCPU, error) {
	path, version, err := detectCgroupPath()
	if err != nil {
		return nil, fmt.Errorf("detect cgroup: %w", err)
	}

	quota, period, err := readCPUQuota(path, version)
	if err != nil {
		return nil, fmt.Errorf("read cpu quota: %w", err)
	}

	cc := &containerCPU{
		lastSampleTime: time.Now(),
		cgroupPath:     path,
		cgroupVersion:  version,
	}
	if quota > 0 && period > 0 {
		cc.cpusAllocated = float64(quota) / float64(period)
	} else {
		cc.cpusAllocated = float64(runtime.NumCPU())
	}

	usage, err := readCPUUsage(path, version)
	if err != nil {
		return nil, fmt.Errorf("read initial cpu usage: %w", err)
	}
	cc.lastUsageUsec = usage

	return cc, nil
}

// percent returns CPU usage as a percentage of the cgroup's allocation
// (so 100% means "using every CPU this container was granted").
func (cc *containerCPU) percent() (float64, error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	now := time.Now()
	elapsedUsec := now.Sub(cc.lastSampleTime).Microseconds()
	if elapsedUsec == 0 {
		return 0, fmt.Errorf("sample interval too small")
	}

	usage, err := readCPUUsage(cc.cgroupPath, cc.cgroupVersion)
	if err != nil {
		return 0, err
	}

	delta := usage - cc.lastUsageUsec
	raw := (float64(delta) / float64(elapsedUsec)) * 100.0

	cc.lastUsageUsec = usage
	cc.lastSampleTime = now

	return raw / cc.cpusAllocated, nil
}

func (cc *containerCPU) allocation() float64 {
	cc.mu.RLock()
	defer cc.mu.RUnlock()
	return cc.cpusAllocated
}

func detectCgroupPath() (path string, version int, err error) {
	file, err := os.Open("/proc/self/cgroup")
	if err != nil {
		return "", 0, err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		parts := strings.Split(scanner.Text(), ":")
		if len(parts) != 3 {
			continue
		}
		if parts[0] == "0" && parts[1] == "" {
			return "/sys/fs/cgroup" + parts[2], 2, nil
		}
		if strings.Contains(parts[1], "cpu") {
			return "/sys/fs/cgroup/cpu" + parts[2], 1, nil
		}
	}
	return "", 0, fmt.Errorf("could not detect cgroup path")
}

func readCPUQuota(path string, version int) (quota, period int64, err error) {
	if version == 2 {
		data, err := os.ReadFile(path + "/cpu.max")
		if err != nil {
			return 0, 0, err
		}
		fields := strings.Fields(string(data))
		if len(fields) != 2 {
			return 0, 0, fmt.Errorf("unexpected cpu.max format: %s", data)
		}
		if fields[0] == "max" {
			return -1, 0, nil
		}
		quota, err = strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return 0, 0, err
		}
		period, err = strconv.ParseInt(fields[1], 10, 64)
		return quota, period, err
	}

	quotaData, err := os.ReadFile(path + "/cpu.cfs_quota_us")
	if err != nil {
		return 0, 0, err
	}
	periodData, err := os.ReadFile(path + "/cpu.cfs_period_us")
	if err != nil {
		return 0, 0, err
	}
	quota, err = strconv.ParseInt(strings.TrimSpace(string(quotaData)), 10, 64)
	if err != nil {
		return 0, 0, err
	}
	period, err = strconv.ParseInt(strings.TrimSpace(string(periodData)), 10, 64)
	return quota, period, err
}

func readCPUUsage(path string, version int) (uint64, error) {
	if version == 2 {
		file, err := os.Open(path + "/cpu.stat")
		if err != nil {
			return 0, err
		}
		defer file.Close()
		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "usage_usec ") {
				fields := strings.Fields(line)
				if len(fields) == 2 {
					return strconv.ParseUint(fields[1], 10, 64)
				}
			}
		}
		return 0, fmt.Errorf("usage_usec not found in cpu.stat")
	}

	data, err := os.ReadFile(path + "/cpuacct.usage")
	if err != nil {
		return 0, err
	}
	nsec, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, err
	}
	return nsec / 1000, nil
}

// CPUMonitor measures CPU occupancy, preferring container-aware cgroup
// reads and falling back to host-wide gopsutil sampling when no cgroup
// is detected (local dev, non-Linux).
type CPUMonitor struct {
	mode      string
	container *containerCPU
	logger    zerolog.Logger
}

func NewCPUMonitor(logger zerolog.Logger) *CPUMonitor {
	if cc, err := newContainerCPU(); err == nil {
		logger.Info().
			Int("cgroup_version", cc.cgroupVersion).
			Float64("cpus_allocated", cc.allocation()).
			Msg("resourceguard: using container-aware CPU measurement")
		return &CPUMonitor{mode: "container", container: cc, logger: logger}
	} else {
		logger.Warn().Err(err).Msg("resourceguard: falling back to host CPU measurement")
	}
	return &CPUMonitor{mode: "host", logger: logger}
}

func (m *CPUMonitor) Percent() (float64, error) {
	if m.mode == "container" {
		return m.container.percent()
	}
	pcts, err := cpu.Percent(100*time.Millisecond, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, fmt.Errorf("no cpu sample")
	}
	return pcts[0], nil
}

func (m *CPUMonitor) Allocation() float64 {
	if m.mode == "container" {
		return m.container.allocation()
	}
	return float64(runtime.NumCPU())
}

func (m *CPUMonitor) Mode() string {
	return m.mode
}
