package metrics

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// ProcessStats is the resource usage logged next to every metrics snapshot.
type ProcessStats struct {
	CPUPct      float64
	RSSBytes    int64
	MemLimit    int64
	Goroutines  int
	cpuUsageSet bool
}

func (s ProcessStats) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.Int64("rss_bytes", s.RSSBytes),
		slog.Int("goroutines", s.Goroutines),
	}
	if s.cpuUsageSet {
		attrs = append(attrs, slog.Float64("cpu_pct", s.CPUPct))
	}
	if s.MemLimit > 0 {
		attrs = append(attrs, slog.Int64("mem_limit_bytes", s.MemLimit))
	}
	return slog.GroupValue(attrs...)
}

type cpuSample struct {
	usageUsec int64
	at        time.Time
}

type processSampler struct {
	last *cpuSample
}

func (p *processSampler) sample(now time.Time) ProcessStats {
	stats := ProcessStats{Goroutines: runtime.NumGoroutine()}
	if rss, err := currentRSSBytes(); err == nil {
		stats.RSSBytes = rss
	}
	_, stats.MemLimit = readMemoryCgroup()

	usage, err := readCPUUsageUsec()
	if err != nil {
		return stats
	}
	cur := &cpuSample{usageUsec: usage, at: now}
	prev := p.last
	p.last = cur
	// First sample has nothing to diff against.
	if prev == nil {
		return stats
	}
	deltaTime := cur.at.Sub(prev.at).Seconds()
	if deltaTime <= 0 {
		return stats
	}
	deltaUsage := float64(cur.usageUsec-prev.usageUsec) / 1_000_000.0
	stats.CPUPct = max((deltaUsage/deltaTime)*100.0/readCPUCgroupCores(), 0)
	stats.cpuUsageSet = true
	return stats
}

// currentRSSBytes returns VmRSS bytes from /proc/self/status (Linux only).
func currentRSSBytes() (int64, error) {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0, errors.New("VmRSS parse failure")
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb * 1024, nil
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}
	return 0, errors.New("VmRSS not found")
}

func readCPUUsageUsec() (int64, error) {
	data, err := os.ReadFile("/sys/fs/cgroup/cpu.stat")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		fields := strings.Fields(line)
		if len(fields) == 2 && fields[0] == "usage_usec" {
			return strconv.ParseInt(fields[1], 10, 64)
		}
	}
	return 0, fmt.Errorf("usage_usec not found")
}

func readCPUCgroupCores() float64 {
	data, err := os.ReadFile("/sys/fs/cgroup/cpu.max")
	if err != nil {
		return float64(runtime.NumCPU())
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 || fields[0] == "max" {
		return float64(runtime.NumCPU())
	}
	quota, err1 := strconv.ParseFloat(fields[0], 64)
	period, err2 := strconv.ParseFloat(fields[1], 64)
	if err1 != nil || err2 != nil || period <= 0 {
		return float64(runtime.NumCPU())
	}
	return max(quota/period, 1)
}

func readMemoryCgroup() (current int64, limit int64) {
	curBytes, err := os.ReadFile("/sys/fs/cgroup/memory.current")
	if err != nil {
		return 0, 0
	}
	current, _ = strconv.ParseInt(strings.TrimSpace(string(curBytes)), 10, 64)

	maxBytes, err := os.ReadFile("/sys/fs/cgroup/memory.max")
	if err != nil {
		return current, 0
	}
	maxStr := strings.TrimSpace(string(maxBytes))
	if maxStr == "max" {
		return current, 0
	}
	limit, _ = strconv.ParseInt(maxStr, 10, 64)
	return current, limit
}
