// Package hostmetrics snapshots host resource usage for the current-state
// report (C7) and the Local Admin API's GET /v1/metrics (C8). No package in
// the retrieval pack reads host CPU/memory/disk usage — the corpus's
// Prometheus usage is all about exposing metrics, never sampling the host
// itself — so this is a deliberate standard-library fallback (runtime,
// os, and /proc parsing), recorded in DESIGN.md.
package hostmetrics

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/iotistic/supervisor/pkg/model"
)

var processStart = time.Now()

// Snapshot reads current host resource usage. storagePath is the
// filesystem to report usage/total for (typically the data directory).
func Snapshot(storagePath string) model.HostMetrics {
	m := model.HostMetrics{
		UptimeSeconds: int64(time.Since(processStart).Seconds()),
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	m.MemoryUsageBytes = ms.Sys

	if total, used, ok := readMemTotalUsed(); ok {
		m.MemoryTotalBytes = total
		m.MemoryUsageBytes = used
	}

	if pct, ok := readCPUPercent(); ok {
		m.CPUUsagePercent = pct
	}

	if usage, total, ok := readStorage(storagePath); ok {
		m.StorageUsageBytes = usage
		m.StorageTotalBytes = total
	}

	return m
}

// readMemTotalUsed parses /proc/meminfo for total/available memory.
func readMemTotalUsed() (total, used uint64, ok bool) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, 0, false
	}
	defer f.Close()

	var totalKB, availKB uint64
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "MemTotal:":
			totalKB, _ = strconv.ParseUint(fields[1], 10, 64)
		case "MemAvailable:":
			availKB, _ = strconv.ParseUint(fields[1], 10, 64)
		}
	}
	if totalKB == 0 {
		return 0, 0, false
	}
	total = totalKB * 1024
	used = total - availKB*1024
	return total, used, true
}

// lastCPUSample is the last /proc/stat aggregate CPU line read by readCPUPercent,
// used to compute a delta-based utilization percentage between calls.
var lastCPUSample struct {
	idle, total uint64
}

// readCPUPercent reports CPU utilization since the previous call, by
// reading the aggregate "cpu" line from /proc/stat.
func readCPUPercent() (float64, bool) {
	f, err := os.Open("/proc/stat")
	if err != nil {
		return 0, false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		return 0, false
	}
	fields := strings.Fields(scanner.Text())
	if len(fields) < 5 || fields[0] != "cpu" {
		return 0, false
	}

	var total, idle uint64
	for i, f := range fields[1:] {
		v, err := strconv.ParseUint(f, 10, 64)
		if err != nil {
			continue
		}
		total += v
		if i == 3 { // idle field
			idle = v
		}
	}

	prevIdle, prevTotal := lastCPUSample.idle, lastCPUSample.total
	lastCPUSample.idle, lastCPUSample.total = idle, total

	deltaTotal := total - prevTotal
	deltaIdle := idle - prevIdle
	if prevTotal == 0 || deltaTotal == 0 {
		return 0, true
	}
	return (1 - float64(deltaIdle)/float64(deltaTotal)) * 100, true
}

// readStorage reports used/total bytes on the filesystem containing path.
func readStorage(path string) (used, total uint64, ok bool) {
	if path == "" {
		return 0, 0, false
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0, 0, false
	}
	total = stat.Blocks * uint64(stat.Bsize)
	free := stat.Bavail * uint64(stat.Bsize)
	used = total - free
	return used, total, true
}
