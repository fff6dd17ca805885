package worker

import (
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestHostMonitorSnapshotReportsHostResources(t *testing.T) {
	logger := zap.NewNop()
	config := MonitorConfig{
		Interval: 1 * time.Second,
		DiskPath: "/",
	}

	monitor := NewHostMonitor(config, logger)
	if err := monitor.Start(); err != nil {
		t.Fatalf("Failed to start monitor: %v", err)
	}
	defer monitor.Stop()

	// Wait for initial snapshot
	time.Sleep(100 * time.Millisecond)

	snapshot := monitor.Snapshot()

	if snapshot.Timestamp.IsZero() {
		t.Error("Expected snapshot timestamp to be set")
	}
	if snapshot.CPUCores <= 0 {
		t.Errorf("Expected CPU cores > 0, got %d", snapshot.CPUCores)
	}
	if snapshot.CPUUsagePercent < 0 || snapshot.CPUUsagePercent > 100 {
		t.Errorf("Expected CPU usage in [0,100], got %f", snapshot.CPUUsagePercent)
	}
	if snapshot.MemoryTotal == 0 {
		t.Error("Expected memory total > 0")
	}
	if snapshot.MemoryUsed > snapshot.MemoryTotal {
		t.Errorf("Memory used (%d) should not exceed total (%d)",
			snapshot.MemoryUsed, snapshot.MemoryTotal)
	}
	if snapshot.DiskTotal == 0 {
		t.Error("Expected disk total > 0")
	}

	t.Logf("Host resources - CPU: %.1f%% of %d cores, RAM: %.1f%%, Disk: %.1f%%",
		snapshot.CPUUsagePercent,
		snapshot.CPUCores,
		snapshot.MemoryUsedPercent,
		snapshot.DiskUsedPercent,
	)
}

func TestHostMonitorBandwidthNeedsTwoSnapshots(t *testing.T) {
	logger := zap.NewNop()
	config := MonitorConfig{
		Interval: 100 * time.Millisecond,
		DiskPath: "/",
	}

	monitor := NewHostMonitor(config, logger)
	if err := monitor.Start(); err != nil {
		t.Fatalf("Failed to start monitor: %v", err)
	}
	defer monitor.Stop()

	// Wait for at least two snapshots so the bandwidth delta exists
	time.Sleep(300 * time.Millisecond)

	snapshot := monitor.Snapshot()

	// Bandwidth may legitimately be zero on an idle host; the rx/tx
	// counters themselves should have been read.
	if snapshot.NetworkRxBytes == 0 && snapshot.NetworkTxBytes == 0 && snapshot.NetworkBandwidth != 0 {
		t.Errorf("Bandwidth %d without any counted bytes", snapshot.NetworkBandwidth)
	}

	t.Logf("Network - rx: %d bytes, tx: %d bytes, bandwidth: %d bps",
		snapshot.NetworkRxBytes, snapshot.NetworkTxBytes, snapshot.NetworkBandwidth)
}

func TestHostMonitorConfigDefaults(t *testing.T) {
	monitor := NewHostMonitor(MonitorConfig{}, zap.NewNop())
	defer monitor.Stop()

	if monitor.interval != 5*time.Second {
		t.Errorf("Expected default interval 5s, got %v", monitor.interval)
	}
	if monitor.diskPath != "/" {
		t.Errorf("Expected default disk path /, got %s", monitor.diskPath)
	}
}

func TestHostMonitorSnapshotIsStableAfterStop(t *testing.T) {
	logger := zap.NewNop()
	monitor := NewHostMonitor(MonitorConfig{Interval: 50 * time.Millisecond, DiskPath: "/"}, logger)
	if err := monitor.Start(); err != nil {
		t.Fatalf("Failed to start monitor: %v", err)
	}
	if err := monitor.Stop(); err != nil {
		t.Fatalf("Failed to stop monitor: %v", err)
	}

	first := monitor.Snapshot()
	time.Sleep(120 * time.Millisecond)
	second := monitor.Snapshot()

	if !first.Timestamp.Equal(second.Timestamp) {
		t.Error("Snapshot changed after the monitor was stopped")
	}
}
