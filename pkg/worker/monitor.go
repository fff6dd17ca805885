package worker

import (
	"context"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/net"
	"go.uber.org/zap"
)

// ResourceSnapshot is a point-in-time view of the worker host's resources,
// reported with every heartbeat so operators can spot a starved replica.
type ResourceSnapshot struct {
	Timestamp time.Time `json:"timestamp"`

	CPUUsagePercent float64 `json:"cpu_usage_percent"`
	CPUCores        int     `json:"cpu_cores"`

	MemoryTotal       uint64  `json:"memory_total"`
	MemoryUsed        uint64  `json:"memory_used"`
	MemoryUsedPercent float64 `json:"memory_used_percent"`

	DiskTotal       uint64  `json:"disk_total"`
	DiskUsed        uint64  `json:"disk_used"`
	DiskUsedPercent float64 `json:"disk_used_percent"`

	// NetworkBandwidth is rx+tx bytes per second since the last sample.
	NetworkBandwidth uint64 `json:"network_bandwidth"`
	NetworkRxBytes   uint64 `json:"network_rx_bytes"`
	NetworkTxBytes   uint64 `json:"network_tx_bytes"`
}

// MonitorConfig configures the host resource monitor.
type MonitorConfig struct {
	// Interval between samples.
	Interval time.Duration

	// DiskPath to report usage for.
	DiskPath string
}

// HostMonitor samples host resources on an interval and keeps the latest
// snapshot for heartbeats to pick up.
type HostMonitor struct {
	logger   *zap.Logger
	interval time.Duration
	diskPath string

	mu   sync.RWMutex
	last ResourceSnapshot

	// Bandwidth baseline. Only the sampling goroutine touches these.
	prevRx uint64
	prevTx uint64
	prevAt time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHostMonitor creates a host resource monitor.
func NewHostMonitor(config MonitorConfig, logger *zap.Logger) *HostMonitor {
	if config.Interval <= 0 {
		config.Interval = 5 * time.Second
	}
	if config.DiskPath == "" {
		config.DiskPath = "/"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HostMonitor{
		logger:   logger,
		interval: config.Interval,
		diskPath: config.DiskPath,
	}
}

// Start takes the first sample and begins the refresh loop, so the snapshot
// is never empty once Start returns.
func (m *HostMonitor) Start() error {
	m.ctx, m.cancel = context.WithCancel(context.Background())

	m.logger.Info("Starting host resource monitor",
		zap.Duration("interval", m.interval),
	)
	m.refresh()

	m.wg.Add(1)
	go m.loop()
	return nil
}

// Stop halts the refresh loop. Stopping a monitor that never started is a
// no-op.
func (m *HostMonitor) Stop() error {
	if m.cancel == nil {
		return nil
	}
	m.logger.Info("Stopping host resource monitor")
	m.cancel()
	m.wg.Wait()
	return nil
}

// Snapshot returns the most recent resource snapshot.
func (m *HostMonitor) Snapshot() ResourceSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

func (m *HostMonitor) loop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.refresh()
		}
	}
}

// refresh samples the host and swaps in a new snapshot. A gopsutil reading
// that fails leaves its section zeroed instead of discarding the sample; a
// host with unreadable disk stats still wants CPU and memory reported.
func (m *HostMonitor) refresh() {
	now := time.Now()
	snap := ResourceSnapshot{Timestamp: now}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		snap.CPUUsagePercent = pct[0]
	}
	if cores, err := cpu.Counts(true); err == nil {
		snap.CPUCores = cores
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		snap.MemoryTotal = vm.Total
		snap.MemoryUsed = vm.Used
		snap.MemoryUsedPercent = vm.UsedPercent
	}
	if du, err := disk.Usage(m.diskPath); err == nil {
		snap.DiskTotal = du.Total
		snap.DiskUsed = du.Used
		snap.DiskUsedPercent = du.UsedPercent
	}
	if counters, err := net.IOCounters(false); err == nil && len(counters) > 0 {
		rx, tx := counters[0].BytesRecv, counters[0].BytesSent
		snap.NetworkRxBytes = rx
		snap.NetworkTxBytes = tx
		snap.NetworkBandwidth = m.bandwidth(rx, tx, now)
		m.prevRx, m.prevTx, m.prevAt = rx, tx, now
	}

	m.mu.Lock()
	m.last = snap
	m.mu.Unlock()

	m.logger.Debug("Host resources sampled",
		zap.Float64("cpu_percent", snap.CPUUsagePercent),
		zap.Float64("memory_percent", snap.MemoryUsedPercent),
		zap.Float64("disk_percent", snap.DiskUsedPercent),
		zap.Uint64("network_bps", snap.NetworkBandwidth),
	)
}

// bandwidth derives rx+tx bytes per second from the previous counters. The
// first sample has no baseline and reports zero, as does a sample taken
// after a counter reset (interface bounce).
func (m *HostMonitor) bandwidth(rx, tx uint64, now time.Time) uint64 {
	if m.prevAt.IsZero() || rx < m.prevRx || tx < m.prevTx {
		return 0
	}
	elapsed := now.Sub(m.prevAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return uint64(float64((rx-m.prevRx)+(tx-m.prevTx)) / elapsed)
}
