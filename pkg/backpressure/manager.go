// Package backpressure implements the memory-pressure reader throttle: a
// background monitor that samples system memory usage and hands the
// reader a recommended sleep duration, so a reader racing far ahead of
// slow workers doesn't grow the in-flight batch set until the process is
// OOM-killed.
package backpressure

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/sirupsen/logrus"

	"cdn-log-anonymizer/pkg/types"
)

// Monitor samples system memory on a ticker and converts "how far over the
// configured high-water mark are we" into a sleep duration the reader stage
// can apply before enqueueing its next batch.
type Monitor struct {
	cfg    types.BackpressureConfig
	logger *logrus.Logger

	usedBytes atomic.Uint64
	sleepFor  atomic.Int64 // nanoseconds, read by Throttle
}

// NewMonitor creates a Monitor. Disabled monitors (cfg.Enabled == false)
// still run Start so callers don't need to special-case them, but never
// recommend a nonzero sleep.
func NewMonitor(cfg types.BackpressureConfig, logger *logrus.Logger) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 2 * time.Second
	}
	return &Monitor{cfg: cfg, logger: logger}
}

// Start samples memory until ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) error {
	if !m.cfg.Enabled {
		<-ctx.Done()
		return ctx.Err()
	}

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			vm, err := mem.VirtualMemoryWithContext(ctx)
			if err != nil {
				m.logger.WithError(err).Warn("failed to sample system memory")
				continue
			}
			m.usedBytes.Store(vm.Used)
			m.recompute(vm.Used)
		}
	}
}

func (m *Monitor) recompute(used uint64) {
	if m.cfg.HighWaterBytes == 0 || used <= m.cfg.HighWaterBytes {
		m.sleepFor.Store(0)
		return
	}

	over := float64(used-m.cfg.HighWaterBytes) / float64(m.cfg.HighWaterBytes)
	if over > 1 {
		over = 1
	}
	sleep := time.Duration(over * float64(m.cfg.MaxSleep))
	m.sleepFor.Store(int64(sleep))

	m.logger.WithFields(logrus.Fields{
		"used_bytes":       used,
		"high_water_bytes": m.cfg.HighWaterBytes,
		"sleep":            sleep,
	}).Warn("memory backpressure active")
}

// Throttle blocks for the currently recommended sleep duration, or returns
// immediately if there's no pressure or ctx is cancelled first. The reader
// stage calls this before enqueueing each batch.
func (m *Monitor) Throttle(ctx context.Context) {
	d := time.Duration(m.sleepFor.Load())
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// UsedBytes reports the most recently sampled system memory usage, for
// /stats.
func (m *Monitor) UsedBytes() uint64 {
	return m.usedBytes.Load()
}
