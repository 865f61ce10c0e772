package backpressure

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"cdn-log-anonymizer/pkg/types"
)

func TestMonitorDisabledNeverThrottles(t *testing.T) {
	m := NewMonitor(types.BackpressureConfig{Enabled: false}, logrus.New())
	m.recompute(1 << 40) // pretend memory is enormous
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	start := time.Now()
	m.Throttle(ctx)
	if time.Since(start) > 50*time.Millisecond {
		t.Fatalf("Throttle blocked on a disabled monitor")
	}
}

func TestMonitorRecomputeBelowHighWater(t *testing.T) {
	m := NewMonitor(types.BackpressureConfig{Enabled: true, HighWaterBytes: 1000, MaxSleep: time.Second}, logrus.New())
	m.recompute(500)
	if d := m.sleepFor.Load(); d != 0 {
		t.Fatalf("sleepFor = %d, want 0 below high-water mark", d)
	}
}

func TestMonitorRecomputeAboveHighWaterCapsAtMaxSleep(t *testing.T) {
	m := NewMonitor(types.BackpressureConfig{Enabled: true, HighWaterBytes: 1000, MaxSleep: time.Second}, logrus.New())
	m.recompute(100_000) // wildly over the high-water mark
	if d := time.Duration(m.sleepFor.Load()); d != time.Second {
		t.Fatalf("sleepFor = %v, want capped at MaxSleep (1s)", d)
	}
}
