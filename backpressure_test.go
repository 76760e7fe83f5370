package acquistor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testBPConfig() BackpressureConfig {
	return BackpressureConfig{
		HighWater:   0.75,
		LowWater:    0.25,
		HardCeiling: 0.90,
		GracePeriod: 100 * time.Millisecond,
		Degraded:    ModeThrottle,
	}
}

// Degraded mode engages above high water but disengages only below low
// water, so occupancy hovering at one threshold cannot flap the mode.
func TestBackpressureHysteresis(t *testing.T) {
	bp := NewBackpressureCoordinator(testBPConfig())
	assert.Equal(t, ModeNormal, bp.Observe(0.50, 0), "below high water")
	assert.Equal(t, ModeThrottle, bp.Observe(0.80, 0), "above high water")
	assert.Equal(t, ModeThrottle, bp.Observe(0.50, 0), "between marks stays degraded")
	assert.Equal(t, ModeThrottle, bp.Observe(0.74, 0), "just under high water stays degraded")
	assert.Equal(t, ModeNormal, bp.Observe(0.20, 0), "below low water recovers")
	assert.Equal(t, ModeNormal, bp.Observe(0.50, 0), "between marks stays normal")
}

// The configured degraded response can be stalling instead of throttling.
func TestBackpressureStallConfig(t *testing.T) {
	cfg := testBPConfig()
	cfg.Degraded = ModeStall
	bp := NewBackpressureCoordinator(cfg)
	assert.Equal(t, ModeStall, bp.Observe(0.80, 0))
	assert.Equal(t, ModeNormal, bp.Observe(0.10, 0))
}

// Shedding requires occupancy to hold above the hard ceiling for the whole
// grace period; a dip below the ceiling resets the clock.
func TestBackpressureShedGracePeriod(t *testing.T) {
	bp := NewBackpressureCoordinator(testBPConfig())
	now := time.Unix(1000, 0)
	bp.now = func() time.Time { return now }

	assert.Equal(t, ModeThrottle, bp.Observe(0.95, 0), "ceiling crossed, grace not elapsed")
	now = now.Add(50 * time.Millisecond)
	assert.Equal(t, ModeThrottle, bp.Observe(0.95, 0), "still inside grace period")

	// Dip below the ceiling: the grace clock must restart.
	assert.Equal(t, ModeThrottle, bp.Observe(0.85, 0))
	now = now.Add(200 * time.Millisecond)
	assert.Equal(t, ModeThrottle, bp.Observe(0.95, 0), "fresh crossing, grace restarted")

	now = now.Add(150 * time.Millisecond)
	assert.Equal(t, ModeShed, bp.Observe(0.95, 0), "held above ceiling past grace")

	// Below the ceiling shedding stops, but recovery still needs low water.
	assert.Equal(t, ModeThrottle, bp.Observe(0.80, 0))
	assert.Equal(t, ModeNormal, bp.Observe(0.10, 0))
}

// Throttle trades latency for throughput by enlarging write batches.
func TestBackpressureBatchSize(t *testing.T) {
	bp := NewBackpressureCoordinator(testBPConfig())
	assert.Equal(t, 16, bp.BatchSize(16), "normal mode uses configured size")
	bp.Observe(0.80, 0)
	assert.Equal(t, 16*throttleBatchScale, bp.BatchSize(16), "throttle enlarges batches")
	bp.Observe(0.10, 0)
	assert.Equal(t, 16, bp.BatchSize(16), "recovery restores configured size")
}
