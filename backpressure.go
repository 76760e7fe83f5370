package acquistor

import (
	"time"
)

// BackpressureMode is the coordinator's current stance toward incoming
// frames.
type BackpressureMode int

// Allowed values of BackpressureMode.
const (
	// ModeNormal: forward every frame at the configured batch size.
	ModeNormal BackpressureMode = iota
	// ModeStall: let the stream buffers fill and trigger their overrun
	// policy. Acceptable only for short bursts.
	ModeStall
	// ModeThrottle: enlarge write batches, trading latency for throughput.
	ModeThrottle
	// ModeShed: drop the oldest unflushed frames, with accounting.
	ModeShed
)

func (m BackpressureMode) String() string {
	switch m {
	case ModeStall:
		return "stall"
	case ModeThrottle:
		return "throttle"
	case ModeShed:
		return "shed"
	}
	return "normal"
}

// throttleBatchScale is how much larger write batches grow under throttle.
const throttleBatchScale = 4

// BackpressureCoordinator decides, from buffer occupancy and sink latency,
// whether to stall, throttle, or shed. Transitions are hysteretic: a
// degraded mode is entered above the high-water mark but left only below
// the distinct low-water mark, so the coordinator cannot oscillate at a
// single threshold.
//
// The coordinator is purely synchronous: the pipeline task calls Observe
// once per frame and acts on the returned mode.
type BackpressureCoordinator struct {
	cfg          BackpressureConfig
	mode         BackpressureMode
	aboveCeiling time.Time // when occupancy first exceeded the hard ceiling
	now          func() time.Time
}

// NewBackpressureCoordinator returns a coordinator in ModeNormal.
func NewBackpressureCoordinator(cfg BackpressureConfig) *BackpressureCoordinator {
	return &BackpressureCoordinator{cfg: cfg, now: time.Now}
}

// Observe updates the mode from the aggregate buffer occupancy (fraction of
// total capacity) and the sink's most recent write latency.
func (bp *BackpressureCoordinator) Observe(occupancy float64, sinkLatency time.Duration) BackpressureMode {
	// Shedding: occupancy must hold above the hard ceiling for the whole
	// grace period before any frame is dropped.
	if occupancy >= bp.cfg.HardCeiling {
		if bp.aboveCeiling.IsZero() {
			bp.aboveCeiling = bp.now()
		}
		if bp.now().Sub(bp.aboveCeiling) >= bp.cfg.GracePeriod {
			bp.mode = ModeShed
			return bp.mode
		}
	} else {
		bp.aboveCeiling = time.Time{}
	}

	switch bp.mode {
	case ModeNormal:
		if occupancy >= bp.cfg.HighWater {
			bp.mode = bp.degraded()
		}
	case ModeThrottle, ModeStall, ModeShed:
		// Hysteresis: recover only once occupancy falls below low water.
		if occupancy <= bp.cfg.LowWater {
			bp.mode = ModeNormal
		} else if bp.mode == ModeShed && occupancy < bp.cfg.HardCeiling {
			// Below the ceiling, shedding stops but we stay degraded.
			bp.mode = bp.degraded()
		}
	}
	return bp.mode
}

// degraded is the configured response to high occupancy: stall or throttle.
// Shedding is never configured as the first response; it engages only via
// the hard ceiling.
func (bp *BackpressureCoordinator) degraded() BackpressureMode {
	if bp.cfg.Degraded == ModeStall {
		return ModeStall
	}
	return ModeThrottle
}

// Mode returns the current mode without observing anything new.
func (bp *BackpressureCoordinator) Mode() BackpressureMode {
	return bp.mode
}

// BatchSize returns the effective sink batch size for the current mode.
func (bp *BackpressureCoordinator) BatchSize(configured int) int {
	if bp.mode == ModeThrottle || bp.mode == ModeShed {
		return configured * throttleBatchScale
	}
	return configured
}
