package acquistor

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// OverrunPolicy selects what a full stream buffer does with a new block.
type OverrunPolicy int

// Allowed values of OverrunPolicy.
const (
	// BlockCaller makes Push wait for space. The device poll loop stalls,
	// which induces a hardware-side overrun that the device reports.
	BlockCaller OverrunPolicy = iota
	// DropOldest discards the oldest unconsumed block and records the loss.
	DropOldest
)

func (p OverrunPolicy) String() string {
	if p == DropOldest {
		return "drop-oldest"
	}
	return "block-caller"
}

// DesyncPolicy selects what happens when cards drift apart beyond the
// alignment tolerance while all still have pending data.
type DesyncPolicy int

// Allowed values of DesyncPolicy.
const (
	// DesyncAbort ends the session with an error. This is the default:
	// a permanently desynchronized card invalidates cross-card analysis,
	// so we prefer a hard stop over silently degraded data.
	DesyncAbort DesyncPolicy = iota
	// DesyncResync discards the laggard's stale backlog and continues,
	// counting the desync and the dropped blocks.
	DesyncResync
)

func (p DesyncPolicy) String() string {
	if p == DesyncResync {
		return "resync"
	}
	return "abort"
}

// BackpressureConfig sets the occupancy thresholds (as fractions of total
// buffer capacity) and timing for the backpressure coordinator.
type BackpressureConfig struct {
	HighWater   float64          // enter the degraded mode above this occupancy
	LowWater    float64          // leave it only below this occupancy
	HardCeiling float64          // occupancy above which shedding is considered
	GracePeriod time.Duration    // how long above the ceiling before shedding
	Degraded    BackpressureMode // first response to pressure: ModeStall or ModeThrottle
}

// SinkConfig sets batching and retry behavior for the storage sink.
type SinkConfig struct {
	BatchSize    int           // frames per write batch
	MaxLatency   time.Duration // flush even a partial batch after this long
	RetryBudget  int           // durable-write retries before session-fatal
	FlushTimeout time.Duration // bound on any single medium write
}

// AcqConfig is the full configuration surface for one acquisition session.
// An external loader (viper in cmd/acquistord) produces it; Validate is the
// Configuring state's gate.
type AcqConfig struct {
	SampleRate   float64 // samples per second per channel
	BlockSamples int     // samples per channel in one SampleBlock
	Cards        []CardConfig

	AlignmentTolerance time.Duration
	MaxWait            time.Duration // bound on waiting for a lagging card
	ArmTimeout         time.Duration
	PollTimeout        time.Duration
	PollRetryLimit     int // transient poll timeouts per card before card-fatal

	BufferCapacity int // blocks per card buffer, fixed at arm time
	Overrun        OverrunPolicy
	Desync         DesyncPolicy

	Backpressure BackpressureConfig
	Sink         SinkConfig

	DrainTimeout time.Duration
	MaxBlocks    int // stop automatically after this many blocks per card (0 = run until stopped)

	// Post-run analysis options, from the original acquisitor workflow.
	SensitivityThreshold float64 // z-score cutoff for the channel check
	WithChannelCheck     bool
	PreviewDecimation    int // publish every Nth sample; 0 disables preview
}

// DefaultConfig returns a config with the documented defaults filled in.
// Cards must still be supplied by the caller.
func DefaultConfig() AcqConfig {
	return AcqConfig{
		SampleRate:         1000000,
		BlockSamples:       1024,
		AlignmentTolerance: 2 * time.Millisecond,
		MaxWait:            250 * time.Millisecond,
		ArmTimeout:         5 * time.Second,
		PollTimeout:        time.Second,
		PollRetryLimit:     3,
		BufferCapacity:     64,
		Overrun:            DropOldest,
		Desync:             DesyncAbort,
		Backpressure: BackpressureConfig{
			HighWater:   0.75,
			LowWater:    0.25,
			HardCeiling: 0.90,
			GracePeriod: 500 * time.Millisecond,
			Degraded:    ModeThrottle,
		},
		Sink: SinkConfig{
			BatchSize:    16,
			MaxLatency:   time.Second,
			RetryBudget:  3,
			FlushTimeout: 5 * time.Second,
		},
		DrainTimeout:         10 * time.Second,
		SensitivityThreshold: 2.0,
	}
}

// Validate checks the configuration against itself and against each card's
// reported capabilities. Any failure here is a configuration error: fatal,
// reported immediately, and the session is never created.
func (cfg *AcqConfig) Validate(caps []DeviceCapabilities) error {
	if cfg.SampleRate <= 0 {
		return fmt.Errorf("sample rate %v is invalid (expect > 0)", cfg.SampleRate)
	}
	if cfg.BlockSamples < 1 {
		return fmt.Errorf("block size %d is invalid (expect >= 1)", cfg.BlockSamples)
	}
	if len(cfg.Cards) < 1 {
		return fmt.Errorf("no cards configured")
	}
	if len(caps) != len(cfg.Cards) {
		return fmt.Errorf("have %d capability reports for %d cards", len(caps), len(cfg.Cards))
	}
	if cfg.BufferCapacity < 1 {
		return fmt.Errorf("buffer capacity %d is invalid (expect >= 1)", cfg.BufferCapacity)
	}
	if cfg.Backpressure.LowWater >= cfg.Backpressure.HighWater {
		return fmt.Errorf("backpressure low-water %.2f must be below high-water %.2f",
			cfg.Backpressure.LowWater, cfg.Backpressure.HighWater)
	}
	if cfg.Sink.BatchSize < 1 {
		return fmt.Errorf("sink batch size %d is invalid (expect >= 1)", cfg.Sink.BatchSize)
	}
	for i, card := range cfg.Cards {
		if len(card.Channels) == 0 {
			return fmt.Errorf("card %s has no channels enabled", card.ID)
		}
		if caps[i].MaxChannels > 0 && len(card.Channels) > caps[i].MaxChannels {
			return fmt.Errorf("card %s: %d channels requested, device supports %d",
				card.ID, len(card.Channels), caps[i].MaxChannels)
		}
		if caps[i].MaxSampleRate > 0 && cfg.SampleRate > caps[i].MaxSampleRate {
			return fmt.Errorf("card %s: sample rate %.0f exceeds device maximum %.0f",
				card.ID, cfg.SampleRate, caps[i].MaxSampleRate)
		}
		seen := make(map[int]bool)
		for _, ch := range card.Channels {
			if ch.AmpVolts <= 0 {
				return fmt.Errorf("card %s channel %d: amp level %v V is invalid",
					card.ID, ch.Number, ch.AmpVolts)
			}
			if seen[ch.Number] {
				return fmt.Errorf("card %s channel %d configured twice", card.ID, ch.Number)
			}
			seen[ch.Number] = true
		}
	}
	return nil
}

// Nchan returns the total channel count across all cards.
func (cfg *AcqConfig) Nchan() int {
	n := 0
	for _, card := range cfg.Cards {
		n += len(card.Channels)
	}
	return n
}

// blockPeriod is the wall time one SampleBlock spans.
func (cfg *AcqConfig) blockPeriod() time.Duration {
	return time.Duration(float64(cfg.BlockSamples) / cfg.SampleRate * float64(time.Second))
}

// LoadConfig reads the "acquisition" key of the viper configuration into
// an AcqConfig, starting from the documented defaults.
func LoadConfig() (AcqConfig, error) {
	cfg := DefaultConfig()
	if err := viper.UnmarshalKey("acquisition", &cfg); err != nil {
		return cfg, fmt.Errorf("error unmarshaling acquisition config: %s", err)
	}
	return cfg, nil
}
