package acquistor

import (
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// trianglePeriod is the length in samples of one full triangle-wave cycle
// produced by SimulatedDevice.
const trianglePeriod = 1000

// SimulatedDevice is a DeviceAdapter producing deterministic triangle
// waves. It serves tests and lets the daemon run without hardware. The
// exported knobs inject the fault conditions the engine must survive:
// arm/start failures, transient poll timeouts, hard poll errors, sequence
// gaps, and a mid-run stall.
type SimulatedDevice struct {
	SampleRate   float64
	BlockSamples int
	Nchan        int
	Paced        bool // produce in real time instead of as fast as polled

	FailArms     int  // Arm fails this many times before succeeding
	FailStart    bool // Start always fails
	TimeoutEvery int  // every Nth Poll returns ErrPollTimeout (0 = never)
	ErrorAfter   int  // Poll returns a hard error after this many blocks (0 = never)
	SkipSeqAt    int  // the block with this index gets seq+1, simulating a device overrun (0 = never)
	StallAt      int  // before producing this block index, sleep StallFor (0 = never)
	StallFor     time.Duration

	cfg     CardConfig
	opened  bool
	armed   bool
	running bool
	stopped atomic.Bool
	startAt time.Time
	seq     uint64
	polls   int
	blocks  int
}

// NewSimulatedDevice returns an unpaced simulated card.
func NewSimulatedDevice(sampleRate float64, blockSamples, nchan int) *SimulatedDevice {
	return &SimulatedDevice{
		SampleRate:   sampleRate,
		BlockSamples: blockSamples,
		Nchan:        nchan,
	}
}

// Capabilities reports limits resembling a midrange digitizer card.
func (sd *SimulatedDevice) Capabilities() DeviceCapabilities {
	return DeviceCapabilities{MaxSampleRate: 20e6, MaxChannels: 16}
}

// Open accepts any configuration with a channel count the device supports.
func (sd *SimulatedDevice) Open(cfg CardConfig) error {
	if len(cfg.Channels) > 0 {
		sd.Nchan = len(cfg.Channels)
	}
	sd.cfg = cfg
	sd.opened = true
	return nil
}

// Arm prepares the device. With FailArms set, the first FailArms calls
// fail, exercising the caller's retry.
func (sd *SimulatedDevice) Arm() error {
	if !sd.opened {
		return fmt.Errorf("device not opened")
	}
	if sd.FailArms > 0 {
		sd.FailArms--
		return fmt.Errorf("simulated arm failure")
	}
	sd.armed = true
	return nil
}

// Start begins production. Poll returns blocks only after Start.
func (sd *SimulatedDevice) Start() error {
	if !sd.armed {
		return fmt.Errorf("device not armed")
	}
	if sd.FailStart {
		return fmt.Errorf("simulated start failure")
	}
	sd.running = true
	sd.startAt = time.Now()
	return nil
}

func (sd *SimulatedDevice) blockPeriod() time.Duration {
	return time.Duration(float64(sd.BlockSamples) / sd.SampleRate * float64(time.Second))
}

// Poll produces the next block. Sequence numbers and timestamps increase
// monotonically; timestamps are logical (start + seq * block period) so
// unpaced runs still align across cards.
func (sd *SimulatedDevice) Poll(timeout time.Duration) (*SampleBlock, error) {
	if sd.stopped.Load() {
		return nil, io.EOF
	}
	if !sd.running {
		return nil, fmt.Errorf("device not started")
	}
	sd.polls++
	if sd.TimeoutEvery > 0 && sd.polls%sd.TimeoutEvery == 0 {
		return nil, ErrPollTimeout
	}
	if sd.ErrorAfter > 0 && sd.blocks >= sd.ErrorAfter {
		return nil, fmt.Errorf("simulated hardware fault")
	}
	if sd.StallAt > 0 && sd.blocks == sd.StallAt {
		sd.StallAt = 0
		time.Sleep(sd.StallFor)
	}
	if sd.Paced {
		due := sd.startAt.Add(time.Duration(sd.seq) * sd.blockPeriod())
		wait := time.Until(due)
		if wait > timeout {
			time.Sleep(timeout)
			return nil, ErrPollTimeout
		}
		if wait > 0 {
			time.Sleep(wait)
		}
	}

	seq := sd.seq
	if sd.SkipSeqAt > 0 && sd.blocks == sd.SkipSeqAt {
		sd.SkipSeqAt = 0
		sd.seq++ // one block vanishes, as when hardware overruns
		seq = sd.seq
	}
	blk := &SampleBlock{
		CardIndex: 0,
		Seq:       seq,
		Timestamp: sd.startAt.Add(time.Duration(seq) * sd.blockPeriod()),
		Nsamp:     sd.BlockSamples,
		Data:      make([]RawType, sd.BlockSamples*sd.Nchan),
	}
	base := seq * uint64(sd.BlockSamples)
	for s := 0; s < sd.BlockSamples; s++ {
		for ch := 0; ch < sd.Nchan; ch++ {
			blk.Data[s*sd.Nchan+ch] = triangleSample(base+uint64(s), ch)
		}
	}
	sd.seq++
	sd.blocks++
	return blk, nil
}

// triangleSample is the value of channel ch at global sample index idx:
// a full-scale triangle wave, phase-shifted per channel.
func triangleSample(idx uint64, ch int) RawType {
	pos := (idx + uint64(ch)*37) % trianglePeriod
	half := uint64(trianglePeriod / 2)
	if pos < half {
		return RawType(pos * 65535 / half)
	}
	return RawType((trianglePeriod - pos) * 65535 / half)
}

// Stop ends production. Subsequent Polls return io.EOF; there is no
// hardware backlog to drain.
func (sd *SimulatedDevice) Stop() error {
	sd.stopped.Store(true)
	return nil
}

// Close releases nothing but marks the device unusable.
func (sd *SimulatedDevice) Close() error {
	sd.stopped.Store(true)
	sd.opened = false
	return nil
}
