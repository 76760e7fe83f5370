package acquistor

import (
	"errors"
	"fmt"
	"time"
)

// RawType holds raw signal data.
type RawType uint16

// rawMidpoint is the raw value corresponding to 0 volts on a bipolar input.
const rawMidpoint = 32768

// Coupling selects AC or DC input coupling for one channel.
type Coupling int

// Allowed values of Coupling.
const (
	CouplingDC Coupling = iota
	CouplingAC
)

func (c Coupling) String() string {
	if c == CouplingAC {
		return "AC"
	}
	return "DC"
}

// Impedance selects the input termination for one channel.
type Impedance int

// Allowed values of Impedance.
const (
	HighImpedance Impedance = iota // 1 MΩ
	LowImpedance                   // 50 Ω
)

func (z Impedance) String() string {
	if z == LowImpedance {
		return "50 Ohm"
	}
	return "1 MOhm"
}

// ChannelConfig describes one input channel on a card: which physical
// channel, its full-scale range, and how the sensor is attached.
type ChannelConfig struct {
	Number    int     // channel number on the card
	AmpVolts  float64 // full-scale amplification level, in volts
	Coupling  Coupling
	Impedance Impedance
	Sensor    string // free-form sensor kind, e.g. "airborne", "structure"
	Placement string // free-form placement label, e.g. "top"
}

// CardConfig is the logical identity and configuration of one digitizer
// card within a session.
type CardConfig struct {
	ID             string // device name, e.g. "/dev/spcm0"
	Channels       []ChannelConfig
	TriggerVolts   float64 // trigger threshold level
	TriggerChannel int     // channel number the trigger is taken from
}

// DeviceCapabilities is what a card reports it can do; the controller
// validates the requested configuration against it.
type DeviceCapabilities struct {
	MaxSampleRate float64
	MaxChannels   int
}

// SampleBlock is a contiguous run of raw samples from one card. Data is
// channel-interleaved: Nsamp samples for each of the card's channels.
// Seq is strictly increasing per card; a gap means the hardware overran.
type SampleBlock struct {
	CardIndex int
	Seq       uint64
	Timestamp time.Time // hardware timestamp of the first sample
	Nsamp     int       // samples per channel
	Data      []RawType // len = Nsamp * nchan, interleaved
}

// Nchan returns the number of channels interleaved in the block.
func (b *SampleBlock) Nchan() int {
	if b.Nsamp == 0 {
		return 0
	}
	return len(b.Data) / b.Nsamp
}

// Sample returns the raw sample for (channel, index within block).
func (b *SampleBlock) Sample(channel, idx int) RawType {
	return b.Data[idx*b.Nchan()+channel]
}

// VoltsOf converts one raw sample to volts given the channel's full-scale
// amplification level.
func VoltsOf(raw RawType, ampVolts float64) float64 {
	return (float64(raw) - rawMidpoint) / rawMidpoint * ampVolts
}

// ErrPollTimeout reports that a device poll found no data within the
// timeout. It is a transient fault: the polling task retries up to its
// budget before escalating.
var ErrPollTimeout = errors.New("device poll timed out")

// DeviceError is a card-fatal fault from a device adapter.
type DeviceError struct {
	Card string
	Op   string
	Err  error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Card, e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// DeviceAdapter is the capability interface any card driver binding must
// implement. The engine depends only on this interface, never on a concrete
// driver type.
//
// Contract: Poll returns blocks whose sequence number and hardware
// timestamp are monotonically increasing, or ErrPollTimeout when no data
// arrived within the timeout. Arm and Start are safe to retry once. After
// Stop, Poll drains any blocks already captured and then returns io.EOF.
type DeviceAdapter interface {
	Open(cfg CardConfig) error
	Arm() error
	Start() error
	Poll(timeout time.Duration) (*SampleBlock, error)
	Stop() error
	Close() error
	Capabilities() DeviceCapabilities
}
