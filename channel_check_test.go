package acquistor

import (
	"math"
	"math/rand"
	"testing"
)

// Nine channels share a waveform; the tenth carries unrelated noise. The
// check must flag exactly the odd one out.
func TestDissimilarChannelsFlagsOutlier(t *testing.T) {
	const n = 1024
	rng := rand.New(rand.NewSource(7))
	channels := make([][]float64, 10)
	for ch := 0; ch < 9; ch++ {
		channels[ch] = make([]float64, n)
		for i := range channels[ch] {
			channels[ch][i] = math.Sin(2*math.Pi*float64(i)/128) + 0.01*rng.NormFloat64()
		}
	}
	channels[9] = make([]float64, n)
	for i := range channels[9] {
		channels[9][i] = rng.NormFloat64()
	}

	flagged := DissimilarChannels(channels, 2.0)
	if len(flagged) != 1 || flagged[0] != 9 {
		t.Errorf("flagged channels %v, want [9]", flagged)
	}
}

// Channels that all agree produce no flags, and too few channels for a
// consensus produce none either.
func TestDissimilarChannelsNegativeCases(t *testing.T) {
	const n = 256
	same := make([][]float64, 6)
	for ch := range same {
		same[ch] = make([]float64, n)
		for i := range same[ch] {
			same[ch][i] = math.Cos(float64(i) / 10)
		}
	}
	if flagged := DissimilarChannels(same, 2.0); len(flagged) != 0 {
		t.Errorf("identical channels flagged %v, want none", flagged)
	}

	if flagged := DissimilarChannels(same[:2], 2.0); flagged != nil {
		t.Errorf("2 channels flagged %v; consensus needs at least 3", flagged)
	}
}

// The auditor accumulates frames and reaches the same verdict.
func TestChannelAuditor(t *testing.T) {
	auditor := NewChannelAuditor()
	const nsamp = 64
	for seq := uint64(0); seq < 8; seq++ {
		data := make([]RawType, nsamp*4)
		for s := 0; s < nsamp; s++ {
			idx := int(seq)*nsamp + s
			v := RawType(rawMidpoint + 1000*math.Sin(2*math.Pi*float64(idx)/64))
			data[s*4+0] = v
			data[s*4+1] = v
			data[s*4+2] = v
			data[s*4+3] = RawType(idx * 7919 % 65536) // unrelated
		}
		blk := &SampleBlock{Seq: seq, Nsamp: nsamp, Data: data}
		auditor.ObserveFrame(&AlignedFrame{Seq: seq, Blocks: []*SampleBlock{blk}})
	}
	flagged := auditor.Check(1.0)
	if len(flagged) != 1 || flagged[0] != 3 {
		t.Errorf("auditor flagged %v, want [3]", flagged)
	}
}
