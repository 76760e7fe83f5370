package acquistor

import (
	"math"
	"sync"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// maxAuditSamples bounds how many samples per channel the auditor retains.
// At 64k samples the check is already stable; holding more only costs RAM.
const maxAuditSamples = 65536

// ChannelAuditor is a FrameObserver that retains the first samples of
// every channel so a post-run dissimilarity check can flag channels whose
// waveform disagrees with the rest, usually a loose cable or dead sensor.
type ChannelAuditor struct {
	lock     sync.Mutex
	channels [][]float64
	full     bool
}

// NewChannelAuditor returns an auditor ready for observation.
func NewChannelAuditor() *ChannelAuditor {
	return &ChannelAuditor{}
}

// ObserveFrame accumulates the frame's samples, channel by channel, until
// the retention bound is hit.
func (ca *ChannelAuditor) ObserveFrame(frame *AlignedFrame) {
	if ca.full {
		return
	}
	ca.lock.Lock()
	defer ca.lock.Unlock()

	col := 0
	for _, blk := range frame.Blocks {
		nchan := blk.Nchan()
		for ch := 0; ch < nchan; ch++ {
			for len(ca.channels) <= col {
				ca.channels = append(ca.channels, nil)
			}
			room := maxAuditSamples - len(ca.channels[col])
			for s := 0; s < blk.Nsamp && s < room; s++ {
				ca.channels[col] = append(ca.channels[col], float64(blk.Sample(ch, s)))
			}
			col++
		}
	}
	ca.full = len(ca.channels) > 0 && len(ca.channels[0]) >= maxAuditSamples
}

// Check runs the dissimilarity test on the retained samples.
func (ca *ChannelAuditor) Check(threshold float64) []int {
	ca.lock.Lock()
	defer ca.lock.Unlock()
	return DissimilarChannels(ca.channels, threshold)
}

// DissimilarChannels flags channels whose mean cosine distance to every
// other channel is an outlier: more than threshold standard deviations
// above the across-channel mean. It needs at least 3 channels to have a
// meaningful notion of "the rest agree".
func DissimilarChannels(channels [][]float64, threshold float64) []int {
	n := len(channels)
	if n < 3 {
		return nil
	}
	meanDist := make([]float64, n)
	for i := 0; i < n; i++ {
		sum := 0.0
		for j := 0; j < n; j++ {
			if j == i {
				continue
			}
			sum += cosineDistance(channels[i], channels[j])
		}
		meanDist[i] = sum / float64(n-1)
	}
	mu, sigma := stat.MeanStdDev(meanDist, nil)
	if sigma == 0 {
		return nil
	}
	var flagged []int
	for i, d := range meanDist {
		if (d-mu)/sigma > threshold {
			flagged = append(flagged, i)
		}
	}
	return flagged
}

// cosineDistance is 1 minus the cosine similarity of a and b. A zero
// vector is maximally distant from everything.
func cosineDistance(a, b []float64) float64 {
	if len(a) > len(b) {
		a = a[:len(b)]
	} else if len(b) > len(a) {
		b = b[:len(a)]
	}
	if len(a) == 0 {
		return 1
	}
	dot := floats.Dot(a, b)
	na := math.Sqrt(floats.Dot(a, a))
	nb := math.Sqrt(floats.Dot(b, b))
	if na == 0 || nb == 0 {
		return 1
	}
	return 1 - dot/(na*nb)
}
