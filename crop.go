package acquistor

import "time"

// FindTrigger returns the index of the first sample where the waveform
// crosses level in the given direction, or -1 if it never does. The
// crossing is between samples i-1 and i, so index 0 can never trigger.
func FindTrigger(samples []RawType, level RawType, rising bool) int {
	for i := 1; i < len(samples); i++ {
		if rising && samples[i-1] < level && samples[i] >= level {
			return i
		}
		if !rising && samples[i-1] > level && samples[i] <= level {
			return i
		}
	}
	return -1
}

// CropToTrigger returns the samples from pre before the first trigger
// crossing to post after it, clamped to the available data. With no
// crossing it returns nil.
func CropToTrigger(samples []RawType, level RawType, rising bool,
	sampleRate float64, pre, post time.Duration) []RawType {
	trig := FindTrigger(samples, level, rising)
	if trig < 0 {
		return nil
	}
	npre := int(pre.Seconds() * sampleRate)
	npost := int(post.Seconds() * sampleRate)
	start := trig - npre
	if start < 0 {
		start = 0
	}
	end := trig + npost
	if end > len(samples) {
		end = len(samples)
	}
	return samples[start:end]
}
