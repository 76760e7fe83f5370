package acquistor

import (
	"testing"
	"time"
)

func TestFindTrigger(t *testing.T) {
	ramp := []RawType{10, 20, 30, 40, 50, 40, 30, 20, 10}
	if got := FindTrigger(ramp, 35, true); got != 3 {
		t.Errorf("rising crossing of 35 at index %d, want 3", got)
	}
	if got := FindTrigger(ramp, 35, false); got != 6 {
		t.Errorf("falling crossing of 35 at index %d, want 6", got)
	}
	if got := FindTrigger(ramp, 100, true); got != -1 {
		t.Errorf("impossible level found a trigger at %d", got)
	}
	if got := FindTrigger([]RawType{50}, 10, true); got != -1 {
		t.Errorf("single sample cannot cross, got %d", got)
	}
}

func TestCropToTrigger(t *testing.T) {
	samples := make([]RawType, 100)
	for i := 50; i < 100; i++ {
		samples[i] = 1000
	}
	// 1 kHz: 5ms pre = 5 samples, 10ms post = 10 samples.
	got := CropToTrigger(samples, 500, true, 1000, 5*time.Millisecond, 10*time.Millisecond)
	if len(got) != 15 {
		t.Fatalf("crop returned %d samples, want 15", len(got))
	}
	if got[0] != 0 || got[5] != 1000 {
		t.Errorf("crop window misplaced: starts %d, trigger sample %d", got[0], got[5])
	}

	// Pre-window larger than available data clamps to the start.
	got = CropToTrigger(samples, 500, true, 1000, time.Second, time.Millisecond)
	if len(got) != 51 {
		t.Errorf("clamped crop returned %d samples, want 51", len(got))
	}

	if CropToTrigger(samples, 2000, true, 1000, 0, 0) != nil {
		t.Error("crop without a crossing returned data")
	}
}
