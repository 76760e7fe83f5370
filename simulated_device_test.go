package acquistor

import (
	"io"
	"testing"
	"time"
)

func TestSimulatedDeviceLifecycle(t *testing.T) {
	sd := NewSimulatedDevice(1e6, 16, 2)
	if err := sd.Arm(); err == nil {
		t.Error("Arm succeeded before Open")
	}
	if err := sd.Open(CardConfig{ID: "sim", Channels: testCards(1, 2)[0].Channels}); err != nil {
		t.Fatal(err)
	}
	if err := sd.Start(); err == nil {
		t.Error("Start succeeded before Arm")
	}
	if err := sd.Arm(); err != nil {
		t.Fatal(err)
	}
	if err := sd.Start(); err != nil {
		t.Fatal(err)
	}

	var lastSeq uint64
	for i := 0; i < 10; i++ {
		blk, err := sd.Poll(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if i > 0 && blk.Seq != lastSeq+1 {
			t.Errorf("seq jumped from %d to %d", lastSeq, blk.Seq)
		}
		lastSeq = blk.Seq
		if blk.Nsamp != 16 || blk.Nchan() != 2 {
			t.Fatalf("block is %dx%d, want 16x2", blk.Nsamp, blk.Nchan())
		}
	}

	sd.Stop()
	if _, err := sd.Poll(time.Second); err != io.EOF {
		t.Errorf("Poll after Stop returned %v, want io.EOF", err)
	}
}

// The waveform is deterministic: the same global sample index always
// yields the same value, regardless of block boundaries.
func TestSimulatedDeviceDeterminism(t *testing.T) {
	make1 := func(blockSamples, nblocks int) []RawType {
		sd := NewSimulatedDevice(1e6, blockSamples, 1)
		sd.Open(CardConfig{ID: "sim", Channels: testCards(1, 1)[0].Channels})
		sd.Arm()
		sd.Start()
		var all []RawType
		for i := 0; i < nblocks; i++ {
			blk, err := sd.Poll(time.Second)
			if err != nil {
				t.Fatal(err)
			}
			all = append(all, blk.Data...)
		}
		return all
	}
	a := make1(16, 8)
	b := make1(32, 4)
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("sample %d differs across block sizes: %d vs %d", i, a[i], b[i])
		}
	}
}

// SkipSeqAt produces exactly one sequence gap, which a stream buffer must
// record as an overrun event.
func TestSimulatedDeviceSequenceSkip(t *testing.T) {
	sd := NewSimulatedDevice(1e6, 4, 1)
	sd.SkipSeqAt = 3
	sd.Open(CardConfig{ID: "sim", Channels: testCards(1, 1)[0].Channels})
	sd.Arm()
	sd.Start()

	var loss LossRecord
	sb := NewStreamBuffer(16, DropOldest, &loss)
	for i := 0; i < 6; i++ {
		blk, err := sd.Poll(time.Second)
		if err != nil {
			t.Fatal(err)
		}
		sb.Push(blk)
	}
	if overruns := loss.Snapshot().OverrunEvents; overruns != 1 {
		t.Errorf("recorded %d overrun events from one skipped block, want 1", overruns)
	}
}
