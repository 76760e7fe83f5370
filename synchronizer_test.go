package acquistor

import (
	"strings"
	"testing"
	"time"
)

func syncConfig(tolerance, maxWait time.Duration, policy DesyncPolicy) *AcqConfig {
	return &AcqConfig{
		AlignmentTolerance: tolerance,
		MaxWait:            maxWait,
		Desync:             policy,
	}
}

func tsBlock(seq uint64, ts time.Time) *SampleBlock {
	return &SampleBlock{Seq: seq, Timestamp: ts, Nsamp: 4, Data: make([]RawType, 4)}
}

// collectFrames runs the synchronizer and gathers its whole output.
func collectFrames(cs *CardSynchronizer) ([]*AlignedFrame, error) {
	errc := make(chan error, 1)
	go func() { errc <- cs.Run() }()
	var frames []*AlignedFrame
	for frame := range cs.Frames() {
		frames = append(frames, frame)
	}
	return frames, <-errc
}

// Two cards producing matching blocks must yield one frame per sequence,
// in order, with no loss of any kind.
func TestAlignedFrameEmission(t *testing.T) {
	var loss LossRecord
	base := time.Now()
	buffers := []*StreamBuffer{
		NewStreamBuffer(16, DropOldest, &loss),
		NewStreamBuffer(16, DropOldest, &loss),
	}
	for seq := uint64(0); seq < 5; seq++ {
		ts := base.Add(time.Duration(seq) * 10 * time.Millisecond)
		buffers[0].Push(tsBlock(seq, ts))
		buffers[1].Push(tsBlock(seq, ts))
	}
	buffers[0].Close()
	buffers[1].Close()

	cs := NewCardSynchronizer(nil, buffers, syncConfig(time.Millisecond, time.Second, DesyncAbort), &loss, nil)
	frames, err := collectFrames(cs)
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if len(frames) != 5 {
		t.Fatalf("emitted %d frames, want 5", len(frames))
	}
	for i, f := range frames {
		if f.Seq != uint64(i) {
			t.Errorf("frame %d has seq %d, want %d", i, f.Seq, i)
		}
		if len(f.Blocks) != 2 {
			t.Errorf("frame %d carries %d blocks, want 2", i, len(f.Blocks))
		}
	}
	if !loss.Snapshot().Zero() {
		t.Errorf("clean run recorded loss: %+v", loss.Snapshot())
	}
}

// A card that goes silent longer than the tolerance but recovers within
// max wait costs one desync event and no data.
func TestLaggardWithinMaxWait(t *testing.T) {
	var loss LossRecord
	base := time.Now()
	buffers := []*StreamBuffer{
		NewStreamBuffer(16, DropOldest, &loss),
		NewStreamBuffer(16, DropOldest, &loss),
	}
	for seq := uint64(0); seq < 3; seq++ {
		buffers[0].Push(tsBlock(seq, base.Add(time.Duration(seq)*10*time.Millisecond)))
	}
	buffers[0].Close()
	go func() {
		time.Sleep(30 * time.Millisecond) // past tolerance, well under max wait
		for seq := uint64(0); seq < 3; seq++ {
			buffers[1].Push(tsBlock(seq, base.Add(time.Duration(seq)*10*time.Millisecond)))
		}
		buffers[1].Close()
	}()

	cs := NewCardSynchronizer(nil, buffers, syncConfig(10*time.Millisecond, 500*time.Millisecond, DesyncAbort), &loss, nil)
	frames, err := collectFrames(cs)
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if len(frames) != 3 {
		t.Errorf("emitted %d frames, want 3 (laggard's data must not be lost)", len(frames))
	}
	snap := loss.Snapshot()
	if snap.DesyncEvents != 1 {
		t.Errorf("recorded %d desync events for one silent episode, want 1", snap.DesyncEvents)
	}
	if snap.DroppedBlocks != 0 || snap.DiscardedFrames != 0 {
		t.Errorf("recovered laggard lost data: %+v", snap)
	}
}

// A single card whose block cadence is slower than max wait is idle
// waiting, not a desync: nothing lags while no sibling holds data. The
// session must emit every block with zero loss and no error.
func TestSlowCadenceIsNotDesync(t *testing.T) {
	var loss LossRecord
	base := time.Now()
	sb := NewStreamBuffer(8, BlockCaller, &loss)

	go func() {
		for seq := uint64(0); seq < 2; seq++ {
			time.Sleep(60 * time.Millisecond) // far beyond the 20ms max wait
			sb.Push(tsBlock(seq, base.Add(time.Duration(seq)*60*time.Millisecond)))
		}
		sb.Close()
	}()

	cs := NewCardSynchronizer(nil, []*StreamBuffer{sb},
		syncConfig(5*time.Millisecond, 20*time.Millisecond, DesyncAbort), &loss, nil)
	frames, err := collectFrames(cs)
	if err != nil {
		t.Fatalf("a slow but healthy stream ended with %v", err)
	}
	if len(frames) != 2 {
		t.Errorf("emitted %d frames, want 2", len(frames))
	}
	if !loss.Snapshot().Zero() {
		t.Errorf("a slow but healthy stream recorded loss: %+v", loss.Snapshot())
	}
}

// Idle waiting between blocks must also not trip the desync clock when
// several cards all happen to be empty at once.
func TestAllCardsBetweenBlocks(t *testing.T) {
	var loss LossRecord
	base := time.Now()
	buffers := []*StreamBuffer{
		NewStreamBuffer(8, BlockCaller, &loss),
		NewStreamBuffer(8, BlockCaller, &loss),
	}

	go func() {
		for seq := uint64(0); seq < 2; seq++ {
			time.Sleep(50 * time.Millisecond)
			ts := base.Add(time.Duration(seq) * 50 * time.Millisecond)
			buffers[0].Push(tsBlock(seq, ts))
			buffers[1].Push(tsBlock(seq, ts))
		}
		buffers[0].Close()
		buffers[1].Close()
	}()

	cs := NewCardSynchronizer(nil, buffers,
		syncConfig(5*time.Millisecond, 20*time.Millisecond, DesyncAbort), &loss, nil)
	frames, err := collectFrames(cs)
	if err != nil {
		t.Fatalf("Run returned %v for cards pausing in lockstep", err)
	}
	if len(frames) != 2 {
		t.Errorf("emitted %d frames, want 2", len(frames))
	}
	if desyncs := loss.Snapshot().DesyncEvents; desyncs != 0 {
		t.Errorf("recorded %d desync events while all cards were idle, want 0", desyncs)
	}
}

// Under the abort policy, heads drifted beyond tolerance end the session.
func TestHardDesyncAborts(t *testing.T) {
	var loss LossRecord
	base := time.Now()
	buffers := []*StreamBuffer{
		NewStreamBuffer(16, DropOldest, &loss),
		NewStreamBuffer(16, DropOldest, &loss),
	}
	buffers[0].Push(tsBlock(0, base))
	buffers[1].Push(tsBlock(0, base.Add(-100*time.Millisecond)))

	cs := NewCardSynchronizer(nil, buffers, syncConfig(time.Millisecond, time.Second, DesyncAbort), &loss, nil)
	frames, err := collectFrames(cs)
	if err == nil {
		t.Fatal("Run returned nil for cards drifted far beyond tolerance")
	}
	if !strings.Contains(err.Error(), "desync") {
		t.Errorf("Run returned %q, want a desync error", err)
	}
	if len(frames) != 0 {
		t.Errorf("emitted %d frames from desynchronized cards, want 0", len(frames))
	}
	if loss.Snapshot().DesyncEvents != 1 {
		t.Errorf("recorded %d desync events, want 1", loss.Snapshot().DesyncEvents)
	}
}

// Under the resync policy, the laggard's stale backlog is dropped (with
// accounting) and alignment resumes from the shared window.
func TestResyncDropsStaleBacklog(t *testing.T) {
	var loss LossRecord
	base := time.Now()
	buffers := []*StreamBuffer{
		NewStreamBuffer(16, DropOldest, &loss),
		NewStreamBuffer(16, DropOldest, &loss),
	}
	for seq := uint64(0); seq < 3; seq++ {
		ts := base.Add(time.Duration(seq) * 10 * time.Millisecond)
		buffers[0].Push(tsBlock(seq+2, ts))
	}
	buffers[0].Close()
	// Card 1 has two stale blocks from before the others' window.
	buffers[1].Push(tsBlock(0, base.Add(-50*time.Millisecond)))
	buffers[1].Push(tsBlock(1, base.Add(-40*time.Millisecond)))
	for seq := uint64(0); seq < 3; seq++ {
		ts := base.Add(time.Duration(seq) * 10 * time.Millisecond)
		buffers[1].Push(tsBlock(seq+2, ts))
	}
	buffers[1].Close()

	cs := NewCardSynchronizer(nil, buffers, syncConfig(time.Millisecond, time.Second, DesyncResync), &loss, nil)
	frames, err := collectFrames(cs)
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if len(frames) != 3 {
		t.Errorf("emitted %d frames after resync, want 3", len(frames))
	}
	snap := loss.Snapshot()
	if snap.DroppedBlocks != 2 {
		t.Errorf("resync dropped %d blocks, want exactly the 2 stale ones", snap.DroppedBlocks)
	}
	if snap.DesyncEvents != 1 {
		t.Errorf("recorded %d desync events, want 1", snap.DesyncEvents)
	}
}

// When one stream ends early, the others' unmatchable tail blocks must be
// discarded with accounting, not emitted as partial frames.
func TestOrphanTailsDiscarded(t *testing.T) {
	var loss LossRecord
	base := time.Now()
	buffers := []*StreamBuffer{
		NewStreamBuffer(16, DropOldest, &loss),
		NewStreamBuffer(16, DropOldest, &loss),
	}
	for seq := uint64(0); seq < 2; seq++ {
		buffers[0].Push(tsBlock(seq, base.Add(time.Duration(seq)*10*time.Millisecond)))
	}
	buffers[0].Close()
	for seq := uint64(0); seq < 5; seq++ {
		buffers[1].Push(tsBlock(seq, base.Add(time.Duration(seq)*10*time.Millisecond)))
	}
	buffers[1].Close()

	cs := NewCardSynchronizer(nil, buffers, syncConfig(time.Millisecond, time.Second, DesyncAbort), &loss, nil)
	frames, err := collectFrames(cs)
	if err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if len(frames) != 2 {
		t.Errorf("emitted %d frames, want 2 complete ones", len(frames))
	}
	if dropped := loss.Snapshot().DroppedBlocks; dropped != 3 {
		t.Errorf("recorded %d dropped tail blocks, want 3", dropped)
	}
}

type slowArmDevice struct {
	*SimulatedDevice
	delay time.Duration
}

func (d *slowArmDevice) Arm() error {
	time.Sleep(d.delay)
	return d.SimulatedDevice.Arm()
}

func openedSim(t *testing.T) *SimulatedDevice {
	t.Helper()
	sd := NewSimulatedDevice(1e6, 64, 1)
	if err := sd.Open(CardConfig{ID: "sim", Channels: []ChannelConfig{{Number: 0, AmpVolts: 1}}}); err != nil {
		t.Fatal(err)
	}
	return sd
}

// The arm barrier: a single transient arm failure is retried; a persistent
// one or a timeout abandons the whole set before any data flows.
func TestArmBarrier(t *testing.T) {
	var loss LossRecord

	flaky := openedSim(t)
	flaky.FailArms = 1
	cs := NewCardSynchronizer([]DeviceAdapter{openedSim(t), flaky}, nil,
		syncConfig(time.Millisecond, time.Second, DesyncAbort), &loss, nil)
	if err := cs.ArmAll(time.Second); err != nil {
		t.Errorf("ArmAll with one transient failure returned %v, want retry to succeed", err)
	}

	broken := openedSim(t)
	broken.FailArms = 2
	cs = NewCardSynchronizer([]DeviceAdapter{openedSim(t), broken}, nil,
		syncConfig(time.Millisecond, time.Second, DesyncAbort), &loss, nil)
	if err := cs.ArmAll(time.Second); err == nil {
		t.Error("ArmAll succeeded with a card that fails both arm attempts")
	}

	slow := &slowArmDevice{SimulatedDevice: openedSim(t), delay: 200 * time.Millisecond}
	cs = NewCardSynchronizer([]DeviceAdapter{openedSim(t), slow}, nil,
		syncConfig(time.Millisecond, time.Second, DesyncAbort), &loss, nil)
	if err := cs.ArmAll(10 * time.Millisecond); err == nil {
		t.Error("ArmAll succeeded despite a card missing the arm deadline")
	}
}

// Start dispatch fails the set if any card cannot start.
func TestStartAllFailure(t *testing.T) {
	var loss LossRecord
	good := openedSim(t)
	bad := openedSim(t)
	bad.FailStart = true
	cs := NewCardSynchronizer([]DeviceAdapter{good, bad}, nil,
		syncConfig(time.Millisecond, time.Second, DesyncAbort), &loss, nil)
	if err := cs.ArmAll(time.Second); err != nil {
		t.Fatal(err)
	}
	if err := cs.StartAll(); err == nil {
		t.Error("StartAll succeeded with a card that cannot start")
	}
}
