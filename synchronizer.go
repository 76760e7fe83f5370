package acquistor

import (
	"fmt"
	"io"
	"time"
)

// AlignedFrame is one synchronized cross-card unit: one sample block per
// card, all verified to share the same sequence window within the alignment
// tolerance. Frames are immutable once constructed; ownership passes to the
// backpressure coordinator and then to the storage sink.
type AlignedFrame struct {
	Seq       uint64 // the window's highest member sequence number
	Timestamp time.Time
	Blocks    []*SampleBlock // one per card, in card order
}

// TotalSamples counts every channel-sample carried by the frame.
func (f *AlignedFrame) TotalSamples() int {
	n := 0
	for _, b := range f.Blocks {
		n += len(b.Data)
	}
	return n
}

// pollGranularity is how often the alignment loop re-checks a buffer it is
// waiting on. Much smaller than any sensible alignment tolerance.
const pollGranularity = 200 * time.Microsecond

// CardSynchronizer coordinates arming and starting across all cards, then
// merges the per-card stream buffers into a single ordered stream of
// AlignedFrames.
type CardSynchronizer struct {
	adapters  []DeviceAdapter
	buffers   []*StreamBuffer
	tolerance time.Duration
	maxWait   time.Duration
	policy    DesyncPolicy
	loss      *LossRecord
	frames    chan *AlignedFrame
	abort     <-chan struct{}
}

// NewCardSynchronizer wires a synchronizer to the session's adapters and
// buffers. The abort channel is the session's harsh-stop signal.
func NewCardSynchronizer(adapters []DeviceAdapter, buffers []*StreamBuffer,
	cfg *AcqConfig, loss *LossRecord, abort <-chan struct{}) *CardSynchronizer {
	return &CardSynchronizer{
		adapters:  adapters,
		buffers:   buffers,
		tolerance: cfg.AlignmentTolerance,
		maxWait:   cfg.MaxWait,
		policy:    cfg.Desync,
		loss:      loss,
		frames:    make(chan *AlignedFrame, 1),
		abort:     abort,
	}
}

// Frames is the synchronizer's output. It is closed when every card's
// stream has ended and been drained.
func (cs *CardSynchronizer) Frames() <-chan *AlignedFrame {
	return cs.frames
}

// ArmAll arms every adapter in parallel and waits for all of them to report
// armed within the timeout. A single card failing to arm is a fatal
// configuration error: the whole set is abandoned before any data flows.
// Arm is retried once per card, per the device contract.
func (cs *CardSynchronizer) ArmAll(timeout time.Duration) error {
	type armResult struct {
		card int
		err  error
	}
	results := make(chan armResult, len(cs.adapters))
	for i, a := range cs.adapters {
		go func(card int, a DeviceAdapter) {
			err := a.Arm()
			if err != nil {
				err = a.Arm()
			}
			results <- armResult{card, err}
		}(i, a)
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for range cs.adapters {
		select {
		case r := <-results:
			if r.err != nil {
				return fmt.Errorf("card %d failed to arm: %v", r.card, r.err)
			}
		case <-deadline.C:
			return fmt.Errorf("not all cards armed within %v", timeout)
		}
	}
	return nil
}

// StartAll issues start commands in one tight dispatch to minimize clock
// skew between cards. Call only after ArmAll has succeeded.
func (cs *CardSynchronizer) StartAll() error {
	for i, a := range cs.adapters {
		if err := a.Start(); err != nil {
			if err = a.Start(); err != nil {
				return fmt.Errorf("card %d failed to start: %v", i, err)
			}
		}
	}
	return nil
}

// Run is the alignment loop. It peeks the oldest unconsumed block of every
// card; when all fall within the tolerance it pops them and emits one
// AlignedFrame. It returns nil after all streams end, or the hard-desync
// error that should end the session. Run always closes the frames channel.
func (cs *CardSynchronizer) Run() error {
	defer close(cs.frames)

	var waitStart time.Time
	desyncFlagged := false

	for {
		heads := make([]*SampleBlock, len(cs.buffers))
		anyWaiting := false
		anyReady := false
		allEnded := true
		for i, sb := range cs.buffers {
			blk, err := sb.Peek()
			switch err {
			case nil:
				heads[i] = blk
				anyReady = true
				allEnded = false
			case ErrBufferEmpty:
				anyWaiting = true
				allEnded = false
			case io.EOF:
				// stream over; leave heads[i] nil
			}
		}

		if allEnded {
			return nil
		}

		if anyWaiting {
			// A card is only lagging when a sibling already holds data it
			// cannot match. With every live buffer empty there is nothing
			// to align yet: plain idle waiting between blocks, bounded by
			// the device layer's poll timeout rather than the desync clock.
			if !anyReady {
				waitStart = time.Time{}
				desyncFlagged = false
				select {
				case <-cs.abort:
					return nil
				case <-time.After(pollGranularity):
				}
				continue
			}
			// A genuine laggard. Crossing the tolerance is one desync
			// event; crossing maxWait is session-fatal (the laggard never
			// caught up).
			if waitStart.IsZero() {
				waitStart = time.Now()
			}
			waited := time.Since(waitStart)
			if waited > cs.tolerance && !desyncFlagged {
				cs.loss.desyncEvents.Add(1)
				desyncFlagged = true
			}
			if waited > cs.maxWait {
				return fmt.Errorf("hard desync: a card lagged more than %v", cs.maxWait)
			}
			select {
			case <-cs.abort:
				return nil
			case <-time.After(pollGranularity):
			}
			continue
		}
		waitStart = time.Time{}
		desyncFlagged = false

		// A card whose stream ended while others still hold data leaves
		// unmatchable tail blocks; discard and account for them.
		if ended := cs.discardOrphanTails(heads); ended {
			continue
		}

		// All heads present: check the alignment window.
		window := heads[0].Timestamp
		maxSeq := heads[0].Seq
		for _, blk := range heads[1:] {
			if blk.Timestamp.After(window) {
				window = blk.Timestamp
			}
			if blk.Seq > maxSeq {
				maxSeq = blk.Seq
			}
		}
		stale := false
		for _, blk := range heads {
			if window.Sub(blk.Timestamp) > cs.tolerance {
				stale = true
				break
			}
		}
		if stale {
			cs.loss.desyncEvents.Add(1)
			if cs.policy == DesyncAbort {
				return fmt.Errorf("hard desync: cards drifted beyond tolerance %v at sequence %d",
					cs.tolerance, maxSeq)
			}
			cs.resync(window)
			continue
		}

		for _, sb := range cs.buffers {
			sb.Pop() // the peeked heads; SPSC guarantees these are unchanged
		}
		frame := &AlignedFrame{Seq: maxSeq, Timestamp: window, Blocks: heads}
		select {
		case cs.frames <- frame:
		case <-cs.abort:
			return nil
		}
	}
}

// discardOrphanTails handles the end-of-stream case where some cards are
// finished but others still hold blocks that can never be matched. Those
// tail blocks are popped and counted as dropped blocks, the same unit the
// resync path uses. Returns true if any stream had ended (so the caller
// should re-gather).
func (cs *CardSynchronizer) discardOrphanTails(heads []*SampleBlock) bool {
	anyEnded := false
	for _, blk := range heads {
		if blk == nil {
			anyEnded = true
			break
		}
	}
	if !anyEnded {
		return false
	}
	for i, blk := range heads {
		if blk == nil {
			continue
		}
		for {
			if _, err := cs.buffers[i].Pop(); err != nil {
				break
			}
			cs.loss.droppedBlocks.Add(1)
		}
	}
	return true
}

// resync discards the laggards' stale backlog: any head block older than
// the window by more than the tolerance is popped and counted, until every
// card's head is back inside the window.
func (cs *CardSynchronizer) resync(window time.Time) {
	for _, sb := range cs.buffers {
		for {
			blk, err := sb.Peek()
			if err != nil || window.Sub(blk.Timestamp) <= cs.tolerance {
				break
			}
			sb.Pop()
			cs.loss.droppedBlocks.Add(1)
		}
	}
}
