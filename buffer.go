package acquistor

import (
	"errors"
	"io"
	"sync"
)

// ErrBufferEmpty reports that a stream buffer has no block ready yet. It is
// distinct from io.EOF, which Pop and Peek return once the buffer is closed
// and fully drained.
var ErrBufferEmpty = errors.New("stream buffer empty")

// ErrStreamClosed reports a push into a closed buffer.
var ErrStreamClosed = errors.New("stream buffer closed")

// StreamBuffer absorbs the rate mismatch between one card's poll cadence
// and downstream consumption. It is a bounded ring of sample blocks with a
// fixed capacity: resizing during a run would break sequence continuity
// guarantees under concurrent access, so there is no resize.
//
// Access is single-producer (the card's polling task) single-consumer (the
// synchronizer), serialized by one narrow critical section per operation.
type StreamBuffer struct {
	mu      sync.Mutex
	notFull *sync.Cond
	blocks  []*SampleBlock
	head    int // index of the oldest unconsumed block
	count   int
	policy  OverrunPolicy
	closed  bool
	lastSeq uint64
	haveSeq bool
	loss    *LossRecord
}

// NewStreamBuffer creates a buffer holding up to capacity blocks, with
// drops and sequence gaps accounted to loss.
func NewStreamBuffer(capacity int, policy OverrunPolicy, loss *LossRecord) *StreamBuffer {
	sb := &StreamBuffer{
		blocks: make([]*SampleBlock, capacity),
		policy: policy,
		loss:   loss,
	}
	sb.notFull = sync.NewCond(&sb.mu)
	return sb
}

// Push enqueues a block. A gap in the block's sequence number is recorded
// as an overrun event, never silently skipped. If the buffer is full, the
// overrun policy executes: DropOldest discards the oldest block and counts
// the loss; BlockCaller waits for space, stalling the device poll loop.
func (sb *StreamBuffer) Push(b *SampleBlock) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.closed {
		return ErrStreamClosed
	}
	if sb.haveSeq && b.Seq != sb.lastSeq+1 {
		sb.loss.overrunEvents.Add(1)
	}
	sb.lastSeq = b.Seq
	sb.haveSeq = true

	for sb.count == len(sb.blocks) {
		if sb.policy == DropOldest {
			sb.head = (sb.head + 1) % len(sb.blocks)
			sb.count--
			sb.loss.droppedBlocks.Add(1)
			break
		}
		sb.notFull.Wait()
		if sb.closed {
			return ErrStreamClosed
		}
	}
	sb.blocks[(sb.head+sb.count)%len(sb.blocks)] = b
	sb.count++
	return nil
}

// Pop removes and returns the oldest block. It never blocks: callers get
// ErrBufferEmpty when no data is ready yet, and io.EOF once the stream is
// closed and drained.
func (sb *StreamBuffer) Pop() (*SampleBlock, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.count == 0 {
		if sb.closed {
			return nil, io.EOF
		}
		return nil, ErrBufferEmpty
	}
	b := sb.blocks[sb.head]
	sb.blocks[sb.head] = nil
	sb.head = (sb.head + 1) % len(sb.blocks)
	sb.count--
	sb.notFull.Signal()
	return b, nil
}

// Peek returns the oldest block without consuming it, with the same
// empty/closed distinction as Pop.
func (sb *StreamBuffer) Peek() (*SampleBlock, error) {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	if sb.count == 0 {
		if sb.closed {
			return nil, io.EOF
		}
		return nil, ErrBufferEmpty
	}
	return sb.blocks[sb.head], nil
}

// Close marks the stream ended. Pending blocks remain poppable; a blocked
// Push is released with ErrStreamClosed.
func (sb *StreamBuffer) Close() {
	sb.mu.Lock()
	sb.closed = true
	sb.notFull.Broadcast()
	sb.mu.Unlock()
}

// Size returns the number of unconsumed blocks.
func (sb *StreamBuffer) Size() int {
	sb.mu.Lock()
	defer sb.mu.Unlock()
	return sb.count
}

// Capacity returns the fixed capacity in blocks.
func (sb *StreamBuffer) Capacity() int {
	return len(sb.blocks)
}

// Occupancy returns Size/Capacity as a fraction for the backpressure
// coordinator.
func (sb *StreamBuffer) Occupancy() float64 {
	return float64(sb.Size()) / float64(sb.Capacity())
}
