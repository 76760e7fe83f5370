package acquistor

import (
	"fmt"
	"time"
)

// WriteBatch is an ordered run of aligned frames accumulated before one
// durable write. It exists only transiently inside the sink.
type WriteBatch struct {
	Frames         []*AlignedFrame
	FirstSubmitted time.Time
}

// BatchMedium is the append-only durable write primitive the sink writes
// to. Once WriteBatch returns nil, the batch is durable; the engine does
// not care about the format beyond that.
type BatchMedium interface {
	WriteBatch(*WriteBatch) error
	Close() error
}

// SinkFailure is the session-fatal error produced when a durable write
// keeps failing after the configured retry budget.
type SinkFailure struct {
	Err      error
	Attempts int
}

func (e *SinkFailure) Error() string {
	return fmt.Sprintf("storage sink failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *SinkFailure) Unwrap() error { return e.Err }

// StorageSink persists aligned frames in arrival order, batching to
// amortize write cost. It is driven by a single pipeline task, so no
// internal locking is needed. Flushed frames are never replayed or
// mutated.
type StorageSink struct {
	medium      BatchMedium
	cfg         SinkConfig
	loss        *LossRecord
	pending     []*AlignedFrame
	firstSubmit time.Time
	lastLatency time.Duration
}

// NewStorageSink wraps a medium with batching and retry behavior.
func NewStorageSink(medium BatchMedium, cfg SinkConfig, loss *LossRecord) *StorageSink {
	return &StorageSink{medium: medium, cfg: cfg, loss: loss}
}

// Submit appends a frame to the current batch and flushes if the batch has
// reached the effective size (which the backpressure coordinator may have
// enlarged). The caller is blocked for at most one bounded flush.
func (sk *StorageSink) Submit(frame *AlignedFrame, effectiveBatchSize int) error {
	if len(sk.pending) == 0 {
		sk.firstSubmit = time.Now()
	}
	sk.pending = append(sk.pending, frame)
	if len(sk.pending) >= effectiveBatchSize {
		return sk.flush()
	}
	return nil
}

// MaybeFlush flushes a partial batch whose oldest frame has waited longer
// than the configured max latency. The pipeline calls it on a ticker.
func (sk *StorageSink) MaybeFlush() error {
	if len(sk.pending) == 0 {
		return nil
	}
	if time.Since(sk.firstSubmit) >= sk.cfg.MaxLatency {
		return sk.flush()
	}
	return nil
}

// Flush writes out any pending frames unconditionally. Used on graceful
// stop to guarantee no data is left unwritten.
func (sk *StorageSink) Flush() error {
	if len(sk.pending) == 0 {
		return nil
	}
	return sk.flush()
}

func (sk *StorageSink) flush() error {
	batch := &WriteBatch{Frames: sk.pending, FirstSubmitted: sk.firstSubmit}
	start := time.Now()

	var err error
	attempts := 0
	for attempts <= sk.cfg.RetryBudget {
		attempts++
		if err = sk.medium.WriteBatch(batch); err == nil {
			sk.lastLatency = time.Since(start)
			for _, f := range batch.Frames {
				sk.loss.samplesWritten.Add(uint64(f.TotalSamples()))
			}
			sk.pending = nil
			return nil
		}
	}
	// Retrying forever would grow memory without bound while the medium is
	// unavailable, so the unflushed frames are reported as lost and the
	// failure escalates to the controller.
	sk.loss.discardedFrames.Add(uint64(len(sk.pending)))
	sk.pending = nil
	return &SinkFailure{Err: err, Attempts: attempts}
}

// ShedOldest drops the n oldest unflushed frames, recording each one.
// The backpressure coordinator invokes this in ModeShed.
func (sk *StorageSink) ShedOldest(n int) {
	if n > len(sk.pending) {
		n = len(sk.pending)
	}
	if n <= 0 {
		return
	}
	sk.pending = sk.pending[n:]
	sk.loss.shedFrames.Add(uint64(n))
}

// DiscardPending counts all unflushed frames as lost without writing them.
// Used when a drain is aborted.
func (sk *StorageSink) DiscardPending() {
	if len(sk.pending) > 0 {
		sk.loss.discardedFrames.Add(uint64(len(sk.pending)))
		sk.pending = nil
	}
}

// PendingFrames returns the number of unflushed frames.
func (sk *StorageSink) PendingFrames() int { return len(sk.pending) }

// LastLatency is the duration of the most recent successful durable write.
func (sk *StorageSink) LastLatency() time.Duration { return sk.lastLatency }

// Close closes the underlying medium. It does not flush; callers flush
// first so a close error cannot be mistaken for data loss.
func (sk *StorageSink) Close() error {
	return sk.medium.Close()
}
