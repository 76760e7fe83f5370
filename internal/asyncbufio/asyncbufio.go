// Package asyncbufio provides asynchronous, buffered writing to an
// underlying io.Writer, with periodic flushing and write-error capture.
package asyncbufio

import (
	"bufio"
	"io"
	"sync"
	"time"
)

// Writer moves data from a channel to an underlying buffered writer in its
// own goroutine, so callers on the acquisition path never block on the
// storage medium. The first write or flush error is remembered and returned
// by every later Flush, so a dying medium cannot fail silently.
type Writer struct {
	writer        *bufio.Writer
	flushNow      chan struct{}
	flushComplete chan struct{}
	datachannel   chan []byte
	flushInterval time.Duration

	errLock sync.Mutex
	err     error // first error seen by the write loop
}

// NewWriter creates a Writer and starts its write loop.
func NewWriter(w io.Writer, channelDepth int, flushInterval time.Duration) *Writer {
	aw := &Writer{
		writer:        bufio.NewWriter(w),
		datachannel:   make(chan []byte, channelDepth),
		flushNow:      make(chan struct{}),
		flushComplete: make(chan struct{}),
		flushInterval: flushInterval,
	}
	go aw.writeLoop()
	return aw
}

// Write queues data for writing. It returns io.ErrShortWrite if the queue is
// full, which callers treat as a storage backpressure signal.
func (aw *Writer) Write(p []byte) (int, error) {
	select {
	case aw.datachannel <- p:
		return len(p), nil
	default:
		return 0, io.ErrShortWrite
	}
}

// WriteString queues a string for writing.
func (aw *Writer) WriteString(s string) (int, error) {
	return aw.Write([]byte(s))
}

// Flush drains the queue into the underlying writer and flushes it. It
// blocks until the flush completes and returns any error the write loop has
// encountered so far, including during this flush.
func (aw *Writer) Flush() error {
	aw.flushNow <- struct{}{}
	<-aw.flushComplete
	return aw.lastError()
}

// Close flushes remaining data and stops the write loop. Calling Write or
// Flush after Close will panic; we don't guard against that.
func (aw *Writer) Close() error {
	close(aw.flushNow)
	<-aw.flushComplete
	return aw.lastError()
}

func (aw *Writer) lastError() error {
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	return aw.err
}

func (aw *Writer) setError(err error) {
	if err == nil {
		return
	}
	aw.errLock.Lock()
	defer aw.errLock.Unlock()
	if aw.err == nil {
		aw.err = err
	}
}

func (aw *Writer) writeLoop() {
	ticker := time.NewTicker(aw.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-aw.datachannel:
			_, err := aw.writer.Write(data)
			aw.setError(err)

		case _, ok := <-aw.flushNow:
			aw.flush()
			aw.flushComplete <- struct{}{}
			if !ok {
				return
			}

		case <-ticker.C:
			aw.flush()
		}
	}
}

// flush empties the data channel, then flushes the underlying writer.
func (aw *Writer) flush() {
	for {
		select {
		case data := <-aw.datachannel:
			_, err := aw.writer.Write(data)
			aw.setError(err)
		default:
			aw.setError(aw.writer.Flush())
			return
		}
	}
}
