package acquistor

import (
	"encoding/json"
	"fmt"

	zmq "github.com/pebbe/zmq4"
)

// previewQueueDepth bounds how many frames can await publication. The
// preview is best effort: when a client or the socket is slow, frames are
// skipped rather than stalling the pipeline.
const previewQueueDepth = 4

// previewHeader is the JSON first frame of every preview message.
type previewHeader struct {
	Seq        uint64
	TimestampN int64 // unix nanoseconds
	Nchan      int
	Nsamp      int // decimated samples per channel in this message
	Decimation int
}

// PreviewPublisher is a FrameObserver that publishes decimated samples on
// the preview port: a "PREVIEW" topic frame, a JSON header frame, and one
// frame of interleaved little-endian uint16 samples.
type PreviewPublisher struct {
	decimation int
	queue      chan *AlignedFrame
	abort      <-chan struct{}
}

// NewPreviewPublisher starts the publisher task. A decimation below 1 is
// treated as 1 (publish every sample).
func NewPreviewPublisher(decimation int, abort <-chan struct{}) *PreviewPublisher {
	if decimation < 1 {
		decimation = 1
	}
	pp := &PreviewPublisher{
		decimation: decimation,
		queue:      make(chan *AlignedFrame, previewQueueDepth),
		abort:      abort,
	}
	go pp.run()
	return pp
}

// ObserveFrame queues a frame for publication, or skips it when the
// publisher is behind.
func (pp *PreviewPublisher) ObserveFrame(frame *AlignedFrame) {
	select {
	case pp.queue <- frame:
	default:
	}
}

func (pp *PreviewPublisher) run() {
	hostname := fmt.Sprintf("tcp://*:%d", Ports.Preview)
	pubSocket, err := zmq.NewSocket(zmq.PUB)
	if err != nil {
		ProblemLogger.Printf("could not create preview socket: %v", err)
		return
	}
	defer pubSocket.Close()
	if err = pubSocket.Bind(hostname); err != nil {
		ProblemLogger.Printf("could not bind preview socket to %s: %v", hostname, err)
		return
	}

	for {
		select {
		case <-pp.abort:
			return
		case frame := <-pp.queue:
			pp.publishFrame(pubSocket, frame)
		}
	}
}

func (pp *PreviewPublisher) publishFrame(pubSocket *zmq.Socket, frame *AlignedFrame) {
	if len(frame.Blocks) == 0 {
		return
	}
	nchan := 0
	for _, blk := range frame.Blocks {
		nchan += blk.Nchan()
	}
	nsamp := frame.Blocks[0].Nsamp

	data := make([]RawType, 0, nchan*(nsamp/pp.decimation+1))
	ndec := 0
	for s := 0; s < nsamp; s += pp.decimation {
		for _, blk := range frame.Blocks {
			bchan := blk.Nchan()
			for ch := 0; ch < bchan; ch++ {
				data = append(data, blk.Sample(ch, s))
			}
		}
		ndec++
	}
	header, err := json.Marshal(previewHeader{
		Seq:        frame.Seq,
		TimestampN: frame.Timestamp.UnixNano(),
		Nchan:      nchan,
		Nsamp:      ndec,
		Decimation: pp.decimation,
	})
	if err != nil {
		return
	}
	pubSocket.Send("PREVIEW", zmq.SNDMORE)
	pubSocket.SendBytes(header, zmq.SNDMORE)
	pubSocket.SendBytes(rawTypeToBytes(data), 0)
}
