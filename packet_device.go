package acquistor

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"
)

// packetFormatVersion is the only datagram layout this adapter accepts.
const packetFormatVersion = 1

// drainReadDeadline is the read deadline used while emptying the socket of
// datagrams that arrived before Stop.
const drainReadDeadline = 10 * time.Millisecond

// packetHeader is the fixed preamble of every sample datagram, big-endian
// on the wire.
type packetHeader struct {
	Version  uint8
	Flags    uint8
	Nchan    uint16
	Nsamp    uint16
	Reserved uint16
	Seq      uint64
}

const packetHeaderSize = 16

// parseDatagram splits a datagram into its header and interleaved samples.
func parseDatagram(p []byte) (packetHeader, []RawType, error) {
	var header packetHeader
	buf := bytes.NewReader(p)
	if err := binary.Read(buf, binary.BigEndian, &header); err != nil {
		return header, nil, fmt.Errorf("datagram too short for header: %v", err)
	}
	if header.Version != packetFormatVersion {
		return header, nil, fmt.Errorf("datagram version %d, expect %d",
			header.Version, packetFormatVersion)
	}
	want := int(header.Nchan) * int(header.Nsamp)
	if len(p) < packetHeaderSize+2*want {
		return header, nil, fmt.Errorf("datagram holds %d bytes, header promises %d samples",
			len(p)-packetHeaderSize, want)
	}
	data := make([]RawType, want)
	if err := binary.Read(buf, binary.BigEndian, &data); err != nil {
		return header, nil, err
	}
	return header, data, nil
}

// PacketDevice is a DeviceAdapter reading sample datagrams from a UDP
// socket, for digitizers that stream over the network instead of a driver
// API. One datagram carries exactly one SampleBlock.
type PacketDevice struct {
	host       string // "127.0.0.1:56789"
	sampleRate float64
	cardIndex  int

	conn    *net.UDPConn
	nchan   int
	started bool
	startAt time.Time
	stopped atomic.Bool
}

// NewPacketDevice creates an adapter that will listen on host when opened.
func NewPacketDevice(host string, sampleRate float64, cardIndex int) *PacketDevice {
	return &PacketDevice{host: host, sampleRate: sampleRate, cardIndex: cardIndex}
}

// Capabilities: channel count is bounded by the datagram size, not by us.
func (pd *PacketDevice) Capabilities() DeviceCapabilities {
	return DeviceCapabilities{}
}

// Open binds the UDP socket and asks the kernel for a large receive
// buffer. An undersized net.core.rmem_max is reported but not fatal.
func (pd *PacketDevice) Open(cfg CardConfig) error {
	if err := CheckUDPReceiveBuffer(); err != nil {
		ProblemLogger.Printf("card %s: %v", cfg.ID, err)
	}
	raddr, err := net.ResolveUDPAddr("udp", pd.host)
	if err != nil {
		return &DeviceError{Card: cfg.ID, Op: "open", Err: err}
	}
	conn, err := net.ListenUDP("udp", raddr)
	if err != nil {
		return &DeviceError{Card: cfg.ID, Op: "open", Err: err}
	}
	if err := conn.SetReadBuffer(udpRecvBufWant); err != nil {
		ProblemLogger.Printf("card %s: could not grow socket receive buffer: %v", cfg.ID, err)
	}
	pd.conn = conn
	pd.nchan = len(cfg.Channels)
	return nil
}

// Arm discards any datagrams queued before the session, so the first
// block the session sees is fresh.
func (pd *PacketDevice) Arm() error {
	if pd.conn == nil {
		return fmt.Errorf("device not opened")
	}
	p := make([]byte, 65536)
	for {
		if err := pd.conn.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
			return err
		}
		if _, _, err := pd.conn.ReadFromUDP(p); err != nil {
			return nil // socket empty
		}
	}
}

// Start marks the stream live. The remote sender streams continuously;
// there is nothing to dispatch.
func (pd *PacketDevice) Start() error {
	if pd.conn == nil {
		return fmt.Errorf("device not opened")
	}
	pd.started = true
	pd.startAt = time.Now()
	return nil
}

// Poll reads one datagram and converts it to a SampleBlock. A deadline
// expiry is the transient ErrPollTimeout; after Stop, queued datagrams are
// drained and then the stream ends with io.EOF.
func (pd *PacketDevice) Poll(timeout time.Duration) (*SampleBlock, error) {
	if !pd.started {
		return nil, fmt.Errorf("device not started")
	}
	deadline := timeout
	if pd.stopped.Load() {
		deadline = drainReadDeadline
	}
	if err := pd.conn.SetReadDeadline(time.Now().Add(deadline)); err != nil {
		return nil, err
	}
	p := make([]byte, 65536)
	n, _, err := pd.conn.ReadFromUDP(p)
	if err != nil {
		if pd.stopped.Load() {
			return nil, io.EOF
		}
		if nerr, ok := err.(net.Error); ok && nerr.Timeout() {
			return nil, ErrPollTimeout
		}
		return nil, err
	}
	header, data, err := parseDatagram(p[:n])
	if err != nil {
		return nil, err
	}
	blockPeriod := time.Duration(float64(header.Nsamp) / pd.sampleRate * float64(time.Second))
	return &SampleBlock{
		CardIndex: pd.cardIndex,
		Seq:       header.Seq,
		Timestamp: pd.startAt.Add(time.Duration(header.Seq) * blockPeriod),
		Nsamp:     int(header.Nsamp),
		Data:      data,
	}, nil
}

// Stop switches Poll into drain mode. The sender is external, so stopping
// means we stop listening once the socket is empty.
func (pd *PacketDevice) Stop() error {
	pd.stopped.Store(true)
	return nil
}

// Close releases the socket.
func (pd *PacketDevice) Close() error {
	pd.stopped.Store(true)
	if pd.conn != nil {
		err := pd.conn.Close()
		pd.conn = nil
		return err
	}
	return nil
}
