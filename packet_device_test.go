package acquistor

import (
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"
)

func encodeDatagram(seq uint64, nchan, nsamp int, data []uint16) []byte {
	var buf bytes.Buffer
	header := packetHeader{
		Version: packetFormatVersion,
		Nchan:   uint16(nchan),
		Nsamp:   uint16(nsamp),
		Seq:     seq,
	}
	binary.Write(&buf, binary.BigEndian, &header)
	binary.Write(&buf, binary.BigEndian, data)
	return buf.Bytes()
}

func TestParseDatagram(t *testing.T) {
	data := []uint16{1, 2, 3, 4, 5, 6}
	p := encodeDatagram(42, 2, 3, data)
	header, samples, err := parseDatagram(p)
	if err != nil {
		t.Fatal(err)
	}
	if header.Seq != 42 || header.Nchan != 2 || header.Nsamp != 3 {
		t.Errorf("header = %+v, want seq 42, 2 chan, 3 samp", header)
	}
	for i, want := range data {
		if samples[i] != RawType(want) {
			t.Errorf("sample %d is %d, want %d", i, samples[i], want)
		}
	}

	if _, _, err := parseDatagram(p[:8]); err == nil {
		t.Error("truncated header accepted")
	}
	if _, _, err := parseDatagram(p[:packetHeaderSize+4]); err == nil {
		t.Error("datagram shorter than its promised payload accepted")
	}
	bad := encodeDatagram(0, 1, 1, []uint16{7})
	bad[0] = 99
	if _, _, err := parseDatagram(bad); err == nil {
		t.Error("unknown format version accepted")
	}
}

// A loopback round trip: datagrams in, sample blocks out, then the drain
// and end-of-stream behavior after Stop.
func TestPacketDeviceLoopback(t *testing.T) {
	pd := NewPacketDevice("127.0.0.1:0", 1000, 2)
	card := CardConfig{ID: "udp0", Channels: []ChannelConfig{{Number: 0, AmpVolts: 1}}}
	if err := pd.Open(card); err != nil {
		t.Fatal(err)
	}
	defer pd.Close()
	if err := pd.Arm(); err != nil {
		t.Fatal(err)
	}
	if err := pd.Start(); err != nil {
		t.Fatal(err)
	}

	target := pd.conn.LocalAddr().String()
	sender, err := net.Dial("udp", target)
	if err != nil {
		t.Fatal(err)
	}
	defer sender.Close()

	if _, err := pd.Poll(10 * time.Millisecond); err != ErrPollTimeout {
		t.Errorf("Poll on a silent socket returned %v, want ErrPollTimeout", err)
	}

	if _, err := sender.Write(encodeDatagram(7, 1, 4, []uint16{10, 20, 30, 40})); err != nil {
		t.Fatal(err)
	}
	blk, err := pd.Poll(time.Second)
	if err != nil {
		t.Fatal(err)
	}
	if blk.Seq != 7 || blk.Nsamp != 4 || blk.CardIndex != 2 {
		t.Errorf("block = seq %d nsamp %d card %d, want 7, 4, 2", blk.Seq, blk.Nsamp, blk.CardIndex)
	}
	if blk.Data[2] != 30 {
		t.Errorf("third sample is %d, want 30", blk.Data[2])
	}

	// A datagram already in flight when Stop arrives must still be drained.
	if _, err := sender.Write(encodeDatagram(8, 1, 4, []uint16{1, 2, 3, 4})); err != nil {
		t.Fatal(err)
	}
	time.Sleep(10 * time.Millisecond)
	pd.Stop()
	blk, err = pd.Poll(time.Second)
	if err != nil {
		t.Fatalf("draining poll returned %v, want the queued block", err)
	}
	if blk.Seq != 8 {
		t.Errorf("drained block has seq %d, want 8", blk.Seq)
	}
	if _, err := pd.Poll(time.Second); err != io.EOF {
		t.Errorf("poll after drain returned %v, want io.EOF", err)
	}
}
