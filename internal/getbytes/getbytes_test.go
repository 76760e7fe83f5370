package getbytes

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func TestFromSliceUint16(t *testing.T) {
	d := []uint16{0x0102, 0xfffe, 0}
	b := FromSliceUint16(d)
	if len(b) != 2*len(d) {
		t.Fatalf("FromSliceUint16 yields %d bytes, want %d", len(b), 2*len(d))
	}
	var expect bytes.Buffer
	binary.Write(&expect, binary.LittleEndian, d)
	if !bytes.Equal(b, expect.Bytes()) {
		t.Errorf("FromSliceUint16(%v) = % x, want % x", d, b, expect.Bytes())
	}
	if len(FromSliceUint16(nil)) != 0 {
		t.Errorf("FromSliceUint16(nil) should be empty")
	}
}

func TestFromSliceUint64(t *testing.T) {
	d := []uint64{1, 1 << 63}
	b := FromSliceUint64(d)
	var expect bytes.Buffer
	binary.Write(&expect, binary.LittleEndian, d)
	if !bytes.Equal(b, expect.Bytes()) {
		t.Errorf("FromSliceUint64(%v) = % x, want % x", d, b, expect.Bytes())
	}
}

func TestFromSliceFloat64(t *testing.T) {
	d := []float64{0.5, -1.25}
	b := FromSliceFloat64(d)
	var expect bytes.Buffer
	binary.Write(&expect, binary.LittleEndian, d)
	if !bytes.Equal(b, expect.Bytes()) {
		t.Errorf("FromSliceFloat64(%v) = % x, want % x", d, b, expect.Bytes())
	}
}
