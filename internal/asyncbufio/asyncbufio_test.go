package asyncbufio

import (
	"bytes"
	"fmt"
	"testing"
	"time"
)

func TestWriterRoundTrip(t *testing.T) {
	var b bytes.Buffer
	aw := NewWriter(&b, 16, time.Hour)
	for i := 0; i < 10; i++ {
		msg := fmt.Sprintf("line %d\n", i)
		if _, err := aw.WriteString(msg); err != nil {
			t.Fatalf("WriteString(%q) failed: %v", msg, err)
		}
	}
	if err := aw.Flush(); err != nil {
		t.Errorf("Flush returned %v, want nil", err)
	}
	want := ""
	for i := 0; i < 10; i++ {
		want += fmt.Sprintf("line %d\n", i)
	}
	if b.String() != want {
		t.Errorf("after Flush, buffer holds %q, want %q", b.String(), want)
	}
	if err := aw.Close(); err != nil {
		t.Errorf("Close returned %v, want nil", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write(p []byte) (int, error) {
	return 0, fmt.Errorf("medium unavailable")
}

func TestWriterSurfacesErrors(t *testing.T) {
	aw := NewWriter(failingWriter{}, 4, time.Hour)
	if _, err := aw.Write(make([]byte, 100)); err != nil {
		t.Fatalf("Write into queue failed: %v", err)
	}
	if err := aw.Flush(); err == nil {
		t.Errorf("Flush should return the medium error, got nil")
	}
	if err := aw.Close(); err == nil {
		t.Errorf("Close should repeat the medium error, got nil")
	}
}
