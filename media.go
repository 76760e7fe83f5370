package acquistor

import (
	"encoding/binary"
	"encoding/csv"
	"fmt"
	"os"
	"time"
	"unsafe"

	"github.com/empa-lab/acquistor/internal/asyncbufio"
	"github.com/empa-lab/acquistor/internal/getbytes"
	"github.com/empa-lab/acquistor/internal/rawnpy"
)

// NewMedium creates the storage medium named by format: "raw", "npy",
// "csv", or "memory".
func NewMedium(format, filename string, cfg *AcqConfig, sessionID string) (BatchMedium, error) {
	switch format {
	case "raw", "":
		return NewRawFileMedium(filename, cfg, sessionID)
	case "npy":
		return NewNPYMedium(filename, cfg)
	case "csv":
		return NewCSVMedium(filename, cfg)
	case "memory":
		return &MemoryMedium{}, nil
	}
	return nil, fmt.Errorf("unknown storage format %q (expect raw, npy, csv, or memory)", format)
}

// rawTypeToBytes converts a []RawType to []byte without copying.
func rawTypeToBytes(d []RawType) []byte {
	if len(d) == 0 {
		return []byte{}
	}
	outlength := uintptr(len(d)) * unsafe.Sizeof(d[0]) / unsafe.Sizeof(byte(0))
	return unsafe.Slice((*byte)(unsafe.Pointer(&d[0])), outlength)
}

// RawFileMedium persists write batches in the acquistor raw block format:
// a text header terminated by "#End of Header", then binary frame records.
// Writing is asynchronous; every WriteBatch ends with a blocking flush so a
// nil return really means the batch reached the file.
type RawFileMedium struct {
	file   *os.File
	writer *asyncbufio.Writer
}

const rawFormatVersion = "1.0"

// NewRawFileMedium creates the output file and writes its header.
func NewRawFileMedium(filename string, cfg *AcqConfig, sessionID string) (*RawFileMedium, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	aw := asyncbufio.NewWriter(f, 1024, time.Second)
	header := fmt.Sprintf("#Acquistor Raw Block File\n"+
		"Save File Format Version: %s\n"+
		"Session: %s\n"+
		"Sample Rate (Hz): %f\n"+
		"Samples per Block: %d\n"+
		"Number of Cards: %d\n"+
		"Total Channels: %d\n"+
		"Digitized Word Size in Bytes: 2\n"+
		"Timestamp offset (s): %.6f\n",
		rawFormatVersion, sessionID, cfg.SampleRate, cfg.BlockSamples,
		len(cfg.Cards), cfg.Nchan(), float64(time.Now().UnixNano())/1e9)
	for ci, card := range cfg.Cards {
		header += fmt.Sprintf("Card %d (%s) Trigger (V): %f on channel %d\n",
			ci, card.ID, card.TriggerVolts, card.TriggerChannel)
		for _, ch := range card.Channels {
			header += fmt.Sprintf("Card %d Channel %d Amp (V): %f Coupling: %s Impedance: %s\n",
				ci, ch.Number, ch.AmpVolts, ch.Coupling, ch.Impedance)
		}
	}
	header += "#End of Header\n"
	if _, err := aw.WriteString(header); err != nil {
		f.Close()
		return nil, err
	}
	return &RawFileMedium{file: f, writer: aw}, nil
}

// WriteBatch appends every frame as one binary record:
// seq, unix-nanoseconds, card count, then per card the per-channel sample
// count, channel count, and interleaved little-endian samples.
func (m *RawFileMedium) WriteBatch(batch *WriteBatch) error {
	for _, frame := range batch.Frames {
		rec := make([]byte, 0, 20+frame.TotalSamples()*2)
		rec = binary.LittleEndian.AppendUint64(rec, frame.Seq)
		rec = binary.LittleEndian.AppendUint64(rec, uint64(frame.Timestamp.UnixNano()))
		rec = binary.LittleEndian.AppendUint32(rec, uint32(len(frame.Blocks)))
		for _, blk := range frame.Blocks {
			rec = binary.LittleEndian.AppendUint32(rec, uint32(blk.Nsamp))
			rec = binary.LittleEndian.AppendUint32(rec, uint32(blk.Nchan()))
			rec = append(rec, rawTypeToBytes(blk.Data)...)
		}
		if _, err := m.writer.Write(rec); err != nil {
			return err
		}
	}
	return m.writer.Flush()
}

// Close flushes and closes the file.
func (m *RawFileMedium) Close() error {
	err := m.writer.Close()
	if err2 := m.file.Close(); err == nil {
		err = err2
	}
	return err
}

// NPYMedium persists samples as a growing 2-D numpy array of uint16, one
// row per sample instant, one column per channel across all cards. It
// replaces the original workflow's columnar (Parquet) output with the
// numpy format the analysis side already reads.
type NPYMedium struct {
	writer *rawnpy.Writer
	ncols  int
}

// NewNPYMedium creates the .npy output file.
func NewNPYMedium(filename string, cfg *AcqConfig) (*NPYMedium, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	w, err := rawnpy.NewWriter(f, "'<u2'", cfg.Nchan())
	if err != nil {
		f.Close()
		return nil, err
	}
	return &NPYMedium{writer: w, ncols: cfg.Nchan()}, nil
}

// WriteBatch appends Nsamp rows per frame and syncs the file.
func (m *NPYMedium) WriteBatch(batch *WriteBatch) error {
	var rows [][]byte
	for _, frame := range batch.Frames {
		if len(frame.Blocks) == 0 {
			continue
		}
		nsamp := frame.Blocks[0].Nsamp
		for s := 0; s < nsamp; s++ {
			row := make([]uint16, 0, m.ncols)
			for _, blk := range frame.Blocks {
				nchan := blk.Nchan()
				for ch := 0; ch < nchan; ch++ {
					row = append(row, uint16(blk.Sample(ch, s)))
				}
			}
			rows = append(rows, getbytes.FromSliceUint16(row))
		}
	}
	return m.writer.WriteRows(rows)
}

// Close closes the .npy file; the shape header is already current.
func (m *NPYMedium) Close() error {
	return m.writer.Close()
}

// CSVMedium persists samples as comma-separated volts with a leading time
// column, matching the original acquisitor's CSV export.
type CSVMedium struct {
	file     *os.File
	w        *csv.Writer
	cfg      *AcqConfig
	ampVolts []float64 // per flattened channel
}

// NewCSVMedium creates the CSV file and writes the column header.
func NewCSVMedium(filename string, cfg *AcqConfig) (*CSVMedium, error) {
	f, err := os.Create(filename)
	if err != nil {
		return nil, err
	}
	m := &CSVMedium{file: f, w: csv.NewWriter(f), cfg: cfg}
	header := []string{"time_s"}
	for ci, card := range cfg.Cards {
		for _, ch := range card.Channels {
			header = append(header, fmt.Sprintf("card%d_ch%d", ci, ch.Number))
			m.ampVolts = append(m.ampVolts, ch.AmpVolts)
		}
	}
	if err := m.w.Write(header); err != nil {
		f.Close()
		return nil, err
	}
	return m, nil
}

// WriteBatch appends one CSV row per sample instant, in volts.
func (m *CSVMedium) WriteBatch(batch *WriteBatch) error {
	for _, frame := range batch.Frames {
		if len(frame.Blocks) == 0 {
			continue
		}
		nsamp := frame.Blocks[0].Nsamp
		baseSample := frame.Blocks[0].Seq * uint64(m.cfg.BlockSamples)
		for s := 0; s < nsamp; s++ {
			t := float64(baseSample+uint64(s)) / m.cfg.SampleRate
			row := make([]string, 0, 1+len(m.ampVolts))
			row = append(row, fmt.Sprintf("%.9f", t))
			col := 0
			for _, blk := range frame.Blocks {
				nchan := blk.Nchan()
				for ch := 0; ch < nchan; ch++ {
					v := VoltsOf(blk.Sample(ch, s), m.ampVolts[col])
					row = append(row, fmt.Sprintf("%.6f", v))
					col++
				}
			}
			if err := m.w.Write(row); err != nil {
				return err
			}
		}
	}
	m.w.Flush()
	return m.w.Error()
}

// Close flushes and closes the CSV file.
func (m *CSVMedium) Close() error {
	m.w.Flush()
	err := m.w.Error()
	if err2 := m.file.Close(); err == nil {
		err = err2
	}
	return err
}

// MemoryMedium keeps flushed frames in memory. It serves tests and the
// one-shot CLI's post-run channel check; FailWrites makes every write fail
// for exercising the sink's retry budget.
type MemoryMedium struct {
	Batches    [][]*AlignedFrame
	FailWrites bool
	Attempts   int
}

// WriteBatch stores a copy of the batch's frame list, or fails if
// FailWrites is set.
func (m *MemoryMedium) WriteBatch(batch *WriteBatch) error {
	m.Attempts++
	if m.FailWrites {
		return fmt.Errorf("simulated medium failure")
	}
	frames := make([]*AlignedFrame, len(batch.Frames))
	copy(frames, batch.Frames)
	m.Batches = append(m.Batches, frames)
	return nil
}

// Close is a no-op.
func (m *MemoryMedium) Close() error { return nil }

// Frames returns all flushed frames in write order.
func (m *MemoryMedium) Frames() []*AlignedFrame {
	var all []*AlignedFrame
	for _, b := range m.Batches {
		all = append(all, b...)
	}
	return all
}
