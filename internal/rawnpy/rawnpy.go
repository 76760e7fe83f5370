// Package rawnpy writes numpy *.npy files whose row count grows as data
// arrives. The header is written with a padded shape field, and the row
// count is patched in place after every append, so the file is a valid
// numpy array at any instant during acquisition.
package rawnpy

import (
	"fmt"
	"os"
)

// npy headers must pad to a multiple of 64 bytes
const headerUnits = 64

// Writer appends fixed-width rows to a 2-D npy file.
type Writer struct {
	file     *os.File
	dtype    string
	ncols    int
	shapePtr int64 // file offset of the row-count digits
	rows     int
}

// NewWriter starts a 2-D npy file of the given numpy dtype (e.g. "'<u2'")
// with ncols columns and zero rows, writing the padded header immediately.
func NewWriter(fp *os.File, dtype string, ncols int) (*Writer, error) {
	w := &Writer{file: fp, dtype: dtype, ncols: ncols}

	header := []byte{0x93, 'N', 'U', 'M', 'P', 'Y', 0x01, 0, 0, 0}
	header = append(header, []byte("{'descr': ")...)
	header = append(header, []byte(dtype)...)
	shapeText := fmt.Sprintf(", 'fortran_order': False, 'shape': (%-10d, %d),}", 0, ncols)
	header = append(header, []byte(shapeText)...)
	w.shapePtr = int64(len(header) - len(shapeText) + len(", 'fortran_order': False, 'shape': ("))

	// Bytes 8-9 hold the post-preamble header size, little-endian,
	// chosen so the whole header is a multiple of 64 bytes.
	const preheaderSize = 10
	nunits := (len(header) + headerUnits) / headerUnits
	headerSize := nunits*headerUnits - preheaderSize
	header[8] = byte(headerSize % 256)
	header[9] = byte(headerSize / 256)

	npad := headerSize + preheaderSize - (1 + len(header))
	for i := 0; i < npad; i++ {
		header = append(header, ' ')
	}
	header = append(header, '\n')
	if _, err := w.file.Write(header); err != nil {
		return nil, err
	}
	return w, nil
}

// WriteRows appends encoded rows and patches the header's row count.
// Each element of rows must encode exactly ncols values of the dtype.
func (w *Writer) WriteRows(rows [][]byte) error {
	for _, r := range rows {
		if _, err := w.file.Write(r); err != nil {
			return err
		}
	}
	w.rows += len(rows)
	shape := fmt.Sprintf("%-10d", w.rows)
	if _, err := w.file.WriteAt([]byte(shape), w.shapePtr); err != nil {
		return err
	}
	return nil
}

// Rows returns the number of rows appended so far.
func (w *Writer) Rows() int { return w.rows }

// Close syncs and closes the underlying file.
func (w *Writer) Close() error {
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
