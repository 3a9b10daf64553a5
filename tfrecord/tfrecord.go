// Package tfrecord reads and writes TFRecord files: a sequence of
// length-prefixed payloads, each guarded by a masked CRC-32C.
//
// On disk every record looks like:
//
//	uint64 length
//	uint32 masked_crc32c(length)
//	byte   data[length]
//	uint32 masked_crc32c(data)
//
// All integers are little endian.
package tfrecord

import (
	"bufio"
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrCorrupt is returned when a record checksum does not match its contents.
var ErrCorrupt = errors.New("tfrecord: checksum mismatch")

// maxRecordSize bounds a single payload so a corrupt length can't trigger a
// huge allocation.
const maxRecordSize = 1 << 30

const maskDelta = 0xa282ead8

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// MaskedCRC returns the masked CRC-32C of b as used by the framing.
func MaskedCRC(b []byte) uint32 {
	crc := crc32.Checksum(b, castagnoli)
	return ((crc >> 15) | (crc << 17)) + maskDelta
}

// Reader iterates over records of a single stream.
type Reader struct {
	r      *bufio.Reader
	header [12]byte
	footer [4]byte
	verify bool
	n      int
}

// NewReader wraps r. When verify is set every length and payload checksum is
// checked.
func NewReader(r io.Reader, verify bool) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 1<<16), verify: verify}
}

// Next returns the next payload. It returns io.EOF at a clean end of stream and
// io.ErrUnexpectedEOF when the stream stops in the middle of a frame.
func (rd *Reader) Next() ([]byte, error) {
	length, err := rd.readHeader()
	if err != nil {
		return nil, err
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(rd.r, data); err != nil {
		return nil, unexpected(err)
	}
	if _, err := io.ReadFull(rd.r, rd.footer[:]); err != nil {
		return nil, unexpected(err)
	}
	if rd.verify && binary.LittleEndian.Uint32(rd.footer[:]) != MaskedCRC(data) {
		return nil, errors.Wrapf(ErrCorrupt, "record %d payload", rd.n)
	}
	rd.n++
	return data, nil
}

// Skip advances past the next record without keeping its payload.
func (rd *Reader) Skip() error {
	length, err := rd.readHeader()
	if err != nil {
		return err
	}
	if _, err := rd.r.Discard(int(length) + 4); err != nil {
		return unexpected(err)
	}
	rd.n++
	return nil
}

func (rd *Reader) readHeader() (uint64, error) {
	n, err := io.ReadFull(rd.r, rd.header[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return 0, io.EOF
		}
		return 0, unexpected(err)
	}
	length := binary.LittleEndian.Uint64(rd.header[:8])
	if rd.verify && binary.LittleEndian.Uint32(rd.header[8:]) != MaskedCRC(rd.header[:8]) {
		return 0, errors.Wrapf(ErrCorrupt, "record %d length", rd.n)
	}
	if length > maxRecordSize {
		return 0, errors.Wrapf(ErrCorrupt, "record %d claims %d bytes", rd.n, length)
	}
	return length, nil
}

func unexpected(err error) error {
	if errors.Is(err, io.EOF) {
		return io.ErrUnexpectedEOF
	}
	return err
}

// Writer appends framed records to an underlying stream.
type Writer struct {
	w      io.Writer
	header [12]byte
	footer [4]byte
}

// NewWriter returns a Writer on w. Callers own w and its buffering.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Write frames data as a single record.
func (wr *Writer) Write(data []byte) error {
	binary.LittleEndian.PutUint64(wr.header[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(wr.header[8:], MaskedCRC(wr.header[:8]))
	binary.LittleEndian.PutUint32(wr.footer[:], MaskedCRC(data))
	if _, err := wr.w.Write(wr.header[:]); err != nil {
		return err
	}
	if _, err := wr.w.Write(data); err != nil {
		return err
	}
	_, err := wr.w.Write(wr.footer[:])
	return err
}

// Count returns the number of records in the file at path. Payloads are
// skipped, not read.
func Count(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	rd := NewReader(f, false)
	count := 0
	for {
		err := rd.Skip()
		if err == io.EOF {
			return count, nil
		}
		if err != nil {
			return count, errors.Wrapf(err, "count records in %s", path)
		}
		count++
	}
}
