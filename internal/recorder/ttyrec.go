package recorder

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"
)

// ttyrec record layout: a 12-byte little-endian header of three int32
// fields (epoch seconds, microseconds, payload length) followed by the
// raw payload. There is no file header or trailer; replay reads records
// sequentially until EOF.
const ttyrecHeaderSize = 12

// ttyrecWriter appends timestamped chunks to a ttyrec stream. Chunks are
// written in arrival order with their boundaries and bytes preserved
// exactly; they are never coalesced or split.
type ttyrecWriter struct {
	w io.WriteCloser
}

func newTTYRecWriter(w io.WriteCloser) *ttyrecWriter {
	return &ttyrecWriter{w: w}
}

// writeChunk appends one record stamped with the current wall-clock time.
// Empty chunks are dropped.
func (t *ttyrecWriter) writeChunk(data []byte) error {
	if len(data) == 0 {
		return nil
	}
	now := time.Now()

	var hdr [ttyrecHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(now.Unix()))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(now.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(len(data)))

	if _, err := t.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("ttyrec: write header: %w", err)
	}
	if _, err := t.w.Write(data); err != nil {
		return fmt.Errorf("ttyrec: write payload: %w", err)
	}
	return nil
}

func (t *ttyrecWriter) Close() error {
	return t.w.Close()
}

// Record is one decoded ttyrec entry.
type Record struct {
	Seconds      int32
	Microseconds int32
	Data         []byte
}

// Time reconstructs the record's wall-clock timestamp.
func (r Record) Time() time.Time {
	return time.Unix(int64(r.Seconds), int64(r.Microseconds)*1000)
}

// ReadRecord decodes the next record from a ttyrec stream. It returns
// io.EOF at a clean end of stream and io.ErrUnexpectedEOF when the
// stream is truncated mid-record.
func ReadRecord(r io.Reader) (Record, error) {
	var hdr [ttyrecHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if err == io.ErrUnexpectedEOF {
			return Record{}, io.ErrUnexpectedEOF
		}
		return Record{}, err
	}

	rec := Record{
		Seconds:      int32(binary.LittleEndian.Uint32(hdr[0:4])),
		Microseconds: int32(binary.LittleEndian.Uint32(hdr[4:8])),
	}
	length := int32(binary.LittleEndian.Uint32(hdr[8:12]))
	if length < 0 {
		return Record{}, fmt.Errorf("ttyrec: negative payload length %d", length)
	}

	rec.Data = make([]byte, length)
	if _, err := io.ReadFull(r, rec.Data); err != nil {
		if err == io.EOF {
			return Record{}, io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	return rec, nil
}

// ReadAllRecords decodes every record remaining in a ttyrec stream.
func ReadAllRecords(r io.Reader) ([]Record, error) {
	var records []Record
	for {
		rec, err := ReadRecord(r)
		if err == io.EOF {
			return records, nil
		}
		if err != nil {
			return records, err
		}
		records = append(records, rec)
	}
}
