package record

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Reader decodes records one after another from a bufio.Reader
type Reader struct {
	r *bufio.Reader

	// Record is available after ReadNext().
	// It's over-written in next ReadNext().
	Record *Record

	// position of the current record within the reader.
	// We keep track of it so that callers can index records
	// by offset and seek to it
	CurrRecordPos int64

	// position of the next record within the reader.
	// After reading stops it's the end of the last complete record.
	NextRecordPos int64

	// Limit is the size of the data, if known. A header that claims a
	// body reaching past it is a torn record and we don't allocate for it
	Limit int64

	buf  []byte
	err  error
	torn bool
	// true if reached end of file with io.EOF
	done bool
}

// NewReader creates a new reader
func NewReader(r *bufio.Reader) *Reader {
	return &Reader{
		r: r,
	}
}

// Done returns true if we're finished reading from the reader
func (r *Reader) Done() bool {
	return r.err != nil || r.done || r.torn
}

// Err returns the error that stopped reading. io.EOF is not an error
// and neither is a torn record at the end (see Torn())
func (r *Reader) Err() error {
	return r.err
}

// Torn returns true if the data ended in the middle of a record, or
// with a record that doesn't decode and is followed only by zero bytes.
// That happens when a process crashes while appending.
func (r *Reader) Torn() bool {
	return r.torn
}

// readFull reads exactly len(d) bytes. Returns false and marks the
// reader as torn if data ended early.
func (r *Reader) readFull(d []byte) bool {
	_, err := io.ReadFull(r.r, d)
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		r.torn = true
	} else {
		r.err = err
	}
	return false
}

// ReadNext reads the next record, returns false when there are no more
// records. If returns false, check Err() and Torn().
func (r *Reader) ReadNext() bool {
	if r.Done() {
		return false
	}
	r.CurrRecordPos = r.NextRecordPos

	hdr, err := r.r.ReadBytes('\n')
	if err != nil {
		if err != io.EOF {
			r.err = err
		} else if len(hdr) == 0 {
			r.done = true
		} else {
			// partial header line
			r.torn = true
		}
		return false
	}
	recSize := int64(len(hdr))

	size, kind, err := parseHeader(hdr[:len(hdr)-1])
	if err != nil {
		r.failRecord(hdr, err)
		return false
	}
	if r.Limit > 0 && r.CurrRecordPos+recSize+size > r.Limit {
		r.torn = true
		return false
	}

	// we try to re-use r.buf as long as it doesn't grow too much
	// (limit to 1 MB)
	if cap(r.buf) > 1024*1024 {
		r.buf = nil
	}
	if size > int64(cap(r.buf)) {
		r.buf = make([]byte, size)
	} else {
		r.buf = r.buf[:size]
	}
	if !r.readFull(r.buf) {
		return false
	}
	recSize += size

	// same as padding logic in AppendFrame
	if size > 0 && r.buf[size-1] != '\n' {
		var pad [1]byte
		if !r.readFull(pad[:]) {
			return false
		}
		if pad[0] != '\n' {
			r.failRecord(hdr, fmt.Errorf("missing '\\n' padding after body"))
			return false
		}
		recSize++
	}

	rec := &Record{Kind: kind}
	if err = decodeBody(r.buf, rec); err != nil {
		r.failRecord(hdr, err)
		return false
	}
	r.Record = rec
	r.NextRecordPos += recSize
	return true
}

// failRecord handles a record that doesn't decode. If it starts like a
// record and nothing but zero bytes follow it, it's the last write before
// a crash (file size was updated but not all data made it to disk).
// Otherwise the data is corrupted.
func (r *Reader) failRecord(hdr []byte, err error) {
	if bytes.HasPrefix(hdr, hdrPrefix) && r.restIsZero() {
		r.torn = true
		return
	}
	r.err = err
}

func (r *Reader) restIsZero() bool {
	for {
		b, err := r.r.ReadByte()
		if err != nil {
			return err == io.EOF
		}
		if b != 0 {
			return false
		}
	}
}
