package store

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/kjk/kvlog/record"
)

// Log is a single append-only file of records.
//
// It has two independent cursors. The append cursor (appendOff, w) is
// guarded by the caller: Store holds writeMu around Append(). The read
// cursor (r) is guarded by readMu, which Read() takes itself and never
// holds while acquiring anything else.
type Log struct {
	path string

	w         *os.File
	appendOff int64

	readMu sync.Mutex
	r      *os.File
}

func openLog(path string) (*Log, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path for log file: %w", err)
	}
	err = os.MkdirAll(filepath.Dir(path), 0755)
	if err != nil {
		return nil, err
	}
	// would be easier to open with os.O_APPEND but then writes ignore
	// the offset we want to write at
	w, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, err
	}
	r, err := os.Open(path)
	if err != nil {
		w.Close()
		return nil, err
	}
	return &Log{
		path: path,
		w:    w,
		r:    r,
	}, nil
}

// Path returns absolute path of the log file
func (l *Log) Path() string {
	return l.path
}

// Size returns the append offset i.e. the end of the last record
func (l *Log) Size() int64 {
	return l.appendOff
}

// setAppendOffset positions the append cursor at off, dropping whatever
// follows it in the file. Only called by the loader, with off being the
// end of the last complete record.
func (l *Log) setAppendOffset(off int64) error {
	st, err := l.w.Stat()
	if err != nil {
		return err
	}
	if st.Size() > off {
		if err = l.w.Truncate(off); err != nil {
			return err
		}
		if err = l.w.Sync(); err != nil {
			return err
		}
	}
	l.appendOff = off
	return nil
}

// Append writes rec at the append offset and syncs it to disk.
// If writing fails, the append offset doesn't move.
// Caller must hold Store.writeMu.
func (l *Log) Append(rec *record.Record) (Pointer, error) {
	if l.w == nil {
		return Pointer{}, ErrClosed
	}
	d, err := record.Encode(rec)
	if err != nil {
		return Pointer{}, err
	}
	off := l.appendOff
	_, err = l.w.WriteAt(d, off)
	if err == nil {
		err = l.w.Sync()
	}
	if err != nil {
		// don't leave a partial record for the next append to follow
		_ = l.w.Truncate(off)
		return Pointer{}, fmt.Errorf("failed to append %d bytes at offset %d to '%s': %w", len(d), off, l.path, err)
	}
	l.appendOff = off + int64(len(d))
	return Pointer{Offset: off, Length: int64(len(d))}, nil
}

// Read reads the record at p and checks it is a record for key
func (l *Log) Read(p Pointer, key string) (*record.Record, error) {
	l.readMu.Lock()
	defer l.readMu.Unlock()

	if l.r == nil {
		return nil, ErrClosed
	}
	_, err := l.r.Seek(p.Offset, io.SeekStart)
	if err != nil {
		return nil, fmt.Errorf("failed to seek to offset %d: %w", p.Offset, err)
	}
	buf := make([]byte, p.Length)
	n, err := io.ReadFull(l.r, buf)
	if err != nil {
		return nil, fmt.Errorf("read %d bytes at offset %d, expected %d: %w", n, p.Offset, p.Length, err)
	}
	rec, err := record.Unmarshal(buf)
	if err != nil {
		return nil, &CorruptionError{Offset: p.Offset, Err: err}
	}
	if rec.Key != key {
		return nil, &CorruptionError{Offset: p.Offset, Err: fmt.Errorf("expected key '%s', got '%s'", key, rec.Key)}
	}
	return rec, nil
}

// Close closes both cursors. Caller must hold Store.writeMu.
func (l *Log) Close() error {
	var err1, err2 error
	if l.w != nil {
		err1 = l.w.Close()
		l.w = nil
	}
	l.readMu.Lock()
	if l.r != nil {
		err2 = l.r.Close()
		l.r = nil
	}
	l.readMu.Unlock()
	if err1 != nil {
		return err1
	}
	return err2
}
