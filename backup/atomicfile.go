package backup

import (
	"errors"
	"io"
	"os"
	"path/filepath"
)

var (
	// ErrCancelled is returned by calls made after Cancel()
	ErrCancelled = errors.New("cancelled")

	_ io.WriteCloser = &AtomicFile{}
)

// AtomicFile replaces dstPath only if everything was written.
// Data goes to a temporary file in the same directory which is
// synced and renamed over dstPath by Close().
type AtomicFile struct {
	dstPath string
	dir     string
	tmp     *os.File
	tmpPath string
	err     error
}

func NewAtomicFile(path string) (*AtomicFile, error) {
	path, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	dir, name := filepath.Split(path)
	if name == "" {
		return nil, &os.PathError{Op: "open", Path: path, Err: os.ErrInvalid}
	}
	if err = os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(dir, name+".tmp*")
	if err != nil {
		return nil, err
	}
	return &AtomicFile{
		dstPath: path,
		dir:     dir,
		tmp:     tmp,
		tmpPath: tmp.Name(),
	}, nil
}

// TempPath is where the data is until Close()
func (f *AtomicFile) TempPath() string {
	return f.tmpPath
}

func (f *AtomicFile) fail(err error) error {
	if err == nil {
		return nil
	}
	if f.err == nil {
		f.err = err
	}
	_ = f.Close()
	return err
}

func (f *AtomicFile) Write(d []byte) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	n, err := f.tmp.Write(d)
	return n, f.fail(err)
}

func (f *AtomicFile) Sync() error {
	if f.err != nil {
		return f.err
	}
	return f.fail(f.tmp.Sync())
}

// Cancel removes the temporary file, leaving dstPath untouched.
// It's a no-op after Close() so it can be deferred.
func (f *AtomicFile) Cancel() {
	if f == nil || f.tmp == nil {
		return
	}
	f.err = ErrCancelled
	_ = f.Close()
}

// Close syncs the data and renames it to the destination.
// Can be called multiple times, returns the first error.
func (f *AtomicFile) Close() error {
	if f.tmp == nil {
		return f.err
	}
	tmp := f.tmp
	f.tmp = nil

	errSync := tmp.Sync()
	errClose := tmp.Close()
	renamed := false
	defer func() {
		if !renamed {
			_ = os.Remove(f.tmpPath)
		}
	}()
	if f.err != nil {
		return f.err
	}
	err := errors.Join(errSync, errClose)
	if err == nil {
		err = os.Rename(f.tmpPath, f.dstPath)
		renamed = err == nil
	}
	if renamed {
		// the rename is only durable once the directory is synced
		if d, _ := os.Open(f.dir); d != nil {
			_ = d.Sync()
			_ = d.Close()
		}
	}
	f.err = err
	return err
}
