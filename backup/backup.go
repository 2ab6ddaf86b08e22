package backup

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kjk/kvlog/log"
	"github.com/kjk/kvlog/record"
)

// LogInfo describes a log file checked by ValidateLog
type LogInfo struct {
	Records   int
	ValidEnd  int64
	TornBytes int64
}

// ValidateLog reads all records in path. A partially written last
// record (or one followed only by zero bytes) is allowed, any other
// decoding failure is an error.
func ValidateLog(path string) (*LogInfo, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		return nil, err
	}
	info := &LogInfo{}
	r := record.NewReader(bufio.NewReader(f))
	r.Limit = st.Size()
	for r.ReadNext() {
		info.Records++
	}
	if err = r.Err(); err != nil {
		return nil, fmt.Errorf("'%s' is not a valid log, bad record at offset %d: %w", path, r.CurrRecordPos, err)
	}
	info.ValidEnd = r.NextRecordPos
	info.TornBytes = st.Size() - info.ValidEnd
	return info, nil
}

// Upload compresses logPath (by extension of remotePath) and uploads it
func Upload(ctx context.Context, remote Remote, logPath string, remotePath string) error {
	ext, err := compressionOf(remotePath)
	if err != nil {
		return err
	}
	dir, err := os.MkdirTemp("", "kvlog-backup")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dir)

	tmpPath := filepath.Join(dir, "log"+ext)
	if err = Compress(logPath, tmpPath); err != nil {
		return fmt.Errorf("failed to compress '%s': %w", logPath, err)
	}
	if err = remote.UploadFile(ctx, remotePath, tmpPath); err != nil {
		return fmt.Errorf("failed to upload '%s': %w", remotePath, err)
	}
	st, err := os.Stat(tmpPath)
	if err == nil {
		log.Event("backup.upload", "remote", remotePath, "size", st.Size())
		log.Verbosef("uploaded '%s' as '%s' (%d bytes)\n", logPath, remotePath, st.Size())
	}
	return nil
}

// Restore downloads remotePath, decompresses it and replaces logPath
// with it, but only if it's a valid log. The store using logPath
// must not be open.
func Restore(ctx context.Context, remote Remote, remotePath string, logPath string) (*LogInfo, error) {
	ext, err := compressionOf(remotePath)
	if err != nil {
		return nil, err
	}
	dir, err := os.MkdirTemp("", "kvlog-restore")
	if err != nil {
		return nil, err
	}
	defer os.RemoveAll(dir)

	compressed := filepath.Join(dir, "log"+ext)
	if err = remote.DownloadFile(ctx, compressed, remotePath); err != nil {
		return nil, fmt.Errorf("failed to download '%s': %w", remotePath, err)
	}
	return restoreFrom(compressed, logPath)
}

func restoreFrom(compressed string, logPath string) (*LogInfo, error) {
	f, err := NewAtomicFile(logPath)
	if err != nil {
		return nil, err
	}
	defer f.Cancel()
	if err = DecompressTo(f, compressed); err != nil {
		return nil, fmt.Errorf("failed to decompress: %w", err)
	}
	if err = f.Sync(); err != nil {
		return nil, err
	}
	info, err := ValidateLog(f.TempPath())
	if err != nil {
		return nil, err
	}
	if err = f.Close(); err != nil {
		return nil, err
	}
	log.Event("backup.restore", "path", logPath, "records", info.Records)
	return info, nil
}

// copyFile replaces dst with a copy of src
func copyFile(dst, src string) error {
	fSrc, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fSrc.Close()
	f, err := NewAtomicFile(dst)
	if err != nil {
		return err
	}
	defer f.Cancel()
	if _, err = io.Copy(f, fSrc); err != nil {
		return err
	}
	return f.Close()
}

// DirRemote is a Remote backed by a local directory, e.g. a mounted
// network drive
type DirRemote struct {
	Dir string
}

var _ Remote = DirRemote{}

func (d DirRemote) UploadFile(ctx context.Context, remotePath string, path string) error {
	return copyFile(filepath.Join(d.Dir, filepath.FromSlash(remotePath)), path)
}

func (d DirRemote) DownloadFile(ctx context.Context, dstPath string, remotePath string) error {
	return copyFile(dstPath, filepath.Join(d.Dir, filepath.FromSlash(remotePath)))
}
