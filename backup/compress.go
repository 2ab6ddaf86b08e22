package backup

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
)

const (
	ExtBrotli = ".br"
	ExtZstd   = ".zst"
)

func compressionOf(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ExtBrotli, ExtZstd:
		return ext, nil
	case ".zstd":
		return ExtZstd, nil
	}
	return "", fmt.Errorf("'%s' must end with %s or %s", path, ExtBrotli, ExtZstd)
}

func newCompressor(ext string, w io.Writer) (io.WriteCloser, error) {
	if ext == ExtBrotli {
		return brotli.NewWriterLevel(w, brotli.BestCompression), nil
	}
	// zstd.SpeedBestCompression is much slower and barely better
	return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
}

type readCloser struct {
	io.Reader
	close func() error
}

func (rc *readCloser) Close() error {
	return rc.close()
}

func newDecompressor(ext string, r io.Reader) (io.ReadCloser, error) {
	if ext == ExtBrotli {
		return io.NopCloser(brotli.NewReader(r)), nil
	}
	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	return &readCloser{Reader: zr, close: func() error {
		zr.Close()
		return nil
	}}, nil
}

// Compress compresses src into dst. Compression is picked by
// extension of dst: brotli for .br, zstd for .zst
func Compress(src, dst string) error {
	ext, err := compressionOf(dst)
	if err != nil {
		return err
	}
	fSrc, err := os.Open(src)
	if err != nil {
		return err
	}
	defer fSrc.Close()
	fDst, err := os.Create(dst)
	if err != nil {
		return err
	}
	w, err := newCompressor(ext, fDst)
	if err == nil {
		_, err = io.Copy(w, fSrc)
		err = errors.Join(err, w.Close())
	}
	err = errors.Join(err, fDst.Close())
	if err != nil {
		os.Remove(dst)
		return err
	}
	return nil
}

// DecompressTo writes decompressed content of src (.br or .zst) to w
func DecompressTo(w io.Writer, src string) error {
	ext, err := compressionOf(src)
	if err != nil {
		return err
	}
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	r, err := newDecompressor(ext, f)
	if err != nil {
		return err
	}
	defer r.Close()
	_, err = io.Copy(w, r)
	return err
}
