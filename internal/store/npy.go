package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/sbinet/npyio/npy"

	"github.com/i474232898/carbon-collector/internal/carbon"
)

// FileExt is the extension of persisted series files.
const FileExt = ".npy"

// FileStore persists each series as <dir>/<source>.npy: a NumPy 1-D float64 array
// of length 3*K holding rows of [captured_at, carbon_intensity, fossil_fuel_percentage].
//
// Every Persist rewrites the whole file through a temp file and an atomic rename,
// so readers see either the previous complete series or the new one.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// Path returns the file backing source.
func (s *FileStore) Path(source string) string {
	return filepath.Join(s.dir, source+FileExt)
}

// Load reads the persisted series for source. A missing file yields an empty series.
// A file that cannot be decoded or reshaped into rows of 3 is reported as
// carbon.ErrStorageCorruption and is left untouched.
func (s *FileStore) Load(source string) (*carbon.Series, error) {
	path := s.Path(source)

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return carbon.NewSeries(source), nil
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	r, err := npy.NewReader(bufio.NewReader(f))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: read header: %v", carbon.ErrStorageCorruption, path, err)
	}

	n, err := elementCount(r.Header.Descr.Shape)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", carbon.ErrStorageCorruption, path, err)
	}
	if err := checkDataSize(f, n); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", carbon.ErrStorageCorruption, path, err)
	}

	flat := make([]float64, n)
	if err := r.Read(&flat); err != nil {
		return nil, fmt.Errorf("%w: %s: read data: %v", carbon.ErrStorageCorruption, path, err)
	}

	series, err := carbon.SeriesFromFlat(source, flat)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return series, nil
}

// elementCount multiplies out an untrusted header shape.
func elementCount(shape []int) (int, error) {
	n := 1
	for _, dim := range shape {
		if dim < 0 {
			return 0, fmt.Errorf("negative dimension in shape %v", shape)
		}
		if dim != 0 && n > math.MaxInt/dim {
			return 0, fmt.Errorf("shape %v overflows", shape)
		}
		n *= dim
	}
	return n, nil
}

// checkDataSize compares the float64 payload announced by the header with the
// bytes that follow it on disk, before anything is allocated.
func checkDataSize(f *os.File, n int) error {
	stat, err := f.Stat()
	if err != nil {
		return err
	}
	offset, err := dataOffset(f)
	if err != nil {
		return err
	}

	have := stat.Size() - offset
	if n > math.MaxInt64/8 || int64(n)*8 != have {
		return fmt.Errorf("header announces %d values but %d data bytes follow", n, have)
	}
	return nil
}

// dataOffset returns where the array data starts: magic (6) + version (2) + header
// length (2 bytes in v1, 4 in v2/v3) + header.
func dataOffset(f *os.File) (int64, error) {
	var pre [12]byte
	if _, err := f.ReadAt(pre[:], 0); err != nil {
		return 0, fmt.Errorf("read preamble: %w", err)
	}
	switch pre[6] {
	case 1:
		return 10 + int64(binary.LittleEndian.Uint16(pre[8:10])), nil
	case 2, 3:
		return 12 + int64(binary.LittleEndian.Uint32(pre[8:12])), nil
	default:
		return 0, fmt.Errorf("unsupported npy version %d", pre[6])
	}
}

// Persist durably replaces the file for series.Source() with the full series.
func (s *FileStore) Persist(series *carbon.Series) error {
	path := s.Path(series.Source())

	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	w := bufio.NewWriter(tmp)
	if err := npy.Write(w, series.Flatten()); err != nil {
		return fmt.Errorf("encode series: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write %s: %w", tmpPath, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		return fmt.Errorf("chmod %s: %w", tmpPath, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync %s: %w", tmpPath, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmpPath, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename into %s: %w", path, err)
	}
	committed = true

	return syncDir(s.dir)
}

// syncDir makes the rename itself durable.
func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir %s: %w", dir, err)
	}
	return nil
}
