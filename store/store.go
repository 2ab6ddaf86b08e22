package store

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/davecgh/go-spew/spew"
	"github.com/kjk/kvlog/record"
)

// Store is a key-value store persisted in a single append-only log file.
//
// Locks are always taken in the order: writeMu, indexMu, Log.readMu.
type Store struct {
	// Path of the log file. Directories are created if needed.
	Path string
	// Notifier is told about every successful Set() and Remove().
	// nil means NopNotifier.
	Notifier Notifier

	log    *Log
	stats  LoadStats
	closed atomic.Bool

	// guards the append cursor of log. Held for the whole
	// append + index update of a mutation
	writeMu sync.Mutex

	indexMu sync.RWMutex
	index   *Index
}

// OpenStore opens (or creates) s.Path and rebuilds the index from it
func OpenStore(s *Store) error {
	if s.Path == "" {
		return fmt.Errorf("log path is not set")
	}
	if s.Notifier == nil {
		s.Notifier = NopNotifier{}
	}
	l, err := openLog(s.Path)
	if err != nil {
		return err
	}
	ix := NewIndex()
	stats, err := replay(l, ix)
	if err != nil {
		l.Close()
		return fmt.Errorf("failed to load '%s': %w", l.Path(), err)
	}
	s.log = l
	s.index = ix
	s.stats = stats
	return nil
}

// Open is a shortcut for OpenStore with just a path
func Open(path string) (*Store, error) {
	s := &Store{
		Path: path,
	}
	if err := OpenStore(s); err != nil {
		return nil, err
	}
	return s, nil
}

// readValue reads the set record at p. Anything other than a set
// record for key means the index and the log disagree.
func (s *Store) readValue(p Pointer, key string) (string, error) {
	rec, err := s.log.Read(p, key)
	if err != nil {
		return "", err
	}
	if !rec.IsSet() {
		return "", &CorruptionError{Offset: p.Offset, Err: fmt.Errorf("index points to %s record for key '%s'", rec.Kind, key)}
	}
	return rec.Value, nil
}

// Set stores val under key. If key had a value, it's returned with
// hadOld set to true.
func (s *Store) Set(key, val string) (old string, hadOld bool, err error) {
	s.writeMu.Lock()
	p, err := s.log.Append(record.NewSet(key, val))
	if err != nil {
		s.writeMu.Unlock()
		return "", false, err
	}
	s.indexMu.Lock()
	prev, hadOld := s.index.Insert(key, p)
	s.indexMu.Unlock()
	s.writeMu.Unlock()

	s.Notifier.Set(key, val)

	if !hadOld {
		return "", false, nil
	}
	// records are never over-written so prev stays valid
	// after we release the locks
	old, err = s.readValue(prev, key)
	if err != nil {
		return "", false, err
	}
	return old, true, nil
}

// Get returns the value of key. A missing key is not an error,
// it returns found == false.
func (s *Store) Get(key string) (val string, found bool, err error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}
	s.indexMu.RLock()
	p, found := s.index.Lookup(key)
	s.indexMu.RUnlock()
	if !found {
		return "", false, nil
	}
	val, err = s.readValue(p, key)
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// Remove deletes key and returns its last value. Returns *KeyNotFoundError
// if key has no value.
func (s *Store) Remove(key string) (string, error) {
	s.writeMu.Lock()
	if s.closed.Load() {
		s.writeMu.Unlock()
		return "", ErrClosed
	}
	// index only changes under writeMu so the key can't
	// disappear between this check and the delete below
	s.indexMu.RLock()
	_, found := s.index.Lookup(key)
	s.indexMu.RUnlock()
	if !found {
		s.writeMu.Unlock()
		return "", &KeyNotFoundError{Key: key}
	}
	if _, err := s.log.Append(record.NewRemove(key)); err != nil {
		s.writeMu.Unlock()
		return "", err
	}
	s.indexMu.Lock()
	prev, _ := s.index.Remove(key)
	s.indexMu.Unlock()
	s.writeMu.Unlock()

	s.Notifier.Remove(key)

	return s.readValue(prev, key)
}

// Len returns number of live keys
func (s *Store) Len() int {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	return s.index.Len()
}

// Keys returns live keys in ascending order
func (s *Store) Keys() []string {
	s.indexMu.RLock()
	defer s.indexMu.RUnlock()
	res := make([]string, 0, s.index.Len())
	s.index.Ascend(func(key string, _ Pointer) bool {
		res = append(res, key)
		return true
	})
	return res
}

// LoadStats returns what replay found when the store was opened
func (s *Store) LoadStats() LoadStats {
	return s.stats
}

// Size returns size of the log in bytes
func (s *Store) Size() int64 {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.log.Size()
}

// LogPath returns absolute path of the log file
func (s *Store) LogPath() string {
	return s.log.Path()
}

type indexEntry struct {
	Key    string
	Offset int64
	Length int64
}

// DumpIndex writes a human-readable dump of the index, for debugging
func (s *Store) DumpIndex(w io.Writer) {
	s.indexMu.RLock()
	entries := make([]indexEntry, 0, s.index.Len())
	s.index.Ascend(func(key string, p Pointer) bool {
		entries = append(entries, indexEntry{Key: key, Offset: p.Offset, Length: p.Length})
		return true
	})
	s.indexMu.RUnlock()

	cfg := spew.ConfigState{
		Indent:                  "  ",
		DisablePointerAddresses: true,
		DisableCapacities:       true,
		SortKeys:                true,
	}
	cfg.Fdump(w, entries)
}

// Close closes the log file. Calls made after Close return ErrClosed.
func (s *Store) Close() error {
	if s == nil || s.log == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closed.Store(true)
	return s.log.Close()
}
