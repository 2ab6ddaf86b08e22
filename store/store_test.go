package store

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/alecthomas/assert"
	"github.com/kjk/kvlog/record"
)

func openTestStore(t *testing.T) *Store {
	path := filepath.Join(t.TempDir(), "kvs.log")
	s, err := Open(path)
	assert.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	return s
}

func reopen(t *testing.T, s *Store) *Store {
	path := s.LogPath()
	assert.NoError(t, s.Close())
	s2, err := Open(path)
	assert.NoError(t, err)
	t.Cleanup(func() {
		s2.Close()
	})
	return s2
}

func testGet(t *testing.T, s *Store, key string, exp string) {
	v, found, err := s.Get(key)
	assert.NoError(t, err)
	assert.True(t, found, "key: '%s'", key)
	assert.Equal(t, exp, v)
}

func testAbsent(t *testing.T, s *Store, key string) {
	v, found, err := s.Get(key)
	assert.NoError(t, err)
	assert.False(t, found, "key: '%s'", key)
	assert.Equal(t, "", v)
}

func TestGetAbsent(t *testing.T) {
	s := openTestStore(t)
	testAbsent(t, s, "missing")
	testAbsent(t, s, "")
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, int64(0), s.Size())
}

func TestSetReturnsOld(t *testing.T) {
	s := openTestStore(t)

	old, hadOld, err := s.Set("a", "1")
	assert.NoError(t, err)
	assert.False(t, hadOld)
	assert.Equal(t, "", old)
	testGet(t, s, "a", "1")

	old, hadOld, err = s.Set("a", "2")
	assert.NoError(t, err)
	assert.True(t, hadOld)
	assert.Equal(t, "1", old)
	testGet(t, s, "a", "2")

	// empty value is a value, not an absence
	old, hadOld, err = s.Set("a", "")
	assert.NoError(t, err)
	assert.True(t, hadOld)
	assert.Equal(t, "2", old)
	testGet(t, s, "a", "")

	assert.Equal(t, 1, s.Len())
	// 3 set records: "--- 14 set\nkey: a\nval: 1\n" twice plus the long form
	exp := len(record.Marshal(record.NewSet("a", "1")))*2 + len(record.Marshal(record.NewSet("a", "")))
	assert.Equal(t, int64(exp), s.Size())
}

func TestRemove(t *testing.T) {
	s := openTestStore(t)

	_, err := s.Remove("a")
	assert.Error(t, err)
	assert.True(t, IsKeyNotFound(err))
	var knf *KeyNotFoundError
	assert.True(t, errors.As(err, &knf))
	assert.Equal(t, "a", knf.Key)
	// a failed remove doesn't write anything
	assert.Equal(t, int64(0), s.Size())

	_, _, err = s.Set("a", "1")
	assert.NoError(t, err)
	old, err := s.Remove("a")
	assert.NoError(t, err)
	assert.Equal(t, "1", old)
	testAbsent(t, s, "a")

	_, err = s.Remove("a")
	assert.True(t, errors.Is(err, ErrKeyNotFound))

	// set after remove starts fresh
	old, hadOld, err := s.Set("a", "3")
	assert.NoError(t, err)
	assert.False(t, hadOld)
	assert.Equal(t, "", old)
	testGet(t, s, "a", "3")
}

func TestReopen(t *testing.T) {
	s := openTestStore(t)
	vals := map[string]string{
		"a":       "1",
		"b":       "multi\nline\n",
		"c":       "",
		"":        "empty key",
		"long":    strings.Repeat("x", 1000),
		"binary":  "\x00\x01\x02",
		"removed": "gone",
	}
	for k, v := range vals {
		_, _, err := s.Set(k, v)
		assert.NoError(t, err)
	}
	_, _, err := s.Set("a", "2")
	assert.NoError(t, err)
	vals["a"] = "2"
	_, err = s.Remove("removed")
	assert.NoError(t, err)
	delete(vals, "removed")
	size := s.Size()

	s = reopen(t, s)
	assert.Equal(t, size, s.Size())
	assert.Equal(t, len(vals), s.Len())
	for k, v := range vals {
		testGet(t, s, k, v)
	}
	testAbsent(t, s, "removed")

	st := s.LoadStats()
	assert.Equal(t, len(vals)+3, st.Records)
	assert.Equal(t, len(vals), st.LiveKeys)
	assert.Equal(t, size, st.ValidEnd)
	assert.Equal(t, int64(0), st.TornBytes)

	// replaying twice gives the same index
	keys := s.Keys()
	s = reopen(t, s)
	assert.Equal(t, keys, s.Keys())
	assert.Equal(t, size, s.Size())
}

func TestKeysSorted(t *testing.T) {
	s := openTestStore(t)
	for _, k := range []string{"c", "a", "b", "aa"} {
		_, _, err := s.Set(k, k)
		assert.NoError(t, err)
	}
	assert.Equal(t, []string{"a", "aa", "b", "c"}, s.Keys())

	var buf bytes.Buffer
	s.DumpIndex(&buf)
	dump := buf.String()
	for _, k := range []string{"\"a\"", "\"aa\"", "\"b\"", "\"c\""} {
		assert.True(t, strings.Contains(dump, k), "dump: %s", dump)
	}
}

func TestTornTail(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Set("a", "1")
	assert.NoError(t, err)
	_, _, err = s.Set("b", "2")
	assert.NoError(t, err)
	path := s.LogPath()
	validEnd := s.Size()
	assert.NoError(t, s.Close())

	// simulate a crash in the middle of writing a record
	partial := record.Marshal(record.NewSet("c", "3"))
	partial = partial[:len(partial)-3]
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	assert.NoError(t, err)
	_, err = f.Write(partial)
	assert.NoError(t, err)
	assert.NoError(t, f.Close())

	s, err = Open(path)
	assert.NoError(t, err)
	st := s.LoadStats()
	assert.Equal(t, int64(len(partial)), st.TornBytes)
	assert.Equal(t, validEnd, st.ValidEnd)
	assert.Equal(t, validEnd, s.Size())
	testGet(t, s, "a", "1")
	testGet(t, s, "b", "2")
	testAbsent(t, s, "c")

	// appends continue after the last complete record
	_, _, err = s.Set("c", "4")
	assert.NoError(t, err)
	s = reopen(t, s)
	assert.Equal(t, int64(0), s.LoadStats().TornBytes)
	testGet(t, s, "c", "4")
	assert.Equal(t, 3, s.Len())
}

func TestZeroFilledTail(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.log")
	d := record.Marshal(record.NewSet("x", "1"))
	validEnd := int64(len(d))
	// header of the last record is on disk, the rest of it is zeros
	d = append(d, []byte("--- 14 set\n")...)
	d = append(d, make([]byte, 15)...)
	assert.NoError(t, os.WriteFile(path, d, 0644))

	s, err := Open(path)
	assert.NoError(t, err)
	t.Cleanup(func() {
		s.Close()
	})
	st := s.LoadStats()
	assert.Equal(t, 1, st.Records)
	assert.Equal(t, validEnd, st.ValidEnd)
	assert.Equal(t, int64(26), st.TornBytes)
	assert.Equal(t, validEnd, s.Size())
	testGet(t, s, "x", "1")

	fi, err := os.Stat(path)
	assert.NoError(t, err)
	assert.Equal(t, validEnd, fi.Size())

	_, _, err = s.Set("y", "2")
	assert.NoError(t, err)
	s = reopen(t, s)
	assert.Equal(t, int64(0), s.LoadStats().TornBytes)
	testGet(t, s, "x", "1")
	testGet(t, s, "y", "2")
}

func TestBadRecordBeforeData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.log")
	d := record.Marshal(record.NewSet("x", "1"))
	first := len(d)
	d = append(d, []byte("--- 14 set\n")...)
	d = append(d, make([]byte, 15)...)
	// not a torn write if something other than zeros follows
	d = append(d, 'x')
	assert.NoError(t, os.WriteFile(path, d, 0644))

	_, err := Open(path)
	assert.True(t, errors.Is(err, ErrCorrupt))
	var cerr *CorruptionError
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, int64(first), cerr.Offset)
	// the log is left as is
	d2, err := os.ReadFile(path)
	assert.NoError(t, err)
	assert.Equal(t, d, d2)
}

func TestSetTooLarge(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Set("a", "1")
	assert.NoError(t, err)
	size := s.Size()

	prev := record.MaxBodySize
	record.MaxBodySize = 64
	_, _, err = s.Set("a", strings.Repeat("x", 100))
	record.MaxBodySize = prev
	assert.True(t, errors.Is(err, record.ErrTooLarge))
	assert.Equal(t, size, s.Size())
	testGet(t, s, "a", "1")

	s = reopen(t, s)
	assert.Equal(t, 1, s.LoadStats().Records)
	testGet(t, s, "a", "1")
}

func TestFailedAppend(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Set("a", "1")
	assert.NoError(t, err)
	size := s.Size()

	// writes to a read-only handle fail
	ro, err := os.Open(s.LogPath())
	assert.NoError(t, err)
	w := s.log.w
	s.log.w = ro

	_, _, err = s.Set("a", "2")
	assert.Error(t, err)
	_, _, err = s.Set("b", "2")
	assert.Error(t, err)
	_, err = s.Remove("a")
	assert.Error(t, err)
	assert.False(t, IsKeyNotFound(err))

	assert.Equal(t, size, s.Size())
	assert.Equal(t, 1, s.Len())
	testGet(t, s, "a", "1")
	testAbsent(t, s, "b")

	s.log.w = w
	assert.NoError(t, ro.Close())
	fi, err := os.Stat(s.LogPath())
	assert.NoError(t, err)
	assert.Equal(t, size, fi.Size())

	old, hadOld, err := s.Set("b", "3")
	assert.NoError(t, err)
	assert.False(t, hadOld)
	assert.Equal(t, "", old)

	s = reopen(t, s)
	st := s.LoadStats()
	assert.Equal(t, 2, st.Records)
	assert.Equal(t, int64(0), st.TornBytes)
	testGet(t, s, "a", "1")
	testGet(t, s, "b", "3")
}

func TestCorruptionIsFatal(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Set("a", "1")
	assert.NoError(t, err)
	_, _, err = s.Set("b", "2")
	assert.NoError(t, err)
	path := s.LogPath()
	assert.NoError(t, s.Close())

	d, err := os.ReadFile(path)
	assert.NoError(t, err)
	// mangle the header of the first record
	d[0] = 'x'
	assert.NoError(t, os.WriteFile(path, d, 0644))

	_, err = Open(path)
	assert.Error(t, err)
	assert.True(t, errors.Is(err, ErrCorrupt))
	var cerr *CorruptionError
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, int64(0), cerr.Offset)
}

func TestCorruptionOfSecondRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kvs.log")
	d := record.Marshal(record.NewSet("a", "1"))
	first := len(d)
	// a complete record with a bad body is corruption, not a torn tail
	d = append(d, []byte("--- 7 set\nkey: b\n")...)
	d = append(d, record.Marshal(record.NewSet("c", "3"))...)
	assert.NoError(t, os.WriteFile(path, d, 0644))

	_, err := Open(path)
	assert.True(t, errors.Is(err, ErrCorrupt))
	var cerr *CorruptionError
	assert.True(t, errors.As(err, &cerr))
	assert.Equal(t, int64(first), cerr.Offset)
}

func TestClosed(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.Set("a", "1")
	assert.NoError(t, err)
	assert.NoError(t, s.Close())
	// closing twice is fine
	assert.NoError(t, s.Close())

	_, _, err = s.Set("b", "2")
	assert.True(t, errors.Is(err, ErrClosed))
	_, _, err = s.Get("a")
	assert.True(t, errors.Is(err, ErrClosed))
	// same for a key that was never set
	_, found, err := s.Get("missing")
	assert.True(t, errors.Is(err, ErrClosed))
	assert.False(t, found)
	_, err = s.Remove("a")
	assert.True(t, errors.Is(err, ErrClosed))
	_, err = s.Remove("b")
	assert.True(t, errors.Is(err, ErrClosed))
}

type mutation struct {
	kind string
	key  string
	val  string
}

type recordingNotifier struct {
	mu   sync.Mutex
	muts []mutation
}

func (n *recordingNotifier) Set(key, val string) {
	n.mu.Lock()
	n.muts = append(n.muts, mutation{record.KindSet, key, val})
	n.mu.Unlock()
}

func (n *recordingNotifier) Remove(key string) {
	n.mu.Lock()
	n.muts = append(n.muts, mutation{record.KindRemove, key, ""})
	n.mu.Unlock()
}

func TestNotifier(t *testing.T) {
	n := &recordingNotifier{}
	s := &Store{
		Path:     filepath.Join(t.TempDir(), "sub", "dir", "kvs.log"),
		Notifier: n,
	}
	assert.NoError(t, OpenStore(s))
	defer s.Close()

	_, _, err := s.Set("a", "1")
	assert.NoError(t, err)
	_, err = s.Remove("missing")
	assert.Error(t, err)
	_, _, err = s.Get("a")
	assert.NoError(t, err)
	_, err = s.Remove("a")
	assert.NoError(t, err)

	exp := []mutation{
		{record.KindSet, "a", "1"},
		{record.KindRemove, "a", ""},
	}
	assert.Equal(t, exp, n.muts)
}

func TestConcurrent(t *testing.T) {
	s := openTestStore(t)
	const nWorkers = 8
	const nKeys = 50

	var wg sync.WaitGroup
	for w := 0; w < nWorkers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < nKeys; i++ {
				k := fmt.Sprintf("w%d-k%d", w, i)
				_, _, err := s.Set(k, k)
				assert.NoError(t, err)
				// readers of a shared key run alongside writers
				_, _, err = s.Set("shared", k)
				assert.NoError(t, err)
				_, _, err = s.Get("shared")
				assert.NoError(t, err)
				if i%2 == 0 {
					old, err := s.Remove(k)
					assert.NoError(t, err)
					assert.Equal(t, k, old)
				}
			}
		}(w)
	}
	wg.Wait()

	expLen := nWorkers*nKeys/2 + 1
	assert.Equal(t, expLen, s.Len())
	s = reopen(t, s)
	assert.Equal(t, expLen, s.Len())
	for w := 0; w < nWorkers; w++ {
		for i := 1; i < nKeys; i += 2 {
			k := fmt.Sprintf("w%d-k%d", w, i)
			testGet(t, s, k, k)
		}
	}
}

func TestIndex(t *testing.T) {
	ix := NewIndex()
	_, found := ix.Lookup("a")
	assert.False(t, found)

	_, replaced := ix.Insert("a", Pointer{Offset: 0, Length: 10})
	assert.False(t, replaced)
	old, replaced := ix.Insert("a", Pointer{Offset: 10, Length: 5})
	assert.True(t, replaced)
	assert.Equal(t, Pointer{Offset: 0, Length: 10}, old)

	p, found := ix.Lookup("a")
	assert.True(t, found)
	assert.Equal(t, Pointer{Offset: 10, Length: 5}, p)

	p, found = ix.Remove("a")
	assert.True(t, found)
	assert.Equal(t, Pointer{Offset: 10, Length: 5}, p)
	_, found = ix.Remove("a")
	assert.False(t, found)
	assert.Equal(t, 0, ix.Len())
}
