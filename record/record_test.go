package record

import (
	"bufio"
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/alecthomas/assert"
)

var largeValue = strings.Repeat("0123456789", 32)

func testRoundTrip(t *testing.T, r *Record) string {
	d := Marshal(r)
	r2, err := Unmarshal(d)
	assert.NoError(t, err)
	assert.Equal(t, r, r2)
	d2 := Marshal(r2)
	assert.Equal(t, d, d2)
	return string(d)
}

func TestMarshalFormat(t *testing.T) {
	tests := []struct {
		rec *Record
		exp string
	}{
		{NewSet("a", "1"), "--- 14 set\nkey: a\nval: 1\n"},
		{NewRemove("a"), "--- 7 rm\nkey: a\n"},
		{NewSet("k2", "a\nb"), "--- 19 set\nkey: k2\nval:+3\na\nb\n"},
		{NewSet("k", ""), "--- 15 set\nkey: k\nval:+0\n\n"},
		{NewSet("k", "ends\n"), "--- 19 set\nkey: k\nval:+5\nends\n"},
		{NewSet("", "v"), "--- 15 set\nkey:+0\n\nval: v\n"},
	}
	for _, test := range tests {
		got := testRoundTrip(t, test.rec)
		assert.Equal(t, test.exp, got)
	}
}

func TestRoundTripValues(t *testing.T) {
	vals := []string{
		"",
		" ",
		"  leading spaces",
		"trailing space ",
		"with: colon",
		"--- 5 set",
		"\n",
		"\n\n\n",
		"binary \x00\x01\xff",
		"unicode zażółć",
		largeValue,
		largeValue + "\n" + largeValue,
	}
	for _, v := range vals {
		testRoundTrip(t, NewSet(v, v))
		testRoundTrip(t, NewRemove(v))
	}
}

func TestUnmarshalErrors(t *testing.T) {
	invalid := []string{
		"",
		"ha",
		"ha\n",
		"--- 7\nkey: a\n",
		"--- 7 put\nkey: a\n",
		"--- x rm\nkey: a\n",
		"--- -1 rm\nkey: a\n",
		"--- 8 rm\nkey: a\n",
		"--- 7 rm\nkey: a\nextra",
		"--- 7 rm\nkee: a\n",
		"--- 14 rm\nkey: a\nval: 1\n",
		"--- 7 set\nkey: a\n",
		"--- 14 set\nkey: a\nkey: 1\n",
		"--- 8 rm\nkey:+5\na\n",
		"--- 8 rm\nkey:+x\na\n",
		"--- 6 rm\nkey:a\n",
		"--- 5 rm\nkey:\n",
	}
	for _, s := range invalid {
		_, err := Unmarshal([]byte(s))
		assert.Error(t, err, "s: '%s'", s)
	}
}

func TestAppendFramePads(t *testing.T) {
	d := AppendFrame(nil, "ev", []byte("no newline"))
	assert.Equal(t, "--- 10 ev\nno newline\n", string(d))
	d = AppendFrame(nil, "", nil)
	assert.Equal(t, "--- 0\n", string(d))
}

func writeRecords(recs []*Record) ([]byte, []int64) {
	var buf bytes.Buffer
	var positions []int64
	for _, r := range recs {
		positions = append(positions, int64(buf.Len()))
		buf.Write(Marshal(r))
	}
	return buf.Bytes(), positions
}

func testRecords() []*Record {
	return []*Record{
		NewSet("a", "1"),
		NewSet("b", "multi\nline"),
		NewRemove("a"),
		NewSet("c", largeValue),
		NewSet("a", ""),
	}
}

func TestReaderPositions(t *testing.T) {
	recs := testRecords()
	d, positions := writeRecords(recs)

	r := NewReader(bufio.NewReader(bytes.NewReader(d)))
	i := 0
	for r.ReadNext() {
		assert.Equal(t, positions[i], r.CurrRecordPos)
		assert.Equal(t, recs[i], r.Record)
		if i < len(positions)-1 {
			assert.Equal(t, positions[i+1], r.NextRecordPos)
		}
		// a record read back from its position decodes to the same thing
		rec, err := Unmarshal(d[r.CurrRecordPos:r.NextRecordPos])
		assert.NoError(t, err)
		assert.Equal(t, recs[i], rec)
		i++
	}
	assert.NoError(t, r.Err())
	assert.False(t, r.Torn())
	assert.Equal(t, len(recs), i)
	assert.Equal(t, int64(len(d)), r.NextRecordPos)
}

func TestReaderTornTail(t *testing.T) {
	recs := testRecords()
	d, positions := writeRecords(recs)
	last := positions[len(positions)-1]

	// cut the last record at every possible point
	for cut := last + 1; cut < int64(len(d)); cut++ {
		r := NewReader(bufio.NewReader(bytes.NewReader(d[:cut])))
		n := 0
		for r.ReadNext() {
			n++
		}
		assert.NoError(t, r.Err(), "cut: %d", cut)
		assert.True(t, r.Torn(), "cut: %d", cut)
		assert.Equal(t, len(recs)-1, n)
		assert.Equal(t, last, r.NextRecordPos)
	}
}

func TestReaderCorruption(t *testing.T) {
	recs := testRecords()
	d, positions := writeRecords(recs)

	// damage the header of the second record
	bad := append([]byte{}, d...)
	bad[positions[1]] = 'x'
	r := NewReader(bufio.NewReader(bytes.NewReader(bad)))
	n := 0
	for r.ReadNext() {
		n++
	}
	assert.Equal(t, 1, n)
	assert.Error(t, r.Err())
	assert.False(t, r.Torn())
	assert.Equal(t, positions[1], r.CurrRecordPos)
	assert.Equal(t, positions[1], r.NextRecordPos)
}

func readAll(d []byte, limit int64) (*Reader, int) {
	r := NewReader(bufio.NewReader(bytes.NewReader(d)))
	r.Limit = limit
	n := 0
	for r.ReadNext() {
		n++
	}
	return r, n
}

func TestReaderZeroFilledTail(t *testing.T) {
	valid := Marshal(NewSet("x", "1"))
	zeros := func(n int) []byte {
		return make([]byte, n)
	}
	cat := func(parts ...[]byte) []byte {
		return bytes.Join(parts, nil)
	}
	tails := [][]byte{
		// header made it to disk, body and padding didn't
		cat([]byte("--- 14 set\n"), zeros(15)),
		// body didn't but padding is in place
		cat([]byte("--- 14 set\n"), zeros(14), []byte("\n")),
		// a page of zeros after the body
		cat([]byte("--- 14 set\n"), zeros(4096)),
		// damaged header line
		cat([]byte("--- 1\x00 set\n"), zeros(20)),
	}
	for i, tail := range tails {
		d := cat(valid, tail)
		for _, limit := range []int64{0, int64(len(d))} {
			r, n := readAll(d, limit)
			assert.NoError(t, r.Err(), "tail: %d", i)
			assert.True(t, r.Torn(), "tail: %d", i)
			assert.Equal(t, 1, n)
			assert.Equal(t, int64(len(valid)), r.NextRecordPos)
		}
	}

	// anything other than zeros after a bad record is corruption
	bad := [][]byte{
		cat([]byte("--- 14 set\n"), zeros(15), []byte("x")),
		cat([]byte("--- 14 set\n"), zeros(14), []byte("\n"), valid),
		// doesn't look like a record at all
		[]byte("not a record\n"),
	}
	for i, tail := range bad {
		r, n := readAll(cat(valid, tail), 0)
		assert.Error(t, r.Err(), "tail: %d", i)
		assert.False(t, r.Torn(), "tail: %d", i)
		assert.Equal(t, 1, n)
		assert.Equal(t, int64(len(valid)), r.CurrRecordPos)
	}
}

func TestReaderLimit(t *testing.T) {
	valid := Marshal(NewSet("x", "1"))
	// a header claiming almost MaxBodySize
	d := append(append([]byte{}, valid...), []byte("--- 1000000000 set\nkey: y\n")...)
	r, n := readAll(d, int64(len(d)))
	assert.NoError(t, r.Err())
	assert.True(t, r.Torn())
	assert.Equal(t, 1, n)
	assert.Equal(t, int64(len(valid)), r.NextRecordPos)
	// the buffer was never sized for the claimed body
	assert.True(t, cap(r.buf) < 1024)
}

func TestEncodeTooLarge(t *testing.T) {
	prev := MaxBodySize
	MaxBodySize = 64
	defer func() {
		MaxBodySize = prev
	}()

	d, err := Encode(NewSet("a", strings.Repeat("x", 40)))
	assert.NoError(t, err)
	assert.Equal(t, Marshal(NewSet("a", strings.Repeat("x", 40))), d)

	d, err = Encode(NewSet("a", strings.Repeat("x", 100)))
	assert.True(t, errors.Is(err, ErrTooLarge))
	assert.Nil(t, d)

	// body of exactly MaxBodySize bytes is written and read back
	d, err = Encode(NewSet("b", strings.Repeat("y", 51)))
	assert.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(d), "--- 64 set\n"), "got: %s", d)
	r, n := readAll(d, int64(len(d)))
	assert.NoError(t, r.Err())
	assert.False(t, r.Torn())
	assert.Equal(t, 1, n)
}
