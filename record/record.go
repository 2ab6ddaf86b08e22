package record

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
)

/*
A record is one mutation of the key-value store, framed so that it can be
decoded without any external index:

	--- ${body_size} ${kind}\n
	${body}

The body is a list of "name: value\n" lines. When value is empty, long
(> 120 chars) or not printable ASCII it's written as:

	name:+${len}\n
	${value}\n

set records have "key" and "val" entries, rm records only "key".
*/

const (
	KindSet    = "set"
	KindRemove = "rm"
)

var (
	// MaxBodySize is the largest body we write. A header claiming more
	// than that is garbage, not a record
	MaxBodySize int64 = 1 << 30

	// ErrTooLarge is returned by Encode for a record whose body is
	// larger than MaxBodySize
	ErrTooLarge = errors.New("record too large")

	hdrPrefix = []byte("--- ")
)

// Record is either Set{Key, Value} or Remove{Key}
type Record struct {
	Kind  string
	Key   string
	Value string
}

func NewSet(key, val string) *Record {
	return &Record{
		Kind:  KindSet,
		Key:   key,
		Value: val,
	}
}

func NewRemove(key string) *Record {
	return &Record{
		Kind: KindRemove,
		Key:  key,
	}
}

func (r *Record) IsSet() bool {
	return r.Kind == KindSet
}

func (r *Record) String() string {
	if r.IsSet() {
		return fmt.Sprintf("set{key: %q, val: %q}", r.Key, r.Value)
	}
	return fmt.Sprintf("rm{key: %q}", r.Key)
}

func serializableOnLine(s string) bool {
	n := len(s)
	for i := 0; i < n; i++ {
		b := s[i]
		if b < 32 || b > 127 {
			return false
		}
	}
	return true
}

// return true if value needs to be serialized in long,
// size-prefixed format
func needsLongFormat(s string) bool {
	return len(s) == 0 || len(s) > 120 || !serializableOnLine(s)
}

func appendKeyVal(buf *bytes.Buffer, key, val string) {
	buf.WriteString(key)
	if !needsLongFormat(val) {
		buf.WriteString(": ")
		buf.WriteString(val)
		buf.WriteByte('\n')
		return
	}
	buf.WriteString(":+")
	buf.WriteString(strconv.Itoa(len(val)))
	buf.WriteByte('\n')
	buf.WriteString(val)
	// for readability: ensure a newline at the end so
	// that the next line always starts on a new line
	if len(val) == 0 || val[len(val)-1] != '\n' {
		buf.WriteByte('\n')
	}
}

// AppendFrame appends a header line and body to dst
func AppendFrame(dst []byte, kind string, body []byte) []byte {
	dst = append(dst, hdrPrefix...)
	dst = strconv.AppendInt(dst, int64(len(body)), 10)
	if kind != "" {
		dst = append(dst, ' ')
		dst = append(dst, kind...)
	}
	dst = append(dst, '\n')
	n := len(body)
	if n > 0 {
		dst = append(dst, body...)
		if body[n-1] != '\n' {
			dst = append(dst, '\n')
		}
	}
	return dst
}

func marshalBody(r *Record) []byte {
	var body bytes.Buffer
	appendKeyVal(&body, "key", r.Key)
	if r.IsSet() {
		appendKeyVal(&body, "val", r.Value)
	}
	return body.Bytes()
}

func frame(kind string, body []byte) []byte {
	d := make([]byte, 0, len(hdrPrefix)+16+len(body)+1)
	return AppendFrame(d, kind, body)
}

// Marshal returns the framed record, ready to be appended to a log
func Marshal(r *Record) []byte {
	return frame(r.Kind, marshalBody(r))
}

// Encode is like Marshal but fails with ErrTooLarge for a record that
// Reader would refuse to read back
func Encode(r *Record) ([]byte, error) {
	body := marshalBody(r)
	if int64(len(body)) > MaxBodySize {
		return nil, fmt.Errorf("%w: body of %d bytes for key '%s' is over the limit of %d", ErrTooLarge, len(body), r.Key, MaxBodySize)
	}
	return frame(r.Kind, body), nil
}

// parseHeader parses "--- ${size} ${kind}" (without the trailing '\n')
func parseHeader(hdr []byte) (int64, string, error) {
	if !bytes.HasPrefix(hdr, hdrPrefix) {
		return 0, "", fmt.Errorf("unexpected header '%s'", hdr)
	}
	rest := hdr[len(hdrPrefix):]
	idx := bytes.IndexByte(rest, ' ')
	if idx == -1 {
		return 0, "", fmt.Errorf("missing kind in header '%s'", hdr)
	}
	size, err := strconv.ParseInt(string(rest[:idx]), 10, 64)
	if err != nil || size < 0 || size > MaxBodySize {
		return 0, "", fmt.Errorf("invalid size in header '%s'", hdr)
	}
	kind := string(rest[idx+1:])
	if kind != KindSet && kind != KindRemove {
		return 0, "", fmt.Errorf("unknown kind '%s' in header '%s'", kind, hdr)
	}
	return size, kind, nil
}

// decodeBody parses "name: value" entries into r.Key / r.Value
func decodeBody(d []byte, r *Record) error {
	var hasKey, hasVal bool
	for len(d) > 0 {
		idx := bytes.IndexByte(d, '\n')
		if idx == -1 {
			return fmt.Errorf("missing '\\n' at end of line '%s'", d)
		}
		line := d[:idx]
		d = d[idx+1:]
		idx = bytes.IndexByte(line, ':')
		// at least one character (' ' or '+') must follow ':'
		if idx == -1 || idx == len(line)-1 {
			return fmt.Errorf("line in unrecognized format: '%s'", line)
		}
		name := string(line[:idx])
		val := line[idx+2:]
		switch line[idx+1] {
		case ' ':
			// value is on the same line
		case '+':
			n, err := strconv.Atoi(string(val))
			if err != nil {
				return fmt.Errorf("invalid length in line '%s'", line)
			}
			if n < 0 || n > len(d) {
				return fmt.Errorf("length of value %d doesn't fit in remaining %d bytes", n, len(d))
			}
			val = d[:n]
			d = d[n:]
			// writer always adds a newline unless value ends with one
			if n == 0 || val[n-1] != '\n' {
				if len(d) == 0 || d[0] != '\n' {
					return fmt.Errorf("missing '\\n' after value of '%s'", name)
				}
				d = d[1:]
			}
		default:
			return fmt.Errorf("line in unrecognized format: '%s'", line)
		}

		switch {
		case name == "key" && !hasKey:
			r.Key = string(val)
			hasKey = true
		case name == "val" && !hasVal:
			r.Value = string(val)
			hasVal = true
		default:
			return fmt.Errorf("unexpected entry '%s'", name)
		}
	}
	if !hasKey {
		return fmt.Errorf("%s record without key", r.Kind)
	}
	if r.IsSet() != hasVal {
		if hasVal {
			return fmt.Errorf("rm record with a value")
		}
		return fmt.Errorf("set record without a value")
	}
	return nil
}

// Unmarshal decodes a single framed record that must span all of d
func Unmarshal(d []byte) (*Record, error) {
	idx := bytes.IndexByte(d, '\n')
	if idx == -1 {
		return nil, fmt.Errorf("missing '\\n' marking end of header")
	}
	size, kind, err := parseHeader(d[:idx])
	if err != nil {
		return nil, err
	}
	d = d[idx+1:]
	if int64(len(d)) < size {
		return nil, fmt.Errorf("body is %d bytes, header says %d", len(d), size)
	}
	body := d[:size]
	rest := d[size:]
	if size > 0 && body[size-1] != '\n' {
		if len(rest) == 0 || rest[0] != '\n' {
			return nil, fmt.Errorf("missing '\\n' padding after body")
		}
		rest = rest[1:]
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%d unexpected bytes after record", len(rest))
	}
	r := &Record{Kind: kind}
	if err = decodeBody(body, r); err != nil {
		return nil, err
	}
	return r, nil
}
