package store

import (
	"errors"
	"fmt"
)

var (
	// ErrKeyNotFound is matched (with errors.Is) by *KeyNotFoundError
	ErrKeyNotFound = errors.New("key not found")
	// ErrCorrupt is matched (with errors.Is) by *CorruptionError
	ErrCorrupt = errors.New("corrupt log")
	// ErrClosed is returned by calls made after Close()
	ErrClosed = errors.New("store is closed")
)

// KeyNotFoundError is returned by Remove() for a key that has no live value
type KeyNotFoundError struct {
	Key string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key '%s' does not exist", e.Key)
}

func (e *KeyNotFoundError) Is(target error) bool {
	return target == ErrKeyNotFound
}

// CorruptionError means bytes in the log don't decode to the record
// we expected at Offset
type CorruptionError struct {
	Offset int64
	Err    error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("corrupt record at offset %d: %s", e.Offset, e.Err)
}

func (e *CorruptionError) Unwrap() error {
	return e.Err
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupt
}

func IsKeyNotFound(err error) bool {
	return errors.Is(err, ErrKeyNotFound)
}
