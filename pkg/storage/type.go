package storage

import (
	"errors"
	"iter"
)

// ErrUnavailable wraps every failed storage operation, typically a missing
// or read-only removable medium.
var ErrUnavailable = errors.New("storage unavailable")

// ErrLineTooLong is yielded for a line longer than MaxLineLength, typically
// garbage left on the medium by a power cut. Reading continues after it.
var ErrLineTooLong = errors.New("line too long")

const MaxLineLength = 64 * 1024

// Storage is the file abstraction used by the calibration store and the
// time-series log.
type Storage interface {
	Append(name, line string) error
	// ReadLines lazily yields lines without their terminator. Every call
	// starts again from the beginning of the file. An overlong line is
	// yielded truncated together with ErrLineTooLong; any other error ends
	// the sequence.
	ReadLines(name string) iter.Seq2[string, error]
	Exists(name string) bool
	// WriteFile replaces the whole file and returns only once it is durable.
	WriteFile(name string, data []byte) error
}
