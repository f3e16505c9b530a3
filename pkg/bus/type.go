package bus

import "errors"

// ErrTransport wraps every failed register transaction.
var ErrTransport = errors.New("bus transport error")

// Bus is a register-level transaction provider for 16-bit devices.
type Bus interface {
	Write16(addr uint16, reg uint8, value uint16) error
	Read16(addr uint16, reg uint8) (uint16, error)
}
