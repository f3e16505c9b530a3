package bus

import (
	"encoding/binary"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"
	"periph.io/x/conn/v3/i2c"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"
)

// I2C talks to big-endian 16-bit registers over a Linux I2C adapter.
type I2C struct {
	name string
	bus  i2c.BusCloser
	mu   sync.Mutex
}

// OpenI2C opens the named adapter ("1", "/dev/i2c-1", or "" for the first one).
func OpenI2C(name string) (*I2C, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("%w: periph host init: %v", ErrTransport, err)
	}
	b, err := i2creg.Open(name)
	if err != nil {
		return nil, fmt.Errorf("%w: open i2c bus %q: %v", ErrTransport, name, err)
	}
	log.Printf("Opened I2C bus %s", b)
	return &I2C{name: name, bus: b}, nil
}

// NewI2C wraps an already opened bus.
func NewI2C(b i2c.BusCloser) *I2C {
	return &I2C{name: b.String(), bus: b}
}

func (b *I2C) Write16(addr uint16, reg uint8, value uint16) error {
	w := [3]byte{reg}
	binary.BigEndian.PutUint16(w[1:], value)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bus.Tx(addr, w[:], nil); err != nil {
		return fmt.Errorf("%w: write 0x%02X@0x%02X: %v", ErrTransport, reg, addr, err)
	}
	return nil
}

func (b *I2C) Read16(addr uint16, reg uint8) (uint16, error) {
	var r [2]byte

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.bus.Tx(addr, []byte{reg}, r[:]); err != nil {
		return 0, fmt.Errorf("%w: read 0x%02X@0x%02X: %v", ErrTransport, reg, addr, err)
	}
	return binary.BigEndian.Uint16(r[:]), nil
}

func (b *I2C) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.bus.Close()
}
