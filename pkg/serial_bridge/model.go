package serial_bridge

import (
	"io"
	"sync"
	"time"
)

// Bridge forwards register transactions to a UART-attached bridge MCU that
// owns the sensor's I2C bus.
type Bridge struct {
	port     string
	baudrate uint
	conn     io.ReadWriteCloser
	pending  []byte
	timeout  time.Duration
	mu       sync.Mutex
}

// Reply is one parsed bridge response line.
type Reply struct {
	OK       bool
	Value    uint16
	HasValue bool
	ErrCode  string
}
