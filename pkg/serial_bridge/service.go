// Package serial_bridge implements bus.Bus on top of a line protocol spoken
// by a bridge MCU on a serial port:
//
//	R <addr> <reg> *<crc>\n           -> OK <value> *<crc>\n
//	W <addr> <reg> <value> *<crc>\n   -> OK *<crc>\n
//	                                  -> ERR <code> *<crc>\n
//
// Numbers are upper-case hex, the CRC is CRC16/ARC over everything up to and
// including the '*'.
package serial_bridge

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/bus"
	"github.com/jacobsa/go-serial/serial"
	"github.com/sigurn/crc16"
	log "github.com/sirupsen/logrus"
)

var (
	ErrBadChecksum = errors.New("bridge frame checksum mismatch")
	ErrBadFrame    = errors.New("malformed bridge frame")
	ErrTimeout     = errors.New("bridge reply timeout")
	ErrRemote      = errors.New("bridge reported error")
)

const defaultTimeout = 250 * time.Millisecond

var crcTable = crc16.MakeTable(crc16.CRC16_ARC)

var _ bus.Bus = (*Bridge)(nil)

// Open connects to the bridge on the given serial device.
func Open(port string, baudrate uint) (*Bridge, error) {
	options := serial.OpenOptions{
		PortName:              port,
		BaudRate:              baudrate,
		DataBits:              8,
		StopBits:              1,
		MinimumReadSize:       0,
		InterCharacterTimeout: 50,
	}

	conn, err := serial.Open(options)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open serial port: %v", bus.ErrTransport, err)
	}

	log.Printf("Connected to sensor bridge on %s", port)
	b := NewBridge(conn)
	b.port = port
	b.baudrate = baudrate
	return b, nil
}

// NewBridge wraps an already open stream.
func NewBridge(conn io.ReadWriteCloser) *Bridge {
	return &Bridge{conn: conn, timeout: defaultTimeout}
}

func (b *Bridge) Close() error {
	if b.conn == nil {
		return nil
	}
	log.Println("Disconnected from sensor bridge")
	return b.conn.Close()
}

func (b *Bridge) Read16(addr uint16, reg uint8) (uint16, error) {
	reply, err := b.transact(EncodeRequest(false, addr, reg, 0))
	if err != nil {
		return 0, err
	}
	if !reply.HasValue {
		return 0, fmt.Errorf("%w: %v: read reply without value", bus.ErrTransport, ErrBadFrame)
	}
	return reply.Value, nil
}

func (b *Bridge) Write16(addr uint16, reg uint8, value uint16) error {
	_, err := b.transact(EncodeRequest(true, addr, reg, value))
	return err
}

func (b *Bridge) transact(request string) (Reply, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn == nil {
		return Reply{}, fmt.Errorf("%w: serial port not connected", bus.ErrTransport)
	}
	// Drop anything left over from a reply that arrived after its timeout.
	b.pending = b.pending[:0]

	if _, err := io.WriteString(b.conn, request); err != nil {
		return Reply{}, fmt.Errorf("%w: %v", bus.ErrTransport, err)
	}

	line, err := b.readLine(time.Now().Add(b.timeout))
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", bus.ErrTransport, err)
	}

	reply, err := ParseReply(line)
	if err != nil {
		return Reply{}, fmt.Errorf("%w: %v", bus.ErrTransport, err)
	}
	if !reply.OK {
		return reply, fmt.Errorf("%w: %w code %s", bus.ErrTransport, ErrRemote, reply.ErrCode)
	}
	return reply, nil
}

func (b *Bridge) readLine(deadline time.Time) (string, error) {
	buf := make([]byte, 64)
	for {
		if i := bytes.IndexByte(b.pending, '\n'); i >= 0 {
			line := string(b.pending[:i+1])
			b.pending = b.pending[i+1:]
			return line, nil
		}
		if time.Now().After(deadline) {
			return "", ErrTimeout
		}
		n, err := b.conn.Read(buf)
		if n > 0 {
			b.pending = append(b.pending, buf[:n]...)
			continue
		}
		if err != nil && err != io.EOF {
			return "", err
		}
		time.Sleep(time.Millisecond)
	}
}

// EncodeRequest builds one request line including checksum and newline.
func EncodeRequest(write bool, addr uint16, reg uint8, value uint16) string {
	var body string
	if write {
		body = fmt.Sprintf("W %02X %02X %04X *", addr, reg, value)
	} else {
		body = fmt.Sprintf("R %02X %02X *", addr, reg)
	}
	return body + checksum(body) + "\n"
}

// ParseReply validates the checksum and decodes a reply line.
func ParseReply(line string) (Reply, error) {
	line = strings.TrimRight(line, "\r\n")
	star := strings.LastIndexByte(line, '*')
	if star < 0 || len(line)-star-1 != 4 {
		return Reply{}, fmt.Errorf("%w: %q", ErrBadFrame, line)
	}

	body := line[:star+1]
	if !strings.EqualFold(line[star+1:], checksum(body)) {
		return Reply{}, fmt.Errorf("%w: %q", ErrBadChecksum, line)
	}

	fields := strings.Fields(strings.TrimSuffix(body, "*"))
	if len(fields) == 0 {
		return Reply{}, fmt.Errorf("%w: %q", ErrBadFrame, line)
	}

	switch fields[0] {
	case "OK":
		switch len(fields) {
		case 1:
			return Reply{OK: true}, nil
		case 2:
			v, err := strconv.ParseUint(fields[1], 16, 16)
			if err != nil {
				return Reply{}, fmt.Errorf("%w: value %q", ErrBadFrame, fields[1])
			}
			return Reply{OK: true, Value: uint16(v), HasValue: true}, nil
		}
	case "ERR":
		if len(fields) == 2 {
			return Reply{ErrCode: fields[1]}, nil
		}
	}
	return Reply{}, fmt.Errorf("%w: %q", ErrBadFrame, line)
}

func checksum(body string) string {
	return fmt.Sprintf("%04X", crc16.Checksum([]byte(body), crcTable))
}
