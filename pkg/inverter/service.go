// Package inverter reads the AC output of the downstream solar inverter over
// modbus TCP, to compare against the DC power measured by the sensor.
package inverter

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/goburrow/modbus"
	probing "github.com/prometheus-community/pro-bing"
	log "github.com/sirupsen/logrus"
)

func NewReader(cfg Config) *Reader {
	if cfg.CacheFor <= 0 {
		cfg.CacheFor = defaultCacheFor
	}
	r := &Reader{cfg: cfg, now: time.Now}
	r.fetch = r.readModbus
	return r
}

// Configured reports whether the optional inverter link has been set up.
func (r *Reader) Configured() bool {
	return r != nil && r.cfg.Host != "" && r.cfg.Port != 0
}

// Read returns the inverter AC power, cached to avoid spamming the poor
// inverter.
func (r *Reader) Read() (Reading, error) {
	if !r.Configured() {
		return Reading{}, ErrNotConfigured
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.last.ReadAt.IsZero() && r.now().Sub(r.last.ReadAt) < r.cfg.CacheFor {
		return r.last, nil
	}

	watts, err := r.fetch()
	if err != nil {
		return Reading{}, err
	}
	r.last = Reading{ACPowerW: watts, ReadAt: r.now()}
	return r.last, nil
}

func (r *Reader) readModbus() (int32, error) {
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			// Try reconnecting on retry attempts
			if err := r.tryReconnect(); err != nil {
				lastErr = fmt.Errorf("reconnect failed on attempt %d: %w", attempt+1, err)
				continue
			}
		}

		// Ping check before attempting modbus connection
		if ok, _, err := ping(r.cfg.Host); !ok || err != nil {
			lastErr = fmt.Errorf("ping failed on attempt %d: %w", attempt+1, err)
			if attempt < maxRetries-1 {
				time.Sleep(2 * time.Second)
			}
			continue
		}

		handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", r.cfg.Host, r.cfg.Port))
		handler.Timeout = 10 * time.Second
		handler.SlaveId = r.cfg.SlaveID

		if err := handler.Connect(); err != nil {
			lastErr = fmt.Errorf("connection failed on attempt %d: %w", attempt+1, err)
			handler.Close()
			if attempt < maxRetries-1 {
				time.Sleep(2 * time.Second)
			}
			continue
		}

		// The inverter drops requests sent right after the connect.
		time.Sleep(2 * time.Second)
		client := modbus.NewClient(handler)
		result, err := client.ReadHoldingRegisters(activePowerRegister, activePowerLength)
		handler.Close()

		if err != nil {
			lastErr = fmt.Errorf("read power failed on attempt %d: %w", attempt+1, err)
			if attempt < maxRetries-1 {
				time.Sleep(2 * time.Second)
			}
			continue
		}

		power, err := DecodeActivePower(result)
		if err != nil {
			lastErr = err
			continue
		}
		return power, nil
	}

	log.Warnf("Inverter read failed: %v", lastErr)
	return 0, errors.Join(ErrReadFailed, lastErr)
}

// DecodeActivePower reads the big-endian signed 32-bit register pair.
func DecodeActivePower(b []byte) (int32, error) {
	if len(b) != 2*activePowerLength {
		return 0, fmt.Errorf("expected %d bytes of active power, got %d", 2*activePowerLength, len(b))
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

func (r *Reader) tryReconnect() error {
	// Check if already connected
	ok, _, err := ping(r.cfg.Host)
	if err == nil && ok {
		return nil
	}
	if r.cfg.WlanConnectionId == "" {
		return ErrNotConnected
	}

	// Try reconnecting to wifi
	cmd := exec.Command("nmcli", "connection", "up", r.cfg.WlanConnectionId)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("failed to bring up wifi connection: %w", err)
	}

	// Wait a bit for the connection to establish
	time.Sleep(5 * time.Second)

	ok, _, err = ping(r.cfg.Host)
	if err != nil {
		return err
	}
	if !ok {
		return ErrNotConnected
	}
	return nil
}

func ping(host string) (bool, time.Duration, error) {
	pinger, err := probing.NewPinger(host)
	if err != nil {
		return false, 0, err
	}

	pinger.Count = 1
	pinger.Timeout = 2 * time.Second
	pinger.SetPrivileged(false) // UDP-based, no root needed

	if err := pinger.Run(); err != nil {
		return false, 0, err
	}

	stats := pinger.Statistics()
	if stats.PacketsRecv > 0 {
		return true, stats.AvgRtt, nil
	}
	return false, 0, fmt.Errorf("no response")
}

// Efficiency is AC output over DC input. It is undefined while the panel
// produces nothing or either side reports nonsense.
func Efficiency(dcW, acW float64) (float64, bool) {
	if dcW <= 0 || acW < 0 {
		return 0, false
	}
	return acW / dcW, true
}
