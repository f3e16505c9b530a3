package inverter

import (
	"errors"
	"sync"
	"time"
)

var (
	ErrNotConfigured = errors.New("inverter not configured") // may be intended
	ErrReadFailed    = errors.New("inverter read failed")
	ErrNotConnected  = errors.New("inverter not reachable")
)

// Active power, signed 32-bit watts over two holding registers.
const (
	activePowerRegister = 32080
	activePowerLength   = 2
	defaultCacheFor     = 10 * time.Second
	maxRetries          = 3
)

type Config struct {
	Host    string
	Port    int
	SlaveID byte
	// nmcli connection brought up when the inverter stops answering pings.
	WlanConnectionId string
	CacheFor         time.Duration
}

// Reading is one AC power measurement of the inverter.
type Reading struct {
	ACPowerW int32     `json:"ac_power_W"`
	ReadAt   time.Time `json:"read_at"`
}

type Reader struct {
	cfg   Config
	fetch func() (int32, error)
	now   func() time.Time

	mu   sync.Mutex
	last Reading
}
