package livefeed

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeTimeout   = 5 * time.Second
	readTimeout    = 10 * time.Second
	pingInterval   = 30 * time.Second
	maxRetries     = 10
	baseRetryDelay = 2 * time.Second
	maxRetryDelay  = 60 * time.Second
)

type client struct {
	conn *websocket.Conn
	// gorilla/websocket allows one concurrent writer per connection.
	writeMu sync.Mutex
}

// Hub fans live snapshots out to websocket clients.
type Hub struct {
	upgrader websocket.Upgrader
	clients  map[*websocket.Conn]*client
	mu       sync.RWMutex
}
