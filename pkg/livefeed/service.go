// Package livefeed pushes live data to websocket subscribers and provides
// the reconnecting client used by the collector.
package livefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/NotCoffee418/solar_telemetry/pkg/types"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

func NewHub() *Hub {
	return &Hub{
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // Dashboard is served from the device itself or a LAN host
			},
		},
		clients: make(map[*websocket.Conn]*client),
	}
}

func (h *Hub) Add(conn *websocket.Conn) {
	h.mu.Lock()
	h.clients[conn] = &client{conn: conn}
	h.mu.Unlock()
}

func (h *Hub) Remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	conn.Close()
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (c *client) write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Broadcast sends v as JSON to every client, dropping clients that fail.
func (h *Hub) Broadcast(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		if err := c.write(payload); err != nil {
			h.Remove(c.conn)
		}
	}
	return nil
}

// ServeWS upgrades the request and keeps the client registered until it
// disconnects. initial, when not nil, is sent right after the upgrade.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial []byte) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade error: %v", err)
		return
	}

	// Not registered yet, so nothing else writes to conn.
	if initial != nil {
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, initial); err != nil {
			conn.Close()
			return
		}
	}
	h.Add(conn)

	// Keep connection alive
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.Remove(conn)
			return
		}
	}
}

// Listen subscribes to the live feed of host and calls handle for every
// message until ctx is cancelled. Lost connections are retried with
// exponential backoff; it gives up after maxRetries failed dials in a row.
func Listen(ctx context.Context, host string, tlsEnabled bool, handle func(types.LiveData)) error {
	scheme := "ws"
	if tlsEnabled {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: host, Path: "/ws"}

	retryCount := 0
	for {
		// Calculate retry delay with exponential backoff
		if retryCount > 0 {
			retryDelay := time.Duration(1<<retryCount) * baseRetryDelay
			if retryDelay > maxRetryDelay {
				retryDelay = maxRetryDelay
			}
			log.Printf("Retrying connection in %v... (attempt %d/%d)", retryDelay, retryCount+1, maxRetries)
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil
			}
		}

		log.Printf("Connecting to %s", u.String())
		dialer := websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		}
		c, _, err := dialer.DialContext(ctx, u.String(), nil)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("Connection failed: %v", err)
			retryCount++
			if retryCount >= maxRetries {
				return fmt.Errorf("giving up on %s after %d attempts: %w", u.String(), maxRetries, err)
			}
			continue
		}

		log.Println("Connected! Accepting live data.")
		retryCount = 0

		broken := handleConnection(ctx, c, handle)
		c.Close()
		if !broken {
			// Clean shutdown requested
			return nil
		}
		log.Println("Connection lost, will retry...")
		retryCount = 1
	}
}

// handleConnection reports true when the connection broke and false when ctx
// ended it.
func handleConnection(ctx context.Context, c *websocket.Conn, handle func(types.LiveData)) bool {
	done := make(chan struct{})

	// A sample arrives every interval; silence means a dead peer.
	c.SetReadDeadline(time.Now().Add(readTimeout))

	go func() {
		defer close(done)
		for {
			messageType, message, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Printf("WebSocket error: %v", err)
				} else {
					log.Printf("Connection closed: %v", err)
				}
				return
			}
			c.SetReadDeadline(time.Now().Add(readTimeout))

			if messageType != websocket.TextMessage {
				log.Printf("Received unexpected message type: %d", messageType)
				continue
			}
			var data types.LiveData
			if err := json.Unmarshal(message, &data); err != nil {
				log.Printf("Failed to parse live data: %s", string(message))
				continue
			}
			handle(data)
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return true
		case <-ticker.C:
			if err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				log.Printf("Failed to send ping: %v", err)
			}
		case <-ctx.Done():
			err := c.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			if err != nil {
				log.Println("Error sending close message:", err)
			}
			// Wait for close confirmation or timeout
			select {
			case <-done:
			case <-time.After(time.Second):
			}
			return false
		}
	}
}
