// Package push implements the PublishSnapshot collaborator of §6.4: two
// adapters (a local websocket hub, a redis pub/sub publisher) that fan a
// device's realtime snapshot out to external subscribers. Both are
// fire-and-forget: a slow or absent subscriber must never backpressure
// the dispatcher, let alone the poller.
package push

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"modbus-gateway/internal/engine"
)

// HubConfig mirrors the teacher's WebSocketConfig shape, generalized to
// this gateway's single concern (broadcasting snapshots, not rooms or
// per-user routing).
type HubConfig struct {
	ReadBufferSize    int
	WriteBufferSize   int
	EnableCompression bool
	EnableOriginCheck bool
	AllowedOrigins    []string
	WriteTimeout      time.Duration
}

func defaultHubConfig() HubConfig {
	return HubConfig{
		ReadBufferSize:    1024,
		WriteBufferSize:   1024,
		EnableCompression: true,
		EnableOriginCheck: false,
		AllowedOrigins:    []string{"*"},
		WriteTimeout:      2 * time.Second,
	}
}

// snapshotMessage is the wire shape pushed to every connected client.
type snapshotMessage struct {
	Type      string          `json:"type"`
	DeviceID  string          `json:"device_id"`
	Snapshot  engine.Snapshot `json:"snapshot"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hub is a PushChannel backed by a set of live websocket connections. A
// client connects via ServeHTTP and receives every subsequent
// PublishSnapshot call as a JSON message; the hub does not route by
// device, leaving filtering to the client.
type Hub struct {
	upgrader websocket.Upgrader
	cfg      HubConfig

	mu    sync.RWMutex
	conns map[*websocket.Conn]struct{}
}

// NewHub constructs a Hub. A zero-value cfg takes the defaults used by
// the teacher's WebSocketService.
func NewHub(cfg HubConfig) *Hub {
	if cfg.ReadBufferSize == 0 && cfg.WriteBufferSize == 0 {
		cfg = defaultHubConfig()
	}
	return &Hub{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin: func(r *http.Request) bool {
				if !cfg.EnableOriginCheck {
					return true
				}
				origin := r.Header.Get("Origin")
				for _, allowed := range cfg.AllowedOrigins {
					if allowed == "*" || allowed == origin {
						return true
					}
				}
				return false
			},
			EnableCompression: cfg.EnableCompression,
		},
		conns: make(map[*websocket.Conn]struct{}),
	}
}

// ServeHTTP upgrades the request to a websocket connection and registers
// it with the hub. The connection is read-only from the client's side;
// we only drain incoming frames to notice disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("push: websocket upgrade failed: %v", err)
		return
	}
	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	go h.drain(conn)
}

// drain blocks reading frames from conn purely to detect closure, then
// deregisters it.
func (h *Hub) drain(conn *websocket.Conn) {
	defer h.remove(conn)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	conn.Close()
}

// PublishSnapshot implements dispatch.PushChannel. It broadcasts to every
// connected client concurrently and never returns an error for a
// individual client's failure; a write that exceeds cfg.WriteTimeout
// drops that client.
func (h *Hub) PublishSnapshot(ctx context.Context, deviceID string, snapshot engine.Snapshot) error {
	h.mu.RLock()
	if len(h.conns) == 0 {
		h.mu.RUnlock()
		return nil
	}
	targets := make([]*websocket.Conn, 0, len(h.conns))
	for c := range h.conns {
		targets = append(targets, c)
	}
	h.mu.RUnlock()

	payload, err := json.Marshal(snapshotMessage{
		Type:      "snapshot",
		DeviceID:  deviceID,
		Snapshot:  snapshot,
		Timestamp: time.Now(),
	})
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	for _, conn := range targets {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			conn.SetWriteDeadline(time.Now().Add(h.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				log.Printf("push: websocket write failed, dropping client: %v", err)
				h.remove(conn)
			}
		}(conn)
	}
	wg.Wait()
	return nil
}

// Close disconnects every registered client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.conns {
		c.Close()
	}
	h.conns = make(map[*websocket.Conn]struct{})
}

// ConnectionCount reports the number of live subscribers, useful for
// ServiceStats-style reporting.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}
