package sim

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// Hub tracks authenticated driver connections for the simulator.
type Hub struct {
	mu          sync.RWMutex
	connections map[string]*driverConn
}

type driverConn struct {
	driverID string
	conn     *websocket.Conn
	mu       sync.Mutex
}

func NewHub() *Hub {
	return &Hub{connections: make(map[string]*driverConn)}
}

// Register replaces any existing connection for the driver.
func (h *Hub) Register(driverID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, exists := h.connections[driverID]; exists {
		existing.conn.Close()
	}
	h.connections[driverID] = &driverConn{driverID: driverID, conn: conn}
}

func (h *Hub) Unregister(driverID string, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, exists := h.connections[driverID]; exists && existing.conn == conn {
		delete(h.connections, driverID)
	}
}

// Send marshals and delivers one frame to a connected driver.
func (h *Hub) Send(driverID string, msg any) error {
	h.mu.RLock()
	dc, exists := h.connections[driverID]
	h.mu.RUnlock()

	if !exists {
		return fmt.Errorf("driver %s not connected", driverID)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling message: %w", err)
	}

	dc.mu.Lock()
	defer dc.mu.Unlock()
	return dc.conn.WriteMessage(websocket.TextMessage, data)
}

// Drivers lists currently connected driver ids.
func (h *Hub) Drivers() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.connections))
	for id := range h.connections {
		ids = append(ids, id)
	}
	return ids
}
