package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/rutaescolar/bus-watcher/internal/events"
	"github.com/rutaescolar/bus-watcher/internal/models"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub broadcasts position events to connected websocket clients, so the
// parent and dispatcher apps can follow buses live without polling.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]struct{}
}

// NewHub creates an empty websocket hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*websocket.Conn]struct{})}
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Websocket upgrade failed", "error", err)
		return
	}
	h.add(conn)
	go h.readPump(conn)
}

func (h *Hub) add(c *websocket.Conn) {
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
}

func (h *Hub) remove(c *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
}

// PublishPosition implements the pipeline's Broadcaster by pushing the
// event to every connected client. Slow or dead clients are dropped.
func (h *Hub) PublishPosition(_ context.Context, vehicle models.Vehicle, pos models.Position) error {
	event := events.PositionEvent{
		VehicleID:  vehicle.ID,
		Plate:      vehicle.Plate,
		DeviceKey:  pos.DeviceKey,
		Latitude:   pos.Latitude,
		Longitude:  pos.Longitude,
		Speed:      pos.Speed,
		Course:     pos.Course,
		CapturedAt: pos.CapturedAt,
		Source:     pos.Source,
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		if err := c.WriteMessage(websocket.TextMessage, data); err != nil {
			_ = c.Close()
			delete(h.clients, c)
		}
	}
	return nil
}

func (h *Hub) readPump(c *websocket.Conn) {
	defer func() {
		h.remove(c)
		_ = c.Close()
	}()
	for {
		if _, _, err := c.ReadMessage(); err != nil {
			return
		}
	}
}
