// Package wsgateway fans job progress events out to WebSocket subscribers.
// Rooms are keyed by job ID; publishing never blocks on a slow subscriber.
package wsgateway

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/fairyhunter13/media-fetch/internal/domain"
	"github.com/fairyhunter13/media-fetch/internal/observability"
)

// Hub routes events to per-job rooms. It implements domain.ProgressPublisher.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]map[*Client]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{rooms: make(map[string]map[*Client]struct{})}
}

// Subscribe adds the client to a job's room.
func (h *Hub) Subscribe(jobID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[jobID]
	if !ok {
		room = make(map[*Client]struct{})
		h.rooms[jobID] = room
	}
	room[c] = struct{}{}
}

// Unsubscribe removes the client from a job's room, dropping empty rooms.
func (h *Hub) Unsubscribe(jobID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[jobID]
	if !ok {
		return
	}
	delete(room, c)
	if len(room) == 0 {
		delete(h.rooms, jobID)
	}
}

// Detach removes the client from every room it joined.
func (h *Hub) Detach(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for jobID, room := range h.rooms {
		if _, ok := room[c]; ok {
			delete(room, c)
			if len(room) == 0 {
				delete(h.rooms, jobID)
			}
		}
	}
}

// Publish delivers the event to every subscriber of the job's room. A
// subscriber whose buffer is full is dropped: removed from every room and
// disconnected, so the peer falls back to polling the job status endpoint.
// Ordering per surviving client is FIFO.
func (h *Hub) Publish(jobID string, ev domain.ProgressEvent) {
	body, err := json.Marshal(ev)
	if err != nil {
		slog.Error("progress event marshal failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	h.mu.RLock()
	room := h.rooms[jobID]
	clients := make([]*Client, 0, len(room))
	for c := range room {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		if !c.enqueue(body) {
			h.Drop(c)
		}
	}
}

// Drop evicts a client from every room and closes its connection.
func (h *Hub) Drop(c *Client) {
	h.Detach(c)
	c.close()
	observability.WSSubscribersDroppedTotal.Inc()
	slog.Debug("slow websocket subscriber dropped", slog.String("client_id", c.ID))
}

// Subscribers returns the size of a job's room, for tests and diagnostics.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[jobID])
}
