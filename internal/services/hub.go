package services

import (
	"context"
	"sync"
	"time"
)

const EventKPIUpdated = "kpi.updated"

type KPIEvent struct {
	Type       string    `json:"type"`
	Scope      string    `json:"scope"`
	OwnerID    string    `json:"ownerId"`
	ComputedAt time.Time `json:"computedAt"`
}

// jsonConn is the part of *websocket.Conn the hub writes through.
type jsonConn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// KPIHub fans snapshot updates out to the owner's open sockets.
type KPIHub struct {
	mu      sync.Mutex
	clients map[jsonConn]string
	ch      chan KPIEvent
}

func NewKPIHub() *KPIHub {
	return &KPIHub{
		clients: map[jsonConn]string{},
		ch:      make(chan KPIEvent, 64),
	}
}

func (h *KPIHub) Run(ctx context.Context) {
	for {
		select {
		case event := <-h.ch:
			h.deliver(event)
		case <-ctx.Done():
			h.mu.Lock()
			for conn := range h.clients {
				_ = conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

func (h *KPIHub) deliver(event KPIEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, owner := range h.clients {
		if owner != event.OwnerID {
			continue
		}
		if err := conn.WriteJSON(event); err != nil {
			_ = conn.Close()
			delete(h.clients, conn)
		}
	}
}

// Publish drops the event when the queue is full.
func (h *KPIHub) Publish(event KPIEvent) {
	if event.Type == "" {
		event.Type = EventKPIUpdated
	}
	select {
	case h.ch <- event:
	default:
	}
}

func (h *KPIHub) Add(conn jsonConn, ownerID string) {
	h.mu.Lock()
	h.clients[conn] = ownerID
	h.mu.Unlock()
}

func (h *KPIHub) Remove(conn jsonConn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}

func (h *KPIHub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
