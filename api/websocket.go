// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"log"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/joaquim-verges/x402scan/storage"
)

// WebSocketMessage is the wire format for feed messages.
type WebSocketMessage struct {
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

// TransferNotification is the payload of a new_transfer message.
type TransferNotification struct {
	Transfer    *storage.TransferEvent `json:"transfer"`
	Facilitator string                 `json:"facilitator"`
}

type wsClient struct {
	id   string
	conn *websocket.Conn
	// facilitator scopes the feed to one operator; empty means all.
	facilitator string
}

// WebSocketHub fans new transfers out to connected clients.
type WebSocketHub struct {
	clients    map[*wsClient]bool
	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan TransferNotification
	logger     *log.Logger
	mu         sync.RWMutex
}

// NewWebSocketHub creates a websocket hub.
func NewWebSocketHub() *WebSocketHub {
	return &WebSocketHub{
		clients:    make(map[*wsClient]bool),
		register:   make(chan *wsClient, 16),
		unregister: make(chan *wsClient, 16),
		broadcast:  make(chan TransferNotification, 256),
		logger:     log.New(os.Stdout, "[ws] ", log.LstdFlags),
	}
}

// Run processes hub events until ctx is done.
func (h *WebSocketHub) Run(ctx context.Context) {
	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
			h.send(c, WebSocketMessage{
				Type:      "connected",
				Data:      map[string]string{"client_id": c.id},
				Timestamp: time.Now().UnixMilli(),
			})

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.conn.Close()
			}
			h.mu.Unlock()

		case n := <-h.broadcast:
			msg := WebSocketMessage{
				Type:      "new_transfer",
				Data:      n,
				Timestamp: time.Now().UnixMilli(),
			}
			h.mu.RLock()
			for c := range h.clients {
				if c.facilitator != "" && c.facilitator != n.Facilitator {
					continue
				}
				h.send(c, msg)
			}
			h.mu.RUnlock()

		case <-heartbeat.C:
			h.mu.RLock()
			for c := range h.clients {
				c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			}
			h.mu.RUnlock()
		}
	}
}

// BroadcastTransfer queues a transfer for delivery. Drops the message
// when the hub is saturated rather than blocking the ingester.
func (h *WebSocketHub) BroadcastTransfer(ev *storage.TransferEvent, facilitator string) {
	select {
	case h.broadcast <- TransferNotification{Transfer: ev, Facilitator: facilitator}:
	default:
		h.logger.Printf("broadcast queue full, dropping transfer %s", ev.ID)
	}
}

// ClientCount returns the number of connected clients.
func (h *WebSocketHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *WebSocketHub) send(c *wsClient, msg WebSocketMessage) {
	c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := c.conn.WriteJSON(msg); err != nil {
		h.logger.Printf("write to client %s failed: %v", c.id, err)
	}
}

func (h *WebSocketHub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.conn.Close()
	}
	h.clients = make(map[*wsClient]bool)
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleTransfersFeed upgrades to websocket and streams new transfers.
// An optional facilitator query param scopes the feed to one operator.
func (s *Server) handleTransfersFeed(w http.ResponseWriter, r *http.Request) {
	facilitator := r.URL.Query().Get("facilitator")
	if facilitator != "" {
		name, _, err := s.analytics.ResolveFacilitator(facilitator)
		if err != nil {
			s.writeError(w, http.StatusNotFound, "unknown facilitator")
			return
		}
		facilitator = name
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	c := &wsClient{
		id:          uuid.New().String(),
		conn:        conn,
		facilitator: facilitator,
	}
	s.wsHub.register <- c

	// Reader loop: discard client messages, detect disconnect.
	go func() {
		defer func() { s.wsHub.unregister <- c }()
		conn.SetReadLimit(4096)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
