// Copyright 2019 by the rpi-rfm69 authors, see LICENSE file for details

package main

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The gateway runs on a LAN; same-origin enforcement is left to the
	// reverse proxy when one is put in front.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsHub fans received packets out to connected websocket clients. Clients
// are write-only live feeds; anything they send is discarded.
type wsHub struct {
	log *logrus.Entry

	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
}

func newWsHub(log *logrus.Entry) *wsHub {
	return &wsHub{log: log, clients: make(map[*websocket.Conn]chan []byte)}
}

// ServeHTTP upgrades the connection and streams packets until the client
// goes away.
func (h *wsHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	send := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = send
	n := len(h.clients)
	h.mu.Unlock()
	h.log.WithField("clients", n).Info("websocket client connected")

	// Reader goroutine: discard input, detect the close.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()

	for msg := range send {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			h.drop(conn)
			return
		}
	}
}

// Broadcast sends a message to every connected client. Slow clients are
// dropped rather than letting them stall the radio loop.
func (h *wsHub) Broadcast(msg []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, send := range h.clients {
		select {
		case send <- msg:
		default:
			delete(h.clients, conn)
			close(send)
			conn.Close()
		}
	}
}

func (h *wsHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if send, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		close(send)
	}
	conn.Close()
}
