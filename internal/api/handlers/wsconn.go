// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package handlers

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// wsConn wraps a WebSocket connection behind the relay's Conn interface.
// Gorilla connections allow one concurrent writer, so every send path
// goes through the mutex.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

// Send marshals v to the socket with a write deadline.
func (c *wsConn) Send(v interface{}) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
		time.Now().Add(time.Second))
	c.conn.Close()
}

// keepalive configures ping/pong on the connection and pings until done
// is closed. The read loop owns read deadlines; this owns the pings.
func keepalive(c *wsConn, done <-chan struct{}) {
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// Tracker records live WebSocket connections so a server shutdown can
// close them; open sockets otherwise outlive http.Server.Shutdown.
type Tracker struct {
	mu    sync.Mutex
	conns map[*wsConn]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{conns: make(map[*wsConn]struct{})}
}

func (t *Tracker) track(c *wsConn) {
	t.mu.Lock()
	t.conns[c] = struct{}{}
	t.mu.Unlock()
}

func (t *Tracker) untrack(c *wsConn) {
	t.mu.Lock()
	delete(t.conns, c)
	t.mu.Unlock()
}

// CloseAll closes every tracked connection.
func (t *Tracker) CloseAll() {
	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.conns))
	for c := range t.conns {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	if len(conns) > 0 {
		log.Printf("API: closing %d active WebSocket connections", len(conns))
	}
	for _, c := range conns {
		c.close()
	}
}
