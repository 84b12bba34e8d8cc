package main

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lw7895123/orderflow/internal/core"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Ops console tail point, not a tenant-facing API; allow any origin.
		return true
	},
}

// newStreamHandler upgrades a request to a WebSocket and registers it with
// the Core's LiveStream, so the connection starts receiving every order,
// user, and group status-change event as it's delivered.
func newStreamHandler(c *core.Core) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("orderflow: websocket upgrade failed: %v", err)
			return
		}

		c.Stream.Register(conn)
		defer c.Stream.Unregister(conn)

		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})

		// The stream is write-only from the server's side; keep reading
		// (and discarding) so control frames (ping/close) are still
		// processed and a dead client is detected promptly.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}
}
