package eventbus

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/lw7895123/orderflow/internal/model"
)

// maxLiveStreamConnections caps how many external tailers may be attached at
// once, the same connection-cap discipline the hub enforces on registration.
const maxLiveStreamConnections = 200

// LiveStream fans out every event the bus dispatches to any number of
// WebSocket-connected tailers, for external consumers watching status
// changes in real time. It registers itself on the bus as a catch-all
// handler for each kind the host asks it to mirror.
type LiveStream struct {
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	outbound   chan model.Event
	mu         sync.RWMutex
}

// NewLiveStream builds a LiveStream. Call Attach to mirror a set of event
// kinds from a Bus, and Run to start the hub's dispatch loop.
func NewLiveStream() *LiveStream {
	return &LiveStream{
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		outbound:   make(chan model.Event, 256),
	}
}

// Attach registers a handler on bus for each kind that forwards the event
// to every connected client. The handler always succeeds from the bus's
// perspective; a slow or dead client never blocks event delivery.
func (ls *LiveStream) Attach(bus *Bus, kinds ...model.EventKind) {
	for _, kind := range kinds {
		bus.Register(kind, "livestream", func(ctx context.Context, e model.Event) error {
			select {
			case ls.outbound <- e:
			default:
				log.Printf("eventbus: livestream outbound buffer full, dropping %s event %s", e.Kind(), e.ID())
			}
			return nil
		})
	}
}

// Run starts the hub's main loop: registration/unregistration and
// outbound fan-out, until ctx is cancelled.
func (ls *LiveStream) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			ls.shutdown()
			return

		case conn := <-ls.register:
			ls.mu.Lock()
			if len(ls.clients) >= maxLiveStreamConnections {
				ls.mu.Unlock()
				conn.Close()
				log.Printf("eventbus: livestream connection rejected, max connections (%d) reached", maxLiveStreamConnections)
				continue
			}
			ls.clients[conn] = struct{}{}
			ls.mu.Unlock()

		case conn := <-ls.unregister:
			ls.mu.Lock()
			if _, ok := ls.clients[conn]; ok {
				delete(ls.clients, conn)
				conn.Close()
			}
			ls.mu.Unlock()

		case e := <-ls.outbound:
			ls.broadcast(e)
		}
	}
}

func (ls *LiveStream) broadcast(e model.Event) {
	payload, err := model.EncodeEvent(e)
	if err != nil {
		log.Printf("eventbus: livestream failed to encode event %s: %v", e.ID(), err)
		return
	}

	ls.mu.RLock()
	defer ls.mu.RUnlock()
	for conn := range ls.clients {
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			go ls.Unregister(conn)
		}
	}
}

func (ls *LiveStream) shutdown() {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for conn := range ls.clients {
		conn.Close()
	}
	ls.clients = make(map[*websocket.Conn]struct{})
}

// Register adds a new tailer connection.
func (ls *LiveStream) Register(conn *websocket.Conn) {
	ls.register <- conn
}

// Unregister removes a tailer connection.
func (ls *LiveStream) Unregister(conn *websocket.Conn) {
	ls.unregister <- conn
}

// ClientCount returns the number of currently attached tailers.
func (ls *LiveStream) ClientCount() int {
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return len(ls.clients)
}
