package pubsub

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/gofiber/contrib/websocket"
)

// Conn is the write surface the hub needs from a websocket connection.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// client pairs a connection with its write mutex. The websocket contract
// allows at most one concurrent writer per connection, and the hub is fed by
// several publisher goroutines.
type client struct {
	conn Conn
	mu   sync.Mutex
}

func (c *client) write(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Hub fans dashboard messages out to connected WebSocket clients. Clients
// subscribe either globally or to a single terminal's stream. A write failure
// drops that connection and never interrupts delivery to the rest.
type Hub struct {
	mu        sync.RWMutex
	global    map[Conn]*client
	terminals map[string]map[Conn]*client

	// ConnectionsChanged, when set, receives the total connection count after
	// every register/unregister (used for the metrics gauge).
	ConnectionsChanged func(n int)
}

// NewHub creates an empty hub
func NewHub() *Hub {
	return &Hub{
		global:    make(map[Conn]*client),
		terminals: make(map[string]map[Conn]*client),
	}
}

// Register adds a connection. An empty terminalID subscribes globally;
// otherwise the connection only receives that terminal's messages plus
// global broadcasts.
func (h *Hub) Register(conn Conn, terminalID string) {
	h.mu.Lock()
	cl := &client{conn: conn}
	if terminalID == "" {
		h.global[conn] = cl
	} else {
		group, ok := h.terminals[terminalID]
		if !ok {
			group = make(map[Conn]*client)
			h.terminals[terminalID] = group
		}
		group[conn] = cl
	}
	n := h.countLocked()
	h.mu.Unlock()
	h.notify(n)
}

// Unregister removes a connection from every group
func (h *Hub) Unregister(conn Conn) {
	h.mu.Lock()
	h.removeLocked(conn)
	n := h.countLocked()
	h.mu.Unlock()
	h.notify(n)
}

// ConnectionCount returns the number of registered connections
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.countLocked()
}

func (h *Hub) PublishToTerminal(terminalID string, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.terminals[terminalID])+len(h.global))
	for _, cl := range h.terminals[terminalID] {
		clients = append(clients, cl)
	}
	for _, cl := range h.global {
		clients = append(clients, cl)
	}
	h.mu.RUnlock()

	h.send(clients, data)
	return nil
}

func (h *Hub) PublishToAll(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.global))
	for _, cl := range h.global {
		clients = append(clients, cl)
	}
	for _, group := range h.terminals {
		for _, cl := range group {
			clients = append(clients, cl)
		}
	}
	h.mu.RUnlock()

	h.send(clients, data)
	return nil
}

// send writes to each client independently, dropping any that fail. Writes
// to one connection are serialized through its client mutex.
func (h *Hub) send(clients []*client, data []byte) {
	for _, cl := range clients {
		if err := cl.write(data); err != nil {
			log.Printf("websocket write failed, dropping client: %v", err)
			h.Unregister(cl.conn)
			cl.conn.Close()
		}
	}
}

func (h *Hub) removeLocked(conn Conn) {
	delete(h.global, conn)
	for tid, group := range h.terminals {
		delete(group, conn)
		if len(group) == 0 {
			delete(h.terminals, tid)
		}
	}
}

func (h *Hub) countLocked() int {
	n := len(h.global)
	for _, group := range h.terminals {
		n += len(group)
	}
	return n
}

func (h *Hub) notify(n int) {
	if h.ConnectionsChanged != nil {
		h.ConnectionsChanged(n)
	}
}
