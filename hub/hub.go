package hub

import (
	"encoding/json"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Channels clients may subscribe to.
const (
	ChannelServices = "services"
	ChannelAlerts   = "alerts"
)

// Event types sent to clients.
const (
	EventConnected      = "connected"
	EventPing           = "ping"
	EventPong           = "pong"
	EventServiceCreated = "service.created"
	EventServiceUpdated = "service.updated"
	EventServiceDeleted = "service.deleted"
	EventStatusChanged  = "service.status_changed"
	EventCheckCompleted = "service.check_completed"
	EventAlertTriggered = "alert.triggered"
)

// Event is the wire envelope for every message in either direction.
type Event struct {
	Type      string    `json:"type"`
	Data      any       `json:"data,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event with the current time.
func NewEvent(typ string, data any) Event {
	return Event{Type: typ, Data: data, Timestamp: time.Now().UTC()}
}

// clientMessage is what we accept from clients: pong replies and
// subscription changes.
type clientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

type client struct {
	id   string
	conn *websocket.Conn
	send chan []byte

	mu       sync.Mutex
	channels map[string]bool
}

func (c *client) subscribed(channel string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[channel]
}

func (c *client) setSubscribed(channel string, on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if on {
		c.channels[channel] = true
	} else {
		delete(c.channels, channel)
	}
}

type outbound struct {
	channel string // empty means all clients
	payload []byte
}

// Options tune heartbeat and delivery behavior.
type Options struct {
	HeartbeatInterval time.Duration // server ping cadence, default 30s
	HeartbeatMisses   int           // missed pings before disconnect, default 3
	SendBuffer        int           // per-client queue, default 64
	AllowedOrigins    []string
}

// Hub fans events out to subscribed WebSocket clients. Delivery is
// best-effort: a client that cannot keep up is disconnected, never waited
// on. Disconnected clients must reconcile by refetching full state.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]bool
	broadcast  chan outbound
	register   chan *client
	unregister chan *client
	upgrader   websocket.Upgrader

	heartbeat  time.Duration
	misses     int
	sendBuffer int
}

func New(opts Options) *Hub {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatMisses <= 0 {
		opts.HeartbeatMisses = 3
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}

	allowed := make(map[string]bool, len(opts.AllowedOrigins))
	for _, o := range opts.AllowedOrigins {
		allowed[o] = true
	}

	return &Hub{
		clients:    make(map[*client]bool),
		broadcast:  make(chan outbound, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		heartbeat:  opts.HeartbeatInterval,
		misses:     opts.HeartbeatMisses,
		sendBuffer: opts.SendBuffer,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				if origin == "" {
					return true // non-browser clients
				}
				if allowed[origin] {
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				host := u.Hostname()
				return host == "localhost" || host == "127.0.0.1" || host == "::1"
			},
		},
	}
}

// Run processes registrations and broadcasts until the channel flow stops.
// Call in its own goroutine.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			h.mu.Unlock()
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
		case msg := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				if msg.channel != "" && !c.subscribed(msg.channel) {
					continue
				}
				select {
				case c.send <- msg.payload:
				default:
					// Slow client: drop it rather than block the rest.
					log.Printf("hub: client %s not keeping up, disconnecting", c.id)
					close(c.send)
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Broadcast sends an event to every client subscribed to channel. An empty
// channel reaches all clients. Never blocks the caller beyond the hub's
// own queue.
func (h *Hub) Broadcast(channel string, evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		log.Printf("hub: marshal error: %v", err)
		return
	}
	h.broadcast <- outbound{channel: channel, payload: data}
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// HandleConnect upgrades an HTTP request to a WebSocket subscription.
// New clients are auto-subscribed to the services and alerts channels.
func (h *Hub) HandleConnect(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: ws upgrade: %v", err)
		return
	}

	c := &client{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, h.sendBuffer),
		channels: map[string]bool{
			ChannelServices: true,
			ChannelAlerts:   true,
		},
	}
	h.register <- c

	welcome, _ := json.Marshal(NewEvent(EventConnected, map[string]string{"connectionId": c.id}))
	c.send <- welcome

	go c.writePump(h)
	go c.readPump(h)
}

// writePump drains the send queue and emits heartbeat pings.
func (c *client) writePump(h *Hub) {
	ticker := time.NewTicker(h.heartbeat)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ping, _ := json.Marshal(NewEvent(EventPing, nil))
			if err := c.conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages. The read deadline covers the allowed
// number of missed heartbeats; any inbound message (pong included)
// extends it.
func (c *client) readPump(h *Hub) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	deadline := time.Duration(h.misses) * h.heartbeat
	c.conn.SetReadDeadline(time.Now().Add(deadline))

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(deadline))

		var msg clientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "ping":
			pong, _ := json.Marshal(NewEvent(EventPong, nil))
			select {
			case c.send <- pong:
			default:
			}
		case "pong":
			// deadline already extended
		case "subscribe":
			if msg.Channel != "" {
				c.setSubscribed(msg.Channel, true)
			}
		case "unsubscribe":
			if msg.Channel != "" {
				c.setSubscribed(msg.Channel, false)
			}
		}
	}
}
