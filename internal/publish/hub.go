// Package publish fans session output (raw chunks, band powers, quality
// reports, markers, predictions) out to websocket subscribers.
package publish

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/cortex-data/cortex.stream/internal/monitoring"
)

// Topic names one published stream. Clients pick topics at connect time via
// the "topics" query parameter; no parameter means all of them.
type Topic string

const (
	TopicRaw        Topic = "raw"
	TopicBandPower  Topic = "bandpower"
	TopicQuality    Topic = "quality"
	TopicMarker     Topic = "marker"
	TopicPrediction Topic = "prediction"
)

var allTopics = []Topic{TopicRaw, TopicBandPower, TopicQuality, TopicMarker, TopicPrediction}

// Message is the wire envelope for every published payload.
type Message struct {
	Type    Topic       `json:"type"`
	Payload interface{} `json:"payload"`
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	quit   chan struct{}
	topics map[Topic]bool
}

func newClient(conn *websocket.Conn, topics map[Topic]bool) *client {
	c := &client{
		conn:   conn,
		send:   make(chan []byte, 64),
		quit:   make(chan struct{}),
		topics: topics,
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for {
		select {
		case msg := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-c.quit:
			return
		}
	}
}

// close signals the write pump to exit. The send channel stays open: a
// Publish racing with the disconnect may still buffer into it, which is
// harmless, while sending into a closed channel would panic.
func (c *client) close() {
	close(c.quit)
}

// Hub owns the subscriber set. Publish never blocks the caller: a client
// whose send buffer is full is disconnected, never waited on.
type Hub struct {
	mu      sync.RWMutex
	clients map[*client]bool
}

// NewHub builds an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[*client]bool)}
}

// ClientCount reports the current subscriber count.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Publish sends payload to every client subscribed to topic.
func (h *Hub) Publish(topic Topic, payload interface{}) {
	data, err := json.Marshal(Message{Type: topic, Payload: payload})
	if err != nil {
		monitoring.Logf("publish: marshal %s failed: %v", topic, err)
		return
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		if c.topics[topic] {
			clients = append(clients, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			monitoring.Logf("publish: client cannot keep up, disconnecting")
			h.remove(c)
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// ServeHTTP makes the hub mountable on a mux as the /ws endpoint.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeWS(w, r)
}

// ServeWS upgrades the request and registers the connection as a subscriber.
// The read side only watches for the client going away.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		monitoring.Logf("publish: upgrade failed: %v", err)
		return
	}

	c := newClient(conn, parseTopics(r.URL.Query().Get("topics")))
	h.mu.Lock()
	h.clients[c] = true
	h.mu.Unlock()
	monitoring.Debugf("publish: client connected: %s", r.RemoteAddr)

	go func() {
		defer func() {
			h.remove(c)
			monitoring.Debugf("publish: client disconnected: %s", r.RemoteAddr)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		c.close()
	}
	h.mu.Unlock()
}

// parseTopics interprets the "topics" query parameter. Empty or all-invalid
// input subscribes to everything.
func parseTopics(raw string) map[Topic]bool {
	topics := make(map[Topic]bool)
	for _, part := range strings.Split(raw, ",") {
		t := Topic(strings.TrimSpace(part))
		for _, known := range allTopics {
			if t == known {
				topics[t] = true
			}
		}
	}
	if len(topics) == 0 {
		for _, t := range allTopics {
			topics[t] = true
		}
	}
	return topics
}
