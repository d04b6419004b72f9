// Package websocket pushes live events to browser clients. Clients subscribe
// to topics and receive every event published on them; waiting-room boards
// subscribe to one doctor's queue.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
)

const (
	sendBuffer   = 64
	writeWait    = 10 * time.Second
	pongWait     = 60 * time.Second
	pingInterval = pongWait * 9 / 10
	maxInbound   = 4096
)

// Event is one message delivered to subscribers of Topic.
type Event struct {
	Type      string          `json:"type"`
	Topic     string          `json:"topic"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ClientMessage is an inbound subscription change.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Publisher delivers events to whoever listens on their topic.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type Client struct {
	ID     string
	Topics []string
	Send   chan []byte
}

func newClient(topics []string) *Client {
	return &Client{ID: uuid.New().String(), Topics: topics, Send: make(chan []byte, sendBuffer)}
}

// Hub tracks connected clients by topic. A client whose buffer is full
// misses the event rather than stalling the publisher.
type Hub struct {
	mu     sync.RWMutex
	topics map[string]map[*Client]struct{}
	all    map[*Client]struct{}
	logger zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		topics: make(map[string]map[*Client]struct{}),
		all:    make(map[*Client]struct{}),
		logger: logger.With().Str("component", "websocket").Logger(),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
	for _, t := range c.Topics {
		h.addLocked(c, t)
	}
}

// Unregister drops every subscription and closes the client's Send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for _, t := range c.Topics {
		h.removeLocked(c, t)
	}
	delete(h.all, c)
	close(c.Send)
}

func (h *Hub) Subscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		if slices.Contains(c.Topics, t) {
			continue
		}
		h.addLocked(c, t)
		c.Topics = append(c.Topics, t)
	}
}

func (h *Hub) Unsubscribe(c *Client, topics []string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, t := range topics {
		h.removeLocked(c, t)
	}
	c.Topics = slices.DeleteFunc(c.Topics, func(t string) bool { return slices.Contains(topics, t) })
}

func (h *Hub) addLocked(c *Client, topic string) {
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*Client]struct{})
	}
	h.topics[topic][c] = struct{}{}
}

func (h *Hub) removeLocked(c *Client, topic string) {
	subs, ok := h.topics[topic]
	if !ok {
		return
	}
	delete(subs, c)
	if len(subs) == 0 {
		delete(h.topics, topic)
	}
}

func (h *Hub) process(c *Client, msg ClientMessage) {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(c, msg.Topics)
	case "unsubscribe":
		h.Unsubscribe(c, msg.Topics)
	}
}

// Publish sends the event to every subscriber of event.Topic.
func (h *Hub) Publish(_ context.Context, event Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.topics[event.Topic] {
		select {
		case c.Send <- data:
		default:
			h.logger.Warn().Str("client_id", c.ID).Str("topic", event.Topic).Msg("client buffer full, event dropped")
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.topics[topic])
}

// -- HTTP upgrade --

// Handler upgrades HTTP requests and runs the read and write pumps.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts upgrades from the listed origins; "*" allows any.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || slices.Contains(allowedOrigins, "*") || slices.Contains(allowedOrigins, origin)
			},
		},
	}
}

// RegisterRoutes mounts GET /ws. Initial subscriptions come from repeated
// ?topic= parameters.
func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", h.Connect)
}

func (h *Handler) Connect(c echo.Context) error {
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// The upgrader has already written the HTTP error.
		return nil
	}
	client := newClient(c.QueryParams()["topic"])
	h.hub.Register(client)

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(c *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(c)
		ws.Close()
	}()

	ws.SetReadLimit(maxInbound)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		h.hub.process(c, msg)
	}
}

func (h *Handler) writePump(c *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case msg, ok := <-c.Send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
