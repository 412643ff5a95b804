package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Envelope is the frame written to websocket subscribers.
type Envelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

const writeTimeout = 5 * time.Second

// Subscriber is one websocket connection and the topics it listens to.
type Subscriber struct {
	conn   *websocket.Conn
	topics map[string]bool
	mu     sync.Mutex
}

func (s *Subscriber) write(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, frame)
}

// Hub fans published messages out to websocket subscribers by topic.
// Subscribers whose connection fails are dropped.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[*Subscriber]struct{}
	logger      *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subscribers: make(map[*Subscriber]struct{}),
		logger:      logger,
	}
}

// Subscribe registers conn for the given topics.
func (h *Hub) Subscribe(conn *websocket.Conn, topics ...string) *Subscriber {
	s := &Subscriber{conn: conn, topics: make(map[string]bool, len(topics))}
	for _, t := range topics {
		s.topics[t] = true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subscribers[s] = struct{}{}
	return s
}

// Unsubscribe removes s and closes its connection.
func (h *Hub) Unsubscribe(s *Subscriber) {
	h.mu.Lock()
	_, ok := h.subscribers[s]
	delete(h.subscribers, s)
	h.mu.Unlock()
	if ok {
		_ = s.conn.Close()
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}

// Publish writes payload to every subscriber of topic. Write failures only
// affect the failing subscriber.
func (h *Hub) Publish(ctx context.Context, topic string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	frame, err := json.Marshal(Envelope{Topic: topic, Payload: body})
	if err != nil {
		return fmt.Errorf("encode %s envelope: %w", topic, err)
	}

	h.mu.RLock()
	var targets []*Subscriber
	for s := range h.subscribers {
		if s.topics[topic] {
			targets = append(targets, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if err := s.write(frame); err != nil {
			h.logger.Debug("dropping websocket subscriber", "topic", topic, "error", err)
			h.Unsubscribe(s)
		}
	}
	return nil
}

// Close drops every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	subs := h.subscribers
	h.subscribers = make(map[*Subscriber]struct{})
	h.mu.Unlock()
	for s := range subs {
		_ = s.conn.Close()
	}
}
