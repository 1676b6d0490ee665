package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Client is one connected desk. It only ever sees events of its facility.
type Client struct {
	ID         string
	FacilityID string
	Send       chan []byte

	topics map[string]struct{}
}

func NewClient(id, facilityID string, buffer int) *Client {
	return &Client{
		ID:         id,
		FacilityID: facilityID,
		Send:       make(chan []byte, buffer),
		topics:     make(map[string]struct{}),
	}
}

// ClientMessage is what a client sends to change its subscriptions.
type ClientMessage struct {
	Action string   `json:"action"`
	Topics []string `json:"topics"`
}

// Hub tracks connected clients by facility and topic.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[*Client]struct{} // facility/topic -> clients
	all         map[*Client]struct{}
	logger      zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]map[*Client]struct{}),
		all:         make(map[*Client]struct{}),
		logger:      logger,
	}
}

func subscriptionKey(facilityID, topic string) string {
	return facilityID + "/" + topic
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[client] = struct{}{}
}

// Unregister drops the client from every topic and closes its Send channel.
// Calling it twice is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[client]; !ok {
		return
	}
	for topic := range client.topics {
		h.removeLocked(client, topic)
	}
	delete(h.all, client)
	close(client.Send)
}

func (h *Hub) Subscribe(client *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, topic := range topics {
		key := subscriptionKey(client.FacilityID, topic)
		if h.subscribers[key] == nil {
			h.subscribers[key] = make(map[*Client]struct{})
		}
		h.subscribers[key][client] = struct{}{}
		client.topics[topic] = struct{}{}
	}
}

func (h *Hub) Unsubscribe(client *Client, topics ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, topic := range topics {
		h.removeLocked(client, topic)
	}
}

func (h *Hub) removeLocked(client *Client, topic string) {
	key := subscriptionKey(client.FacilityID, topic)
	if subs, ok := h.subscribers[key]; ok {
		delete(subs, client)
		if len(subs) == 0 {
			delete(h.subscribers, key)
		}
	}
	delete(client.topics, topic)
}

// Handle applies a subscribe or unsubscribe message from a client.
func (h *Hub) Handle(client *Client, msg ClientMessage) error {
	switch msg.Action {
	case "subscribe":
		h.Subscribe(client, msg.Topics...)
	case "unsubscribe":
		h.Unsubscribe(client, msg.Topics...)
	default:
		return fmt.Errorf("unknown action %q", msg.Action)
	}
	return nil
}

// Publish fans the event out to the subscribers of its facility and topic.
// Clients whose buffer is full miss the event.
func (h *Hub) Publish(_ context.Context, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.subscribers[subscriptionKey(event.FacilityID, event.Topic)] {
		select {
		case client.Send <- data:
		default:
			h.logger.Warn().
				Str("client_id", client.ID).
				Str("topic", event.Topic).
				Msg("dropping event for slow client")
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(facilityID, topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[subscriptionKey(facilityID, topic)])
}
