// Package realtime keeps the registry of open websocket connections keyed by
// user id and relays chat presence events between session participants.
package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/befree-health/scheduling-api/internal/models"
)

// Client-initiated actions.
const (
	ActionTyping     = "typing"
	ActionStopTyping = "stop_typing"
	ActionRead       = "read"
)

// EventError is sent back to a client whose message was rejected.
const EventError = "error"

// Event is an outbound message.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// ClientMessage is an inbound message.
type ClientMessage struct {
	Action    string `json:"action"`
	PeerID    string `json:"peerId"`
	MessageID string `json:"messageId,omitempty"`
}

// PresenceData accompanies relayed typing and read events.
type PresenceData struct {
	From      string `json:"from"`
	MessageID string `json:"messageId,omitempty"`
}

// SessionChecker answers whether a doctor and patient are tied by a live session.
type SessionChecker interface {
	ExistsActiveBetween(ctx context.Context, doctorID, patientID string) (bool, error)
}

// ConnectionGauge receives the open connection count.
type ConnectionGauge interface {
	SetRealtimeConnections(n int)
}

// Client is one open connection of a user.
type Client struct {
	ID     string
	UserID string
	Role   models.UserRole
	Send   chan []byte
}

// Hub tracks clients per user. All operations are safe for concurrent use.
type Hub struct {
	mu       sync.RWMutex
	users    map[string]map[*Client]struct{}
	count    int
	sessions SessionChecker
	gauge    ConnectionGauge
	logger   *zap.Logger
	now      func() time.Time
}

// NewHub creates an empty hub. gauge may be nil.
func NewHub(sessions SessionChecker, gauge ConnectionGauge, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		users:    make(map[string]map[*Client]struct{}),
		sessions: sessions,
		gauge:    gauge,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Register adds a client.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	set, ok := h.users[client.UserID]
	if !ok {
		set = make(map[*Client]struct{})
		h.users[client.UserID] = set
	}
	set[client] = struct{}{}
	h.count++
	count := h.count
	h.mu.Unlock()

	h.report(count)
	h.logger.Debug("realtime client registered", zap.String("user_id", client.UserID), zap.String("client_id", client.ID))
}

// Unregister removes a client and closes its Send channel.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	set, ok := h.users[client.UserID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := set[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(set, client)
	if len(set) == 0 {
		delete(h.users, client.UserID)
	}
	close(client.Send)
	h.count--
	count := h.count
	h.mu.Unlock()

	h.report(count)
	h.logger.Debug("realtime client unregistered", zap.String("user_id", client.UserID), zap.String("client_id", client.ID))
}

// ClientCount returns the number of open connections.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.count
}

// Online reports whether the user has at least one open connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID]) > 0
}

// Notify sends an event to every connection of the given users.
func (h *Hub) Notify(userIDs []string, eventType string, payload interface{}) {
	data, err := json.Marshal(Event{Type: eventType, Timestamp: h.now(), Data: payload})
	if err != nil {
		h.logger.Warn("failed to marshal realtime event", zap.String("type", eventType), zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, userID := range userIDs {
		for client := range h.users[userID] {
			h.deliver(client, data)
		}
	}
}

// HandleMessage relays a presence action to the peer when the two users share
// an active session. Rejections are answered with an error event.
func (h *Hub) HandleMessage(ctx context.Context, client *Client, msg ClientMessage) {
	switch msg.Action {
	case ActionTyping, ActionStopTyping, ActionRead:
	default:
		h.reject(client, "unknown action")
		return
	}
	if msg.PeerID == "" || msg.PeerID == client.UserID {
		h.reject(client, "peerId is required")
		return
	}

	doctorID, patientID := client.UserID, msg.PeerID
	if client.Role == models.RolePatient {
		doctorID, patientID = msg.PeerID, client.UserID
	}
	active, err := h.sessions.ExistsActiveBetween(ctx, doctorID, patientID)
	if err != nil {
		h.logger.Warn("failed to verify session for realtime action", zap.String("user_id", client.UserID), zap.Error(err))
		h.reject(client, "unable to verify session")
		return
	}
	if !active {
		h.reject(client, "no active session with peer")
		return
	}

	h.Notify([]string{msg.PeerID}, msg.Action, PresenceData{From: client.UserID, MessageID: msg.MessageID})
}

func (h *Hub) reject(client *Client, message string) {
	data, err := json.Marshal(Event{Type: EventError, Timestamp: h.now(), Data: map[string]string{"message": message}})
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.users[client.UserID][client]; ok {
		h.deliver(client, data)
	}
}

// deliver must be called with h.mu held. Slow clients drop events.
func (h *Hub) deliver(client *Client, data []byte) {
	select {
	case client.Send <- data:
	default:
		h.logger.Warn("realtime client buffer full", zap.String("user_id", client.UserID), zap.String("client_id", client.ID))
	}
}

func (h *Hub) report(count int) {
	if h.gauge != nil {
		h.gauge.SetRealtimeConnections(count)
	}
}
