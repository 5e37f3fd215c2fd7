package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/befree-health/scheduling-api/internal/models"
)

const (
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 64
	actionTimeout  = 5 * time.Second
)

// Server upgrades HTTP requests and pumps messages between sockets and the hub.
type Server struct {
	hub          *Hub
	upgrader     websocket.Upgrader
	writeTimeout time.Duration
	logger       *zap.Logger
}

// NewServer builds a websocket server. checkOrigin nil accepts same-origin requests only.
func NewServer(hub *Hub, checkOrigin func(r *http.Request) bool, writeTimeout time.Duration, logger *zap.Logger) *Server {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
		},
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Serve upgrades the connection for an authenticated user and returns once the
// pumps are running. The upgrader has already answered the request on error.
func (s *Server) Serve(w http.ResponseWriter, r *http.Request, userID string, role models.UserRole) error {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}
	client := &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Role:   role,
		Send:   make(chan []byte, sendBuffer),
	}
	s.hub.Register(client)

	go s.writePump(client, conn)
	go s.readPump(client, conn)
	return nil
}

func (s *Server) readPump(client *Client, conn *websocket.Conn) {
	defer func() {
		s.hub.Unregister(client)
		_ = conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("realtime read failed", zap.String("user_id", client.UserID), zap.Error(err))
			}
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			s.hub.reject(client, "malformed message")
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
		s.hub.HandleMessage(ctx, client, msg)
		cancel()
	}
}

func (s *Server) writePump(client *Client, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.Send:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
