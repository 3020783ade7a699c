package channel

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/kunal-511/archestra/internal/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024
)

// Gateway bridges the broker to websocket clients: every outbound broker
// message fans out to connected clients, and inbound approval responses from
// clients are published back onto the broker.
type Gateway struct {
	broker   *Broker
	auth     auth.Authenticator
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewGateway creates a Gateway over the given broker.
func NewGateway(broker *Broker, authenticator auth.Authenticator, logger *zap.Logger) *Gateway {
	return &Gateway{
		broker: broker,
		auth:   authenticator,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Auth is the ask_ key, not the origin; any UI host may connect.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and starts the client pumps.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}
	principal, err := g.auth.Authenticate(r.Context(), token)
	if err != nil {
		g.logger.Warn("websocket auth failed", zap.Error(err))
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Error("websocket upgrade failed", zap.Error(err))
		return
	}

	sub := g.broker.Subscribe(
		TypeApprovalRequest,
		TypeToolsUpdated,
		TypeAnalysisProgress,
		TypeChatToolsUpdated,
	)

	g.logger.Info("websocket client connected", zap.String("user_id", principal.UserID))
	go g.writePump(conn, sub)
	go g.readPump(conn, sub)
}

// writePump forwards broker messages to the client and keeps the connection
// alive with pings.
func (g *Gateway) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case msg, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{}) //nolint:errcheck
				return
			}
			if err := conn.WriteJSON(msg); err != nil {
				g.logger.Warn("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait)) //nolint:errcheck
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes client messages. Only approval responses are accepted
// inbound; anything else is dropped with a warning.
func (g *Gateway) readPump(conn *websocket.Conn, sub *Subscription) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait)) //nolint:errcheck
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var msg Message
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				g.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		if msg.Type != TypeApprovalResponse {
			g.logger.Warn("dropping unexpected inbound message",
				zap.String("type", msg.Type),
			)
			continue
		}
		// Validate the payload shape before it reaches the dispatcher.
		var resp ApprovalResponse
		if err := json.Unmarshal(msg.Payload, &resp); err != nil {
			g.logger.Warn("malformed approval response", zap.Error(err))
			continue
		}
		g.broker.Publish(msg)
	}
}
