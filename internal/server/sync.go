package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/dealdesk/collab-sync/internal/auth"
	"github.com/dealdesk/collab-sync/internal/docstore"
	"github.com/dealdesk/collab-sync/internal/identity"
	"github.com/dealdesk/collab-sync/internal/presence"
	"github.com/dealdesk/collab-sync/internal/room"
)

const (
	messageTypeUpdate   = "update"
	messageTypePresence = "presence"
	messageTypeState    = "state"

	pongWait     = 60 * time.Second
	pingInterval = 30 * time.Second
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Browser clients connect from a different origin than the API host.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// syncEnvelope is the frame wrapper on the wire. Update and state payloads
// carry a base64 string; presence payloads carry a JSON object.
type syncEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type presencePayload struct {
	ResourceType string           `json:"resource_type"`
	ResourceID   string           `json:"resource_id"`
	Cursor       *presence.Cursor `json:"cursor"`
}

func (h *httpHandler) handleSync(c *gin.Context) {
	documentName, err := docstore.NewDocumentName(c.Param("documentID"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_document_id"})
		return
	}
	token, err := h.sessions.TokenFromRequest(c.Request)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	// The coordinator validates the token; a rejected join leaves no trace.
	handle, err := h.coordinator.Open(c.Request.Context(), documentName, token)
	if err != nil {
		if errors.Is(err, room.ErrUnauthorized) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		h.logger.Error("failed to open room", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "join_failed"})
		return
	}

	principal := handle.Identity()
	collaborator, err := h.collaborators.Resolve(auth.SessionClaims{
		UserID:   principal.UserID,
		UserName: principal.UserName,
	})
	if err != nil {
		h.logger.Warn("collaborator resolution failed", zap.Error(err), zap.String("user_id", principal.UserID))
		collaborator = identity.Collaborator{
			UserID:   principal.UserID,
			UserName: principal.UserName,
			Color:    identity.ColorFor(principal.UserID),
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		_ = h.coordinator.Close(context.Background(), handle)
		return
	}

	client := &syncClient{
		handler:      h,
		conn:         conn,
		handle:       handle,
		collaborator: collaborator,
	}
	go client.writePump()
	client.readPump()
}

// syncClient pairs one websocket connection with one room handle. readPump is
// the only goroutine touching lastResource.
type syncClient struct {
	handler      *httpHandler
	conn         *websocket.Conn
	handle       *room.Handle
	collaborator identity.Collaborator

	lastResourceType presence.ResourceType
	lastResourceID   presence.ResourceID
}

func (sc *syncClient) readPump() {
	defer sc.teardown()

	_ = sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	sc.conn.SetPongHandler(func(string) error {
		return sc.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := sc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				sc.handler.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		var envelope syncEnvelope
		if err := json.Unmarshal(raw, &envelope); err != nil {
			sc.handler.logger.Warn("malformed sync frame", zap.Error(err))
			continue
		}

		switch envelope.Type {
		case messageTypeUpdate:
			if done := sc.handleUpdate(envelope.Payload); done {
				return
			}
		case messageTypePresence:
			sc.handlePresence(envelope.Payload)
		default:
			sc.handler.logger.Warn("unknown sync frame type", zap.String("type", envelope.Type))
		}
	}
}

func (sc *syncClient) handleUpdate(payload json.RawMessage) bool {
	var encoded string
	if err := json.Unmarshal(payload, &encoded); err != nil {
		sc.handler.logger.Warn("malformed update payload", zap.Error(err))
		return false
	}
	frame, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		sc.handler.logger.Warn("update payload not base64", zap.Error(err))
		return false
	}
	if err := sc.handler.coordinator.Apply(sc.handle, frame); err != nil {
		if errors.Is(err, room.ErrHandleClosed) {
			return true
		}
		sc.handler.logger.Warn("update rejected", zap.Error(err))
	}
	return false
}

func (sc *syncClient) handlePresence(payload json.RawMessage) {
	var request presencePayload
	if err := json.Unmarshal(payload, &request); err != nil {
		sc.handler.logger.Warn("malformed presence payload", zap.Error(err))
		return
	}
	heartbeat, err := sc.handler.buildHeartbeat(auth.SessionClaims{
		UserID:   sc.handle.Identity().UserID,
		UserName: sc.handle.Identity().UserName,
	}, request.ResourceType, request.ResourceID, request.Cursor)
	if err != nil {
		sc.handler.logger.Warn("invalid presence payload", zap.Error(err))
		return
	}
	if err := sc.handler.presence.Heartbeat(context.Background(), heartbeat); err != nil {
		sc.handler.logger.Error("failed to record heartbeat", zap.Error(err))
		return
	}
	sc.lastResourceType = heartbeat.ResourceType
	sc.lastResourceID = heartbeat.ResourceID
}

// writePump replays the admission snapshot, then forwards room deliveries and
// keepalive pings until the delivery channel closes or a write fails.
func (sc *syncClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer sc.conn.Close()

	if err := sc.writeEnvelope(messageTypeState, sc.handle.State()); err != nil {
		sc.handler.logger.Warn("failed to send state snapshot", zap.Error(err))
		return
	}

	for {
		select {
		case frame, ok := <-sc.handle.Deliveries():
			if !ok {
				_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
				_ = sc.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := sc.writeEnvelope(messageTypeUpdate, frame); err != nil {
				sc.handler.logger.Warn("websocket write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := sc.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (sc *syncClient) writeEnvelope(messageType string, frame []byte) error {
	encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(frame))
	if err != nil {
		return err
	}
	envelope := syncEnvelope{Type: messageType, Payload: encoded}
	raw, err := json.Marshal(envelope)
	if err != nil {
		return err
	}
	_ = sc.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return sc.conn.WriteMessage(websocket.TextMessage, raw)
}

// teardown detaches from the room and clears the presence entry left by the
// last heartbeat on this connection.
func (sc *syncClient) teardown() {
	sc.conn.Close()
	if err := sc.handler.coordinator.Close(context.Background(), sc.handle); err != nil {
		sc.handler.logger.Error("room close failed", zap.Error(err))
	}
	if sc.lastResourceType != "" && sc.lastResourceID != "" {
		userID, err := presence.NewUserID(sc.handle.Identity().UserID)
		if err != nil {
			return
		}
		if err := sc.handler.presence.Leave(context.Background(), sc.lastResourceType, sc.lastResourceID, userID); err != nil {
			sc.handler.logger.Error("presence leave failed", zap.Error(err))
		}
	}
}
