package server

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/files"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/host"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/room"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const closeWriteTimeout = 5 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Cross-origin access is governed by session auth, not by origin.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsConn adapts a websocket connection to the room transport. Writes are
// serialized; gorilla connections do not allow concurrent writers.
type wsConn struct {
	mu     sync.Mutex
	socket *websocket.Conn
	closed bool
}

func (c *wsConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return websocket.ErrCloseSent
	}
	return c.socket.WriteMessage(websocket.TextMessage, data)
}

// Close sends the coded close frame carrying the reason token, then tears
// the connection down. An empty reason tells the client to reconnect.
func (c *wsConn) Close(reason room.CloseReason) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	message := websocket.FormatCloseMessage(room.CloseCode, string(reason))
	deadline := time.Now().Add(closeWriteTimeout)
	_ = c.socket.WriteControl(websocket.CloseMessage, message, deadline)
	return c.socket.Close()
}

func (h *httpHandler) handleLegacyConnect(c *gin.Context) {
	h.serveSocket(c, c.Param("roomId"), false, false, false)
}

func (h *httpHandler) handleAppConnect(c *gin.Context) {
	h.serveSocket(c, c.Param("roomId"), true, false, false)
}

// handleReadonlyConnect serves view links: a published slug resolves to its
// owning app file, anything else is treated as a legacy room slug. Either
// way the session is forced read-only.
func (h *httpHandler) handleReadonlyConnect(c *gin.Context) {
	slug := c.Param("roomId")
	record, err := h.files.ResolvePublishedSlug(c.Request.Context(), slug)
	if err == nil {
		h.serveSocket(c, record.FileID, true, true, true)
		return
	}
	if !errors.Is(err, files.ErrFileNotFound) {
		h.reporter.Report(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal"})
		return
	}
	h.serveSocket(c, slug, false, true, false)
}

func (h *httpHandler) serveSocket(c *gin.Context, documentID string, isApp bool, readOnly bool, viaPublishedSlug bool) {
	// Claims come off the HTTP request; after the upgrade there is no
	// header to inspect.
	claims := h.sessions.ResolveRequest(c.Request)
	sessionID := c.Query("sessionId")
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	socket, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote its own response.
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	conn := &wsConn{socket: socket}

	documentHost, err := h.registry.Host(documentID, isApp)
	if err != nil {
		h.reporter.Report(err)
		_ = conn.Close(room.CloseReasonNone)
		return
	}

	liveRoom, session, err := documentHost.Admit(c.Request.Context(), host.AdmissionRequest{
		Claims:           claims,
		SessionID:        sessionID,
		ReadOnly:         readOnly,
		ViaPublishedSlug: viaPublishedSlug,
		Conn:             conn,
	})
	if err != nil {
		var rejection *host.RejectionError
		if errors.As(err, &rejection) {
			_ = conn.Close(rejection.Reason)
			return
		}
		// Infrastructure failure: close without a terminal reason so the
		// client retries.
		h.reporter.Report(err)
		_ = conn.Close(room.CloseReasonNone)
		return
	}

	h.readLoop(socket, conn, liveRoom, session)
}

func (h *httpHandler) readLoop(socket *websocket.Conn, conn *wsConn, liveRoom *room.Room, session *room.Session) {
	defer func() {
		liveRoom.Remove(session.ID)
		_ = conn.Close(room.CloseReasonNone)
	}()

	for {
		messageType, data, err := socket.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if err := liveRoom.HandleMessage(session.ID, data); err != nil {
			if errors.Is(err, room.ErrRoomClosed) {
				return
			}
			if errors.Is(err, room.ErrReadOnlySession) {
				continue
			}
			h.logger.Warn("dropping malformed room message",
				zap.String("session_id", session.ID), zap.Error(err))
		}
	}
}
