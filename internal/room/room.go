// Package room holds the in-memory authoritative state for one live
// document: its record store plus the set of attached sessions.
package room

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/document"
	"go.uber.org/zap"
)

// CloseReason enumerates the protocol-level rejection reasons delivered when
// a session socket is closed. The empty reason means "please reconnect".
type CloseReason string

const (
	CloseReasonNotFound         CloseReason = "NOT_FOUND"
	CloseReasonNotAuthenticated CloseReason = "NOT_AUTHENTICATED"
	CloseReasonForbidden        CloseReason = "FORBIDDEN"
	CloseReasonRateLimited      CloseReason = "RATE_LIMITED"
	CloseReasonRoomFull         CloseReason = "ROOM_FULL"
	CloseReasonNone             CloseReason = ""
)

// CloseCode is the websocket close code carrying a CloseReason.
const CloseCode = 4099

// ErrRoomClosed indicates the room has been torn down.
var ErrRoomClosed = errors.New("room: closed")

// ErrRoomFull indicates the room is at its session capacity.
var ErrRoomFull = errors.New("room: session capacity reached")

// ErrReadOnlySession indicates a mutation arrived on a read-only session.
var ErrReadOnlySession = errors.New("room: session is read-only")

// Conn is the transport half of a session. The server layer adapts the
// websocket connection to it; tests supply fakes.
type Conn interface {
	Send(data []byte) error
	Close(reason CloseReason) error
}

// Session is one attached client socket plus its metadata.
type Session struct {
	ID       string
	UserID   string
	ReadOnly bool
	conn     Conn
}

// NewSession constructs a session around the given transport.
func NewSession(id, userID string, readOnly bool, conn Conn) *Session {
	return &Session{ID: id, UserID: userID, ReadOnly: readOnly, conn: conn}
}

// Message is the socket wire envelope.
type Message struct {
	Type     string            `json:"type"`
	Clock    int64             `json:"clock,omitempty"`
	Snapshot json.RawMessage   `json:"snapshot,omitempty"`
	Put      []document.Record `json:"put,omitempty"`
	Remove   []string          `json:"remove,omitempty"`
}

// Message types.
const (
	MessageTypeInitial = "initial"
	MessageTypeUpdate  = "update"
)

// Callbacks wire room activity back into the lifecycle manager.
type Callbacks struct {
	// OnChange fires after every document mutation.
	OnChange func()
	// OnSessionRemoved fires after a session detaches, with the remaining count.
	OnSessionRemoved func(remaining int)
	// OnSendMessage fires for every outbound protocol message.
	OnSendMessage func(messageType string)
}

// Room is the authoritative state for one document.
type Room struct {
	id          string
	store       *document.Store
	maxSessions int
	callbacks   Callbacks
	logger      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool
}

// New wraps a document store in a room. A maxSessions of zero means no
// capacity limit.
func New(id string, store *document.Store, maxSessions int, callbacks Callbacks, logger *zap.Logger) *Room {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Room{
		id:          id,
		store:       store,
		maxSessions: maxSessions,
		callbacks:   callbacks,
		logger:      logger,
		sessions:    make(map[string]*Session),
	}
}

// ID returns the document identifier.
func (r *Room) ID() string {
	return r.id
}

// Store exposes the underlying document store.
func (r *Room) Store() *document.Store {
	return r.store
}

// Clock returns the current document clock.
func (r *Room) Clock() int64 {
	return r.store.Clock()
}

// SessionCount returns the number of attached sessions.
func (r *Room) SessionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sessions returns a snapshot of the attached sessions.
func (r *Room) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		out = append(out, session)
	}
	return out
}

// Attach admits a session and sends it the initial snapshot. The capacity
// check and the insertion happen under one lock, so concurrent attaches can
// never exceed the limit.
func (r *Room) Attach(session *Session) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	if r.maxSessions > 0 && len(r.sessions) >= r.maxSessions {
		r.mu.Unlock()
		return ErrRoomFull
	}
	r.sessions[session.ID] = session
	r.mu.Unlock()

	snapshot, err := r.store.Serialize()
	if err != nil {
		return err
	}
	r.send(session, Message{Type: MessageTypeInitial, Clock: r.store.Clock(), Snapshot: snapshot})
	return nil
}

// Remove detaches a session, if attached, and reports the remaining count.
func (r *Room) Remove(sessionID string) {
	r.mu.Lock()
	_, attached := r.sessions[sessionID]
	if attached {
		delete(r.sessions, sessionID)
	}
	remaining := len(r.sessions)
	closed := r.closed
	r.mu.Unlock()

	if attached && !closed && r.callbacks.OnSessionRemoved != nil {
		r.callbacks.OnSessionRemoved(remaining)
	}
}

// HandleMessage applies a client-originated message from the given session.
func (r *Room) HandleMessage(sessionID string, data []byte) error {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	r.mu.Unlock()
	if !ok {
		return ErrRoomClosed
	}

	var message Message
	if err := json.Unmarshal(data, &message); err != nil {
		return err
	}
	if message.Type != MessageTypeUpdate {
		r.logger.Debug("ignoring unknown message type",
			zap.String("room_id", r.id), zap.String("type", message.Type))
		return nil
	}
	if session.ReadOnly {
		return ErrReadOnlySession
	}

	clock, err := r.applyUpdate(message.Put, message.Remove)
	if err != nil {
		return err
	}
	r.broadcast(sessionID, Message{Type: MessageTypeUpdate, Clock: clock, Put: message.Put, Remove: message.Remove})
	return nil
}

func (r *Room) applyUpdate(put []document.Record, remove []string) (int64, error) {
	clock := r.store.Clock()
	if len(put) > 0 {
		updated, err := r.store.PutRecords(put)
		if err != nil {
			return 0, err
		}
		clock = updated
	}
	if len(remove) > 0 {
		clock = r.store.RemoveRecords(remove)
	}
	if (len(put) > 0 || len(remove) > 0) && r.callbacks.OnChange != nil {
		r.callbacks.OnChange()
	}
	return clock, nil
}

// UpdateStore is the administrative rewrite entry point. The mutation is
// applied atomically relative to client messages and broadcast to every
// attached session as a fresh snapshot.
func (r *Room) UpdateStore(mutate func(store *document.Store) error) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRoomClosed
	}
	r.mu.Unlock()

	if err := mutate(r.store); err != nil {
		return err
	}
	if r.callbacks.OnChange != nil {
		r.callbacks.OnChange()
	}

	snapshot, err := r.store.Serialize()
	if err != nil {
		return err
	}
	r.broadcast("", Message{Type: MessageTypeInitial, Clock: r.store.Clock(), Snapshot: snapshot})
	return nil
}

// CloseSession closes a single session's socket with the given reason and
// detaches it without firing the removal callback.
func (r *Room) CloseSession(sessionID string, reason CloseReason) {
	r.mu.Lock()
	session, ok := r.sessions[sessionID]
	if ok {
		delete(r.sessions, sessionID)
	}
	r.mu.Unlock()
	if ok {
		_ = session.conn.Close(reason)
	}
}

// Close force-closes every session with the given reason and marks the room
// dead. Subsequent attaches fail with ErrRoomClosed.
func (r *Room) Close(reason CloseReason) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	closing := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		closing = append(closing, session)
	}
	r.sessions = make(map[string]*Session)
	r.mu.Unlock()

	for _, session := range closing {
		_ = session.conn.Close(reason)
	}
}

func (r *Room) broadcast(excludeSessionID string, message Message) {
	r.mu.Lock()
	targets := make([]*Session, 0, len(r.sessions))
	for id, session := range r.sessions {
		if id == excludeSessionID {
			continue
		}
		targets = append(targets, session)
	}
	r.mu.Unlock()

	for _, session := range targets {
		r.send(session, message)
	}
}

func (r *Room) send(session *Session, message Message) {
	data, err := json.Marshal(message)
	if err != nil {
		r.logger.Error("failed to encode outbound message",
			zap.String("room_id", r.id), zap.Error(err))
		return
	}
	if r.callbacks.OnSendMessage != nil {
		r.callbacks.OnSendMessage(message.Type)
	}
	if err := session.conn.Send(data); err != nil {
		r.logger.Debug("failed to send to session",
			zap.String("room_id", r.id),
			zap.String("session_id", session.ID),
			zap.Error(err))
	}
}
