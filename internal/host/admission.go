package host

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/events"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/files"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/room"
)

// RejectionError is a deliberate admission-time decision. It is communicated
// as a socket close reason, not logged as an error.
type RejectionError struct {
	Reason room.CloseReason
}

func (e *RejectionError) Error() string {
	return "admission rejected: " + string(e.Reason)
}

func reject(reason room.CloseReason) error {
	return &RejectionError{Reason: reason}
}

// AdmissionRequest describes an upgraded socket asking to join the room.
type AdmissionRequest struct {
	Claims *auth.SessionClaims
	// SessionID identifies the client connection; used as the rate-limit key
	// for anonymous callers.
	SessionID string
	// ReadOnly is the requested mode. App documents start from read-write
	// and may only be downgraded by policy.
	ReadOnly bool
	// ViaPublishedSlug marks sessions arriving through a published view
	// link. They read the document without credentials and can never be
	// upgraded to write access.
	ViaPublishedSlug bool
	Conn             room.Conn
}

// Admit applies the admission policy and, on success, attaches the socket to
// the room. The returned room is the one the session is attached to and is
// what the caller must feed messages into. A *RejectionError carries the
// close reason for policy decisions; any other error is an infrastructure
// failure.
func (h *DocumentHost) Admit(ctx context.Context, req AdmissionRequest) (*room.Room, *room.Session, error) {
	h.mu.Lock()
	deleted := h.info.Deleted
	h.mu.Unlock()
	if deleted {
		return nil, nil, reject(room.CloseReasonNotFound)
	}

	readOnly := req.ReadOnly
	if h.cfg.IsApp {
		if !req.ViaPublishedSlug {
			readOnly = false
		}
		record, err := h.fetchFileRecord(ctx)
		if err != nil && !errors.Is(err, files.ErrFileNotFound) {
			return nil, nil, err
		}
		if err == nil {
			rejection := h.applyFilePolicy(record, req, &readOnly)
			if rejection != nil {
				return nil, nil, rejection
			}
		}
	}

	liveRoom, err := h.GetRoom(ctx)
	if errors.Is(err, ErrNotFound) {
		return nil, nil, reject(room.CloseReasonNotFound)
	}
	if err != nil {
		return nil, nil, err
	}

	if h.cfg.Limiter != nil && !h.cfg.IsApp {
		// Legacy rooms are rate limited per session only.
		if !h.cfg.Limiter.Allow("session:" + req.SessionID) {
			h.recordRateLimited(req)
			return nil, nil, reject(room.CloseReasonRateLimited)
		}
	}

	userID := ""
	if req.Claims != nil {
		userID = req.Claims.UserID
	}
	session := room.NewSession(req.SessionID, userID, readOnly, req.Conn)

	h.mu.Lock()
	reopened := h.hadSessions && liveRoom.SessionCount() == 0
	h.hadSessions = true
	h.mu.Unlock()

	// The capacity check lives inside Attach, under the room lock.
	if err := liveRoom.Attach(session); err != nil {
		if errors.Is(err, room.ErrRoomFull) {
			return nil, nil, reject(room.CloseReasonRoomFull)
		}
		if !errors.Is(err, room.ErrRoomClosed) {
			return nil, nil, err
		}
		// The room was evicted between lookup and attach; one retry
		// constructs it fresh.
		liveRoom, err = h.GetRoom(ctx)
		if errors.Is(err, ErrNotFound) {
			return nil, nil, reject(room.CloseReasonNotFound)
		}
		if err != nil {
			return nil, nil, err
		}
		if err := liveRoom.Attach(session); err != nil {
			if errors.Is(err, room.ErrRoomFull) {
				return nil, nil, reject(room.CloseReasonRoomFull)
			}
			return nil, nil, err
		}
	}

	h.recorder.Record(events.Event{
		Category: events.CategoryClient,
		Name:     events.ClientEnter,
		FileID:   h.id,
		UserID:   userID,
	})
	if reopened {
		h.recorder.Record(events.Event{
			Category: events.CategoryClient,
			Name:     events.ClientRoomReopen,
			FileID:   h.id,
			UserID:   userID,
		})
	}
	return liveRoom, session, nil
}

// applyFilePolicy evaluates the app-file admission rules in order. The
// admin-restricted check fails closed: anything short of a verified admin
// is indistinguishable from "does not exist".
func (h *DocumentHost) applyFilePolicy(record files.FileRecord, req AdmissionRequest, readOnly *bool) error {
	if record.IsDeleted {
		return reject(room.CloseReasonNotFound)
	}
	if record.RestrictedToAdmin && !isVerifiedAdmin(req.Claims) {
		return reject(room.CloseReasonNotFound)
	}

	if req.ViaPublishedSlug {
		// A published view link grants read access without credentials and
		// never write access, whatever the sharing mode says.
		if !record.Published {
			return reject(room.CloseReasonNotFound)
		}
		*readOnly = true
		return h.applyRateLimit(req)
	}

	if req.Claims == nil && !record.Shared {
		return reject(room.CloseReasonNotAuthenticated)
	}
	if err := h.applyRateLimit(req); err != nil {
		return err
	}

	isOwner := req.Claims != nil && req.Claims.UserID == record.OwnerID
	if !isOwner {
		if !record.Shared {
			return reject(room.CloseReasonForbidden)
		}
		if record.SharedLinkType == files.SharedLinkTypeView {
			*readOnly = true
		}
	}
	return nil
}

// applyRateLimit charges admission to the caller's user bucket, or the
// session bucket for anonymous callers.
func (h *DocumentHost) applyRateLimit(req AdmissionRequest) error {
	if h.cfg.Limiter == nil {
		return nil
	}
	key := "session:" + req.SessionID
	if req.Claims != nil {
		key = "user:" + req.Claims.UserID
	}
	if !h.cfg.Limiter.Allow(key) {
		h.recordRateLimited(req)
		return reject(room.CloseReasonRateLimited)
	}
	return nil
}

func isVerifiedAdmin(claims *auth.SessionClaims) bool {
	if claims == nil {
		return false
	}
	return claims.IsAdmin()
}

func (h *DocumentHost) recordRateLimited(req AdmissionRequest) {
	userID := ""
	if req.Claims != nil {
		userID = req.Claims.UserID
	}
	h.recorder.Record(events.Event{
		Category: events.CategoryClient,
		Name:     events.ClientRateLimited,
		FileID:   h.id,
		UserID:   userID,
	})
}
