package host

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/document"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/files"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/room"
	"go.uber.org/zap"
)

var (
	// ErrRestoreBadRequest covers a missing or unknown restore timestamp.
	ErrRestoreBadRequest = errors.New("host: invalid restore request")
	// ErrRestoreUnauthorized indicates the caller presented no credentials.
	ErrRestoreUnauthorized = errors.New("host: restore requires authentication")
	// ErrRestoreForbidden indicates the caller lacks write access.
	ErrRestoreForbidden = errors.New("host: restore requires write access")
)

// documentMetaRecordID is the record carrying document-level metadata such
// as the display name.
const documentMetaRecordID = "document:document"

const purgePageSize = 100

// Restore overwrites the latest snapshot with the history entry matching the
// supplied timestamp and reloads the live room wholesale. The overwrite runs
// through the execution queue, so an in-flight persist always completes
// first and can never clobber the restored bytes; the restoring flag
// additionally no-ops persists already queued ahead of it.
func (h *DocumentHost) Restore(ctx context.Context, timestamp string, claims *auth.SessionClaims) error {
	if strings.TrimSpace(timestamp) == "" {
		return ErrRestoreBadRequest
	}

	if h.cfg.IsApp {
		record, err := h.fetchFileRecord(ctx)
		if errors.Is(err, files.ErrFileNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if record.IsDeleted {
			return ErrNotFound
		}
		if claims == nil {
			return ErrRestoreUnauthorized
		}
		isOwner := claims.UserID == record.OwnerID
		hasEditLink := record.Shared && record.SharedLinkType == files.SharedLinkTypeEdit
		if !isOwner && !hasEditLink {
			return ErrRestoreForbidden
		}
	}

	h.mu.Lock()
	if h.info.Deleted {
		h.mu.Unlock()
		return ErrNotFound
	}
	h.isRestoring = true
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		h.isRestoring = false
		h.mu.Unlock()
	}()

	return h.q.Push(ctx, func(taskCtx context.Context) error {
		data, err := h.cfg.Blob.Get(taskCtx, historyKey(h.cfg.IsApp, h.id, timestamp))
		if err != nil {
			if errors.Is(err, blob.ErrKeyNotFound) {
				return ErrRestoreBadRequest
			}
			return err
		}

		restored, err := document.NewStoreFromSnapshot(data)
		if err != nil {
			return err
		}

		if err := h.cfg.Blob.Put(taskCtx, h.latestKey(), data); err != nil {
			return err
		}

		h.mu.Lock()
		liveRoom := h.room
		h.mu.Unlock()
		if liveRoom != nil {
			if err := liveRoom.UpdateStore(func(store *document.Store) error {
				store.Replace(restored)
				return nil
			}); err != nil {
				return err
			}
			h.tasks.Go("reconcile_assets_on_restore", func(bgCtx context.Context) error {
				return h.reconcileAssets(bgCtx, liveRoom)
			})
		}
		return nil
	})
}

// FileRecordDidDelete runs the hard-delete sequence. It is idempotent: the
// deleted flag is written durably before any cleanup, so concurrent
// admission checks fail closed immediately.
func (h *DocumentHost) FileRecordDidDelete(ctx context.Context) error {
	h.mu.Lock()
	if h.info.Deleted {
		h.mu.Unlock()
		return nil
	}
	h.info.Deleted = true
	info := h.info
	publishedSlug := ""
	if h.fileRecord != nil {
		publishedSlug = h.fileRecord.PublishedSlug
	}
	h.fileRecord = nil
	h.mu.Unlock()

	if err := h.cfg.Info.Save(info); err != nil {
		// The in-memory flag still closes the door; cleanup proceeds.
		h.logger.Error("failed to persist deleted flag", zap.Error(err))
	}

	return h.q.Push(ctx, func(taskCtx context.Context) error {
		h.mu.Lock()
		liveRoom := h.room
		h.room = nil
		h.state = stateDeleted
		h.mu.Unlock()
		if liveRoom != nil {
			liveRoom.Close(room.CloseReasonNotFound)
		}
		h.persistThrottle.Stop()

		if publishedSlug != "" {
			if err := h.cfg.Blob.Delete(taskCtx, publishedKey(publishedSlug)); err != nil {
				return err
			}
			if err := h.purgePrefix(taskCtx, publishedHistoryPrefix(publishedSlug)); err != nil {
				return err
			}
		}
		if err := h.purgePrefix(taskCtx, h.historyPrefixKey()); err != nil {
			return err
		}
		if err := h.cfg.Blob.Delete(taskCtx, h.latestKey()); err != nil {
			return err
		}
		return h.cfg.Info.Wipe()
	})
}

// FileRecordDidUpdate refreshes the local record cache and propagates
// consequences to the live room: delete triggers the hard-delete sequence,
// a rename rewrites the document metadata record, and a sharing downgrade
// bounces connected guests so they re-run admission.
func (h *DocumentHost) FileRecordDidUpdate(ctx context.Context, record files.FileRecord) error {
	if record.IsDeleted {
		return h.FileRecordDidDelete(ctx)
	}

	h.mu.Lock()
	previous := h.fileRecord
	h.fileRecord = &record
	liveRoom := h.room
	h.mu.Unlock()

	if liveRoom == nil {
		return nil
	}

	if previous == nil || previous.Name != record.Name {
		nameData, err := json.Marshal(map[string]string{"name": record.Name})
		if err != nil {
			return err
		}
		if err := liveRoom.UpdateStore(func(store *document.Store) error {
			_, putErr := store.PutRecords([]document.Record{{
				ID:     documentMetaRecordID,
				TypeID: "document",
				Data:   nameData,
			}})
			return putErr
		}); err != nil {
			return err
		}
	}

	sharingTightened := !record.Shared || record.SharedLinkType == files.SharedLinkTypeView
	if sharingTightened {
		for _, session := range liveRoom.Sessions() {
			guest := session.UserID == "" || session.UserID != record.OwnerID
			if guest && !session.ReadOnly {
				// Close with no reason: the client reconnects and admission
				// re-evaluates the new sharing mode.
				liveRoom.CloseSession(session.ID, room.CloseReasonNone)
			}
		}
	}
	return nil
}

func (h *DocumentHost) purgePrefix(ctx context.Context, prefix string) error {
	cursor := ""
	for {
		keys, nextCursor, err := h.cfg.Blob.List(ctx, prefix, cursor, purgePageSize)
		if err != nil {
			return err
		}
		for _, key := range keys {
			if err := h.cfg.Blob.Delete(ctx, key); err != nil {
				return fmt.Errorf("host: purge %s: %w", key, err)
			}
		}
		if nextCursor == "" {
			return nil
		}
		cursor = nextCursor
	}
}
