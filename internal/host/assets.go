package host

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/document"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/room"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// reconcileAssets repairs asset records whose ownership metadata points at a
// different document (leakage from duplication and copy-paste flows): the
// underlying blob is copied to a fresh key and the record rewritten to
// reference it. Best-effort; a failed asset is skipped, not fatal.
func (h *DocumentHost) reconcileAssets(ctx context.Context, liveRoom *room.Room) error {
	assets := liveRoom.Store().RecordsOfType(document.RecordTypeAsset)
	var rewrites []document.Record
	for _, asset := range assets {
		if asset.FileID == "" || asset.FileID == h.id {
			continue
		}
		data, err := h.cfg.Blob.Get(ctx, asset.Src)
		if err != nil {
			if !errors.Is(err, blob.ErrKeyNotFound) {
				h.logger.Warn("asset blob unreadable during reconciliation",
					zap.String("asset_id", asset.ID), zap.Error(err))
			}
			continue
		}
		relocated := uploadKey(uuid.NewString())
		if err := h.cfg.Blob.Put(ctx, relocated, data); err != nil {
			h.logger.Warn("asset blob relocation failed",
				zap.String("asset_id", asset.ID), zap.Error(err))
			continue
		}
		asset.FileID = h.id
		asset.Src = relocated
		rewrites = append(rewrites, asset)
	}
	if len(rewrites) == 0 {
		return nil
	}
	err := liveRoom.UpdateStore(func(store *document.Store) error {
		_, putErr := store.PutRecords(rewrites)
		return putErr
	})
	if errors.Is(err, room.ErrRoomClosed) {
		return nil
	}
	return err
}
