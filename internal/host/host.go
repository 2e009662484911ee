// Package host owns the lifecycle of one document's room: lazy loading,
// admission, persistence coordination, eviction, restore and delete.
package host

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/background"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/document"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/events"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/files"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/queue"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/ratelimit"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/room"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/throttle"
	"go.uber.org/zap"
)

// ErrNotFound indicates the document genuinely does not exist or has been
// deleted. Distinguished from transient failures so callers pick a terminal
// close reason instead of retrying.
var ErrNotFound = errors.New("host: document not found")

var errMissingCopySource = errors.New("host: no source snapshot resolver configured")

const (
	fileRecordFetchAttempts = 10
	defaultFetchRetryWait   = 250 * time.Millisecond
	defaultPersistInterval  = 2 * time.Second
	defaultMaxSessions      = 50
)

type hostState int

const (
	stateUninitialized hostState = iota
	stateLoading
	stateLive
	stateDeleted
)

// loadOutcome is the tagged result of one load-protocol execution.
type loadOutcome struct {
	room     *room.Room
	notFound bool
	err      error
}

type loadFuture struct {
	done    chan struct{}
	outcome loadOutcome
}

// Config wires a DocumentHost's collaborators.
type Config struct {
	DocumentID string
	IsApp      bool

	Blob     blob.Store
	Files    *files.Service
	Info     InfoStore
	Limiter  *ratelimit.Limiter
	Recorder events.Recorder
	Logger   *zap.Logger

	PersistInterval time.Duration
	MaxSessions     int
	FetchRetryWait  time.Duration
	Clock           func() time.Time

	// CopySourceSnapshot forces a persist of the named same-app source
	// document and returns its latest snapshot bytes. Wired by the registry.
	CopySourceSnapshot func(ctx context.Context, sourceFileID string) ([]byte, error)
}

// DocumentHost mediates all access to one document's room.
type DocumentHost struct {
	id       string
	cfg      Config
	logger   *zap.Logger
	recorder events.Recorder

	q               *queue.Queue
	tasks           *background.Tasks
	persistThrottle *throttle.Throttle

	mu                 sync.Mutex
	state              hostState
	loading            *loadFuture
	room               *room.Room
	info               DocumentInfo
	fileRecord         *files.FileRecord
	lastPersistedClock int64
	isRestoring        bool
	hadSessions        bool
}

// New constructs the host and reads (or creates) its DocumentInfo record.
func New(cfg Config) (*DocumentHost, error) {
	if cfg.DocumentID == "" {
		return nil, fmt.Errorf("host: document id is required")
	}
	if cfg.Blob == nil {
		return nil, fmt.Errorf("host: blob store is required")
	}
	if cfg.Files == nil {
		return nil, fmt.Errorf("host: files service is required")
	}
	if cfg.Info == nil {
		return nil, fmt.Errorf("host: info store is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = events.NewLogRecorder(logger)
	}
	if cfg.PersistInterval <= 0 {
		cfg.PersistInterval = defaultPersistInterval
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = defaultMaxSessions
	}
	if cfg.FetchRetryWait <= 0 {
		cfg.FetchRetryWait = defaultFetchRetryWait
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	h := &DocumentHost{
		id:       cfg.DocumentID,
		cfg:      cfg,
		logger:   logger.With(zap.String("document_id", cfg.DocumentID)),
		recorder: recorder,
		q:        queue.New(),
	}
	h.tasks = background.New(h.logger, nil)
	h.persistThrottle = throttle.New(cfg.PersistInterval, h.persistContained)

	info, found, err := cfg.Info.Load()
	if err != nil {
		return nil, fmt.Errorf("host: load document info: %w", err)
	}
	if !found {
		info = DocumentInfo{
			Version: DocumentInfoVersion,
			Slug:    cfg.DocumentID,
			IsApp:   cfg.IsApp,
			Deleted: false,
		}
		if err := cfg.Info.Save(info); err != nil {
			return nil, fmt.Errorf("host: save document info: %w", err)
		}
	}
	h.info = info
	return h, nil
}

// ID returns the document identifier.
func (h *DocumentHost) ID() string {
	return h.id
}

// Close tears down the host's workers. It does not persist.
func (h *DocumentHost) Close() {
	h.persistThrottle.Stop()
	h.q.Close()
	h.tasks.Drain()
}

// Drain waits for all detached background work, for deterministic tests.
func (h *DocumentHost) Drain() {
	h.tasks.Drain()
}

// FlushPendingPersist forces any throttled persist to run now.
func (h *DocumentHost) FlushPendingPersist() {
	h.persistThrottle.Flush()
}

// GetRoom returns the live room, loading it if necessary. Concurrent callers
// during a load share the same in-flight outcome.
func (h *DocumentHost) GetRoom(ctx context.Context) (*room.Room, error) {
	h.mu.Lock()
	switch h.state {
	case stateDeleted:
		h.mu.Unlock()
		return nil, ErrNotFound

	case stateLive:
		liveRoom := h.room
		h.mu.Unlock()
		return liveRoom, nil

	case stateLoading:
		future := h.loading
		h.mu.Unlock()
		select {
		case <-future.done:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return mapOutcome(future.outcome)

	default: // stateUninitialized
		future := &loadFuture{done: make(chan struct{})}
		h.loading = future
		h.state = stateLoading
		h.mu.Unlock()

		outcome := h.runLoad(ctx)

		h.mu.Lock()
		h.loading = nil
		if h.state == stateDeleted {
			h.mu.Unlock()
			if outcome.room != nil {
				outcome.room.Close(room.CloseReasonNotFound)
			}
			outcome = loadOutcome{notFound: true}
		} else if outcome.err == nil && !outcome.notFound {
			h.room = outcome.room
			h.state = stateLive
			h.hadSessions = false
			h.lastPersistedClock = outcome.room.Clock()
			h.mu.Unlock()
		} else {
			h.state = stateUninitialized
			h.mu.Unlock()
		}

		future.outcome = outcome
		close(future.done)
		return mapOutcome(outcome)
	}
}

func mapOutcome(outcome loadOutcome) (*room.Room, error) {
	switch {
	case outcome.err != nil:
		return nil, outcome.err
	case outcome.notFound:
		return nil, ErrNotFound
	default:
		return outcome.room, nil
	}
}

// runLoad executes the load protocol once and constructs the room on success.
func (h *DocumentHost) runLoad(ctx context.Context) (outcome loadOutcome) {
	defer func() {
		if recovered := recover(); recovered != nil {
			outcome = loadOutcome{err: fmt.Errorf("host: load panic: %v", recovered)}
		}
		if outcome.err != nil {
			h.logger.Error("room load failed", zap.Error(outcome.err))
			h.recorder.Record(events.Event{
				Category: events.CategoryRoom,
				Name:     events.FailedLoadFromDB,
				FileID:   h.id,
				Detail:   outcome.err.Error(),
			})
		}
	}()

	store, notFound, err := h.loadStore(ctx)
	if err != nil {
		return loadOutcome{err: err}
	}
	if notFound {
		return loadOutcome{notFound: true}
	}

	newRoom := room.New(h.id, store, h.cfg.MaxSessions, room.Callbacks{
		OnChange:         h.persistThrottle.Trigger,
		OnSessionRemoved: h.sessionRemoved,
		OnSendMessage: func(messageType string) {
			h.recorder.Record(events.Event{
				Category: events.CategorySendMessage,
				Name:     messageType,
				FileID:   h.id,
			})
		},
	}, h.logger)

	h.recorder.Record(events.Event{Category: events.CategoryRoom, Name: events.RoomStart, FileID: h.id})
	// Deferred reconciliation shortly after construction; failures are not fatal.
	h.tasks.Go("reconcile_assets_on_load", func(taskCtx context.Context) error {
		return h.reconcileAssets(taskCtx, newRoom)
	})
	return loadOutcome{room: newRoom}
}

// loadStore resolves the initial document store, in priority order: latest
// snapshot, create-source, app metadata row, legacy datastore.
func (h *DocumentHost) loadStore(ctx context.Context) (*document.Store, bool, error) {
	data, err := h.cfg.Blob.Get(ctx, h.latestKey())
	if err == nil {
		store, decodeErr := document.NewStoreFromSnapshot(data)
		if decodeErr != nil {
			return nil, false, decodeErr
		}
		return store, false, nil
	}
	if !errors.Is(err, blob.ErrKeyNotFound) {
		return nil, false, err
	}

	if h.cfg.IsApp {
		record, recordErr := h.fetchFileRecord(ctx)
		if errors.Is(recordErr, files.ErrFileNotFound) {
			return nil, true, nil
		}
		if recordErr != nil {
			return nil, false, recordErr
		}
		if source := strings.TrimSpace(record.CreateSource); source != "" {
			seeded, sourceErr := h.resolveCreateSource(ctx, source)
			if sourceErr != nil {
				return nil, false, sourceErr
			}
			// Write back so the next load takes the snapshot fast path.
			if putErr := h.cfg.Blob.Put(ctx, h.latestKey(), seeded); putErr != nil {
				return nil, false, putErr
			}
			store, decodeErr := document.NewStoreFromSnapshot(seeded)
			if decodeErr != nil {
				return nil, false, decodeErr
			}
			return store, false, nil
		}
		// Row exists but nothing persisted yet: the client populates it.
		return document.NewEmptyStore(), false, nil
	}

	snapshotJSON, legacyErr := h.cfg.Files.GetLegacySnapshot(ctx, h.id)
	if errors.Is(legacyErr, files.ErrLegacyNotFound) {
		return nil, true, nil
	}
	if legacyErr != nil {
		return nil, false, legacyErr
	}
	store, decodeErr := document.NewStoreFromSnapshot([]byte(snapshotJSON))
	if decodeErr != nil {
		return nil, false, decodeErr
	}
	return store, false, nil
}

func (h *DocumentHost) resolveCreateSource(ctx context.Context, source string) ([]byte, error) {
	switch {
	case source == files.CreateSourceEmpty:
		return document.NewEmptyStore().Serialize()
	case strings.HasPrefix(source, files.CreateSourceFilePrefix):
		sourceFileID := strings.TrimPrefix(source, files.CreateSourceFilePrefix)
		if h.cfg.CopySourceSnapshot == nil {
			return nil, errMissingCopySource
		}
		return h.cfg.CopySourceSnapshot(ctx, sourceFileID)
	case strings.HasPrefix(source, files.CreateSourcePublishedPrefix):
		slug := strings.TrimPrefix(source, files.CreateSourcePublishedPrefix)
		return h.cfg.Blob.Get(ctx, publishedKey(slug))
	default:
		return nil, fmt.Errorf("host: unknown create source %q", source)
	}
}

// fetchFileRecord retrieves the metadata row with bounded retry against
// transient failures and refreshes the local cache. ErrFileNotFound is
// terminal and not retried.
func (h *DocumentHost) fetchFileRecord(ctx context.Context) (files.FileRecord, error) {
	h.mu.Lock()
	cached := h.fileRecord
	h.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}

	var lastErr error
	for attempt := 0; attempt < fileRecordFetchAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(h.cfg.FetchRetryWait):
			case <-ctx.Done():
				return files.FileRecord{}, ctx.Err()
			}
		}
		record, err := h.cfg.Files.GetFileRecord(ctx, h.id)
		if err == nil {
			h.mu.Lock()
			h.fileRecord = &record
			h.mu.Unlock()
			return record, nil
		}
		if errors.Is(err, files.ErrFileNotFound) {
			return files.FileRecord{}, err
		}
		lastErr = err
	}
	return files.FileRecord{}, lastErr
}

// Persist runs one persistence cycle through the execution queue, so at most
// one persistence-class operation is in flight at a time.
func (h *DocumentHost) Persist(ctx context.Context) error {
	return h.q.Push(ctx, h.persistTask)
}

func (h *DocumentHost) persistTask(ctx context.Context) error {
	h.mu.Lock()
	liveRoom := h.room
	restoring := h.isRestoring
	lastPersisted := h.lastPersistedClock
	h.mu.Unlock()

	if liveRoom == nil || restoring {
		return nil
	}
	clock := liveRoom.Clock()
	if clock == lastPersisted {
		return nil
	}

	data, err := liveRoom.Store().Serialize()
	if err != nil {
		return err
	}

	// Not awaited: a reconciliation that persists nested inside another
	// transaction must not deadlock this cycle.
	h.tasks.Go("reconcile_assets_on_persist", func(taskCtx context.Context) error {
		return h.reconcileAssets(taskCtx, liveRoom)
	})

	timestamp := h.cfg.Clock().UTC().Format(time.RFC3339Nano)
	var wg sync.WaitGroup
	var latestErr, historyErr error
	wg.Add(2)
	go func() {
		defer wg.Done()
		latestErr = h.cfg.Blob.Put(ctx, h.latestKey(), data)
	}()
	go func() {
		defer wg.Done()
		historyErr = h.cfg.Blob.Put(ctx, historyKey(h.cfg.IsApp, h.id, timestamp), data)
	}()
	wg.Wait()
	if latestErr != nil {
		return latestErr
	}
	if historyErr != nil {
		return historyErr
	}

	h.mu.Lock()
	h.lastPersistedClock = clock
	h.mu.Unlock()

	if h.cfg.IsApp {
		// Deliberately unawaited: awaiting could deadlock when persist is
		// reached from inside a caller's database transaction.
		h.tasks.Go("touch_updated_at", func(taskCtx context.Context) error {
			if touchErr := h.cfg.Files.TouchUpdatedAt(taskCtx, h.id); touchErr != nil {
				h.recorder.Record(events.Event{
					Category: events.CategoryRoom,
					Name:     events.FailedPersistToDB,
					FileID:   h.id,
					Detail:   touchErr.Error(),
				})
				return touchErr
			}
			return nil
		})
	}
	return nil
}

// persistContained is the throttled trigger target: persistence failures are
// reported, never propagated.
func (h *DocumentHost) persistContained() {
	if err := h.Persist(context.Background()); err != nil && !errors.Is(err, queue.ErrQueueClosed) {
		h.logger.Error("persist failed", zap.Error(err))
		h.recorder.Record(events.Event{
			Category: events.CategoryRoom,
			Name:     events.FailPersist,
			FileID:   h.id,
			Detail:   err.Error(),
		})
	}
}

// sessionRemoved runs the eviction check: when the last session leaves, a
// persist is attempted and, if nobody rejoined meanwhile, the room is closed
// and dropped.
func (h *DocumentHost) sessionRemoved(remaining int) {
	h.recorder.Record(events.Event{Category: events.CategoryClient, Name: events.ClientLeave, FileID: h.id})
	if remaining > 0 {
		return
	}
	h.recorder.Record(events.Event{Category: events.CategoryClient, Name: events.ClientLastOut, FileID: h.id})

	h.tasks.Go("evict_when_empty", func(taskCtx context.Context) error {
		// Failure is already reported inside the persist path.
		if err := h.Persist(taskCtx); err != nil && !errors.Is(err, queue.ErrQueueClosed) {
			h.recorder.Record(events.Event{
				Category: events.CategoryRoom,
				Name:     events.FailPersist,
				FileID:   h.id,
				Detail:   err.Error(),
			})
		}

		h.mu.Lock()
		liveRoom := h.room
		if h.state != stateLive || liveRoom == nil || liveRoom.SessionCount() > 0 {
			// A session joined during the persist: abort eviction.
			h.mu.Unlock()
			return nil
		}
		h.room = nil
		h.state = stateUninitialized
		h.mu.Unlock()

		liveRoom.Close(room.CloseReasonNone)
		h.recorder.Record(events.Event{Category: events.CategoryRoom, Name: events.RoomEmpty, FileID: h.id})
		return nil
	})
}

func (h *DocumentHost) latestKey() string {
	return latestSnapshotKey(h.cfg.IsApp, h.id)
}

func (h *DocumentHost) historyPrefixKey() string {
	return historyPrefix(h.cfg.IsApp, h.id)
}
