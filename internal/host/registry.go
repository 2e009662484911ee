package host

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/slate/backend/internal/blob"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/events"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/files"
	"github.com/MarcoPoloResearchLab/slate/backend/internal/ratelimit"
	"go.uber.org/zap"
)

// RegistryConfig carries the collaborators shared by every host.
type RegistryConfig struct {
	Blob     blob.Store
	Files    *files.Service
	Limiter  *ratelimit.Limiter
	Recorder events.Recorder
	Logger   *zap.Logger
	// InfoStore yields the per-document small store.
	InfoStore func(documentID string) InfoStore

	PersistInterval time.Duration
	MaxSessions     int
	FetchRetryWait  time.Duration
	Clock           func() time.Time
}

// Registry owns exactly one DocumentHost per document id, constructed
// lazily. App and legacy namespaces are kept apart.
type Registry struct {
	cfg RegistryConfig

	mu    sync.Mutex
	hosts map[string]*DocumentHost
}

// NewRegistry constructs an empty registry.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if cfg.Blob == nil {
		return nil, errors.New("host: registry requires a blob store")
	}
	if cfg.Files == nil {
		return nil, errors.New("host: registry requires a files service")
	}
	if cfg.InfoStore == nil {
		return nil, errors.New("host: registry requires an info store factory")
	}
	return &Registry{cfg: cfg, hosts: make(map[string]*DocumentHost)}, nil
}

// Host returns the host for a document, constructing it on first access.
func (r *Registry) Host(documentID string, isApp bool) (*DocumentHost, error) {
	key := hostKey(documentID, isApp)

	r.mu.Lock()
	existing, ok := r.hosts[key]
	r.mu.Unlock()
	if ok {
		return existing, nil
	}

	created, err := New(Config{
		DocumentID:         documentID,
		IsApp:              isApp,
		Blob:               r.cfg.Blob,
		Files:              r.cfg.Files,
		Info:               r.cfg.InfoStore(key),
		Limiter:            r.cfg.Limiter,
		Recorder:           r.cfg.Recorder,
		Logger:             r.cfg.Logger,
		PersistInterval:    r.cfg.PersistInterval,
		MaxSessions:        r.cfg.MaxSessions,
		FetchRetryWait:     r.cfg.FetchRetryWait,
		Clock:              r.cfg.Clock,
		CopySourceSnapshot: r.copySourceSnapshot,
	})
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if racing, ok := r.hosts[key]; ok {
		created.Close()
		return racing, nil
	}
	r.hosts[key] = created
	return created, nil
}

// copySourceSnapshot forces a persist of the source document (so its latest
// blob is fresh) and returns those bytes.
func (r *Registry) copySourceSnapshot(ctx context.Context, sourceFileID string) ([]byte, error) {
	sourceHost, err := r.Host(sourceFileID, true)
	if err != nil {
		return nil, err
	}
	if err := sourceHost.Persist(ctx); err != nil {
		return nil, err
	}
	return r.cfg.Blob.Get(ctx, latestSnapshotKey(true, sourceFileID))
}

// Close tears down every host.
func (r *Registry) Close() {
	r.mu.Lock()
	hosts := make([]*DocumentHost, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	r.hosts = make(map[string]*DocumentHost)
	r.mu.Unlock()
	for _, h := range hosts {
		h.Close()
	}
}

func hostKey(documentID string, isApp bool) string {
	if isApp {
		return "app/" + documentID
	}
	return "legacy/" + documentID
}
