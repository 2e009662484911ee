package events

import (
	"sync"

	"go.uber.org/zap"
)

// Event categories.
const (
	CategoryRoom        = "room"
	CategoryClient      = "client"
	CategorySendMessage = "send_message"
)

// Room event names.
const (
	RoomStart         = "room_start"
	RoomEmpty         = "room_empty"
	FailedLoadFromDB  = "failed_load_from_db"
	FailedPersistToDB = "failed_persist_to_db"
	FailPersist       = "fail_persist"
	ClientEnter       = "enter"
	ClientLeave       = "leave"
	ClientLastOut     = "last_out"
	ClientRoomReopen  = "room_reopen"
	ClientRateLimited = "rate_limited"
)

// Event is a small fixed analytics tuple. Delivery is best-effort and must
// never block or fail the operation that emitted it.
type Event struct {
	Category string
	Name     string
	FileID   string
	UserID   string
	Detail   string
}

// Recorder receives events.
type Recorder interface {
	Record(event Event)
}

// LogRecorder emits events through a zap logger.
type LogRecorder struct {
	logger *zap.Logger
}

// NewLogRecorder constructs a recorder backed by the provided logger.
func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogRecorder{logger: logger}
}

// Record logs the event at info level.
func (r *LogRecorder) Record(event Event) {
	r.logger.Info("analytics event",
		zap.String("category", event.Category),
		zap.String("name", event.Name),
		zap.String("file_id", event.FileID),
		zap.String("user_id", event.UserID),
		zap.String("detail", event.Detail),
	)
}

// CaptureRecorder retains events in memory for test assertions.
type CaptureRecorder struct {
	mu     sync.Mutex
	events []Event
}

// NewCaptureRecorder constructs an empty capture recorder.
func NewCaptureRecorder() *CaptureRecorder {
	return &CaptureRecorder{}
}

// Record appends the event.
func (r *CaptureRecorder) Record(event Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
}

// Events returns a copy of all recorded events.
func (r *CaptureRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Named returns recorded events matching the given name.
func (r *CaptureRecorder) Named(name string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, event := range r.events {
		if event.Name == name {
			out = append(out, event)
		}
	}
	return out
}
