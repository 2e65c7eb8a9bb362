package sync

// Sync event types, broadcast to UI clients.
const (
	EventSyncStarted          = "sync.started"
	EventSyncProgress         = "sync.progress"
	EventSyncCompleted        = "sync.completed"
	EventSyncFailed           = "sync.failed"
	EventSyncConflictDetected = "sync.conflict_detected"
)

// Event is one notification emitted by the engine.
type Event struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp int64                  `json:"timestamp"`
}

// EventSink receives engine events. Publish must not block.
type EventSink interface {
	Publish(event Event)
}

// EventSinkFunc adapts a function to EventSink.
type EventSinkFunc func(Event)

// Publish calls f(event).
func (f EventSinkFunc) Publish(event Event) {
	f(event)
}

type nopSink struct{}

func (nopSink) Publish(Event) {}

func (e *Engine) emit(eventType string, data map[string]interface{}) {
	e.sink.Publish(Event{
		Type:      eventType,
		Data:      data,
		Timestamp: e.now().UnixMilli(),
	})
}

// emitProgress reports progress through the current pass.
func (e *Engine) emitProgress(done, total int, item string) {
	percent := 100
	if total > 0 {
		percent = done * 100 / total
	}
	e.emit(EventSyncProgress, map[string]interface{}{
		"percent":      percent,
		"completed":    done,
		"total":        total,
		"current_item": item,
	})
}

func (e *Engine) emitCompleted(r *DrainResult) {
	e.emit(EventSyncCompleted, map[string]interface{}{
		"completed": r.Completed,
		"failed":    r.Failed,
		"deferred":  r.Deferred,
		"conflicts": r.Conflicts,
		"duration":  r.Duration.Milliseconds(),
		"status":    "completed",
	})
}
