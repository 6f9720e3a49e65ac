package telemetry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies what happened during a workflow execution.
type EventType string

const (
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCancelled EventType = "execution.cancelled"
	EventExecutionPaused    EventType = "execution.paused"
	EventExecutionResumed   EventType = "execution.resumed"

	EventTaskStarted   EventType = "task.started"
	EventTaskSucceeded EventType = "task.succeeded"
	EventTaskFailed    EventType = "task.failed"
	EventTaskTimeout   EventType = "task.timeout"
	EventTaskSkipped   EventType = "task.skipped"
	EventTaskRetrying  EventType = "task.retrying"
)

// EventLevel indicates the severity of an event.
type EventLevel string

const (
	EventLevelInfo  EventLevel = "info"
	EventLevelWarn  EventLevel = "warn"
	EventLevelError EventLevel = "error"
)

// Event is a single engine occurrence delivered to subscribers.
type Event struct {
	ID          string     `json:"id"`
	Timestamp   time.Time  `json:"timestamp"`
	Type        EventType  `json:"type"`
	Level       EventLevel `json:"level"`
	ExecutionID string     `json:"execution_id,omitempty"`
	Workflow    string     `json:"workflow,omitempty"`
	Task        string     `json:"task,omitempty"`
	Attempt     int        `json:"attempt,omitempty"`
	Message     string     `json:"message,omitempty"`
}

// EventHandler receives published events. Handlers run synchronously on
// the publishing goroutine and must not block.
type EventHandler func(Event)

// EventPublisher is an in-process fan-out bus for engine events.
type EventPublisher struct {
	mu       sync.RWMutex
	handlers map[string]EventHandler
}

// NewEventPublisher creates an event publisher with no subscribers.
func NewEventPublisher() *EventPublisher {
	return &EventPublisher{
		handlers: make(map[string]EventHandler),
	}
}

// Subscribe registers a handler and returns its subscription id.
func (p *EventPublisher) Subscribe(handler EventHandler) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := uuid.New().String()
	p.handlers[id] = handler
	return id
}

// Unsubscribe removes a handler by subscription id.
func (p *EventPublisher) Unsubscribe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.handlers, id)
}

// Publish assigns the event an id and timestamp and delivers it to all
// current subscribers.
func (p *EventPublisher) Publish(evt Event) {
	if evt.ID == "" {
		evt.ID = uuid.New().String()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	if evt.Level == "" {
		evt.Level = EventLevelInfo
	}

	p.mu.RLock()
	handlers := make([]EventHandler, 0, len(p.handlers))
	for _, h := range p.handlers {
		handlers = append(handlers, h)
	}
	p.mu.RUnlock()

	for _, h := range handlers {
		h(evt)
	}
}
