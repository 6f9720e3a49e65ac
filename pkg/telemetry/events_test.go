package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPublishFillsDefaults(t *testing.T) {
	pub := NewEventPublisher()

	var got Event
	pub.Subscribe(func(evt Event) { got = evt })

	pub.Publish(Event{Type: EventExecutionStarted, Workflow: "wf"})

	assert.NotEmpty(t, got.ID)
	assert.False(t, got.Timestamp.IsZero())
	assert.Equal(t, EventLevelInfo, got.Level)
	assert.Equal(t, EventExecutionStarted, got.Type)
	assert.Equal(t, "wf", got.Workflow)
}

func TestSubscribeUnsubscribe(t *testing.T) {
	pub := NewEventPublisher()

	first, second := 0, 0
	id := pub.Subscribe(func(Event) { first++ })
	pub.Subscribe(func(Event) { second++ })

	pub.Publish(Event{Type: EventTaskStarted})
	pub.Unsubscribe(id)
	pub.Publish(Event{Type: EventTaskSucceeded})

	assert.Equal(t, 1, first)
	assert.Equal(t, 2, second)
}
