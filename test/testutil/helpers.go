// Package testutil holds helpers shared by package tests.
package testutil

import (
	"bytes"
	"time"

	"github.com/kanbanlab/boardsync/internal/clock"
	"github.com/kanbanlab/boardsync/internal/events"
	"github.com/kanbanlab/boardsync/internal/models"
)

// NewTestLogger creates a debug logger writing to a discarded buffer.
func NewTestLogger() *events.Logger {
	var buf bytes.Buffer
	return events.NewTestLogger(events.DebugLevel, &buf)
}

// NewFakeClock creates a fake clock at a fixed, readable instant.
func NewFakeClock() *clock.FakeClock {
	return clock.NewFake(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
}

// TaskDoc builds a minimal task entity document.
func TaskDoc(title, status string, version int) models.Document {
	return models.Document{
		"id":      "task-1",
		"title":   title,
		"status":  status,
		"version": version,
	}
}

// Recorder collects bus events for assertions.
type Recorder struct {
	Events []events.Event
}

// Attach subscribes the recorder to every event on the bus.
func (r *Recorder) Attach(bus *events.Bus) func() {
	return bus.SubscribeAll(func(evt events.Event) {
		r.Events = append(r.Events, evt)
	})
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []events.EventType {
	out := make([]events.EventType, 0, len(r.Events))
	for _, evt := range r.Events {
		out = append(out, evt.Type)
	}
	return out
}

// Count returns how many events of one type were recorded.
func (r *Recorder) Count(t events.EventType) int {
	n := 0
	for _, evt := range r.Events {
		if evt.Type == t {
			n++
		}
	}
	return n
}
