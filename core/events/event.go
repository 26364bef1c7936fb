package events

import "nagare/core/types"

// Event represents a structured state change emitted by a component.
type Event interface {
	EventType() string
}

// Payload is implemented by events that can render themselves for
// subscribers.
type Payload interface {
	Event() *types.Event
}

// Emitter broadcasts events to downstream subscribers (e.g. the websocket
// stream, the read model).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter is a helper that satisfies the Emitter interface while discarding
// all events. It is useful when a component wants to optionally expose events.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Multi fans every event out to each emitter in order. Nil entries are
// skipped.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, emitter := range m {
		if emitter != nil {
			emitter.Emit(evt)
		}
	}
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

// Emit implements the Emitter interface.
func (f EmitterFunc) Emit(evt Event) {
	if f != nil {
		f(evt)
	}
}

// Render returns the wire form of evt, or nil when it has none.
func Render(evt Event) *types.Event {
	if evt == nil {
		return nil
	}
	payload, ok := evt.(Payload)
	if !ok {
		return nil
	}
	return payload.Event()
}
