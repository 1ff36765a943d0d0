package emit

import (
	"log"
	"sync"
)

// preInitBufferCap bounds the number of events held before the first
// sink registers. Events beyond the cap are dropped with a warning.
const preInitBufferCap = 1000

// Sink is an ordered consumer of events, typically one connected SSE
// client. Send returns an error when the sink can no longer accept
// events; the bus evicts it and carries on with the others.
type Sink interface {
	ID() string
	Send(event Event) error
}

// Bus fans events out to all registered sinks.
//
// Two behaviors are contractual:
//
//   - Pre-initialization buffering: before the first sink is ever
//     registered, Emit enqueues events into a bounded FIFO (capacity
//     1000). The buffer is drained, in order, to the first sink that
//     registers successfully.
//   - Dead-sink eviction: a Send error removes the sink; other sinks
//     are unaffected. There is no backpressure to producers.
//
// Bus implements Emitter so the engine can publish without knowing
// whether anyone is listening.
type Bus struct {
	mu       sync.Mutex
	sinks    map[string]Sink
	buffer   []Event
	everSunk bool
	dropped  int
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{sinks: make(map[string]Sink)}
}

// Emit delivers the event to every registered sink, evicting sinks
// whose Send fails. Before any sink has ever registered the event is
// buffered instead (implements Emitter).
func (b *Bus) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.everSunk {
		if len(b.buffer) >= preInitBufferCap {
			b.dropped++
			log.Printf("event bus: buffer full, dropping %s event for exchange %s (%d dropped)",
				event.Type, event.ExchangeID, b.dropped)
			return
		}
		b.buffer = append(b.buffer, event)
		return
	}

	b.send(event)
}

// send delivers to all sinks; caller holds b.mu.
func (b *Bus) send(event Event) {
	for id, sink := range b.sinks {
		if err := sink.Send(event); err != nil {
			log.Printf("event bus: evicting sink %s: %v", id, err)
			delete(b.sinks, id)
		}
	}
}

// Register adds a sink. The first successful registration drains the
// pre-initialization buffer, in emission order, to that sink.
func (b *Bus) Register(sink Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sinks[sink.ID()] = sink

	if !b.everSunk {
		b.everSunk = true
		for _, event := range b.buffer {
			if err := sink.Send(event); err != nil {
				log.Printf("event bus: evicting sink %s during drain: %v", sink.ID(), err)
				delete(b.sinks, sink.ID())
				break
			}
		}
		b.buffer = nil
	}
}

// Unregister removes a sink. Unknown ids are ignored.
func (b *Bus) Unregister(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.sinks, id)
}

// SinkCount returns the number of currently registered sinks.
func (b *Bus) SinkCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sinks)
}

// Buffered returns the number of events waiting for the first sink.
func (b *Bus) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.buffer)
}
