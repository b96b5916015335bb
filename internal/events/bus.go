// Package events is a publish/subscribe bus for operational events.
// The agent, resolver, scheduler and tool discovery publish; the
// websocket endpoint and the MQTT publisher subscribe. A nil *Bus is
// valid and drops everything, so components never need guard checks.
package events

import (
	"sync"
	"time"
)

// Sources identify the publishing component.
const (
	SourceAgent     = "agent"
	SourceTools     = "tools"
	SourceScheduler = "scheduler"
	SourceConnwatch = "connwatch"
)

// Kinds describe what happened.
const (
	// KindTurnStart: conversation_id, model, messages.
	KindTurnStart = "turn.start"
	// KindTurnFinish: conversation_id, finish_reason, steps,
	// input_tokens, output_tokens, elapsed_ms, error.
	KindTurnFinish = "turn.finish"
	// KindToolExec: conversation_id, tool, call_id, ok, duration_ms, phase.
	KindToolExec = "tool.exec"
	// KindDiscoveryFailed: error.
	KindDiscoveryFailed = "tool.discovery_failed"
	// KindTaskFired: task_id, task_name, conversation_id.
	KindTaskFired = "task.fired"
	// KindServiceUp: service, kind.
	KindServiceUp = "service.up"
	// KindServiceDown: service, kind, error.
	KindServiceDown = "service.down"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus broadcasts events to buffered subscriber channels. A subscriber
// whose buffer is full misses the event; publishers never block.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has room.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit publishes an event stamped with the current time.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data})
}

// Subscribe returns a channel with the given buffer that receives every
// subsequent event. Call Unsubscribe when done. A nil bus returns a nil
// channel, which never delivers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	if b == nil {
		return nil
	}
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
