// Package bus carries internal gateway events (channel status transitions,
// plugin lifecycle, agent reachability) between components that must not
// import each other.
package bus

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Event is one internal notification.
type Event struct {
	Type      string         // e.g. "channel.status", "plugin.registered"
	Source    string         // channel id or component name
	Payload   map[string]any // event-specific data
	Timestamp time.Time
}

// EventHandler is a callback for events.
type EventHandler func(Event)

// Well-known event types.
const (
	EventChannelStatus      = "channel.status"
	EventPluginRegistered   = "plugin.registered"
	EventPluginUnregistered = "plugin.unregistered"
	EventPluginFailed       = "plugin.failed"
	EventPluginToggled      = "plugin.toggled"
	EventAgentStatus        = "agent.status"
)

// Wildcard subscribes to every event type.
const Wildcard = "*"

const defaultHistory = 500

type subscriber struct {
	id string
	fn EventHandler
}

// EventBus is a synchronous publish/subscribe bus. It keeps a bounded ring of
// past events and the latest event of each type per source and account.
type EventBus struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[string][]subscriber
	seq    uint64
	ring   []Event
	head   int // next write position once the ring is full
	latest map[string]map[string]Event
}

// NewEventBus creates an EventBus keeping the last 500 events.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBus{
		logger: logger.With("component", "bus"),
		subs:   make(map[string][]subscriber),
		ring:   make([]Event, 0, defaultHistory),
		latest: make(map[string]map[string]Event),
	}
}

// On registers fn for eventType and returns a subscription id for Off.
func (eb *EventBus) On(eventType string, fn EventHandler) string {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.seq++
	id := fmt.Sprintf("%s#%d", eventType, eb.seq)
	eb.subs[eventType] = append(eb.subs[eventType], subscriber{id: id, fn: fn})
	return id
}

// Off removes a subscription. Unknown ids are ignored.
func (eb *EventBus) Off(eventType, id string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	list := eb.subs[eventType]
	for i := range list {
		if list[i].id == id {
			eb.subs[eventType] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Emit records event and delivers it synchronously, type subscribers first,
// then wildcard ones. A panicking handler is logged and skipped.
func (eb *EventBus) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	eb.mu.Lock()
	eb.record(event)
	targets := append(append([]subscriber(nil), eb.subs[event.Type]...), eb.subs[Wildcard]...)
	eb.mu.Unlock()

	for _, s := range targets {
		eb.deliver(s, event)
	}
}

func (eb *EventBus) deliver(s subscriber, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "event", event.Type, "handler", s.id, "panic", r)
		}
	}()
	s.fn(event)
}

// record must be called with mu held.
func (eb *EventBus) record(event Event) {
	if len(eb.ring) < cap(eb.ring) {
		eb.ring = append(eb.ring, event)
	} else {
		eb.ring[eb.head] = event
		eb.head = (eb.head + 1) % len(eb.ring)
	}

	byKey := eb.latest[event.Type]
	if byKey == nil {
		byKey = make(map[string]Event)
		eb.latest[event.Type] = byKey
	}
	byKey[latestKey(event)] = event
}

func latestKey(e Event) string {
	if acct, ok := e.Payload["account"].(string); ok && acct != "" {
		return e.Source + "/" + acct
	}
	return e.Source
}

// Replay returns recorded events of eventType (Wildcard for all) at or after
// since, oldest first.
func (eb *EventBus) Replay(eventType string, since time.Time) []Event {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	var out []Event
	for i := range eb.ring {
		e := eb.ring[(eb.head+i)%len(eb.ring)]
		if e.Timestamp.Before(since) {
			continue
		}
		if eventType == Wildcard || e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Latest returns the most recent event of eventType for every source and
// account seen, ordered by source then account.
func (eb *EventBus) Latest(eventType string) []Event {
	eb.mu.RLock()
	byKey := eb.latest[eventType]
	keys := make([]string, 0, len(byKey))
	for k := range byKey {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]Event, 0, len(keys))
	for _, k := range keys {
		out = append(out, byKey[k])
	}
	eb.mu.RUnlock()
	return out
}
