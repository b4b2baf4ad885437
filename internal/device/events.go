package device

import (
	"log/slog"
	"slices"
	"sync"
	"time"
)

// EventType names what changed about an appliance.
type EventType string

const (
	EventDeviceAdded   EventType = "device_added"
	EventDeviceUpdated EventType = "device_updated"
	EventDeviceRemoved EventType = "device_removed"
	EventPowerState    EventType = "power_state"
	EventReachability  EventType = "reachability"
	EventIdentify      EventType = "identify"
)

// Event reports one change to one appliance. Which of the value fields are
// meaningful depends on Type; Fields lists exactly those.
type Event struct {
	Seq    uint64
	Type   EventType
	Device string
	At     time.Time

	IP        string // device_added, device_updated
	On        bool   // power_state
	Reachable bool   // reachability
	Action    string // identify: "identify" or "charge"
}

// Fields returns the event's device name and the values its type carries,
// keyed the way scripts and clients see them.
func (e Event) Fields() map[string]any {
	f := map[string]any{"name": e.Device}
	switch e.Type {
	case EventDeviceAdded, EventDeviceUpdated:
		f["ip"] = e.IP
	case EventPowerState:
		f["on"] = e.On
	case EventReachability:
		f["reachable"] = e.Reachable
	case EventIdentify:
		f["action"] = e.Action
	}
	return f
}

// EventHandler is a callback for events.
type EventHandler func(Event)

type subscription struct {
	id    uint64
	types []EventType // empty: every type
	fn    EventHandler
}

func (s subscription) wants(t EventType) bool {
	return len(s.types) == 0 || slices.Contains(s.types, t)
}

// EventBus delivers appliance events to subscribers in subscription order.
// Every emitted event gets the next sequence number, so a consumer can
// tell when it missed some.
type EventBus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID uint64
	seq    uint64
	logger *slog.Logger
	now    func() time.Time
}

// NewEventBus creates a new event bus.
func NewEventBus(logger *slog.Logger) *EventBus {
	return &EventBus{logger: logger, now: time.Now}
}

// On subscribes handler to the given event types, or to every type when
// none are given. The returned function cancels the subscription.
func (eb *EventBus) On(handler EventHandler, types ...EventType) func() {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	id := eb.nextID
	eb.subs = append(eb.subs, subscription{id: id, types: types, fn: handler})
	return func() {
		eb.mu.Lock()
		defer eb.mu.Unlock()
		eb.subs = slices.DeleteFunc(eb.subs, func(s subscription) bool { return s.id == id })
	}
}

// Emit stamps the event with a sequence number and time, then calls the
// matching handlers synchronously. A panicking handler is recovered and
// does not stop delivery to the rest.
func (eb *EventBus) Emit(event Event) {
	eb.mu.Lock()
	eb.seq++
	event.Seq = eb.seq
	if event.At.IsZero() {
		event.At = eb.now()
	}
	var handlers []EventHandler
	for _, s := range eb.subs {
		if s.wants(event.Type) {
			handlers = append(handlers, s.fn)
		}
	}
	eb.mu.Unlock()

	for _, h := range handlers {
		eb.deliver(h, event)
	}
}

// Seq returns the sequence number of the last emitted event.
func (eb *EventBus) Seq() uint64 {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return eb.seq
}

func (eb *EventBus) deliver(h EventHandler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			eb.logger.Error("event handler panic", "type", event.Type, "device", event.Device, "panic", r)
		}
	}()
	h(event)
}
