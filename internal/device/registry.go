package device

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"mihome-go/internal/store"
)

// Registry is the canonical name-keyed set of appliance records.
//
// Records are kept in insertion order and written through to the accessory
// cache so they can be restored after a restart. Attached hosts are told
// about every create and delete exactly once, outside the record lock, so a
// host may read the registry from its callbacks. All methods are safe for
// concurrent use; Upsert and Remove are serialized so the merge rule holds.
type Registry struct {
	write sync.Mutex // serializes Restore, Upsert and Remove with their host calls

	mu      sync.RWMutex
	records map[string]*Record
	order   []string
	hosts   []Host

	cache  store.Store
	events *EventBus
	logger *slog.Logger
}

// NewRegistry creates an empty registry. cache may be nil, in which case
// records live only in memory.
func NewRegistry(cache store.Store, events *EventBus, logger *slog.Logger) *Registry {
	return &Registry{
		records: make(map[string]*Record),
		cache:   cache,
		events:  events,
		logger:  logger.With("component", "registry"),
	}
}

// AddHost attaches a host. Hosts must be attached before Restore so that
// restored records reach them.
func (r *Registry) AddHost(h Host) {
	r.mu.Lock()
	r.hosts = append(r.hosts, h)
	r.mu.Unlock()
}

// Events returns the event bus.
func (r *Registry) Events() *EventBus {
	return r.events
}

// Restore loads previously cached records. Restored records start out
// unreachable until reconciliation refreshes them, and are handed to the
// hosts since this is where their external objects come into being for this
// process.
func (r *Registry) Restore() error {
	if r.cache == nil {
		return nil
	}
	cached, err := r.cache.ListAccessories()
	if err != nil {
		return fmt.Errorf("list cached accessories: %w", err)
	}

	r.write.Lock()
	defer r.write.Unlock()

	r.mu.Lock()
	restored := make([]Record, 0, len(cached))
	for _, acc := range cached {
		if acc.Name == "" {
			continue
		}
		if _, ok := r.records[acc.Name]; ok {
			continue
		}
		rec := recordFromCache(acc)
		r.records[rec.Name] = rec
		r.order = append(r.order, rec.Name)
		restored = append(restored, *rec)
	}
	hosts := slices.Clone(r.hosts)
	r.mu.Unlock()

	for _, rec := range restored {
		r.logger.Debug("restored cached device", "name", rec.Name, "power_state", rec.PowerState)
		r.register(hosts, rec)
	}
	r.logger.Info("accessory cache restored", "count", len(restored))
	return nil
}

// Upsert creates the record named def.Name or merges def into it.
// On create the power state starts as false and every host is told about
// the new record once it is visible to Lookup. On merge, blank fields of def
// leave the stored values untouched.
func (r *Registry) Upsert(def Definition) Record {
	r.write.Lock()
	defer r.write.Unlock()

	r.mu.Lock()
	rec, exists := r.records[def.Name]
	if !exists {
		rec = &Record{Name: def.Name}
		rec.merge(def)
		r.records[def.Name] = rec
		r.order = append(r.order, def.Name)
	} else {
		rec.merge(def)
	}
	r.saveLocked(rec)
	out := *rec
	hosts := slices.Clone(r.hosts)
	r.mu.Unlock()

	if !exists {
		r.logger.Info("initializing device", "name", def.Name)
		r.register(hosts, out)
	}

	evt := EventDeviceUpdated
	if !exists {
		evt = EventDeviceAdded
	}
	r.events.Emit(Event{Type: evt, Device: out.Name, IP: out.IP})
	return out
}

// Remove deletes the named record and unregisters it from every host.
// Removing an unknown name is a no-op.
func (r *Registry) Remove(name string) {
	r.write.Lock()
	defer r.write.Unlock()

	r.mu.Lock()
	if _, ok := r.records[name]; !ok {
		r.mu.Unlock()
		r.logger.Debug("remove: unknown device", "name", name)
		return
	}
	delete(r.records, name)
	if i := slices.Index(r.order, name); i >= 0 {
		r.order = slices.Delete(r.order, i, i+1)
	}
	hosts := slices.Clone(r.hosts)
	r.mu.Unlock()

	for _, h := range hosts {
		if err := h.Unregister(name); err != nil {
			r.logger.Warn("host unregister failed", "name", name, "err", err)
		}
	}
	if r.cache != nil {
		if err := r.cache.DeleteAccessory(name); err != nil && !errors.Is(err, store.ErrNotFound) {
			r.logger.Error("delete cached device", "name", name, "err", err)
		}
	}

	r.logger.Info("device removed", "name", name)
	r.events.Emit(Event{Type: EventDeviceRemoved, Device: name})
}

// Lookup returns a copy of the named record.
func (r *Registry) Lookup(name string) (Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[name]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}

// List returns copies of all records in insertion order.
func (r *Registry) List() []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Record, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, *r.records[name])
	}
	return out
}

// Names returns all record names in insertion order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.order)
}

// Len returns the number of records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Refresh pushes accessory information to the hosts and marks the record
// reachable. Unknown names are ignored.
func (r *Registry) Refresh(name string) {
	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return
	}
	rec.Reachable = true
	manufacturer, model, serial := rec.Info()
	hosts := slices.Clone(r.hosts)
	r.mu.Unlock()

	for _, h := range hosts {
		if err := h.PushInfo(name, manufacturer, model, serial); err != nil {
			r.logger.Warn("host push info failed", "name", name, "err", err)
		}
		if err := h.SetReachable(name, true); err != nil {
			r.logger.Warn("host set reachable failed", "name", name, "err", err)
		}
	}
	r.events.Emit(Event{Type: EventReachability, Device: name, Reachable: true})
}

// SetPowerState records the last commanded power state of the named device.
// It reports whether the device exists.
func (r *Registry) SetPowerState(name string, on bool) bool {
	r.mu.Lock()
	rec, ok := r.records[name]
	if !ok {
		r.mu.Unlock()
		return false
	}
	rec.PowerState = on
	r.saveLocked(rec)
	r.mu.Unlock()

	r.events.Emit(Event{Type: EventPowerState, Device: name, On: on})
	return true
}

func (r *Registry) register(hosts []Host, rec Record) {
	for _, h := range hosts {
		if err := h.Register(rec); err != nil {
			r.logger.Warn("host register failed", "name", rec.Name, "err", err)
		}
	}
}

func (r *Registry) saveLocked(rec *Record) {
	if r.cache == nil {
		return
	}
	acc := rec.toCache()
	if err := r.cache.SaveAccessory(acc); err != nil {
		r.logger.Error("save cached device", "name", rec.Name, "err", err)
		return
	}
	rec.seq = acc.Seq
}
