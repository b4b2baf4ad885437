package device

import (
	"encoding/json"
	"sort"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"mihome-go/internal/store"
)

// memStore is a minimal in-memory accessory cache.
type memStore struct {
	accs    map[string]*store.Accessory
	nextSeq uint64
}

func newMemStore() *memStore {
	return &memStore{accs: make(map[string]*store.Accessory)}
}

func (m *memStore) SaveAccessory(acc *store.Accessory) error {
	if acc.Seq == 0 {
		m.nextSeq++
		acc.Seq = m.nextSeq
	}
	cp := *acc
	m.accs[acc.Name] = &cp
	return nil
}
func (m *memStore) DeleteAccessory(name string) error {
	if _, ok := m.accs[name]; !ok {
		return store.ErrNotFound
	}
	delete(m.accs, name)
	return nil
}
func (m *memStore) ListAccessories() ([]*store.Accessory, error) {
	list := make([]*store.Accessory, 0, len(m.accs))
	for _, a := range m.accs {
		cp := *a
		list = append(list, &cp)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Seq < list[j].Seq })
	return list, nil
}
func (m *memStore) Close() error { return nil }

// recordingHost counts host callbacks per device name.
type recordingHost struct {
	registered   map[string]int
	unregistered map[string]int
	info         map[string][3]string
	reachable    map[string]bool
}

func newRecordingHost() *recordingHost {
	return &recordingHost{
		registered:   make(map[string]int),
		unregistered: make(map[string]int),
		info:         make(map[string][3]string),
		reachable:    make(map[string]bool),
	}
}

func (h *recordingHost) Register(rec Record) error {
	h.registered[rec.Name]++
	return nil
}
func (h *recordingHost) Unregister(name string) error {
	h.unregistered[name]++
	return nil
}
func (h *recordingHost) PushInfo(name, manufacturer, model, serial string) error {
	h.info[name] = [3]string{manufacturer, model, serial}
	return nil
}
func (h *recordingHost) SetReachable(name string, reachable bool) error {
	h.reachable[name] = reachable
	return nil
}

func newTestRegistry(t *testing.T) (*Registry, *memStore, *recordingHost) {
	t.Helper()
	ms := newMemStore()
	host := newRecordingHost()
	logger := newTestLogger()
	reg := NewRegistry(ms, NewEventBus(logger), logger)
	reg.AddHost(host)
	return reg, ms, host
}

func TestUpsertCreatesRecordPoweredOff(t *testing.T) {
	reg, ms, host := newTestRegistry(t)

	rec := reg.Upsert(Definition{Name: "Vac1", IP: "192.168.1.10", Start: "AA", Stop: "BB"})

	if rec.PowerState {
		t.Error("power_state = true on create, want false")
	}
	if rec.IP != "192.168.1.10" {
		t.Errorf("ip = %q, want 192.168.1.10", rec.IP)
	}
	if host.registered["Vac1"] != 1 {
		t.Errorf("register calls = %d, want 1", host.registered["Vac1"])
	}
	if _, ok := ms.accs["Vac1"]; !ok {
		t.Error("record not written to cache")
	}
}

func TestUpsertMergeKeepsFields(t *testing.T) {
	reg, _, host := newTestRegistry(t)

	reg.Upsert(Definition{Name: "X", IP: "10.0.0.1", Start: "AA", Manufacturer: "Xiaomi"})
	reg.SetPowerState("X", true)

	for i := 0; i < 3; i++ {
		reg.Upsert(Definition{Name: "X"})
	}

	rec, ok := reg.Lookup("X")
	if !ok {
		t.Fatal("X not found")
	}
	if rec.IP != "10.0.0.1" || rec.Start != "AA" || rec.Manufacturer != "Xiaomi" {
		t.Errorf("fields cleared by empty upsert: %+v", rec)
	}
	if !rec.PowerState {
		t.Error("power_state not preserved across update")
	}
	if host.registered["X"] != 1 {
		t.Errorf("register calls = %d, want 1 (updates must not register)", host.registered["X"])
	}
}

func TestUpsertMergeReplacesNonBlank(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	reg.Upsert(Definition{Name: "X", IP: "10.0.0.1", Stop: "BB"})
	reg.Upsert(Definition{Name: "X", IP: "10.0.0.2", Stop: "  "})

	rec, _ := reg.Lookup("X")
	if rec.IP != "10.0.0.2" {
		t.Errorf("ip = %q, want 10.0.0.2", rec.IP)
	}
	if rec.Stop != "BB" {
		t.Errorf("stop = %q, want BB (whitespace keeps prior value)", rec.Stop)
	}
}

func TestRemoveUnregistersOnce(t *testing.T) {
	reg, ms, host := newTestRegistry(t)

	reg.Upsert(Definition{Name: "Vac1"})
	reg.Remove("Vac1")
	reg.Remove("Vac1")

	if _, ok := reg.Lookup("Vac1"); ok {
		t.Error("Vac1 still present after remove")
	}
	if host.unregistered["Vac1"] != 1 {
		t.Errorf("unregister calls = %d, want 1", host.unregistered["Vac1"])
	}
	if _, ok := ms.accs["Vac1"]; ok {
		t.Error("Vac1 still in cache")
	}
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	reg, _, host := newTestRegistry(t)

	reg.Remove("ghost")

	if len(host.unregistered) != 0 {
		t.Errorf("unregister called for unknown device: %v", host.unregistered)
	}
}

func TestListInsertionOrder(t *testing.T) {
	reg, _, _ := newTestRegistry(t)

	want := []string{"Zeta", "Alpha", "Mid"}
	for _, n := range want {
		reg.Upsert(Definition{Name: n})
	}
	reg.Upsert(Definition{Name: "Alpha", IP: "1.2.3.4"})

	got := reg.Names()
	if len(got) != len(want) {
		t.Fatalf("names = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("names[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	list := reg.List()
	if list[1].IP != "1.2.3.4" {
		t.Errorf("list[1].ip = %q, want 1.2.3.4", list[1].IP)
	}
}

func TestRestoreFromCache(t *testing.T) {
	ms := newMemStore()
	ms.SaveAccessory(&store.Accessory{Name: "Old", IP: "10.0.0.9", PowerState: true})
	ms.SaveAccessory(&store.Accessory{Name: "Older"})

	host := newRecordingHost()
	logger := newTestLogger()
	reg := NewRegistry(ms, NewEventBus(logger), logger)
	reg.AddHost(host)

	if err := reg.Restore(); err != nil {
		t.Fatal(err)
	}

	rec, ok := reg.Lookup("Old")
	if !ok {
		t.Fatal("Old not restored")
	}
	if !rec.PowerState {
		t.Error("power_state not restored")
	}
	if rec.Reachable {
		t.Error("restored record should start unreachable")
	}
	if host.registered["Old"] != 1 || host.registered["Older"] != 1 {
		t.Errorf("register calls = %v, want one per restored record", host.registered)
	}
	if names := reg.Names(); names[0] != "Old" || names[1] != "Older" {
		t.Errorf("names = %v, want [Old Older]", names)
	}

	// An upsert of a restored record is an update, not a create.
	reg.Upsert(Definition{Name: "Old", Model: "v1"})
	if host.registered["Old"] != 1 {
		t.Errorf("register calls after upsert = %d, want 1", host.registered["Old"])
	}
}

func TestRefreshPushesDefaults(t *testing.T) {
	reg, _, host := newTestRegistry(t)

	reg.Upsert(Definition{Name: "Vac1", Model: "rockrobo"})
	reg.Refresh("Vac1")

	got := host.info["Vac1"]
	want := [3]string{DefaultManufacturer, "rockrobo", DefaultSerial}
	if got != want {
		t.Errorf("info = %v, want %v", got, want)
	}
	if !host.reachable["Vac1"] {
		t.Error("host not told device is reachable")
	}
	if rec, _ := reg.Lookup("Vac1"); !rec.Reachable {
		t.Error("record not marked reachable")
	}
}

func TestSetPowerStateEmitsAndPersists(t *testing.T) {
	reg, ms, _ := newTestRegistry(t)
	reg.Upsert(Definition{Name: "Vac1"})

	var got Event
	reg.Events().On(func(e Event) { got = e }, EventPowerState)

	if !reg.SetPowerState("Vac1", true) {
		t.Fatal("SetPowerState reported unknown device")
	}
	if reg.SetPowerState("ghost", true) {
		t.Error("SetPowerState on unknown device reported success")
	}

	if !got.On || got.Device != "Vac1" {
		t.Errorf("event = %+v, want power_state on for Vac1", got)
	}
	if !ms.accs["Vac1"].PowerState {
		t.Error("power state not written to cache")
	}
}

func TestDefinitionCoercesNumbers(t *testing.T) {
	src := []byte("name: Vac1\nmodel: 1234\nserial: 0042\nmanufacturer: Xiaomi\n")
	var def Definition
	if err := yaml.Unmarshal(src, &def); err != nil {
		t.Fatal(err)
	}
	if def.Model != "1234" || def.Serial != "0042" || def.Manufacturer != "Xiaomi" {
		t.Errorf("yaml coercion = %+v", def)
	}

	var jdef Definition
	if err := json.Unmarshal([]byte(`{"name":"Vac2","model":5,"serial":"S1","manufacturer":null}`), &jdef); err != nil {
		t.Fatal(err)
	}
	if jdef.Model != "5" || jdef.Serial != "S1" || jdef.Manufacturer != "" {
		t.Errorf("json coercion = %+v", jdef)
	}
}

// lookupHost reads the registry back from its callbacks.
type lookupHost struct {
	reg     *Registry
	seen    map[string]bool // name -> found by Lookup during Register
	removed map[string]bool // name -> still found by Lookup during Unregister
}

func (h *lookupHost) Register(rec Record) error {
	_, h.seen[rec.Name] = h.reg.Lookup(rec.Name)
	return nil
}
func (h *lookupHost) Unregister(name string) error {
	_, h.removed[name] = h.reg.Lookup(name)
	h.reg.List()
	return nil
}
func (h *lookupHost) PushInfo(name, _, _, _ string) error {
	h.reg.Lookup(name)
	return nil
}
func (h *lookupHost) SetReachable(string, bool) error { return nil }

func TestHostCallbacksMayReadRegistry(t *testing.T) {
	logger := newTestLogger()
	reg := NewRegistry(newMemStore(), NewEventBus(logger), logger)
	host := &lookupHost{reg: reg, seen: make(map[string]bool), removed: make(map[string]bool)}
	reg.AddHost(host)

	done := make(chan struct{})
	go func() {
		defer close(done)
		reg.Upsert(Definition{Name: "Vac1", IP: "10.0.0.1"})
		reg.Refresh("Vac1")
		reg.Remove("Vac1")
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("registry deadlocked in a host callback")
	}

	if !host.seen["Vac1"] {
		t.Error("record not visible to Lookup during Register")
	}
	if host.removed["Vac1"] {
		t.Error("record still visible to Lookup during Unregister")
	}
}

func TestRemoveUncachedRecord(t *testing.T) {
	reg, ms, host := newTestRegistry(t)
	reg.Upsert(Definition{Name: "Vac1"})
	delete(ms.accs, "Vac1")

	reg.Remove("Vac1")

	if _, ok := reg.Lookup("Vac1"); ok {
		t.Error("Vac1 still registered")
	}
	if host.unregistered["Vac1"] != 1 {
		t.Errorf("unregister calls = %d, want 1", host.unregistered["Vac1"])
	}
}
