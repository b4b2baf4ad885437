package store

import (
	"errors"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// cached returns the accessory stored under name, or nil.
func cached(t *testing.T, s *BoltStore, name string) *Accessory {
	t.Helper()
	list, err := s.ListAccessories()
	if err != nil {
		t.Fatal(err)
	}
	for _, acc := range list {
		if acc.Name == name {
			return acc
		}
	}
	return nil
}

func TestSaveAndListAccessory(t *testing.T) {
	s := newTestStore(t)

	acc := &Accessory{
		Name:         "Vac1",
		IP:           "192.168.1.10",
		Start:        "AA",
		Stop:         "BB",
		Charge:       "CC",
		Locate:       "DD",
		Manufacturer: "Xiaomi",
		Model:        "rockrobo.vacuum.v1",
		Serial:       "12345",
		PowerState:   true,
	}

	if err := s.SaveAccessory(acc); err != nil {
		t.Fatal(err)
	}
	if acc.Seq == 0 {
		t.Fatal("seq = 0, want assigned sequence")
	}

	got := cached(t, s, "Vac1")
	if got == nil {
		t.Fatal("Vac1 not cached")
	}

	if got.IP != acc.IP {
		t.Errorf("ip = %q, want %q", got.IP, acc.IP)
	}
	if got.Start != "AA" || got.Stop != "BB" || got.Charge != "CC" || got.Locate != "DD" {
		t.Errorf("commands = %q/%q/%q/%q, want AA/BB/CC/DD", got.Start, got.Stop, got.Charge, got.Locate)
	}
	if got.Manufacturer != acc.Manufacturer {
		t.Errorf("manufacturer = %q, want %q", got.Manufacturer, acc.Manufacturer)
	}
	if got.Serial != "12345" {
		t.Errorf("serial = %q, want 12345", got.Serial)
	}
	if !got.PowerState {
		t.Error("power_state = false, want true")
	}
	if got.Seq != acc.Seq {
		t.Errorf("seq = %d, want %d", got.Seq, acc.Seq)
	}
}

func TestSaveKeepsExistingSeq(t *testing.T) {
	s := newTestStore(t)

	acc := &Accessory{Name: "Vac1"}
	if err := s.SaveAccessory(acc); err != nil {
		t.Fatal(err)
	}
	first := acc.Seq

	acc.IP = "10.0.0.2"
	if err := s.SaveAccessory(acc); err != nil {
		t.Fatal(err)
	}
	if acc.Seq != first {
		t.Errorf("seq changed on update: %d -> %d", first, acc.Seq)
	}
}

func TestDeleteAccessory(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveAccessory(&Accessory{Name: "Vac1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteAccessory("Vac1"); err != nil {
		t.Fatal(err)
	}

	if got := cached(t, s, "Vac1"); got != nil {
		t.Errorf("Vac1 still cached: %+v", got)
	}

	if err := s.DeleteAccessory("Vac1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete err = %v, want ErrNotFound", err)
	}
}

func TestListAccessoriesInsertionOrder(t *testing.T) {
	s := newTestStore(t)

	// Names chosen so key order differs from insertion order.
	names := []string{"Zeta", "Alpha", "Mid"}
	for _, n := range names {
		if err := s.SaveAccessory(&Accessory{Name: n}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListAccessories()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != len(names) {
		t.Fatalf("list count = %d, want %d", len(list), len(names))
	}
	for i, acc := range list {
		if acc.Name != names[i] {
			t.Errorf("list[%d] = %q, want %q", i, acc.Name, names[i])
		}
	}
}

func TestDeleteMissingAccessory(t *testing.T) {
	s := newTestStore(t)

	if err := s.DeleteAccessory("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReopenKeepsData(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.SaveAccessory(&Accessory{Name: "Vac1", PowerState: true}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got := cached(t, s, "Vac1")
	if got == nil || !got.PowerState {
		t.Error("power_state lost across reopen")
	}
}

func TestScriptsRoundTrip(t *testing.T) {
	s := newTestStore(t)
	updated := time.Date(2024, 3, 1, 22, 0, 0, 0, time.UTC)

	for _, sc := range []*Script{
		{ID: "night_clean", Name: "Night Clean", Enabled: true, Devices: []string{"Vac1"}, Code: `mihome.turn_on("Vac1")`, Updated: updated},
		{ID: "dock", Name: "Dock", Code: `mihome.charge("Vac1")`},
	} {
		if err := s.SaveScript(sc); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListScripts()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 2 {
		t.Fatalf("scripts = %d, want 2", len(list))
	}
	if list[0].ID != "dock" || list[1].ID != "night_clean" {
		t.Errorf("order = %s, %s, want dock, night_clean", list[0].ID, list[1].ID)
	}
	got := list[1]
	if !got.Enabled || !slices.Equal(got.Devices, []string{"Vac1"}) || !got.Updated.Equal(updated) {
		t.Errorf("night_clean = %+v", got)
	}

	if err := s.DeleteScript("dock"); err != nil {
		t.Fatal(err)
	}
	if err := s.DeleteScript("dock"); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete err = %v, want ErrNotFound", err)
	}
	list, _ = s.ListScripts()
	if len(list) != 1 {
		t.Errorf("scripts after delete = %d, want 1", len(list))
	}
}
