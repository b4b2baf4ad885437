//go:build !no_automation

package automation

import (
	"cmp"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"mihome-go/internal/store"

	"github.com/yuin/gopher-lua/parse"
)

// Library holds the automation scripts. Scripts live in the database and are
// checked against the device registry whenever they are saved or enabled.
type Library struct {
	db      store.ScriptStore
	devices Devices
	now     func() time.Time

	mu      sync.RWMutex
	scripts map[string]*Script
}

// NewLibrary loads every stored script.
func NewLibrary(db store.ScriptStore, devices Devices) (*Library, error) {
	stored, err := db.ListScripts()
	if err != nil {
		return nil, fmt.Errorf("load scripts: %w", err)
	}
	l := &Library{
		db:      db,
		devices: devices,
		now:     time.Now,
		scripts: make(map[string]*Script, len(stored)),
	}
	for _, sc := range stored {
		l.scripts[sc.ID] = scriptFromStored(sc)
	}
	return l, nil
}

// List returns copies of all scripts ordered by name.
func (l *Library) List() []*Script {
	l.mu.RLock()
	out := make([]*Script, 0, len(l.scripts))
	for _, s := range l.scripts {
		out = append(out, s.clone())
	}
	l.mu.RUnlock()

	slices.SortFunc(out, func(a, b *Script) int {
		if c := cmp.Compare(a.Name, b.Name); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	return out
}

// Get returns a copy of the script with the given ID.
func (l *Library) Get(id string) (*Script, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	s, ok := l.scripts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	return s.clone(), nil
}

// Save validates and stores s. A script without an ID gets one derived from
// its name; a script with an unknown ID is an error. Target devices must all
// be present in the registry.
func (l *Library) Save(s *Script) (*Script, error) {
	s = s.clone()
	s.Name = strings.TrimSpace(s.Name)
	if err := l.validate(s); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if s.ID == "" {
		s.ID = l.newIDLocked(s.Name)
	} else if _, ok := l.scripts[s.ID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, s.ID)
	}
	s.Updated = l.now()
	if err := l.db.SaveScript(s.toStored()); err != nil {
		return nil, fmt.Errorf("save script %s: %w", s.ID, err)
	}
	l.scripts[s.ID] = s
	return s.clone(), nil
}

// SetEnabled switches a script on or off. Enabling re-checks the target
// devices, since one may have been removed while the script was off.
func (l *Library) SetEnabled(id string, enabled bool) (*Script, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cur, ok := l.scripts[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	if cur.Enabled == enabled {
		return cur.clone(), nil
	}
	if enabled {
		if err := l.checkTargets(cur.Devices); err != nil {
			return nil, err
		}
	}

	next := cur.clone()
	next.Enabled = enabled
	next.Updated = l.now()
	if err := l.db.SaveScript(next.toStored()); err != nil {
		return nil, fmt.Errorf("save script %s: %w", id, err)
	}
	l.scripts[id] = next
	return next.clone(), nil
}

// Delete removes a script.
func (l *Library) Delete(id string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.scripts[id]; !ok {
		return fmt.Errorf("%w: %s", ErrScriptNotFound, id)
	}
	if err := l.db.DeleteScript(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete script %s: %w", id, err)
	}
	delete(l.scripts, id)
	return nil
}

// Targeting returns the IDs of enabled scripts that name the device as a
// target.
func (l *Library) Targeting(name string) []string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var ids []string
	for id, s := range l.scripts {
		if s.Enabled && slices.Contains(s.Devices, name) {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids
}

// validate normalizes the target list and checks the name, the targets and
// the Lua syntax.
func (l *Library) validate(s *Script) error {
	if s.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidScript)
	}

	var targets []string
	for _, name := range s.Devices {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("%w: blank target device", ErrInvalidScript)
		}
		if !slices.Contains(targets, name) {
			targets = append(targets, name)
		}
	}
	s.Devices = targets
	if err := l.checkTargets(targets); err != nil {
		return err
	}

	if _, err := parse.Parse(strings.NewReader(s.Code), s.Name); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScript, err)
	}
	return nil
}

func (l *Library) checkTargets(names []string) error {
	var unknown []string
	for _, name := range names {
		if _, ok := l.devices.Lookup(name); !ok {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		return &UnknownDeviceError{Names: unknown}
	}
	return nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

func (l *Library) newIDLocked(name string) string {
	base := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(name), "_"), "_")
	if len(base) > 40 {
		base = base[:40]
	}
	if base == "" {
		base = "script"
	}
	id := base
	for i := 2; ; i++ {
		if _, taken := l.scripts[id]; !taken {
			return id
		}
		id = fmt.Sprintf("%s_%d", base, i)
	}
}
