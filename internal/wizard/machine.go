// Package wizard implements the interactive device configuration dialogue.
//
// The dialogue is server driven: every request carries the operator's answer
// to the previous screen and Machine.Step returns exactly one new screen, or
// Done once the updated device list has been persisted.
package wizard

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"mihome-go/internal/device"
)

// Step is the position of a session in the dialogue. Each step names the
// answer it consumes.
type Step int

const (
	StepNone    Step = iota // not started
	StepMenu                // show the operation menu
	StepChoose              // menu selection
	StepResolve             // new name, or device selected for modify
	StepFields              // field values for the target
	StepRemove              // device selected for removal
	StepPersist             // write the device list back
)

func (s Step) String() string {
	switch s {
	case StepNone:
		return "none"
	case StepMenu:
		return "menu"
	case StepChoose:
		return "choose"
	case StepResolve:
		return "resolve"
	case StepFields:
		return "fields"
	case StepRemove:
		return "remove"
	case StepPersist:
		return "persist"
	}
	return fmt.Sprintf("step(%d)", int(s))
}

// Operation is the menu choice carried between steps.
type Operation int

const (
	OperationNone Operation = iota
	OperationAdd
	OperationModify
)

// Menu entries, in display order.
const (
	menuAdd = iota
	menuModify
	menuRemove
)

var menuItems = []string{"Add New Device", "Modify Existing Device", "Remove Existing Device"}

// Session is the per-dialogue context.
type Session struct {
	ID        string    `json:"id"`
	Step      Step      `json:"step"`
	Operation Operation `json:"operation"`
	Names     []string  `json:"names,omitempty"`
	Target    string    `json:"target,omitempty"`
}

func (s *Session) clearSelection() {
	s.Names = nil
	s.Operation = OperationNone
}

func (s *Session) reset() {
	s.clearSelection()
	s.Step = StepNone
	s.Target = ""
}

// Store is the part of the device registry the wizard edits.
type Store interface {
	Lookup(name string) (device.Record, bool)
	Upsert(def device.Definition) device.Record
	Refresh(name string)
	Remove(name string)
	List() []device.Record
	Names() []string
}

// Persister writes the updated device list.
type Persister interface {
	Persist(ctx context.Context, devices []device.Definition) error
}

// PersistFunc adapts a function to Persister.
type PersistFunc func(ctx context.Context, devices []device.Definition) error

func (f PersistFunc) Persist(ctx context.Context, devices []device.Definition) error {
	return f(ctx, devices)
}

// ValidationError is an operator mistake. It is shown as an instruction
// screen and the session returns to the menu.
type ValidationError struct {
	Title  string
	Detail string
}

func (e *ValidationError) Error() string { return e.Detail }

// Screen renders the error for the operator.
func (e *ValidationError) Screen() *Screen { return instruction(e.Title, e.Detail) }

var (
	errMissingName      = &ValidationError{Title: "Error", Detail: "Name of the device is missing."}
	errInvalidSelection = &ValidationError{Title: "Error", Detail: "Invalid selection."}
)

// Result is the outcome of one step.
type Result struct {
	Screen *Screen `json:"screen,omitempty"`
	Done   bool    `json:"done"`
}

// Machine is the wizard transition function bound to a store and persister.
type Machine struct {
	store     Store
	persister Persister
	logger    *slog.Logger
}

// NewMachine creates a wizard over store.
func NewMachine(store Store, persister Persister, logger *slog.Logger) *Machine {
	return &Machine{store: store, persister: persister, logger: logger.With("component", "wizard")}
}

// Step consumes req, advances s and returns the next screen. A terminate
// request ends the session from any step. The only error is a failed
// persist, after which the session has still ended.
func (m *Machine) Step(ctx context.Context, s *Session, req Request) (Result, error) {
	if req.Type == RequestTerminate {
		m.logger.Debug("session terminated", "session", s.ID, "step", s.Step)
		s.reset()
		return Result{Done: true}, nil
	}

	switch s.Step {
	case StepNone:
		s.Step = StepMenu
		return screen(instruction("Before You Start...",
			"Make sure every device is reachable from this host on UDP port 54321.")), nil

	case StepMenu:
		s.Step = StepChoose
		return screen(list("What do you want to do?", menuItems)), nil

	case StepChoose:
		return m.choose(s, req), nil

	case StepResolve:
		return m.resolve(s, req), nil

	case StepFields:
		return m.submitFields(s, req), nil

	case StepRemove:
		return m.remove(s, req), nil

	case StepPersist:
		return m.persist(ctx, s)
	}

	m.logger.Warn("unknown step, restarting session", "session", s.ID, "step", int(s.Step))
	s.reset()
	return m.Step(ctx, s, req)
}

func (m *Machine) choose(s *Session, req Request) Result {
	sel, ok := req.selection(len(menuItems))
	if !ok {
		return m.reject(s, errInvalidSelection)
	}
	if sel == menuAdd {
		s.Operation = OperationAdd
		s.Step = StepResolve
		return screen(input("New Device", []Input{
			{ID: "name", Title: "Name (Required)", Placeholder: "Mi Robot Vacuum"},
		}))
	}

	names := m.store.Names()
	if len(names) == 0 {
		s.Step = StepMenu
		return screen(instruction("Unavailable", "No Device is configured."))
	}

	var title string
	if sel == menuModify {
		title = "Which device do you want to modify?"
		s.Operation = OperationModify
		s.Step = StepResolve
	} else {
		title = "Which device do you want to remove?"
		s.Operation = OperationNone
		s.Step = StepRemove
	}
	s.Names = names
	return screen(list(title, names))
}

func (m *Machine) resolve(s *Session, req Request) Result {
	op := s.Operation
	var name string
	switch op {
	case OperationAdd:
		name = strings.TrimSpace(req.input("name"))
	case OperationModify:
		i, ok := req.selection(len(s.Names))
		if !ok {
			return m.reject(s, errInvalidSelection)
		}
		if rec, ok := m.store.Lookup(s.Names[i]); ok {
			name = rec.Name
		}
	}
	s.clearSelection()

	if name == "" {
		return m.reject(s, errMissingName)
	}
	s.Target = name
	s.Step = StepFields
	return screen(input(name, fieldInputs(op == OperationModify)))
}

func (m *Machine) submitFields(s *Session, req Request) Result {
	// Start from a copy so nothing live changes before Upsert.
	def := device.Definition{Name: s.Target}
	if rec, ok := m.store.Lookup(s.Target); ok {
		def = rec.Definition()
	}
	for _, f := range fields {
		if v := strings.TrimSpace(req.input(f.id)); v != "" {
			*f.ref(&def) = v
		}
	}
	def.Name = s.Target

	m.store.Upsert(def)
	m.store.Refresh(def.Name)
	m.logger.Info("device saved", "session", s.ID, "name", def.Name)

	s.Step = StepPersist
	return screen(instruction("Success", "The new device is now updated."))
}

func (m *Machine) remove(s *Session, req Request) Result {
	i, ok := req.selection(len(s.Names))
	if !ok {
		return m.reject(s, errInvalidSelection)
	}
	name := s.Names[i]
	s.clearSelection()

	m.store.Remove(name)
	m.logger.Info("device removed", "session", s.ID, "name", name)

	s.Step = StepPersist
	return screen(instruction("Success", "The device is now removed."))
}

func (m *Machine) persist(ctx context.Context, s *Session) (Result, error) {
	s.reset()

	records := m.store.List()
	defs := make([]device.Definition, 0, len(records))
	for _, rec := range records {
		defs = append(defs, rec.Definition())
	}
	if err := m.persister.Persist(ctx, defs); err != nil {
		m.logger.Error("persist configuration", "session", s.ID, "err", err)
		return Result{Done: true}, fmt.Errorf("persist configuration: %w", err)
	}
	m.logger.Info("configuration persisted", "session", s.ID, "devices", len(defs))
	return Result{Done: true}, nil
}

func (m *Machine) reject(s *Session, verr *ValidationError) Result {
	m.logger.Debug("rejected answer", "session", s.ID, "step", s.Step, "reason", verr.Detail)
	s.clearSelection()
	s.Target = ""
	s.Step = StepMenu
	return screen(verr.Screen())
}

func screen(sc *Screen) Result {
	return Result{Screen: sc}
}

type field struct {
	id, title, example string
	ref                func(*device.Definition) *string
}

var fields = []field{
	{"ip", "Ip Address", "192.168.1.2", func(d *device.Definition) *string { return &d.IP }},
	{"start", "HEX Value for Start", "HEX Data", func(d *device.Definition) *string { return &d.Start }},
	{"stop", "HEX Value for Stop", "HEX Data", func(d *device.Definition) *string { return &d.Stop }},
	{"charge", "HEX Value for Charge", "HEX Data", func(d *device.Definition) *string { return &d.Charge }},
	{"locate", "HEX Value for Locate", "HEX Data", func(d *device.Definition) *string { return &d.Locate }},
	{"manufacturer", "Manufacturer", device.DefaultManufacturer, func(d *device.Definition) *string { return &d.Manufacturer }},
	{"model", "Model", device.DefaultModel, func(d *device.Definition) *string { return &d.Model }},
	{"serial", "Serial", device.DefaultSerial, func(d *device.Definition) *string { return &d.Serial }},
}

func fieldInputs(modify bool) []Input {
	out := make([]Input, len(fields))
	for i, f := range fields {
		placeholder := f.example
		if modify {
			placeholder = "Leave blank if unchanged"
		}
		out[i] = Input{ID: f.id, Title: f.title, Placeholder: placeholder}
	}
	return out
}
