//go:build !no_automation

package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mihome-go/internal/device"

	lua "github.com/yuin/gopher-lua"
)

// Timeout for one-shot runs and for each command a script sends.
const (
	runTimeout     = 5 * time.Second
	commandTimeout = 5 * time.Second
)

// Engine runs the enabled scripts of a Library, one Lua VM each, and feeds
// them appliance events. A script whose target device is removed from the
// registry is stopped and disabled.
type Engine struct {
	ctrl    Controller
	lib     *Library
	devices Devices
	events  *device.EventBus
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.Mutex
	vms    map[string]*scriptVM
	unsubs []func()
}

// NewEngine creates an engine for the scripts in lib.
func NewEngine(ctrl Controller, lib *Library, events *device.EventBus, logger *slog.Logger) *Engine {
	return &Engine{
		ctrl:    ctrl,
		lib:     lib,
		devices: lib.devices,
		events:  events,
		logger:  logger.With("component", "automation"),
		vms:     make(map[string]*scriptVM),
	}
}

// Start subscribes to appliance events and starts every enabled script.
// A script that fails to start is logged and left stopped.
func (e *Engine) Start() {
	e.unsubs = append(e.unsubs,
		e.events.On(e.forgetDevice, device.EventDeviceRemoved),
		e.events.On(e.dispatch),
	)

	started := 0
	for _, s := range e.lib.List() {
		if !s.Enabled {
			continue
		}
		if err := e.start(s); err != nil {
			e.logger.Error("start script", "id", s.ID, "err", err)
			continue
		}
		started++
	}
	e.logger.Info("automation engine started", "scripts", started)
}

// Stop cancels every VM and drops the event subscriptions.
func (e *Engine) Stop() {
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.unsubs = nil

	e.mu.Lock()
	for id, vm := range e.vms {
		vm.cancel()
		delete(e.vms, id)
	}
	e.mu.Unlock()
	e.logger.Info("automation engine stopped")
}

// Reload restarts a script from its stored version. A disabled script is
// only stopped.
func (e *Engine) Reload(id string) error {
	e.Halt(id)
	s, err := e.lib.Get(id)
	if err != nil {
		return err
	}
	if !s.Enabled {
		return nil
	}
	return e.start(s)
}

// Halt stops the script's VM, if it has one.
func (e *Engine) Halt(id string) {
	e.mu.Lock()
	vm, ok := e.vms[id]
	delete(e.vms, id)
	e.mu.Unlock()
	if ok {
		vm.cancel()
		e.logger.Info("script stopped", "id", id)
	}
}

// Running reports whether the script has a live VM.
func (e *Engine) Running(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.vms[id]
	return ok
}

// Run executes a stored script once in a throwaway VM, limited to the
// script's target devices.
func (e *Engine) Run(id string) (*RunResult, error) {
	s, err := e.lib.Get(id)
	if err != nil {
		return nil, err
	}
	return e.runOnce(s.Code, s), nil
}

// RunCode executes code once in a throwaway VM that may command any device.
func (e *Engine) RunCode(code string) *RunResult {
	return e.runOnce(code, nil)
}

// runOnce executes code, then calls each handler it registered with
// mihome.on once with a synthetic event built from the handler's filter.
// Log output is captured in the result.
func (e *Engine) runOnce(code string, s *Script) *RunResult {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	vm := newScriptVM(ctx, cancel, s)
	defer vm.state.Close()
	vm.state.SetContext(ctx)

	var logs []string
	capture := func(level, msg string) {
		if level != "" {
			msg = "[" + level + "] " + msg
		}
		logs = append(logs, msg)
	}
	e.installModules(vm, capture)

	result := func(err error) *RunResult {
		res := &RunResult{OK: err == nil, Logs: logs, Duration: time.Since(start).String()}
		if err != nil {
			res.Error = err.Error()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				res.Error = "timeout (" + runTimeout.String() + ")"
			}
			e.logger.Warn("script run failed", "id", vm.id(), "err", res.Error)
		}
		return res
	}

	L := vm.state
	if err := L.DoString(code); err != nil {
		return result(err)
	}
	for _, h := range vm.handlers {
		ev := L.NewTable()
		ev.RawSetString("type", lua.LString(h.eventType))
		ev.RawSetString("on", lua.LTrue)
		for k, v := range h.filter {
			ev.RawSetString(k, lua.LString(v))
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, ev); err != nil {
			return result(err)
		}
	}
	e.logger.Debug("script run complete", "id", vm.id(), "handlers", len(vm.handlers), "logs", len(logs))
	return result(nil)
}

func (e *Engine) start(s *Script) error {
	ctx, cancel := context.WithCancel(context.Background())
	vm := newScriptVM(ctx, cancel, s)
	e.installModules(vm, nil)

	// Top-level code registers the handlers.
	if err := vm.state.DoString(s.Code); err != nil {
		cancel()
		vm.state.Close()
		return fmt.Errorf("execute script %s: %w", s.ID, err)
	}

	e.mu.Lock()
	if old, ok := e.vms[s.ID]; ok {
		old.cancel()
	}
	e.vms[s.ID] = vm
	e.mu.Unlock()

	go vm.loop()
	e.logger.Info("script started", "id", s.ID, "name", s.Name, "targets", s.Devices)
	return nil
}

// dispatch queues the event on every running VM. The VM goroutine picks the
// matching handlers, so a handler added at run time sees later events. A VM
// with a full queue misses the event.
func (e *Engine) dispatch(event device.Event) {
	e.mu.Lock()
	vms := make([]*scriptVM, 0, len(e.vms))
	for _, vm := range e.vms {
		vms = append(vms, vm)
	}
	e.mu.Unlock()

	for _, vm := range vms {
		vm := vm
		if !vm.enqueue(func(L *lua.LState) { e.deliver(L, vm, event) }) {
			e.logger.Warn("script queue full, dropping event", "id", vm.id(), "event", event.Type, "seq", event.Seq)
		}
	}
}

func (e *Engine) deliver(L *lua.LState, vm *scriptVM, event device.Event) {
	for _, h := range vm.handlers {
		if !h.matches(event) {
			continue
		}
		if err := L.CallByParam(lua.P{Fn: h.fn, NRet: 0, Protect: true}, eventTable(L, event)); err != nil {
			e.logger.Error("lua handler error", "id", vm.id(), "event", event.Type, "device", event.Device, "err", err)
		}
	}
}

// forgetDevice stops and disables every script that targets a device that
// has left the registry.
func (e *Engine) forgetDevice(event device.Event) {
	for _, id := range e.lib.Targeting(event.Device) {
		e.Halt(id)
		if _, err := e.lib.SetEnabled(id, false); err != nil {
			e.logger.Error("disable script", "id", id, "err", err)
			continue
		}
		e.logger.Warn("script disabled, target device removed", "id", id, "device", event.Device)
	}
}
