//go:build !no_automation

package automation

import (
	"context"
	"log/slog"
	"time"

	"mihome-go/internal/device"

	lua "github.com/yuin/gopher-lua"
)

// logSink receives script log lines during a one-shot run. level is empty
// for mihome.log.
type logSink func(level, msg string)

// installModules sets the mihome and system globals of a VM.
func (e *Engine) installModules(vm *scriptVM, sink logSink) {
	L := vm.state
	logger := e.logger.With("script", vm.id())

	mod := L.NewTable()
	fns := map[string]lua.LGFunction{
		"on": func(L *lua.LState) int {
			return mihomeOn(L, vm)
		},
		"turn_on": func(L *lua.LState) int {
			return e.mihomePower(L, vm, func(string) bool { return true })
		},
		"turn_off": func(L *lua.LState) int {
			return e.mihomePower(L, vm, func(string) bool { return false })
		},
		"toggle": func(L *lua.LState) int {
			return e.mihomePower(L, vm, func(name string) bool { return !e.ctrl.PowerState(name) })
		},
		"identify": func(L *lua.LState) int {
			return e.mihomeCommand(L, vm, "identify", e.ctrl.Identify)
		},
		"charge": func(L *lua.LState) int {
			return e.mihomeCommand(L, vm, "charge", e.ctrl.Charge)
		},
		"state": func(L *lua.LState) int {
			return e.mihomeState(L)
		},
		"devices": func(L *lua.LState) int {
			return e.mihomeDevices(L, vm)
		},
		"targets": func(L *lua.LState) int {
			return mihomeTargets(L, vm)
		},
		"after": func(L *lua.LState) int {
			return mihomeAfter(L, vm, logger)
		},
		"log": func(L *lua.LState) int {
			msg := L.CheckString(1)
			if sink != nil {
				sink("", msg)
			}
			logger.Info("script log", "msg", msg)
			return 0
		},
	}
	for name, fn := range fns {
		mod.RawSetString(name, L.NewFunction(fn))
	}
	L.SetGlobal("mihome", mod)

	e.installSystem(L, logger, sink)
}

// mihome.on(type, filter, callback)
func mihomeOn(L *lua.LState, vm *scriptVM) int {
	h := luaEventHandler{
		eventType: device.EventType(L.CheckString(1)),
		filter:    map[string]string{},
	}
	filter := L.OptTable(2, L.NewTable())
	h.fn = L.CheckFunction(3)

	filter.ForEach(func(k, v lua.LValue) {
		if key, ok := k.(lua.LString); ok {
			h.filter[string(key)] = v.String()
		}
	})
	if err := vm.addHandler(h); err != nil {
		L.RaiseError("%s", err.Error())
	}
	return 0
}

// target checks the device argument of a command. A device outside the
// script's targets raises a Lua error; an unknown device returns false.
func (e *Engine) target(L *lua.LState, vm *scriptVM) (string, bool) {
	name := L.CheckString(1)
	if !vm.allows(name) {
		L.RaiseError("device %q is not a target of script %q", name, vm.id())
		return "", false
	}
	if _, ok := e.devices.Lookup(name); !ok {
		e.logger.Warn("script command for unknown device", "script", vm.id(), "name", name)
		return "", false
	}
	return name, true
}

// mihome.turn_on/turn_off/toggle(name) returns true when the command was sent.
func (e *Engine) mihomePower(L *lua.LState, vm *scriptVM, desired func(name string) bool) int {
	name, ok := e.target(L, vm)
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}

	on := desired(name)
	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()
	if err := e.ctrl.SetPowerState(ctx, name, on); err != nil {
		e.logger.Error("script power command", "script", vm.id(), "name", name, "on", on, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// mihome.identify/charge(name) returns true when the command was sent.
func (e *Engine) mihomeCommand(L *lua.LState, vm *scriptVM, action string, send func(context.Context, string) error) int {
	name, ok := e.target(L, vm)
	if !ok {
		L.Push(lua.LFalse)
		return 1
	}

	ctx, cancel := context.WithTimeout(vm.ctx, commandTimeout)
	defer cancel()
	if err := send(ctx, name); err != nil {
		e.logger.Error("script command", "script", vm.id(), "name", name, "action", action, "err", err)
		L.Push(lua.LFalse)
		return 1
	}
	L.Push(lua.LTrue)
	return 1
}

// mihome.state(name) returns the last known power state, or nil for an
// unknown device. Reading is not limited to the script's targets.
func (e *Engine) mihomeState(L *lua.LState) int {
	name := L.CheckString(1)
	if _, ok := e.devices.Lookup(name); !ok {
		L.Push(lua.LNil)
		return 1
	}
	L.Push(lua.LBool(e.ctrl.PowerState(name)))
	return 1
}

// mihome.devices() returns an array of device tables. Each carries a
// "target" flag telling whether the script may command it.
func (e *Engine) mihomeDevices(L *lua.LState, vm *scriptVM) int {
	tbl := L.NewTable()
	for i, rec := range e.devices.List() {
		manufacturer, model, serial := rec.Info()
		d := L.NewTable()
		d.RawSetString("name", lua.LString(rec.Name))
		d.RawSetString("ip", lua.LString(rec.IP))
		d.RawSetString("on", lua.LBool(rec.PowerState))
		d.RawSetString("reachable", lua.LBool(rec.Reachable))
		d.RawSetString("manufacturer", lua.LString(manufacturer))
		d.RawSetString("model", lua.LString(model))
		d.RawSetString("serial", lua.LString(serial))
		d.RawSetString("target", lua.LBool(vm.allows(rec.Name)))
		tbl.RawSetInt(i+1, d)
	}
	L.Push(tbl)
	return 1
}

// mihome.targets() returns the script's declared target devices; an empty
// array means any device.
func mihomeTargets(L *lua.LState, vm *scriptVM) int {
	tbl := L.NewTable()
	if vm.script != nil {
		for i, name := range vm.script.Devices {
			tbl.RawSetInt(i+1, lua.LString(name))
		}
	}
	L.Push(tbl)
	return 1
}

// mihome.after(seconds, callback)
func mihomeAfter(L *lua.LState, vm *scriptVM, logger *slog.Logger) int {
	delay := time.Duration(float64(L.CheckNumber(1)) * float64(time.Second))
	fn := L.CheckFunction(2)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-vm.ctx.Done():
			return
		}

		ok := vm.enqueue(func(L *lua.LState) {
			if err := L.CallByParam(lua.P{Fn: fn, NRet: 0, Protect: true}); err != nil {
				logger.Error("after callback error", "err", err)
			}
		})
		if !ok && vm.ctx.Err() == nil {
			logger.Warn("after callback dropped, queue full")
		}
	}()
	return 0
}
