//go:build !no_automation

package automation

import (
	"context"
	"fmt"

	"mihome-go/internal/device"

	lua "github.com/yuin/gopher-lua"
)

const (
	maxHandlersPerScript = 100
	jobQueueSize         = 64
)

// luaEventHandler is a callback registered with mihome.on. Every filter
// entry must equal the event field of the same key.
type luaEventHandler struct {
	eventType device.EventType
	filter    map[string]string
	fn        *lua.LFunction
}

func (h luaEventHandler) matches(event device.Event) bool {
	if h.eventType != event.Type {
		return false
	}
	fields := event.Fields()
	for k, want := range h.filter {
		v, ok := fields[k]
		if !ok || fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// scriptVM owns one sandboxed Lua state. Once the VM is running, the state
// is only touched by jobs executed in order on the VM's own goroutine.
type scriptVM struct {
	script   *Script // nil for inline code
	state    *lua.LState
	jobs     chan func(*lua.LState)
	ctx      context.Context
	cancel   context.CancelFunc
	handlers []luaEventHandler
}

func newScriptVM(ctx context.Context, cancel context.CancelFunc, s *Script) *scriptVM {
	L := lua.NewState()
	for _, name := range []string{"os", "io", "loadfile", "dofile", "require", "load", "debug", "package"} {
		L.SetGlobal(name, lua.LNil)
	}
	return &scriptVM{
		script: s,
		state:  L,
		jobs:   make(chan func(*lua.LState), jobQueueSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// allows reports whether the VM may command the named device.
func (vm *scriptVM) allows(name string) bool {
	return vm.script == nil || vm.script.Targets(name)
}

func (vm *scriptVM) id() string {
	if vm.script == nil {
		return "inline"
	}
	return vm.script.ID
}

// addHandler is only called from Lua, so the state's goroutine owns the
// handler list.
func (vm *scriptVM) addHandler(h luaEventHandler) error {
	if len(vm.handlers) >= maxHandlersPerScript {
		return fmt.Errorf("too many handlers (max %d)", maxHandlersPerScript)
	}
	vm.handlers = append(vm.handlers, h)
	return nil
}

// enqueue hands a job to the VM goroutine without blocking.
func (vm *scriptVM) enqueue(job func(*lua.LState)) bool {
	if vm.ctx.Err() != nil {
		return false
	}
	select {
	case vm.jobs <- job:
		return true
	default:
		return false
	}
}

// loop runs jobs until the VM is cancelled, then closes the state.
func (vm *scriptVM) loop() {
	defer vm.state.Close()
	for {
		select {
		case <-vm.ctx.Done():
			return
		case job := <-vm.jobs:
			job(vm.state)
		}
	}
}

// eventTable converts an event into the table handlers receive.
func eventTable(L *lua.LState, event device.Event) *lua.LTable {
	t := L.NewTable()
	t.RawSetString("type", lua.LString(event.Type))
	t.RawSetString("seq", lua.LNumber(event.Seq))
	for k, v := range event.Fields() {
		t.RawSetString(k, luaValue(v))
	}
	return t
}

func luaValue(v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case uint64:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	default:
		return lua.LString(fmt.Sprint(val))
	}
}
