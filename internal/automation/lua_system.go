//go:build !no_automation

package automation

import (
	"context"
	"log/slog"
	"time"

	lua "github.com/yuin/gopher-lua"
)

// installSystem sets the system global: clock helpers and levelled logging.
func (e *Engine) installSystem(L *lua.LState, logger *slog.Logger, sink logSink) {
	mod := L.NewTable()

	mod.RawSetString("datetime", L.NewFunction(func(L *lua.LState) int {
		return systemDatetime(L, e.clock())
	}))
	mod.RawSetString("time_between", L.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LBool(hourBetween(e.clock().Hour(), L.CheckInt(1), L.CheckInt(2))))
		return 1
	}))
	mod.RawSetString("log", L.NewFunction(func(L *lua.LState) int {
		return systemLog(L, logger, sink)
	}))

	L.SetGlobal("system", mod)
}

func (e *Engine) clock() time.Time {
	if e.now != nil {
		return e.now()
	}
	return time.Now()
}

// clockParts are the components system.datetime understands.
var clockParts = map[string]func(time.Time) lua.LValue{
	"hour":      func(t time.Time) lua.LValue { return lua.LNumber(t.Hour()) },
	"minute":    func(t time.Time) lua.LValue { return lua.LNumber(t.Minute()) },
	"second":    func(t time.Time) lua.LValue { return lua.LNumber(t.Second()) },
	"weekday":   func(t time.Time) lua.LValue { return lua.LNumber(t.Weekday()) },
	"day":       func(t time.Time) lua.LValue { return lua.LNumber(t.Day()) },
	"month":     func(t time.Time) lua.LValue { return lua.LNumber(t.Month()) },
	"year":      func(t time.Time) lua.LValue { return lua.LNumber(t.Year()) },
	"timestamp": func(t time.Time) lua.LValue { return lua.LNumber(t.Unix()) },
	"time_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.TimeOnly)) },
	"date_str":  func(t time.Time) lua.LValue { return lua.LString(t.Format(time.DateOnly)) },
}

func systemDatetime(L *lua.LState, now time.Time) int {
	name := L.CheckString(1)
	part, ok := clockParts[name]
	if !ok {
		L.ArgError(1, "unknown component: "+name)
		return 0
	}
	L.Push(part(now))
	return 1
}

// hourBetween reports whether hour is in [from, to). A range with from > to
// wraps past midnight.
func hourBetween(hour, from, to int) bool {
	if from <= to {
		return hour >= from && hour < to
	}
	return hour >= from || hour < to
}

// systemLog copies a script's message to its run output, then to slog at
// the named level. Unknown levels log as info.
func systemLog(L *lua.LState, logger *slog.Logger, sink logSink) int {
	level := L.CheckString(1)
	msg := L.CheckString(2)
	if sink != nil {
		sink(level, msg)
	}

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	logger.Log(context.Background(), lvl, "script log", "msg", msg)
	return 0
}
