//go:build !no_automation

package automation

import (
	"io"
	"log/slog"
	"slices"
	"testing"
	"time"

	lua "github.com/yuin/gopher-lua"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// installClock installs the system module into L with a fixed clock.
func installClock(L *lua.LState, now time.Time, sink logSink) {
	e := &Engine{logger: testLogger(), now: func() time.Time { return now }}
	e.installSystem(L, e.logger, sink)
}

func TestSystemDatetime(t *testing.T) {
	L := lua.NewState()
	defer L.Close()

	now := time.Date(2024, time.March, 9, 21, 45, 30, 0, time.Local)
	installClock(L, now, nil)

	tests := []struct {
		component string
		want      lua.LValue
	}{
		{"hour", lua.LNumber(21)},
		{"minute", lua.LNumber(45)},
		{"second", lua.LNumber(30)},
		{"weekday", lua.LNumber(time.Saturday)},
		{"day", lua.LNumber(9)},
		{"month", lua.LNumber(3)},
		{"year", lua.LNumber(2024)},
		{"timestamp", lua.LNumber(now.Unix())},
		{"time_str", lua.LString("21:45:30")},
		{"date_str", lua.LString("2024-03-09")},
	}
	for _, tt := range tests {
		L.SetGlobal("_comp", lua.LString(tt.component))
		if err := L.DoString(`_result = system.datetime(_comp)`); err != nil {
			t.Fatalf("system.datetime(%q) error: %v", tt.component, err)
		}
		if got := L.GetGlobal("_result"); got != tt.want {
			t.Errorf("system.datetime(%q) = %v, want %v", tt.component, got, tt.want)
		}
	}
}

func TestSystemDatetimeUnknownComponent(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	installClock(L, time.Now(), nil)

	if err := L.DoString(`system.datetime("fortnight")`); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestHourBetween(t *testing.T) {
	tests := []struct {
		hour, from, to int
		want           bool
	}{
		{10, 8, 22, true},
		{8, 8, 22, true},
		{22, 8, 22, false},
		{7, 8, 22, false},
		{23, 22, 6, true},
		{0, 22, 6, true},
		{5, 22, 6, true},
		{6, 22, 6, false},
		{12, 22, 6, false},
		{3, 5, 5, false},
	}
	for _, tt := range tests {
		if got := hourBetween(tt.hour, tt.from, tt.to); got != tt.want {
			t.Errorf("hourBetween(%d, %d, %d) = %v, want %v", tt.hour, tt.from, tt.to, got, tt.want)
		}
	}
}

func TestSystemTimeBetweenUsesClock(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	installClock(L, time.Date(2024, 1, 1, 23, 0, 0, 0, time.Local), nil)

	if err := L.DoString(`_night = system.time_between(22, 6); _day = system.time_between(8, 22)`); err != nil {
		t.Fatal(err)
	}
	if L.GetGlobal("_night") != lua.LTrue {
		t.Error("time_between(22, 6) at 23:00 = false, want true")
	}
	if L.GetGlobal("_day") != lua.LFalse {
		t.Error("time_between(8, 22) at 23:00 = true, want false")
	}
}

func TestSystemLogReachesSink(t *testing.T) {
	L := lua.NewState()
	defer L.Close()
	var lines []string
	installClock(L, time.Now(), func(level, msg string) { lines = append(lines, level+":"+msg) })

	if err := L.DoString(`system.log("debug", "a"); system.log("warn", "b"); system.log("other", "c")`); err != nil {
		t.Fatal(err)
	}
	if want := []string{"debug:a", "warn:b", "other:c"}; !slices.Equal(lines, want) {
		t.Errorf("lines = %v, want %v", lines, want)
	}
}
