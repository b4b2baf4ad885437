//go:build no_automation

package automation

import (
	"log/slog"

	"mihome-go/internal/device"
	"mihome-go/internal/store"
)

// Library is empty when automation is compiled out.
type Library struct{}

func NewLibrary(store.ScriptStore, Devices) (*Library, error) { return &Library{}, nil }

func (l *Library) List() []*Script { return nil }
func (l *Library) Get(string) (*Script, error) { return nil, ErrDisabled }
func (l *Library) Save(*Script) (*Script, error) { return nil, ErrDisabled }
func (l *Library) SetEnabled(string, bool) (*Script, error) { return nil, ErrDisabled }
func (l *Library) Delete(string) error { return ErrDisabled }

// Engine does nothing when automation is compiled out.
type Engine struct{}

func NewEngine(Controller, *Library, *device.EventBus, *slog.Logger) *Engine { return &Engine{} }

func (e *Engine) Start() {}
func (e *Engine) Stop() {}
func (e *Engine) Reload(string) error { return ErrDisabled }
func (e *Engine) Halt(string) {}
func (e *Engine) Running(string) bool { return false }
func (e *Engine) Run(string) (*RunResult, error) { return nil, ErrDisabled }
func (e *Engine) RunCode(string) *RunResult { return &RunResult{Error: ErrDisabled.Error()} }
