//go:build !no_automation

package main

import (
	"log/slog"

	"mihome-go/internal/automation"
	"mihome-go/internal/device"
	"mihome-go/internal/dispatch"
	"mihome-go/internal/store"
	"mihome-go/internal/web"
)

type autoStopper struct {
	engine *automation.Engine
}

func (a *autoStopper) Stop() {
	if a.engine != nil {
		a.engine.Stop()
	}
}

// initAutomation loads the script library from the database and starts the
// enabled scripts. Without a library the API answers 503.
func initAutomation(registry *device.Registry, d *dispatch.Dispatcher, db store.ScriptStore, logger *slog.Logger) (*autoStopper, []web.ServerOption) {
	lib, err := automation.NewLibrary(db, registry)
	if err != nil {
		logger.Error("load automation scripts", "err", err)
		return &autoStopper{}, nil
	}

	engine := automation.NewEngine(d, lib, registry.Events(), logger)
	engine.Start()
	return &autoStopper{engine: engine}, []web.ServerOption{web.WithAutomation(engine, lib)}
}
