//go:build no_automation

package main

import (
	"log/slog"

	"mihome-go/internal/device"
	"mihome-go/internal/dispatch"
	"mihome-go/internal/store"
	"mihome-go/internal/web"
)

type autoStopper struct{}

func (a *autoStopper) Stop() {}

func initAutomation(_ *device.Registry, _ *dispatch.Dispatcher, _ store.ScriptStore, _ *slog.Logger) (*autoStopper, []web.ServerOption) {
	return &autoStopper{}, nil
}
