//go:build no_homekit

package main

import (
	"log/slog"

	"mihome-go/internal/config"
	"mihome-go/internal/device"
	"mihome-go/internal/dispatch"
)

type homekitRunner struct{}

func (h *homekitRunner) Start() {}

func (h *homekitRunner) Stop() {}

func initHomeKit(_ *device.Registry, _ *dispatch.Dispatcher, _ *device.EventBus, _ *config.Config, _ *slog.Logger) *homekitRunner {
	return &homekitRunner{}
}
