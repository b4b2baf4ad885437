//go:build !no_homekit

package main

import (
	"log/slog"

	"mihome-go/internal/config"
	"mihome-go/internal/device"
	"mihome-go/internal/dispatch"
	"mihome-go/internal/homekit"
)

type homekitRunner struct {
	bridge *homekit.Bridge
	logger *slog.Logger
}

func (h *homekitRunner) Start() {
	if h.bridge == nil {
		return
	}
	if err := h.bridge.Start(); err != nil {
		h.logger.Error("start homekit bridge", "err", err)
	}
}

func (h *homekitRunner) Stop() {
	if h.bridge != nil {
		h.bridge.Stop()
	}
}

func initHomeKit(registry *device.Registry, d *dispatch.Dispatcher, events *device.EventBus, cfg *config.Config, logger *slog.Logger) *homekitRunner {
	if !cfg.HomeKit.Enabled {
		return &homekitRunner{}
	}
	bridge := homekit.NewBridge(d, events, homekit.Config{
		Pin:         cfg.HomeKit.Pin,
		Port:        cfg.HomeKit.Port,
		StoragePath: cfg.HomeKit.StoragePath,
		BridgeName:  cfg.HomeKit.BridgeName,
	}, logger)
	registry.AddHost(bridge)
	return &homekitRunner{bridge: bridge, logger: logger}
}
