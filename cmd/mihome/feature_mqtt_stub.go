//go:build no_mqtt

package main

import (
	"log/slog"

	"mihome-go/internal/config"
	"mihome-go/internal/device"
	"mihome-go/internal/dispatch"
)

type mqttStopper struct{}

func (m *mqttStopper) Stop() {}

func initMQTT(_ *device.Registry, _ *dispatch.Dispatcher, _ *device.EventBus, _ *config.Config, _ *slog.Logger) *mqttStopper {
	return &mqttStopper{}
}
