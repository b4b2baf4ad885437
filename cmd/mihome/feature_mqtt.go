//go:build !no_mqtt

package main

import (
	"log/slog"

	"mihome-go/internal/config"
	"mihome-go/internal/device"
	"mihome-go/internal/dispatch"
	mqttbridge "mihome-go/internal/mqtt"
)

type mqttStopper struct {
	bridge *mqttbridge.Bridge
}

func (m *mqttStopper) Stop() {
	if m.bridge != nil {
		m.bridge.Stop()
	}
}

func initMQTT(registry *device.Registry, d *dispatch.Dispatcher, events *device.EventBus, cfg *config.Config, logger *slog.Logger) *mqttStopper {
	if !cfg.MQTT.Enabled {
		return &mqttStopper{}
	}
	bridge, err := mqttbridge.NewBridge(d, events, mqttbridge.Config{
		Broker:          cfg.MQTT.Broker,
		Username:        cfg.MQTT.Username,
		Password:        cfg.MQTT.Password,
		TopicPrefix:     cfg.MQTT.TopicPrefix,
		DiscoveryPrefix: cfg.MQTT.DiscoveryPrefix,
	}, logger)
	if err != nil {
		logger.Error("mqtt bridge", "err", err)
		return &mqttStopper{}
	}
	registry.AddHost(bridge)
	bridge.Start()
	return &mqttStopper{bridge: bridge}
}
