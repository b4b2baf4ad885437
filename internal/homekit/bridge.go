//go:build !no_homekit

// Package homekit exposes registry devices as HomeKit switches behind a
// bridge accessory.
package homekit

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/brutella/hc"
	"github.com/brutella/hc/accessory"
	"github.com/brutella/hc/service"
	"github.com/google/uuid"

	"mihome-go/internal/device"
)

// namespace seeds stable accessory IDs derived from device names.
var namespace = uuid.MustParse("6b1c9a3e-2f4d-4e8a-9c57-0d3e8f21a6b4")

const bridgeID = 1

// Config holds HomeKit bridge configuration.
type Config struct {
	Pin         string
	Port        string
	StoragePath string
	BridgeName  string
}

// Controller carries out commands received from HomeKit.
type Controller interface {
	SetPowerState(ctx context.Context, name string, on bool) error
	Identify(ctx context.Context, name string) error
	PowerState(name string) bool
}

type transportFactory func(bridge *accessory.Accessory, accs ...*accessory.Accessory) (hc.Transport, error)

type switchAccessory struct {
	*accessory.Switch
	state *service.BridgingState
}

// Bridge is a device.Host that publishes one HAP switch per device.
// The HAP transport is rebuilt whenever the accessory set changes.
type Bridge struct {
	ctrl     Controller
	events   *device.EventBus
	logger   *slog.Logger
	bridge   *accessory.Bridge
	newT     transportFactory
	debounce time.Duration
	unsub    func()

	mu        sync.Mutex
	accs      map[string]*switchAccessory
	transport hc.Transport
	started   bool
	rebuild   *time.Timer
}

// NewBridge creates a HomeKit bridge. Call Start to begin advertising.
func NewBridge(ctrl Controller, events *device.EventBus, cfg Config, logger *slog.Logger) *Bridge {
	name := cfg.BridgeName
	if name == "" {
		name = "MiHome Bridge"
	}
	hcCfg := hc.Config{Pin: cfg.Pin, Port: cfg.Port, StoragePath: cfg.StoragePath}
	b := &Bridge{
		ctrl:   ctrl,
		events: events,
		logger: logger.With("component", "homekit"),
		bridge: accessory.NewBridge(accessory.Info{
			Name:         name,
			Manufacturer: device.DefaultManufacturer,
			Model:        "mihome-go",
			ID:           bridgeID,
		}),
		newT: func(bridge *accessory.Accessory, accs ...*accessory.Accessory) (hc.Transport, error) {
			return hc.NewIPTransport(hcCfg, bridge, accs...)
		},
		debounce: 2 * time.Second,
		accs:     make(map[string]*switchAccessory),
	}
	return b
}

// accessoryID returns a stable HAP accessory ID for a device name.
func accessoryID(name string) uint64 {
	u := uuid.NewSHA1(namespace, []byte(name))
	id := binary.BigEndian.Uint64(u[:8])
	if id <= bridgeID {
		id += bridgeID + 1
	}
	return id
}

// Start subscribes to power state events and starts the HAP transport.
func (b *Bridge) Start() error {
	b.unsub = b.events.On(b.handlePowerState, device.EventPowerState)

	b.mu.Lock()
	defer b.mu.Unlock()
	b.started = true
	if err := b.startTransportLocked(); err != nil {
		return err
	}
	b.logger.Info("HomeKit bridge started", "accessories", len(b.accs))
	return nil
}

// Stop stops the HAP transport.
func (b *Bridge) Stop() {
	if b.unsub != nil {
		b.unsub()
	}
	b.mu.Lock()
	b.started = false
	if b.rebuild != nil {
		b.rebuild.Stop()
	}
	t := b.transport
	b.transport = nil
	b.mu.Unlock()

	if t != nil {
		<-t.Stop()
	}
	b.logger.Info("HomeKit bridge stopped")
}

// Register adds a switch accessory for the device.
func (b *Bridge) Register(rec device.Record) error {
	manufacturer, model, serial := rec.Info()
	acc := &switchAccessory{
		Switch: accessory.NewSwitch(accessory.Info{
			Name:         rec.Name,
			Manufacturer: manufacturer,
			Model:        model,
			SerialNumber: serial,
			ID:           accessoryID(rec.Name),
		}),
		state: service.NewBridgingState(),
	}
	acc.state.Reachable.SetValue(false)
	acc.AddService(acc.state.Service)
	acc.Switch.Switch.On.SetValue(rec.PowerState)

	name := rec.Name
	acc.Switch.Switch.On.OnValueRemoteUpdate(func(on bool) {
		b.remoteSet(name, on)
	})
	acc.OnIdentify(func() {
		b.remoteIdentify(name)
	})

	b.mu.Lock()
	b.accs[name] = acc
	b.scheduleRebuildLocked()
	b.mu.Unlock()
	return nil
}

// Unregister drops the device's accessory.
func (b *Bridge) Unregister(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.accs[name]; !ok {
		return nil
	}
	delete(b.accs, name)
	b.scheduleRebuildLocked()
	return nil
}

// PushInfo updates the accessory information service.
func (b *Bridge) PushInfo(name, manufacturer, model, serial string) error {
	b.mu.Lock()
	acc, ok := b.accs[name]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	acc.Info.Manufacturer.SetValue(manufacturer)
	acc.Info.Model.SetValue(model)
	acc.Info.SerialNumber.SetValue(serial)
	return nil
}

// SetReachable updates the bridged accessory reachability.
func (b *Bridge) SetReachable(name string, reachable bool) error {
	b.mu.Lock()
	acc, ok := b.accs[name]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	acc.state.Reachable.SetValue(reachable)
	return nil
}

func (b *Bridge) handlePowerState(event device.Event) {
	b.mu.Lock()
	acc, ok := b.accs[event.Device]
	b.mu.Unlock()
	if ok {
		acc.Switch.Switch.On.SetValue(event.On)
	}
}

func (b *Bridge) remoteSet(name string, on bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.ctrl.SetPowerState(ctx, name, on); err != nil {
		b.logger.Warn("switch command failed", "name", name, "on", on, "err", err)
		// Put the characteristic back to the last commanded state.
		b.mu.Lock()
		acc, ok := b.accs[name]
		b.mu.Unlock()
		if ok {
			acc.Switch.Switch.On.SetValue(b.ctrl.PowerState(name))
		}
	}
}

func (b *Bridge) remoteIdentify(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := b.ctrl.Identify(ctx, name); err != nil {
		b.logger.Warn("identify command failed", "name", name, "err", err)
	}
}

func (b *Bridge) scheduleRebuildLocked() {
	if !b.started {
		return
	}
	if b.rebuild != nil {
		b.rebuild.Stop()
	}
	b.rebuild = time.AfterFunc(b.debounce, b.restartTransport)
}

func (b *Bridge) restartTransport() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		return
	}
	old := b.transport
	b.transport = nil
	b.mu.Unlock()

	if old != nil {
		<-old.Stop()
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.started {
		return
	}
	if err := b.startTransportLocked(); err != nil {
		b.logger.Error("restart HomeKit transport", "err", err)
		return
	}
	b.logger.Info("HomeKit accessories changed", "accessories", len(b.accs))
}

func (b *Bridge) startTransportLocked() error {
	names := make([]string, 0, len(b.accs))
	for name := range b.accs {
		names = append(names, name)
	}
	sort.Strings(names)
	accs := make([]*accessory.Accessory, len(names))
	for i, name := range names {
		accs[i] = b.accs[name].Accessory
	}

	t, err := b.newT(b.bridge.Accessory, accs...)
	if err != nil {
		return fmt.Errorf("create HomeKit transport: %w", err)
	}
	b.transport = t
	go t.Start()
	return nil
}
