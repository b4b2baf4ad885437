//go:build !no_mqtt

package mqtt

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"mihome-go/internal/device"
)

// Config holds MQTT bridge configuration.
type Config struct {
	Broker          string
	Username        string
	Password        string
	TopicPrefix     string
	DiscoveryPrefix string
	ClientID        string
}

// Controller carries out commands received over MQTT.
type Controller interface {
	SetPowerState(ctx context.Context, name string, on bool) error
	Identify(ctx context.Context, name string) error
	PowerState(name string) bool
}

// Bridge exposes registry devices to MQTT with HA autodiscovery. It is a
// device.Host: the registry tells it when devices come and go.
type Bridge struct {
	client    pahomqtt.Client
	ctrl      Controller
	events    *device.EventBus
	prefix    string
	discovery string
	logger    *slog.Logger
	unsub     func()
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	devices   map[string]device.Record // name -> record as last seen by the bridge
	reachable map[string]bool
	slugs     map[string]string // name -> topic slug
	owners    map[string]string // topic slug -> name
}

// NewBridge creates and connects an MQTT bridge.
func NewBridge(ctrl Controller, events *device.EventBus, cfg Config, logger *slog.Logger) (*Bridge, error) {
	b := newBridge(nil, ctrl, events, cfg, logger)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "mihome-go"
	}
	opts := pahomqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetWill(b.prefix+"/bridge/state", "offline", 1, true).
		SetOnConnectHandler(func(_ pahomqtt.Client) {
			b.logger.Info("MQTT connected")
			b.publishBridgeState("online")
			b.publishAll()
		}).
		SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
			b.logger.Warn("MQTT connection lost", "err", err)
		})

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}

	client := pahomqtt.NewClient(opts)
	b.client = client
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect timeout")
	}
	if err := token.Error(); err != nil {
		b.cancel()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return b, nil
}

func newBridge(client pahomqtt.Client, ctrl Controller, events *device.EventBus, cfg Config, logger *slog.Logger) *Bridge {
	ctx, cancel := context.WithCancel(context.Background())
	prefix := cfg.TopicPrefix
	if prefix == "" {
		prefix = "mihome"
	}
	discovery := cfg.DiscoveryPrefix
	if discovery == "" {
		discovery = "homeassistant"
	}
	return &Bridge{
		client:    client,
		ctrl:      ctrl,
		events:    events,
		prefix:    prefix,
		discovery: discovery,
		logger:    logger.With("component", "mqtt"),
		devices:   make(map[string]device.Record),
		reachable: make(map[string]bool),
		slugs:     make(map[string]string),
		owners:    make(map[string]string),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to registry events and begins MQTT publishing.
func (b *Bridge) Start() {
	b.unsub = b.events.On(b.handlePowerState, device.EventPowerState)
	b.logger.Info("MQTT bridge started", "prefix", b.prefix)
}

// Stop publishes offline state, unsubscribes, and disconnects.
func (b *Bridge) Stop() {
	b.cancel()
	if b.unsub != nil {
		b.unsub()
	}
	b.publishBridgeState("offline")
	b.client.Disconnect(1000)
	b.logger.Info("MQTT bridge stopped")
}

// Register publishes discovery for a new device and subscribes to its
// command topics. Names that map to a topic already in use get a suffixed
// topic so no two devices share command topics.
func (b *Bridge) Register(rec device.Record) error {
	b.mu.Lock()
	b.devices[rec.Name] = rec
	reachable := b.reachable[rec.Name]
	slug, ok := b.slugs[rec.Name]
	if !ok {
		slug = uniqueSlug(rec.Name, func(s string) bool { _, used := b.owners[s]; return used })
		b.slugs[rec.Name] = slug
		b.owners[slug] = rec.Name
	}
	b.mu.Unlock()

	b.publishDevice(rec, slug, reachable)
	b.subscribeDeviceCommands(rec.Name, slug)
	return nil
}

// Unregister removes a device from HA and drops its command subscriptions.
func (b *Bridge) Unregister(name string) error {
	b.mu.Lock()
	slug, ok := b.slugs[name]
	delete(b.devices, name)
	delete(b.reachable, name)
	delete(b.slugs, name)
	delete(b.owners, slug)
	b.mu.Unlock()
	if !ok {
		return nil
	}

	for _, msg := range buildRemoveDiscovery(slug, b.discovery) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	t := deviceTopics(b.prefix, slug)
	b.publish(t.state, nil, true)
	b.publish(t.availability, nil, true)
	b.client.Unsubscribe(t.set, t.identify)
	b.logger.Info("removed HA discovery", "name", name, "topic", slug)
	return nil
}

// PushInfo republishes discovery with updated device information.
func (b *Bridge) PushInfo(name, manufacturer, model, serial string) error {
	b.mu.Lock()
	rec, ok := b.devices[name]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	rec.Manufacturer, rec.Model, rec.Serial = manufacturer, model, serial
	b.devices[name] = rec
	slug := b.slugs[name]
	b.mu.Unlock()

	for _, msg := range buildDiscovery(rec, slug, b.prefix, b.discovery) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	return nil
}

// SetReachable publishes the device availability.
func (b *Bridge) SetReachable(name string, reachable bool) error {
	b.mu.Lock()
	if _, ok := b.devices[name]; !ok {
		b.mu.Unlock()
		return nil
	}
	b.reachable[name] = reachable
	slug := b.slugs[name]
	b.mu.Unlock()

	b.publishAvailability(slug, reachable)
	return nil
}

func (b *Bridge) handlePowerState(event device.Event) {
	name, on := event.Device, event.On

	b.mu.Lock()
	rec, ok := b.devices[name]
	if ok {
		rec.PowerState = on
		b.devices[name] = rec
	}
	slug := b.slugs[name]
	b.mu.Unlock()
	if !ok {
		return
	}
	b.publish(deviceTopics(b.prefix, slug).state, statePayload(on), true)
}

func (b *Bridge) publishBridgeState(state string) {
	topic := b.prefix + "/bridge/state"
	b.publish(topic, []byte(state), true)
}

// publishAll republishes everything after a (re)connect.
func (b *Bridge) publishAll() {
	b.mu.Lock()
	names := make([]string, 0, len(b.devices))
	for name := range b.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	recs := make([]device.Record, len(names))
	reach := make([]bool, len(names))
	slugs := make([]string, len(names))
	for i, name := range names {
		recs[i] = b.devices[name]
		reach[i] = b.reachable[name]
		slugs[i] = b.slugs[name]
	}
	b.mu.Unlock()

	for i, rec := range recs {
		b.publishDevice(rec, slugs[i], reach[i])
		b.subscribeDeviceCommands(rec.Name, slugs[i])
	}
}

func (b *Bridge) publishDevice(rec device.Record, slug string, reachable bool) {
	for _, msg := range buildDiscovery(rec, slug, b.prefix, b.discovery) {
		b.publish(msg.Topic, msg.Payload, true)
	}
	b.publishAvailability(slug, reachable)
	b.publish(deviceTopics(b.prefix, slug).state, statePayload(rec.PowerState), true)
	b.logger.Info("published HA discovery", "name", rec.Name, "topic", slug)
}

func (b *Bridge) publishAvailability(slug string, reachable bool) {
	payload := "offline"
	if reachable {
		payload = "online"
	}
	b.publish(deviceTopics(b.prefix, slug).availability, []byte(payload), true)
}

func (b *Bridge) subscribeDeviceCommands(name, slug string) {
	t := deviceTopics(b.prefix, slug)
	b.client.Subscribe(t.set, 1, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		b.handleSwitchCommand(name, msg.Payload())
	})
	b.client.Subscribe(t.identify, 1, func(_ pahomqtt.Client, _ pahomqtt.Message) {
		b.handleIdentify(name)
	})
}

func (b *Bridge) handleSwitchCommand(name string, payload []byte) {
	cmd, ok := parseSwitchCommand(payload)
	if !ok {
		b.logger.Warn("invalid switch command", "name", name, "payload", string(payload))
		return
	}

	var on bool
	switch cmd {
	case "ON":
		on = true
	case "OFF":
		on = false
	case "TOGGLE":
		on = !b.ctrl.PowerState(name)
	}

	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.ctrl.SetPowerState(ctx, name, on); err != nil {
		b.logger.Warn("switch command failed", "name", name, "on", on, "err", err)
	}
}

func (b *Bridge) handleIdentify(name string) {
	ctx, cancel := context.WithTimeout(b.ctx, 10*time.Second)
	defer cancel()
	if err := b.ctrl.Identify(ctx, name); err != nil {
		b.logger.Warn("identify command failed", "name", name, "err", err)
	}
}

func (b *Bridge) publish(topic string, payload []byte, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	go func() {
		if !token.WaitTimeout(5 * time.Second) {
			b.logger.Warn("MQTT publish timeout", "topic", topic)
		} else if err := token.Error(); err != nil {
			b.logger.Warn("MQTT publish error", "topic", topic, "err", err)
		}
	}()
}
