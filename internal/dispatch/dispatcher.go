package dispatch

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"mihome-go/internal/device"
)

// DefaultPort is the UDP port appliances listen on for command datagrams.
const DefaultPort = 54321

// DefaultTimeout bounds a single dial and write.
const DefaultTimeout = 2 * time.Second

var (
	ErrNoCommand  = errors.New("no command code configured")
	ErrNoEndpoint = errors.New("no endpoint configured")
)

// CommandError reports a command that could not be delivered to a device.
type CommandError struct {
	Device string
	Action string
	Err    error
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Device, e.Action, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Records is the part of the device registry the dispatcher needs.
type Records interface {
	Lookup(name string) (device.Record, bool)
	SetPowerState(name string, on bool) bool
}

// Sender delivers one datagram to addr.
type Sender interface {
	Send(ctx context.Context, addr string, payload []byte) error
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithPort overrides the destination port.
func WithPort(port int) Option {
	return func(d *Dispatcher) { d.port = port }
}

// WithTimeout sets the deadline applied to each send.
func WithTimeout(timeout time.Duration) Option {
	return func(d *Dispatcher) {
		if timeout > 0 {
			d.timeout = timeout
		}
	}
}

// WithSender replaces the UDP sender.
func WithSender(s Sender) Option {
	return func(d *Dispatcher) { d.sender = s }
}

// WithEvents makes the dispatcher announce identify and charge commands.
func WithEvents(events *device.EventBus) Option {
	return func(d *Dispatcher) { d.events = events }
}

// Dispatcher sends command codes to named devices. Commands to the same
// device are serialized so the recorded power state follows send order.
type Dispatcher struct {
	records Records
	sender  Sender
	events  *device.EventBus
	port    int
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New creates a dispatcher over records.
func New(records Records, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		records: records,
		sender:  &UDPSender{},
		port:    DefaultPort,
		timeout: DefaultTimeout,
		logger:  logger.With("component", "dispatch"),
		locks:   make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Send hex-decodes payload and sends it as one datagram to endpoint.
func (d *Dispatcher) Send(ctx context.Context, endpoint, payload string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return ErrNoEndpoint
	}
	payload = strings.TrimSpace(payload)
	if payload == "" {
		return ErrNoCommand
	}
	data, err := hex.DecodeString(payload)
	if err != nil {
		return fmt.Errorf("decode command: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	addr := net.JoinHostPort(endpoint, strconv.Itoa(d.port))
	return d.sender.Send(ctx, addr, data)
}

// SetPowerState sends the start or stop code and, if the send succeeds,
// records the new power state. Unknown devices are ignored.
func (d *Dispatcher) SetPowerState(ctx context.Context, name string, on bool) error {
	unlock := d.lock(name)
	defer unlock()

	rec, ok := d.records.Lookup(name)
	if !ok {
		d.logger.Debug("set power state: unknown device", "name", name)
		return nil
	}
	action, code := "off", rec.Stop
	if on {
		action, code = "on", rec.Start
	}
	if err := d.command(ctx, rec, action, code); err != nil {
		return err
	}
	d.records.SetPowerState(name, on)
	return nil
}

// Identify sends the locate code. The power state is not touched.
func (d *Dispatcher) Identify(ctx context.Context, name string) error {
	return d.oneShot(ctx, name, "identify", func(r device.Record) string { return r.Locate })
}

// Charge sends the return-to-dock code. The power state is not touched.
func (d *Dispatcher) Charge(ctx context.Context, name string) error {
	return d.oneShot(ctx, name, "charge", func(r device.Record) string { return r.Charge })
}

// PowerState returns the last commanded power state of the device.
func (d *Dispatcher) PowerState(name string) bool {
	rec, _ := d.records.Lookup(name)
	return rec.PowerState
}

func (d *Dispatcher) oneShot(ctx context.Context, name, action string, code func(device.Record) string) error {
	unlock := d.lock(name)
	defer unlock()

	rec, ok := d.records.Lookup(name)
	if !ok {
		d.logger.Debug(action+": unknown device", "name", name)
		return nil
	}
	if err := d.command(ctx, rec, action, code(rec)); err != nil {
		return err
	}
	if d.events != nil {
		d.events.Emit(device.Event{Type: device.EventIdentify, Device: name, Action: action})
	}
	return nil
}

func (d *Dispatcher) command(ctx context.Context, rec device.Record, action, code string) error {
	if err := d.Send(ctx, rec.IP, code); err != nil {
		d.logger.Error("command failed", "name", rec.Name, "action", action, "ip", rec.IP, "err", err)
		return &CommandError{Device: rec.Name, Action: action, Err: err}
	}
	d.logger.Info("command sent", "name", rec.Name, "action", action, "ip", rec.IP)
	return nil
}

func (d *Dispatcher) lock(name string) func() {
	d.mu.Lock()
	m, ok := d.locks[name]
	if !ok {
		m = &sync.Mutex{}
		d.locks[name] = m
	}
	d.mu.Unlock()
	m.Lock()
	return m.Unlock
}
