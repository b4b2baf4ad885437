package automation

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"mihome-go/internal/device"
	"mihome-go/internal/store"
)

var (
	ErrScriptNotFound = errors.New("script not found")
	ErrInvalidScript  = errors.New("invalid script")
	ErrDisabled       = errors.New("automation disabled")
)

// UnknownDeviceError is returned when a script names target devices the
// registry does not hold.
type UnknownDeviceError struct {
	Names []string
}

func (e *UnknownDeviceError) Error() string {
	return "unknown target device: " + strings.Join(e.Names, ", ")
}

// Script is a Lua automation. Devices lists the appliances the script may
// command; an empty list lets it command any of them.
type Script struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Devices     []string  `json:"devices"`
	Code        string    `json:"code"`
	Updated     time.Time `json:"updated"`
}

// Targets reports whether the script may command the named device.
func (s *Script) Targets(name string) bool {
	return len(s.Devices) == 0 || slices.Contains(s.Devices, name)
}

func (s *Script) clone() *Script {
	c := *s
	c.Devices = slices.Clone(s.Devices)
	return &c
}

func (s *Script) toStored() *store.Script {
	return &store.Script{
		ID:          s.ID,
		Name:        s.Name,
		Description: s.Description,
		Enabled:     s.Enabled,
		Devices:     slices.Clone(s.Devices),
		Code:        s.Code,
		Updated:     s.Updated,
	}
}

func scriptFromStored(sc *store.Script) *Script {
	return &Script{
		ID:          sc.ID,
		Name:        sc.Name,
		Description: sc.Description,
		Enabled:     sc.Enabled,
		Devices:     slices.Clone(sc.Devices),
		Code:        sc.Code,
		Updated:     sc.Updated,
	}
}

// RunResult is the outcome of a one-shot run.
type RunResult struct {
	OK       bool     `json:"ok"`
	Error    string   `json:"error,omitempty"`
	Logs     []string `json:"logs"`
	Duration string   `json:"duration"`
}

// Controller sends commands to devices on behalf of scripts.
type Controller interface {
	SetPowerState(ctx context.Context, name string, on bool) error
	Identify(ctx context.Context, name string) error
	Charge(ctx context.Context, name string) error
	PowerState(name string) bool
}

// Devices gives scripts read access to the device records.
type Devices interface {
	Lookup(name string) (device.Record, bool)
	List() []device.Record
}
