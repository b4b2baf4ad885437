package device

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"mihome-go/internal/store"
)

// Accessory information pushed to hosts when a record leaves a field blank.
const (
	DefaultManufacturer = "Default-Manufacturer"
	DefaultModel        = "Default-Model"
	DefaultSerial       = "Default-SerialNumber"
)

// Definition is the configured form of an appliance, as read from and
// written back to the configuration file.
type Definition struct {
	Name         string `yaml:"name" json:"name"`
	IP           string `yaml:"ip,omitempty" json:"ip,omitempty"`
	Start        string `yaml:"start,omitempty" json:"start,omitempty"`
	Stop         string `yaml:"stop,omitempty" json:"stop,omitempty"`
	Charge       string `yaml:"charge,omitempty" json:"charge,omitempty"`
	Locate       string `yaml:"locate,omitempty" json:"locate,omitempty"`
	Manufacturer string `yaml:"manufacturer,omitempty" json:"manufacturer,omitempty"`
	Model        string `yaml:"model,omitempty" json:"model,omitempty"`
	Serial       string `yaml:"serial,omitempty" json:"serial,omitempty"`
}

// Record is one controllable appliance held by the Registry.
type Record struct {
	Name         string `json:"name"`
	IP           string `json:"ip,omitempty"`
	Start        string `json:"start,omitempty"`
	Stop         string `json:"stop,omitempty"`
	Charge       string `json:"charge,omitempty"`
	Locate       string `json:"locate,omitempty"`
	Manufacturer string `json:"manufacturer,omitempty"`
	Model        string `json:"model,omitempty"`
	Serial       string `json:"serial,omitempty"`
	PowerState   bool   `json:"power_state"`
	Reachable    bool   `json:"reachable"`

	seq uint64
}

// Definition returns the configurable fields of r.
func (r Record) Definition() Definition {
	return Definition{
		Name:         r.Name,
		IP:           r.IP,
		Start:        r.Start,
		Stop:         r.Stop,
		Charge:       r.Charge,
		Locate:       r.Locate,
		Manufacturer: r.Manufacturer,
		Model:        r.Model,
		Serial:       r.Serial,
	}
}

// Info returns manufacturer, model and serial with defaults for blank values.
func (r Record) Info() (manufacturer, model, serial string) {
	return orDefault(r.Manufacturer, DefaultManufacturer),
		orDefault(r.Model, DefaultModel),
		orDefault(r.Serial, DefaultSerial)
}

// merge copies every non-blank field of def onto r. Name is never changed.
func (r *Record) merge(def Definition) {
	mergeField(&r.IP, def.IP)
	mergeField(&r.Start, def.Start)
	mergeField(&r.Stop, def.Stop)
	mergeField(&r.Charge, def.Charge)
	mergeField(&r.Locate, def.Locate)
	mergeField(&r.Manufacturer, def.Manufacturer)
	mergeField(&r.Model, def.Model)
	mergeField(&r.Serial, def.Serial)
}

func mergeField(dst *string, v string) {
	if strings.TrimSpace(v) != "" {
		*dst = v
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func (r Record) toCache() *store.Accessory {
	return &store.Accessory{
		Name:         r.Name,
		IP:           r.IP,
		Start:        r.Start,
		Stop:         r.Stop,
		Charge:       r.Charge,
		Locate:       r.Locate,
		Manufacturer: r.Manufacturer,
		Model:        r.Model,
		Serial:       r.Serial,
		PowerState:   r.PowerState,
		Seq:          r.seq,
	}
}

func recordFromCache(acc *store.Accessory) *Record {
	return &Record{
		Name:         acc.Name,
		IP:           acc.IP,
		Start:        acc.Start,
		Stop:         acc.Stop,
		Charge:       acc.Charge,
		Locate:       acc.Locate,
		Manufacturer: acc.Manufacturer,
		Model:        acc.Model,
		Serial:       acc.Serial,
		PowerState:   acc.PowerState,
		seq:          acc.Seq,
	}
}

// looseString accepts any scalar (string, number, bool) and keeps its text.
// Manufacturer, model and serial are often written as bare numbers.
type looseString string

func (s *looseString) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar value", node.Line)
	}
	*s = looseString(node.Value)
	return nil
}

func (s *looseString) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*s = ""
	case string:
		*s = looseString(x)
	case float64, bool:
		// Re-use the literal so 0123 style serials and large numbers keep their digits.
		*s = looseString(strings.TrimSpace(string(data)))
	default:
		return fmt.Errorf("expected a scalar value, got %T", v)
	}
	return nil
}

type looseDefinition struct {
	Name         string      `yaml:"name" json:"name"`
	IP           string      `yaml:"ip" json:"ip"`
	Start        string      `yaml:"start" json:"start"`
	Stop         string      `yaml:"stop" json:"stop"`
	Charge       string      `yaml:"charge" json:"charge"`
	Locate       string      `yaml:"locate" json:"locate"`
	Manufacturer looseString `yaml:"manufacturer" json:"manufacturer"`
	Model        looseString `yaml:"model" json:"model"`
	Serial       looseString `yaml:"serial" json:"serial"`
}

func (l looseDefinition) definition() Definition {
	return Definition{
		Name:         l.Name,
		IP:           l.IP,
		Start:        l.Start,
		Stop:         l.Stop,
		Charge:       l.Charge,
		Locate:       l.Locate,
		Manufacturer: string(l.Manufacturer),
		Model:        string(l.Model),
		Serial:       string(l.Serial),
	}
}

func (d *Definition) UnmarshalYAML(node *yaml.Node) error {
	var l looseDefinition
	if err := node.Decode(&l); err != nil {
		return err
	}
	*d = l.definition()
	return nil
}

func (d *Definition) UnmarshalJSON(data []byte) error {
	var l looseDefinition
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}
	*d = l.definition()
	return nil
}
