//go:build !no_mqtt

package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"mihome-go/internal/device"
)

// discoveryMsg is a Home Assistant MQTT discovery payload.
type discoveryMsg struct {
	Topic   string // e.g. "homeassistant/switch/mihome_vac1/switch/config"
	Payload []byte // JSON, empty means delete
}

// haDevice is the "device" block in HA discovery.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	SerialNumber string   `json:"serial_number,omitempty"`
	Name         string   `json:"name"`
}

type haAvailability struct {
	Topic string `json:"topic"`
}

// haDiscovery is a generic HA discovery payload.
type haDiscovery struct {
	Name             string           `json:"name"`
	UniqueID         string           `json:"unique_id"`
	StateTopic       string           `json:"state_topic,omitempty"`
	CommandTopic     string           `json:"command_topic"`
	Availability     []haAvailability `json:"availability"`
	AvailabilityMode string           `json:"availability_mode"`
	ValueTemplate    string           `json:"value_template,omitempty"`
	DeviceClass      string           `json:"device_class,omitempty"`
	Icon             string           `json:"icon,omitempty"`
	PayloadOn        string           `json:"payload_on,omitempty"`
	PayloadOff       string           `json:"payload_off,omitempty"`
	PayloadPress     string           `json:"payload_press,omitempty"`
	Device           haDevice         `json:"device"`
}

// deviceTopicName returns the topic-safe form of a device name.
func deviceTopicName(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, name)
}

// uniqueSlug returns the topic name for a device, suffixed with a short hash
// of the full name when the plain form is already taken by another device.
func uniqueSlug(name string, taken func(string) bool) string {
	slug := deviceTopicName(name)
	if !taken(slug) {
		return slug
	}
	hashed := slug + "_" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()[:8]
	slug = hashed
	for i := 2; taken(slug); i++ {
		slug = fmt.Sprintf("%s_%d", hashed, i)
	}
	return slug
}

// deviceIdentifier returns the unique identifier for HA device registry.
func deviceIdentifier(slug string) string {
	return "mihome_" + slug
}

// topics holds the per-device topic names under a prefix.
type topics struct {
	state        string
	availability string
	set          string
	identify     string
}

func deviceTopics(prefix, slug string) topics {
	base := prefix + "/" + slug
	return topics{
		state:        base,
		availability: base + "/availability",
		set:          base + "/set",
		identify:     base + "/identify",
	}
}

// buildDiscovery generates HA discovery messages for a device: a switch for
// power and a button for identify.
func buildDiscovery(rec device.Record, slug, prefix, discoveryPrefix string) []discoveryMsg {
	nodeID := deviceIdentifier(slug)
	t := deviceTopics(prefix, slug)
	manufacturer, model, serial := rec.Info()

	haDev := haDevice{
		Identifiers:  []string{nodeID},
		Manufacturer: manufacturer,
		Model:        model,
		SerialNumber: serial,
		Name:         rec.Name,
	}
	avail := []haAvailability{
		{Topic: prefix + "/bridge/state"},
		{Topic: t.availability},
	}

	sw := haDiscovery{
		Name:             rec.Name,
		UniqueID:         nodeID + "_switch",
		StateTopic:       t.state,
		CommandTopic:     t.set,
		Availability:     avail,
		AvailabilityMode: "all",
		ValueTemplate:    "{{ value_json.state }}",
		Icon:             "mdi:robot-vacuum",
		PayloadOn:        "ON",
		PayloadOff:       "OFF",
		Device:           haDev,
	}
	btn := haDiscovery{
		Name:             rec.Name + " Identify",
		UniqueID:         nodeID + "_identify",
		CommandTopic:     t.identify,
		Availability:     avail,
		AvailabilityMode: "all",
		DeviceClass:      "identify",
		PayloadPress:     "PRESS",
		Device:           haDev,
	}

	return []discoveryMsg{
		{Topic: fmt.Sprintf("%s/switch/%s/switch/config", discoveryPrefix, nodeID), Payload: mustJSON(sw)},
		{Topic: fmt.Sprintf("%s/button/%s/identify/config", discoveryPrefix, nodeID), Payload: mustJSON(btn)},
	}
}

// buildRemoveDiscovery generates empty retained messages to remove a device from HA.
func buildRemoveDiscovery(slug, discoveryPrefix string) []discoveryMsg {
	nodeID := deviceIdentifier(slug)
	return []discoveryMsg{
		{Topic: fmt.Sprintf("%s/switch/%s/switch/config", discoveryPrefix, nodeID)},
		{Topic: fmt.Sprintf("%s/button/%s/identify/config", discoveryPrefix, nodeID)},
	}
}

func statePayload(on bool) []byte {
	state := "OFF"
	if on {
		state = "ON"
	}
	return mustJSON(map[string]string{"state": state})
}

// parseSwitchCommand accepts ON, OFF and TOGGLE either bare or as
// {"state": "..."}.
func parseSwitchCommand(payload []byte) (string, bool) {
	s := strings.TrimSpace(string(payload))
	if strings.HasPrefix(s, "{") {
		var cmd map[string]any
		if err := json.Unmarshal(payload, &cmd); err != nil {
			return "", false
		}
		s, _ = cmd["state"].(string)
	}
	switch s = strings.ToUpper(s); s {
	case "ON", "OFF", "TOGGLE":
		return s, true
	}
	return "", false
}

func mustJSON(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return data
}
