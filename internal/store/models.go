package store

import "time"

// Accessory is the cached form of one appliance record. It survives restarts
// so that the last commanded power state and the insertion order are kept.
type Accessory struct {
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
	Seq          uint64 `json:"seq"`
}

// Script is a stored automation. Devices names the appliances the script
// may command; an empty list leaves it unrestricted.
type Script struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	Enabled     bool      `json:"enabled"`
	Devices     []string  `json:"devices,omitempty"`
	Code        string    `json:"code"`
	Updated     time.Time `json:"updated"`
}
