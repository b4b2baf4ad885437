package store

import "errors"

// ErrNotFound is returned when deleting an accessory or script that is not
// stored.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface for the accessory cache.
type Store interface {
	// SaveAccessory inserts or replaces an accessory. A zero Seq is replaced
	// with the next sequence number so that ListAccessories keeps insertion order.
	SaveAccessory(acc *Accessory) error
	DeleteAccessory(name string) error
	// ListAccessories returns all accessories ordered by Seq.
	ListAccessories() ([]*Accessory, error)

	Close() error
}

// ScriptStore persists automation scripts.
type ScriptStore interface {
	SaveScript(s *Script) error
	DeleteScript(id string) error
	// ListScripts returns all scripts ordered by ID.
	ListScripts() ([]*Script, error)
}
