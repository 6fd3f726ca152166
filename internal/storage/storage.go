// Package storage provides the entity store used by the sandbox core.
// Entities are persisted as generic records addressed by (type, id) so the
// domain types can evolve without schema migrations.
package storage

import (
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no record exists for the requested id and type.
var ErrNotFound = errors.New("storage: record not found")

// Record is the generic persisted form of an entity.
type Record struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Agent     string          `json:"agent"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Filter narrows a Query. Zero-valued fields match everything.
type Filter struct {
	Type  string
	Agent string
	Since time.Time
	Until time.Time
}

// Store is the persistence port the sandbox core depends on.
type Store interface {
	// Put inserts or replaces the record keyed by (Type, ID).
	Put(rec Record) error
	// Get returns the record for id and typ, or ErrNotFound.
	Get(id, typ string) (Record, error)
	// ListIDs returns all record ids of the given type.
	ListIDs(typ string) ([]string, error)
	// Query returns all records matching the filter.
	Query(f Filter) ([]Record, error)
	// Close releases any underlying resources.
	Close() error
}

func (f Filter) matches(rec Record) bool {
	if f.Type != "" && rec.Type != f.Type {
		return false
	}
	if f.Agent != "" && rec.Agent != f.Agent {
		return false
	}
	if !f.Since.IsZero() && rec.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && rec.Timestamp.After(f.Until) {
		return false
	}
	return true
}
