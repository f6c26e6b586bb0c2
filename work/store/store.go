// Package store holds the player's key/value stores: a long-lived one backed by
// SQLite and a session-scoped one that forgets its contents after a TTL.
package store

import (
	"time"

	"github.com/maypok86/otter/v2"

	"kptv-player/work/database"
)

// Store is the key/value contract shared by both stores.
type Store interface {
	Get(key string) (string, bool, error)
	Set(key, value string) error
	Delete(key string) error
}

// Persistent is the long-lived store. Values survive restarts.
type Persistent struct {
	db *database.DB
}

// NewPersistent wraps an open database.
func NewPersistent(db *database.DB) *Persistent {
	return &Persistent{db: db}
}

func (p *Persistent) Get(key string) (string, bool, error) { return p.db.GetValue(key) }
func (p *Persistent) Set(key, value string) error           { return p.db.SetValue(key, value) }
func (p *Persistent) Delete(key string) error               { return p.db.DeleteValue(key) }

// Session is the session-scoped store. Entries expire ttl after their last
// write and nothing is kept across restarts.
type Session struct {
	cache *otter.Cache[string, string]
}

// NewSession creates a session store whose entries live for ttl.
func NewSession(ttl time.Duration) *Session {
	return &Session{
		cache: otter.Must(&otter.Options[string, string]{
			MaximumSize:      256,
			ExpiryCalculator: otter.ExpiryWriting[string, string](ttl),
		}),
	}
}

func (s *Session) Get(key string) (string, bool, error) {
	v, ok := s.cache.GetIfPresent(key)
	return v, ok, nil
}

func (s *Session) Set(key, value string) error {
	s.cache.Set(key, value)
	return nil
}

func (s *Session) Delete(key string) error {
	s.cache.Invalidate(key)
	return nil
}
