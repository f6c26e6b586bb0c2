// Package pipstore persists the last Picture-in-Picture attempt in the
// session-scoped store so that it can be offered again after a restart of
// the hosting page.
package pipstore

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"kptv-player/work/logger"
	"kptv-player/work/store"
	"kptv-player/work/types"
)

// Version is the record layout written by Save. Records carrying any other
// version are discarded on load.
const Version = 1

// Key is the session store key holding the record.
const Key = "pip.session"

// Record is the persisted projection of a PiP session.
type Record struct {
	Channel   types.Channel    `json:"channel"`
	StreamURL string           `json:"streamUrl"`
	Options   types.PipOptions `json:"options"`
	Timestamp int64            `json:"timestamp"` // Unix milliseconds of the write
	Version   int              `json:"version"`
}

// Age returns how long ago the record was written.
func (r *Record) Age(now time.Time) time.Duration {
	return now.Sub(time.UnixMilli(r.Timestamp))
}

// Valid reports whether the record is structurally usable.
func (r *Record) Valid() bool {
	return strings.TrimSpace(r.Channel.Name) != "" && len(r.StreamURL) > 5
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store reads and writes the record. It is the single writer of Key.
type Store struct {
	mu     sync.Mutex
	kv     store.Store
	expiry time.Duration
	now    func() time.Time
}

// New creates a Store over kv. Records older than expiry are treated as absent.
func New(kv store.Store, expiry time.Duration, opts ...Option) *Store {
	s := &Store{kv: kv, expiry: expiry, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save writes a sanitized record for the given session. If encoding or
// writing fails the previously stored record is left as it was.
func (s *Store) Save(ch types.Channel, streamURL string, opts types.PipOptions) error {
	rec := Record{
		Channel:   SanitizeChannel(ch),
		StreamURL: strings.TrimSpace(streamURL),
		Options:   SanitizeOptions(opts),
		Timestamp: s.now().UnixMilli(),
		Version:   Version,
	}
	if !rec.Valid() {
		return fmt.Errorf("refusing to persist invalid pip record for %q", rec.Channel.Name)
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode pip record: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.kv.Set(Key, string(data)); err != nil {
		return fmt.Errorf("failed to persist pip record: %w", err)
	}
	logger.Debug("{pipstore/pipstore - Save} Persisted pip record for %q (pending=%v, needsActivation=%v)",
		rec.Channel.Name, rec.Options.PendingPiP, rec.Options.NeedsActivation)
	return nil
}

// Load returns the stored record, or nil when there is none or it is
// expired, corrupt, of an unknown version or structurally invalid. Unusable
// records are deleted.
func (s *Store) Load() *Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok, err := s.kv.Get(Key)
	if err != nil {
		logger.Warn("{pipstore/pipstore - Load} Failed to read pip record: %v", err)
		return nil
	}
	if !ok {
		return nil
	}

	var rec Record
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		s.discard("corrupt", err)
		return nil
	}
	if rec.Version != Version {
		s.discard("unknown version", fmt.Errorf("version %d", rec.Version))
		return nil
	}
	if !rec.Valid() {
		s.discard("invalid", nil)
		return nil
	}
	if rec.Age(s.now()) > s.expiry {
		s.discard("expired", nil)
		return nil
	}
	return &rec
}

// Clear deletes the record.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kv.Delete(Key)
}

// discard must be called with mu held.
func (s *Store) discard(reason string, err error) {
	if err != nil {
		logger.Debug("{pipstore/pipstore - Load} Discarding %s pip record: %v", reason, err)
	} else {
		logger.Debug("{pipstore/pipstore - Load} Discarding %s pip record", reason)
	}
	if err := s.kv.Delete(Key); err != nil {
		logger.Warn("{pipstore/pipstore - Load} Failed to delete pip record: %v", err)
	}
}

// SanitizeChannel trims the channel down to its persisted fields.
func SanitizeChannel(ch types.Channel) types.Channel {
	return types.Channel{
		ID:        strings.TrimSpace(ch.ID),
		Name:      strings.TrimSpace(ch.Name),
		Logo:      strings.TrimSpace(ch.Logo),
		Group:     strings.TrimSpace(ch.Group),
		ChannelID: strings.TrimSpace(ch.ChannelID),
	}
}

// SanitizeOptions clamps option values into their valid ranges.
func SanitizeOptions(o types.PipOptions) types.PipOptions {
	if math.IsNaN(o.Volume) || o.Volume < 0 {
		o.Volume = 0
	}
	if o.Volume > 1 {
		o.Volume = 1
	}
	if math.IsNaN(o.CurrentTime) || math.IsInf(o.CurrentTime, 0) || o.CurrentTime < 0 {
		o.CurrentTime = 0
	}
	return o
}
