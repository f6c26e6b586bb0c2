package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"kptv-player/work/logger"
	"kptv-player/work/types"
)

const deadStreamsKey = "player.deadstreams"

// DeadStream is a channel whose stream failed with a fatal network error.
type DeadStream struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Reason   string    `json:"reason"`
	MarkedAt time.Time `json:"markedAt"`
}

// DeadStreams tracks channels that could not be reached, keyed by channel id.
// A channel is revived as soon as it plays again.
type DeadStreams struct {
	mu    sync.Mutex
	store Store
	now   func() time.Time
}

// NewDeadStreams keeps its list in store.
func NewDeadStreams(store Store) *DeadStreams {
	return &DeadStreams{store: store, now: time.Now}
}

// MarkDead records ch as dead. Marking an already dead channel refreshes the
// reason and timestamp.
func (d *DeadStreams) MarkDead(ch types.Channel, reason string) error {
	if ch.ID == "" {
		return errors.New("channel id is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.load()
	entries[ch.ID] = DeadStream{ID: ch.ID, Name: ch.Name, Reason: reason, MarkedAt: d.now().UTC()}
	logger.Debug("{store/deadstreams - MarkDead} Marked %q dead: %s", ch.Name, reason)
	return d.save(entries)
}

// Revive removes id from the list. Unknown ids are a no-op.
func (d *DeadStreams) Revive(id string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.load()
	if _, ok := entries[id]; !ok {
		return nil
	}
	delete(entries, id)
	logger.Debug("{store/deadstreams - Revive} Revived %s", id)
	return d.save(entries)
}

// IsDead reports whether id is currently marked dead.
func (d *DeadStreams) IsDead(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.load()[id]
	return ok
}

// List returns every dead channel, most recently marked first.
func (d *DeadStreams) List() ([]DeadStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	entries := d.load()
	out := make([]DeadStream, 0, len(entries))
	for _, e := range entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].MarkedAt.After(out[j].MarkedAt) })
	return out, nil
}

// load never fails; an unreadable value is logged and treated as empty.
func (d *DeadStreams) load() map[string]DeadStream {
	entries := map[string]DeadStream{}
	raw, ok, err := d.store.Get(deadStreamsKey)
	if err != nil {
		logger.Warn("{store/deadstreams - load} Failed to read dead streams: %v", err)
		return entries
	}
	if !ok || raw == "" {
		return entries
	}
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		logger.Warn("{store/deadstreams - load} Discarding corrupt dead streams list: %v", err)
		return map[string]DeadStream{}
	}
	return entries
}

func (d *DeadStreams) save(entries map[string]DeadStream) error {
	data, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", deadStreamsKey, err)
	}
	return d.store.Set(deadStreamsKey, string(data))
}
