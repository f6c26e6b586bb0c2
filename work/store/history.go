package store

import (
	"encoding/json"
	"fmt"
	"sync"

	"kptv-player/work/logger"
	"kptv-player/work/types"
)

const (
	historyKey   = "player.history"
	favoritesKey = "player.favorites"
	prefsKey     = "player.prefs"
)

// History is the watch history: newest first, one entry per channel id,
// capped at a fixed size.
type History struct {
	mu    sync.Mutex
	store Store
	size  int
}

// NewHistory keeps at most size entries in store.
func NewHistory(store Store, size int) *History {
	if size < 1 {
		size = 1
	}
	return &History{store: store, size: size}
}

// Append records ch as the most recently played channel.
func (h *History) Append(ch types.Channel) error {
	if ch.ID == "" {
		return fmt.Errorf("history entry without id")
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	entries, err := loadChannels(h.store, historyKey)
	if err != nil {
		logger.Warn("{store/history - Append} Discarding unreadable history: %v", err)
		entries = nil
	}

	out := make([]types.Channel, 0, len(entries)+1)
	out = append(out, ch)
	for _, e := range entries {
		if e.ID == ch.ID {
			continue
		}
		out = append(out, e)
		if len(out) == h.size {
			break
		}
	}
	return saveChannels(h.store, historyKey, out)
}

// List returns the history, newest first.
func (h *History) List() ([]types.Channel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return loadChannels(h.store, historyKey)
}

// Clear empties the history.
func (h *History) Clear() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.store.Delete(historyKey)
}

// Favorites is the user's favorite channel list, in insertion order.
type Favorites struct {
	mu    sync.Mutex
	store Store
}

// NewFavorites stores favorites in store.
func NewFavorites(store Store) *Favorites {
	return &Favorites{store: store}
}

// Toggle adds ch when absent and removes it when present. Returns whether ch
// is a favorite afterwards.
func (f *Favorites) Toggle(ch types.Channel) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	list, err := loadChannels(f.store, favoritesKey)
	if err != nil {
		return false, err
	}
	for i, e := range list {
		if e.ID == ch.ID {
			list = append(list[:i], list[i+1:]...)
			return false, saveChannels(f.store, favoritesKey, list)
		}
	}
	return true, saveChannels(f.store, favoritesKey, append(list, ch))
}

// Contains reports whether id is a favorite.
func (f *Favorites) Contains(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	list, _ := loadChannels(f.store, favoritesKey)
	for _, e := range list {
		if e.ID == id {
			return true
		}
	}
	return false
}

// List returns all favorites.
func (f *Favorites) List() ([]types.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return loadChannels(f.store, favoritesKey)
}

// Prefs are the output settings remembered between sessions.
type Prefs struct {
	Volume float64 `json:"volume"`
	Muted  bool    `json:"muted"`
}

// DefaultPrefs is used when nothing was saved yet.
var DefaultPrefs = Prefs{Volume: 1, Muted: false}

// LoadPrefs returns the saved prefs, or DefaultPrefs.
func LoadPrefs(s Store) Prefs {
	raw, ok, err := s.Get(prefsKey)
	if err != nil || !ok {
		return DefaultPrefs
	}
	var p Prefs
	if err := json.Unmarshal([]byte(raw), &p); err != nil || p.Volume < 0 || p.Volume > 1 {
		return DefaultPrefs
	}
	return p
}

// SavePrefs persists p.
func SavePrefs(s Store, p Prefs) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.Set(prefsKey, string(data))
}

func loadChannels(s Store, key string) ([]types.Channel, error) {
	raw, ok, err := s.Get(key)
	if err != nil || !ok {
		return nil, err
	}
	var list []types.Channel
	if err := json.Unmarshal([]byte(raw), &list); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return list, nil
}

func saveChannels(s Store, key string, list []types.Channel) error {
	data, err := json.Marshal(list)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return s.Set(key, string(data))
}
