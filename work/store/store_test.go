package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-player/work/database"
	"kptv-player/work/types"
)

func newPersistent(t *testing.T) *Persistent {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "player.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPersistent(db)
}

func TestHistory_NewestFirstDedupedCapped(t *testing.T) {
	h := NewHistory(newPersistent(t), 3)

	for i := 1; i <= 4; i++ {
		require.NoError(t, h.Append(types.Channel{ID: fmt.Sprintf("c%d", i), Name: fmt.Sprintf("Channel %d", i)}))
	}
	require.NoError(t, h.Append(types.Channel{ID: "c3", Name: "Channel 3"}))

	list, err := h.List()
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	assert.Equal(t, []string{"c3", "c4", "c2"}, ids)

	assert.Error(t, h.Append(types.Channel{Name: "no id"}))

	require.NoError(t, h.Clear())
	list, err = h.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestHistory_RecoversFromCorruptValue(t *testing.T) {
	s := NewSession(time.Minute)
	require.NoError(t, s.Set(historyKey, "{not json"))

	h := NewHistory(s, 5)
	require.NoError(t, h.Append(types.Channel{ID: "x"}))
	list, err := h.List()
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestFavorites(t *testing.T) {
	f := NewFavorites(newPersistent(t))

	on, err := f.Toggle(types.Channel{ID: "a", Name: "A"})
	require.NoError(t, err)
	assert.True(t, on)
	assert.True(t, f.Contains("a"))

	on, err = f.Toggle(types.Channel{ID: "a", Name: "A"})
	require.NoError(t, err)
	assert.False(t, on)
	assert.False(t, f.Contains("a"))
}

func TestPrefs(t *testing.T) {
	p := newPersistent(t)
	assert.Equal(t, DefaultPrefs, LoadPrefs(p))

	require.NoError(t, SavePrefs(p, Prefs{Volume: 0.4, Muted: true}))
	assert.Equal(t, Prefs{Volume: 0.4, Muted: true}, LoadPrefs(p))

	require.NoError(t, p.Set(prefsKey, `{"volume":7}`))
	assert.Equal(t, DefaultPrefs, LoadPrefs(p))
}

func TestSessionStore(t *testing.T) {
	s := NewSession(time.Hour)
	_, ok, _ := s.Get("k")
	assert.False(t, ok)

	require.NoError(t, s.Set("k", "v"))
	v, ok, _ := s.Get("k")
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	require.NoError(t, s.Delete("k"))
	_, ok, _ = s.Get("k")
	assert.False(t, ok)
}

func TestDeadStreams(t *testing.T) {
	d := NewDeadStreams(newPersistent(t))
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	d.now = func() time.Time { clock = clock.Add(time.Minute); return clock }

	require.NoError(t, d.MarkDead(types.Channel{ID: "a", Name: "News"}, "server unreachable"))
	require.NoError(t, d.MarkDead(types.Channel{ID: "b", Name: "Sports"}, "unable to load stream"))
	assert.Error(t, d.MarkDead(types.Channel{Name: "no id"}, "x"))

	assert.True(t, d.IsDead("a"))
	assert.False(t, d.IsDead("c"))

	list, err := d.List()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)
	assert.Equal(t, "server unreachable", list[1].Reason)

	require.NoError(t, d.Revive("a"))
	require.NoError(t, d.Revive("unknown"))
	assert.False(t, d.IsDead("a"))

	s := NewSession(time.Minute)
	require.NoError(t, s.Set(deadStreamsKey, "[broken"))
	corrupt := NewDeadStreams(s)
	assert.False(t, corrupt.IsDead("a"))
	require.NoError(t, corrupt.MarkDead(types.Channel{ID: "a"}, "x"))
	assert.True(t, corrupt.IsDead("a"))
}
