package database

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "data", "player.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpen_MigratesOnce(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "player.db")

	db, err := Open(dbPath)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(dbPath)
	require.NoError(t, err)
	defer db.Close()

	var version int
	require.NoError(t, db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, 1, version)

	pending, err := pendingMigrations(version)
	require.NoError(t, err)
	assert.Empty(t, pending)

	all, err := pendingMigrations(0)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "001_initial_schema.sql", all[0].name)
}

func TestKV(t *testing.T) {
	db := openTestDB(t)

	_, ok, err := db.GetValue("volume")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, db.SetValue("volume", "0.5"))
	require.NoError(t, db.SetValue("volume", "0.8"))

	v, ok, err := db.GetValue("volume")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "0.8", v)

	require.NoError(t, db.DeleteValue("volume"))
	require.NoError(t, db.DeleteValue("volume"))
	_, ok, err = db.GetValue("volume")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChannels(t *testing.T) {
	db := openTestDB(t)

	require.NoError(t, db.SaveChannel(&ChannelRow{ID: "a1", Name: "BBC One HD", ChannelID: "bbc1.uk", GroupTitle: "UK", StreamURL: "https://example.com/bbc1.m3u8"}))
	require.NoError(t, db.SaveChannel(&ChannelRow{ID: "b2", Name: "CNN", StreamURL: "https://example.com/cnn.m3u8"}))

	ch, err := db.FindChannel("bbc one hd")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, "a1", ch.ID)
	assert.False(t, ch.UpdatedAt.IsZero())

	ch, err = db.FindChannel("bbc1.uk")
	require.NoError(t, err)
	require.NotNil(t, ch)
	assert.Equal(t, "a1", ch.ID)

	ch, err = db.FindChannel("missing")
	require.NoError(t, err)
	assert.Nil(t, ch)

	require.NoError(t, db.SaveChannel(&ChannelRow{ID: "b2", Name: "CNN International", StreamURL: "https://example.com/cnn2.m3u8"}))
	ch, err = db.GetChannelByID("b2")
	require.NoError(t, err)
	assert.Equal(t, "CNN International", ch.Name)

	all, err := db.LoadChannels()
	require.NoError(t, err)
	assert.Len(t, all, 2)

	stats, err := db.GetStats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats["channels_count"])

	require.NoError(t, db.DeleteChannel("b2"))
	ch, err = db.GetChannelByID("b2")
	require.NoError(t, err)
	assert.Nil(t, ch)

	n, err := db.CleanupStaleChannels(time.Hour)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = db.Exec("UPDATE channels SET updated_at = '2000-01-01 00:00:00'")
	require.NoError(t, err)
	n, err = db.CleanupStaleChannels(time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
