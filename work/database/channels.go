package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ChannelRow represents a channel record from the database
type ChannelRow struct {
	ID         string
	Name       string
	ChannelID  string
	GroupTitle string
	LogoURL    string
	StreamURL  string
	UpdatedAt  time.Time
}

const channelColumns = `id, name, channel_id, group_title, logo_url, stream_url, updated_at`

func scanChannel(scan func(dest ...any) error) (*ChannelRow, error) {
	var ch ChannelRow
	var updated string
	err := scan(&ch.ID, &ch.Name, &ch.ChannelID, &ch.GroupTitle, &ch.LogoURL, &ch.StreamURL, &updated)
	if err != nil {
		return nil, err
	}
	ch.UpdatedAt = parseTimestamp(updated)
	return &ch, nil
}

// parseTimestamp accepts both CURRENT_TIMESTAMP text and RFC 3339.
func parseTimestamp(s string) time.Time {
	for _, layout := range []string{"2006-01-02 15:04:05", time.RFC3339Nano} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// SaveChannel inserts or updates a channel keyed by its id.
func (db *DB) SaveChannel(ch *ChannelRow) error {
	query := `
		INSERT INTO channels (id, name, channel_id, group_title, logo_url, stream_url, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			channel_id = excluded.channel_id,
			group_title = excluded.group_title,
			logo_url = excluded.logo_url,
			stream_url = excluded.stream_url,
			updated_at = CURRENT_TIMESTAMP
	`
	_, err := db.Exec(query, ch.ID, ch.Name, ch.ChannelID, ch.GroupTitle, ch.LogoURL, ch.StreamURL)
	if err != nil {
		return fmt.Errorf("failed to save channel: %w", err)
	}
	return nil
}

// GetChannelByID returns the channel with id, or nil if there is none.
func (db *DB) GetChannelByID(id string) (*ChannelRow, error) {
	row := db.QueryRow("SELECT "+channelColumns+" FROM channels WHERE id = ?", id)
	ch, err := scanChannel(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}
	return ch, nil
}

// FindChannel matches key against id, tvg id and name (case-insensitive), in
// that order of preference. Returns nil if nothing matches.
func (db *DB) FindChannel(key string) (*ChannelRow, error) {
	query := `
		SELECT ` + channelColumns + `
		FROM channels
		WHERE id = ?1 OR (channel_id != '' AND channel_id = ?1) OR name = ?1 COLLATE NOCASE
		ORDER BY CASE
			WHEN id = ?1 THEN 0
			WHEN channel_id = ?1 THEN 1
			ELSE 2
		END, updated_at DESC
		LIMIT 1
	`
	ch, err := scanChannel(db.QueryRow(query, key).Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find channel: %w", err)
	}
	return ch, nil
}

// LoadChannels returns every cached channel ordered by name.
func (db *DB) LoadChannels() ([]*ChannelRow, error) {
	rows, err := db.Query("SELECT " + channelColumns + " FROM channels ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to load channels: %w", err)
	}
	defer rows.Close()

	var channels []*ChannelRow
	for rows.Next() {
		ch, err := scanChannel(rows.Scan)
		if err != nil {
			continue
		}
		channels = append(channels, ch)
	}
	return channels, rows.Err()
}

// DeleteChannel removes a channel.
func (db *DB) DeleteChannel(id string) error {
	if _, err := db.Exec("DELETE FROM channels WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete channel: %w", err)
	}
	return nil
}

// CleanupStaleChannels removes channels not refreshed within olderThan.
func (db *DB) CleanupStaleChannels(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).UTC().Format("2006-01-02 15:04:05")
	result, err := db.Exec("DELETE FROM channels WHERE updated_at < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to clean up channels: %w", err)
	}
	return result.RowsAffected()
}
