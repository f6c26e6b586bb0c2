// Package directory is the channel directory service backed by the local
// SQLite channel cache.
package directory

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"kptv-player/work/database"
	"kptv-player/work/logger"
	"kptv-player/work/types"
	"kptv-player/work/utils"
)

// ErrNoLogo is returned by GetLogoURL when the channel has no logo.
var ErrNoLogo = errors.New("channel has no logo")

// qualityTokens are stripped from names before similarity matching so that
// "News HD" and "News FHD" are treated as the same channel.
var qualityTokens = map[string]bool{
	"hd": true, "fhd": true, "uhd": true, "sd": true, "4k": true,
	"hevc": true, "h265": true, "1080p": true, "720p": true, "backup": true,
}

// Directory answers channel lookups from the local channel cache.
type Directory struct {
	db *database.DB
}

// New builds a directory over db.
func New(db *database.DB) *Directory {
	return &Directory{db: db}
}

// FindChannel looks nameOrID up by id, tvg id or case-insensitive name.
// Returns nil, nil when nothing matches.
func (d *Directory) FindChannel(ctx context.Context, nameOrID string) (*types.ChannelDetails, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row, err := d.db.FindChannel(nameOrID)
	if err != nil || row == nil {
		return nil, err
	}
	return toDetails(row), nil
}

// GetChannelDetails looks a channel up strictly by id.
func (d *Directory) GetChannelDetails(ctx context.Context, id string) (*types.ChannelDetails, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	row, err := d.db.GetChannelByID(id)
	if err != nil || row == nil {
		return nil, err
	}
	return toDetails(row), nil
}

// GetLogoURL returns the logo of the channel matching nameOrID.
func (d *Directory) GetLogoURL(ctx context.Context, nameOrID string) (string, error) {
	details, err := d.FindChannel(ctx, nameOrID)
	if err != nil {
		return "", err
	}
	if details == nil || details.Logo == "" {
		return "", ErrNoLogo
	}
	return details.Logo, nil
}

// Upsert stores channels in the cache. Channels without an id get one
// derived from their stream URL. Returns the number stored.
func (d *Directory) Upsert(channels []types.ChannelDetails) (int, error) {
	stored := 0
	for _, ch := range channels {
		if ch.StreamURL == "" || strings.TrimSpace(ch.Name) == "" {
			continue
		}
		id := ch.ID
		if id == "" {
			id = utils.ChannelID(ch.StreamURL)
		}
		err := d.db.SaveChannel(&database.ChannelRow{
			ID:         id,
			Name:       strings.TrimSpace(ch.Name),
			ChannelID:  ch.ChannelID,
			GroupTitle: ch.Group,
			LogoURL:    ch.Logo,
			StreamURL:  ch.StreamURL,
		})
		if err != nil {
			return stored, err
		}
		stored++
	}
	logger.Debug("{directory/directory - Upsert} Stored %d of %d channels", stored, len(channels))
	return stored, nil
}

// Alternatives returns up to limit cached channels whose names resemble
// name, best match first. excludeID is left out of the result.
func (d *Directory) Alternatives(ctx context.Context, name, excludeID string, limit int) ([]types.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	base := baseName(name)
	if base == "" || limit <= 0 {
		return nil, nil
	}

	rows, err := d.db.LoadChannels()
	if err != nil {
		return nil, err
	}

	targets := make([]string, len(rows))
	for i, r := range rows {
		targets[i] = r.Name
	}

	ranks := fuzzy.RankFindNormalizedFold(base, targets)
	sort.Sort(ranks)

	out := make([]types.Channel, 0, limit)
	for _, rank := range ranks {
		row := rows[rank.OriginalIndex]
		if row.ID == excludeID {
			continue
		}
		out = append(out, toDetails(row).Channel)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func baseName(name string) string {
	fields := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool {
		return r == ' ' || r == '_' || r == '-' || r == '|' || r == '(' || r == ')' || r == '[' || r == ']'
	})
	kept := fields[:0]
	for _, f := range fields {
		if !qualityTokens[f] {
			kept = append(kept, f)
		}
	}
	return strings.Join(kept, " ")
}

func toDetails(row *database.ChannelRow) *types.ChannelDetails {
	return &types.ChannelDetails{
		Channel: types.Channel{
			ID:        row.ID,
			Name:      row.Name,
			Logo:      row.LogoURL,
			Group:     row.GroupTitle,
			ChannelID: row.ChannelID,
		},
		StreamURL: row.StreamURL,
	}
}
