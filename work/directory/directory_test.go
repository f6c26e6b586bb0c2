package directory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-player/work/database"
	"kptv-player/work/resolver"
	"kptv-player/work/types"
	"kptv-player/work/utils"
)

var _ resolver.Directory = (*Directory)(nil)

func newDirectory(t *testing.T) *Directory {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "player.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d := New(db)
	n, err := d.Upsert([]types.ChannelDetails{
		{Channel: types.Channel{Name: "Sky News HD", Group: "News", Logo: "https://img.example.com/sky.png"}, StreamURL: "https://example.com/sky-hd.m3u8"},
		{Channel: types.Channel{Name: "Sky News FHD", Group: "News"}, StreamURL: "https://example.com/sky-fhd.m3u8"},
		{Channel: types.Channel{Name: "Sky News Backup"}, StreamURL: "https://example.com/sky-b.m3u8"},
		{Channel: types.Channel{Name: "Cartoon Network"}, StreamURL: "https://example.com/cn.m3u8"},
		{Channel: types.Channel{Name: "no url"}},
	})
	require.NoError(t, err)
	require.Equal(t, 4, n)
	return d
}

func TestDirectory_Lookups(t *testing.T) {
	d := newDirectory(t)
	ctx := context.Background()

	hit, err := d.FindChannel(ctx, "sky news hd")
	require.NoError(t, err)
	require.NotNil(t, hit)
	assert.Equal(t, utils.ChannelID("https://example.com/sky-hd.m3u8"), hit.ID)

	details, err := d.GetChannelDetails(ctx, hit.ID)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/sky-hd.m3u8", details.StreamURL)

	logo, err := d.GetLogoURL(ctx, "Sky News HD")
	require.NoError(t, err)
	assert.Equal(t, "https://img.example.com/sky.png", logo)

	_, err = d.GetLogoURL(ctx, "Cartoon Network")
	assert.ErrorIs(t, err, ErrNoLogo)

	miss, err := d.FindChannel(ctx, "nothing")
	require.NoError(t, err)
	assert.Nil(t, miss)
}

func TestDirectory_Alternatives(t *testing.T) {
	d := newDirectory(t)
	exclude := utils.ChannelID("https://example.com/sky-hd.m3u8")

	alts, err := d.Alternatives(context.Background(), "Sky News HD", exclude, 5)
	require.NoError(t, err)
	names := make([]string, 0, len(alts))
	for _, a := range alts {
		names = append(names, a.Name)
	}
	assert.ElementsMatch(t, []string{"Sky News FHD", "Sky News Backup"}, names)

	alts, err = d.Alternatives(context.Background(), "Sky News HD", exclude, 1)
	require.NoError(t, err)
	assert.Len(t, alts, 1)

	alts, err = d.Alternatives(context.Background(), "HD", "", 5)
	require.NoError(t, err)
	assert.Empty(t, alts)
}

func TestBaseName(t *testing.T) {
	assert.Equal(t, "sky news", baseName("Sky_News [FHD]"))
	assert.Equal(t, "", baseName("4K"))
}
