package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNameFromURL(t *testing.T) {
	tests := map[string]string{
		"https://cdn.example.com/live/news/index.m3u8":   "news",
		"https://cdn.example.com/live/sports.m3u8":       "sports",
		"https://cdn.example.com/master.m3u8":            "master",
		"https://cdn.example.com/hls/kids/playlist.m3u8": "kids",
		"https://cdn.example.com/":                       "cdn.example.com",
	}
	for in, want := range tests {
		assert.Equal(t, want, NameFromURL(in), in)
	}
}

func TestChannelID_StableAndTrimmed(t *testing.T) {
	a := ChannelID("https://cdn.example.com/live/news.m3u8")
	assert.Len(t, a, 16)
	assert.Equal(t, a, ChannelID("  https://cdn.example.com/live/news.m3u8\n"))
	assert.NotEqual(t, a, ChannelID("https://cdn.example.com/live/sport.m3u8"))
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", FormatBytes(512))
	assert.Equal(t, "1.0 KB", FormatBytes(1024))
	assert.Equal(t, "1.5 MB", FormatBytes(1536*1024))
	assert.Equal(t, "2.0 GB", FormatBytes(2<<30))
}
