// Package parser reads channel lists in the extended M3U format used by IPTV
// providers and turns them into directory entries.
package parser

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"

	"kptv-player/work/client"
	"kptv-player/work/config"
	"kptv-player/work/logger"
	"kptv-player/work/types"
	"kptv-player/work/utils"
)

// ErrNotPlaylist is returned for input that is neither an M3U channel list
// nor an HLS playlist.
var ErrNotPlaylist = errors.New("not an m3u playlist")

const fetchTimeout = 30 * time.Second

var attrRegex = regexp.MustCompile(`([A-Za-z0-9_-]+)="([^"]*)"`)

// Parse reads an M3U channel list. base is the URL the list came from; an
// HLS playlist (rather than a channel list) yields a single entry for base.
//
// Parameters:
//   - r: playlist body
//   - base: source URL, may be empty for uploaded lists
//
// Returns:
//   - []types.ChannelDetails: entries in playlist order, ids not yet assigned
//   - error: ErrNotPlaylist when nothing usable was found
func Parse(r io.Reader, base string) ([]types.ChannelDetails, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read playlist: %w", err)
	}

	if isHLS(data) {
		return parseHLS(data, base)
	}
	return parseChannels(data)
}

// isHLS reports whether data is a stream playlist rather than a channel list.
func isHLS(data []byte) bool {
	return bytes.Contains(data, []byte("#EXT-X-STREAM-INF")) ||
		bytes.Contains(data, []byte("#EXT-X-TARGETDURATION"))
}

func parseHLS(data []byte, base string) ([]types.ChannelDetails, error) {
	if base == "" {
		return nil, fmt.Errorf("%w: stream playlist without a source url", ErrNotPlaylist)
	}
	_, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPlaylist, err)
	}
	logger.Debug("{parser/playlist - parseHLS} %s is a %s playlist, importing as one channel", base, listTypeName(listType))
	return []types.ChannelDetails{{
		Channel:   types.Channel{Name: utils.NameFromURL(base)},
		StreamURL: base,
	}}, nil
}

func listTypeName(t m3u8.ListType) string {
	if t == m3u8.MASTER {
		return "master"
	}
	return "media"
}

func parseChannels(data []byte) ([]types.ChannelDetails, error) {
	var (
		out     []types.ChannelDetails
		pending *types.ChannelDetails
		header  bool
	)

	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		switch {
		case line == "":
		case strings.HasPrefix(line, "#EXTM3U"):
			header = true
		case strings.HasPrefix(line, "#EXTINF:"):
			attrs, name := ParseEXTINF(line)
			pending = &types.ChannelDetails{Channel: types.Channel{
				Name:      firstNonEmpty(attrs["tvg-name"], name),
				ChannelID: attrs["tvg-id"],
				Logo:      attrs["tvg-logo"],
				Group:     firstNonEmpty(attrs["group-title"], attrs["tvg-group"]),
			}}
		case strings.HasPrefix(line, "#EXTGRP:"):
			if pending != nil && pending.Group == "" {
				pending.Group = strings.TrimSpace(strings.TrimPrefix(line, "#EXTGRP:"))
			}
		case strings.HasPrefix(line, "#"):
		case pending != nil && (strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")):
			pending.StreamURL = line
			if pending.Name == "" {
				pending.Name = utils.NameFromURL(line)
			}
			out = append(out, *pending)
			pending = nil
		default:
			pending = nil
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan playlist: %w", err)
	}
	if !header && len(out) == 0 {
		return nil, ErrNotPlaylist
	}
	return out, nil
}

// ParseEXTINF splits an #EXTINF line into its attributes and the display
// name after the first comma outside quotes. The duration is stored under
// "duration".
func ParseEXTINF(line string) (map[string]string, string) {
	attrs := make(map[string]string)
	line = strings.TrimPrefix(line, "#EXTINF:")

	comma := -1
	inQuotes := false
	for i := 0; i < len(line); i++ {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			comma = i
			break
		}
	}
	if comma == -1 {
		return attrs, ""
	}

	attrPart := strings.TrimSpace(line[:comma])
	name := strings.TrimSpace(line[comma+1:])

	if fields := strings.Fields(attrPart); len(fields) > 0 {
		attrs["duration"] = fields[0]
	}
	for _, m := range attrRegex.FindAllStringSubmatch(attrPart, -1) {
		attrs[strings.ToLower(m[1])] = strings.TrimSpace(m[2])
	}
	return attrs, name
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

// Fetcher downloads and parses remote playlists.
type Fetcher struct {
	cfg *config.Config
	hc  *client.HeaderSettingClient
}

// NewFetcher returns a Fetcher using the shared header-setting client.
func NewFetcher(cfg *config.Config, hc *client.HeaderSettingClient) *Fetcher {
	return &Fetcher{cfg: cfg, hc: hc}
}

// Fetch downloads url and parses it.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]types.ChannelDetails, error) {
	logger.Debug("{parser/playlist - Fetch} Fetching playlist %s", f.cfg.LogURL(url))
	body, err := f.hc.Fetch(ctx, url, fetchTimeout)
	if err != nil {
		return nil, err
	}
	entries, err := Parse(bytes.NewReader(body), url)
	if err != nil {
		return nil, err
	}
	logger.Info("{parser/playlist - Fetch} Parsed %d channels from %s", len(entries), f.cfg.LogURL(url))
	return entries, nil
}
