package hls

import (
	"bytes"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"github.com/grafov/m3u8"
)

// mediaSegment is a decoded segment with its absolute URI.
type mediaSegment struct {
	Seq      uint64 // media sequence number
	URI      string
	Duration float64
	Offset   float64 // start time within the playlist
}

// mediaPlaylist is the subset of a media playlist the loader needs.
type mediaPlaylist struct {
	Segments       []mediaSegment
	TargetDuration float64
	Closed         bool // #EXT-X-ENDLIST seen: VOD
}

// segmentAt returns the index of the segment containing position, clamped to
// the last segment.
func (p *mediaPlaylist) segmentAt(position float64) int {
	for i, s := range p.Segments {
		if position < s.Offset+s.Duration {
			return i
		}
	}
	return len(p.Segments) - 1
}

// Total returns the summed duration of all segments.
func (p *mediaPlaylist) Total() float64 {
	var total float64
	for _, s := range p.Segments {
		total += s.Duration
	}
	return total
}

// decodePlaylist parses body and returns either master levels or a media
// playlist. Relative URIs are resolved against baseURL.
//
// Parameters:
//   - body: raw playlist bytes
//   - baseURL: URL the playlist was fetched from
//
// Returns:
//   - []Level: non-nil for master playlists, sorted by ascending bitrate
//   - *mediaPlaylist: non-nil for media playlists
//   - error: decode failures or empty playlists
func decodePlaylist(body []byte, baseURL string) ([]Level, *mediaPlaylist, error) {
	playlist, listType, err := m3u8.DecodeFrom(bytes.NewReader(body), false)
	if err != nil {
		return nil, nil, fmt.Errorf("decode playlist: %w", err)
	}

	switch listType {
	case m3u8.MASTER:
		master := playlist.(*m3u8.MasterPlaylist)
		var levels []Level
		for _, variant := range master.Variants {
			if variant == nil {
				break
			}
			if variant.Iframe {
				continue
			}
			width, height := parseResolution(variant.Resolution)
			levels = append(levels, Level{
				URL:     resolveURL(variant.URI, baseURL),
				Bitrate: int(variant.Bandwidth),
				Width:   width,
				Height:  height,
				Name:    variant.Name,
				Codecs:  variant.Codecs,
			})
		}
		if len(levels) == 0 {
			return nil, nil, fmt.Errorf("master playlist has no variants")
		}
		sort.SliceStable(levels, func(i, j int) bool {
			return levels[i].Bitrate < levels[j].Bitrate
		})
		for i := range levels {
			levels[i].Index = i
		}
		return levels, nil, nil

	case m3u8.MEDIA:
		media := playlist.(*m3u8.MediaPlaylist)
		out := &mediaPlaylist{
			TargetDuration: media.TargetDuration,
			Closed:         media.Closed,
		}
		var offset float64
		for _, seg := range media.Segments {
			if seg == nil {
				continue
			}
			out.Segments = append(out.Segments, mediaSegment{
				Seq:      media.SeqNo + uint64(len(out.Segments)),
				URI:      resolveURL(seg.URI, baseURL),
				Duration: seg.Duration,
				Offset:   offset,
			})
			offset += seg.Duration
		}
		return nil, out, nil
	}

	return nil, nil, fmt.Errorf("unknown playlist type")
}

// parseResolution splits "1280x720" into width and height. Malformed values give zeros.
func parseResolution(resolution string) (int, int) {
	w, h, ok := strings.Cut(strings.ToLower(resolution), "x")
	if !ok {
		return 0, 0
	}
	width, err1 := strconv.Atoi(strings.TrimSpace(w))
	height, err2 := strconv.Atoi(strings.TrimSpace(h))
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	return width, height
}

// resolveURL resolves ref against base, leaving absolute URLs unchanged.
func resolveURL(ref, base string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	baseURL, err := url.Parse(base)
	if err != nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return baseURL.ResolveReference(refURL).String()
}
