// Package filter selects which imported channels end up in the directory.
package filter

import (
	"fmt"
	"slices"
	"strings"

	"github.com/grafana/regexp"

	"kptv-player/work/logger"
	"kptv-player/work/types"
)

// Content types a channel can be classified as.
const (
	Live   = "live"
	Series = "series"
	VOD    = "vod"
)

var (
	seriesRegex = regexp.MustCompile(`(?i)24/7|247|/series/|/shows/|/show/`)
	vodRegex    = regexp.MustCompile(`(?i)/vods/|/vod/|/movies/|/movie/`)
)

// Rules are the user-facing filter settings of an import. Patterns are
// matched case-insensitively against the channel name; an empty pattern
// does not filter.
type Rules struct {
	Include string   `json:"include,omitempty"`
	Exclude string   `json:"exclude,omitempty"`
	Types   []string `json:"types,omitempty"` // content types to keep, all when empty
}

// Filter is a compiled Rules.
type Filter struct {
	include *regexp.Regexp
	exclude *regexp.Regexp
	types   []string
}

// Compile validates and compiles r.
func Compile(r Rules) (*Filter, error) {
	f := &Filter{}
	var err error
	if r.Include != "" {
		if f.include, err = regexp.Compile("(?i)" + r.Include); err != nil {
			return nil, fmt.Errorf("invalid include pattern: %w", err)
		}
	}
	if r.Exclude != "" {
		if f.exclude, err = regexp.Compile("(?i)" + r.Exclude); err != nil {
			return nil, fmt.Errorf("invalid exclude pattern: %w", err)
		}
	}
	for _, t := range r.Types {
		t = strings.ToLower(strings.TrimSpace(t))
		switch t {
		case Live, Series, VOD:
			f.types = append(f.types, t)
		default:
			return nil, fmt.Errorf("unknown content type %q", t)
		}
	}
	return f, nil
}

// Match reports whether ch passes the filter.
func (f *Filter) Match(ch types.ChannelDetails) bool {
	if len(f.types) > 0 && !slices.Contains(f.types, ContentType(ch)) {
		return false
	}
	name := strings.TrimSpace(ch.Name)
	if f.include != nil && !f.include.MatchString(name) {
		return false
	}
	if f.exclude != nil && f.exclude.MatchString(name) {
		return false
	}
	return true
}

// Apply returns the entries of chs that pass the filter.
func (f *Filter) Apply(chs []types.ChannelDetails) []types.ChannelDetails {
	if f.include == nil && f.exclude == nil && len(f.types) == 0 {
		return chs
	}
	out := make([]types.ChannelDetails, 0, len(chs))
	for _, ch := range chs {
		if f.Match(ch) {
			out = append(out, ch)
		}
	}
	logger.Debug("{filter/filter - Apply} Filtered %d -> %d channels", len(chs), len(out))
	return out
}

// ContentType classifies ch from its name and URL, then its group title.
// Anything unrecognised is live.
func ContentType(ch types.ChannelDetails) string {
	if seriesRegex.MatchString(ch.Name) || seriesRegex.MatchString(ch.StreamURL) {
		return Series
	}
	if vodRegex.MatchString(ch.Name) || vodRegex.MatchString(ch.StreamURL) {
		return VOD
	}

	group := strings.ToLower(ch.Group)
	switch {
	case strings.Contains(group, "series"):
		return Series
	case strings.Contains(group, "vod"), strings.Contains(group, "movie"):
		return VOD
	default:
		return Live
	}
}
