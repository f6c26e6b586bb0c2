// Package resolver turns a channel reference into a playable stream URL.
package resolver

import (
	"context"
	"errors"
	"strings"

	"github.com/grafana/regexp"
	"github.com/maypok86/otter/v2"

	"kptv-player/work/config"
	"kptv-player/work/logger"
	"kptv-player/work/types"
	"kptv-player/work/utils"
)

// ErrNotFound is wrapped by resolution failures.
var ErrNotFound = errors.New("no stream url for reference")

// directURL matches references that already point at a playlist or segment.
var directURL = regexp.MustCompile(`(?i)^[a-z][a-z0-9+.-]*://[^\s]+\.(m3u8|m3u|ts|mp4|mpd|m4s|aac|mp3)([?#][^\s]*)?$`)

// Directory is the channel directory the resolver queries. Every method may
// fail or return nil; the resolver degrades to "no metadata".
type Directory interface {
	FindChannel(ctx context.Context, nameOrID string) (*types.ChannelDetails, error)
	GetChannelDetails(ctx context.Context, id string) (*types.ChannelDetails, error)
	GetLogoURL(ctx context.Context, nameOrID string) (string, error)
}

// Result is a resolved reference. Channel is nil when the reference was a
// direct URL and no lookup happened.
type Result struct {
	StreamURL string
	Channel   *types.Channel
}

// Resolver resolves references through the directory, caching hits.
type Resolver struct {
	dir   Directory
	cfg   *config.Config
	cache *otter.Cache[string, Result]
}

// New builds a Resolver. Lookups are cached for cfg.CacheDuration.
func New(cfg *config.Config, dir Directory) *Resolver {
	return &Resolver{
		dir: dir,
		cfg: cfg,
		cache: otter.Must(&otter.Options[string, Result]{
			MaximumSize:      1000,
			ExpiryCalculator: otter.ExpiryWriting[string, Result](cfg.CacheDuration),
		}),
	}
}

// IsDirectURL reports whether reference is already a stream URL.
func IsDirectURL(reference string) bool {
	return directURL.MatchString(strings.TrimSpace(reference))
}

// Resolve returns the stream URL for reference. Direct URLs are returned
// unchanged without touching the directory. Otherwise the directory is asked
// by id, then by display name, then through the details lookup; the first
// answer carrying a stream URL wins.
func (r *Resolver) Resolve(ctx context.Context, reference string) (Result, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Result{}, types.NewSessionError(types.CategoryResolution, "no channel selected", ErrNotFound)
	}

	if IsDirectURL(reference) {
		logger.Debug("{resolver/resolver - Resolve} Direct stream URL: %s", r.cfg.LogURL(reference))
		return Result{StreamURL: reference}, nil
	}

	if cached, ok := r.cache.GetIfPresent(reference); ok {
		logger.Debug("{resolver/resolver - Resolve} Cache hit for %q", reference)
		return cached, nil
	}

	strategies := []struct {
		name   string
		lookup func() (*types.ChannelDetails, error)
	}{
		{"id", func() (*types.ChannelDetails, error) { return r.dir.FindChannel(ctx, reference) }},
		{"name", func() (*types.ChannelDetails, error) {
			name := utils.DesanitizeChannelName(reference)
			if name == reference {
				return nil, nil
			}
			return r.dir.FindChannel(ctx, name)
		}},
		{"details", func() (*types.ChannelDetails, error) { return r.dir.GetChannelDetails(ctx, reference) }},
	}

	var lastErr error
	for _, s := range strategies {
		details, err := s.lookup()
		if err != nil {
			logger.Debug("{resolver/resolver - Resolve} Lookup by %s failed for %q: %v", s.name, reference, err)
			lastErr = err
			continue
		}
		if details == nil || details.StreamURL == "" {
			continue
		}

		channel := details.Channel
		if channel.ID == "" {
			channel.ID = utils.ChannelID(details.StreamURL)
		}
		if channel.Name == "" {
			channel.Name = utils.DesanitizeChannelName(reference)
		}
		result := Result{StreamURL: details.StreamURL, Channel: &channel}
		r.cache.Set(reference, result)

		logger.Debug("{resolver/resolver - Resolve} Resolved %q by %s: %s", reference, s.name, r.cfg.LogURL(details.StreamURL))
		return result, nil
	}

	if lastErr == nil {
		lastErr = ErrNotFound
	} else {
		lastErr = errors.Join(ErrNotFound, lastErr)
	}
	return Result{}, types.NewSessionError(types.CategoryResolution, "channel not found", lastErr)
}

// Enrich fills in logo and group for ch from the directory. It never changes
// identity and never fails; the bool reports whether anything was added.
func (r *Resolver) Enrich(ctx context.Context, ch types.Channel) (types.Channel, bool) {
	before := ch

	if ch.Logo == "" || ch.Group == "" {
		if details, err := r.dir.FindChannel(ctx, ch.Name); err == nil && details != nil {
			ch.Enrich(&details.Channel)
		}
	}
	if ch.Logo == "" {
		if logo, err := r.dir.GetLogoURL(ctx, ch.Name); err == nil {
			ch.Logo = logo
		}
	}

	ch.ID, ch.Name = before.ID, before.Name
	return ch, ch != before
}

// Invalidate drops a cached lookup.
func (r *Resolver) Invalidate(reference string) {
	r.cache.Invalidate(strings.TrimSpace(reference))
}

// FallbackChannel builds channel metadata for a stream URL that was opened
// directly.
func FallbackChannel(streamURL string) types.Channel {
	return types.Channel{
		ID:   utils.ChannelID(streamURL),
		Name: utils.NameFromURL(streamURL),
	}
}
