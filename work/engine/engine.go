// Package engine binds adaptive streaming engines to video outputs. An Adapter
// owns exactly one engine instance bound to exactly one output; the Binder
// guarantees that an output never has two adapters at once.
package engine

import (
	"fmt"
	"strconv"

	"kptv-player/work/client"
	"kptv-player/work/config"
	"kptv-player/work/hls"
	"kptv-player/work/media"
	"kptv-player/work/types"
)

// Engine is the adaptive streaming engine contract. *hls.Engine implements it.
type Engine interface {
	Events() <-chan hls.Event
	AttachMedia(sink media.Sink)
	LoadSource(url string)
	SetStartPosition(position float64)
	StartLoad() error
	StopLoad()
	RecoverMediaError()
	SetLevel(level int)
	CurrentLevel() int
	Destroy()
}

// Factory creates a fresh engine. kind is "primary" or "pip".
type Factory func(kind string) Engine

// HLSFactory returns a Factory producing HLS engines sharing one HTTP client.
func HLSFactory(cfg *config.Config, hc *client.HeaderSettingClient) Factory {
	return func(kind string) Engine {
		return hls.New(cfg, hc, hls.WithOutputLabel(kind))
	}
}

// EventType is what an adapter reports to the state machine that owns it.
type EventType string

const (
	MediaAttached   EventType = "mediaAttached"
	ManifestParsed  EventType = "manifestParsed"
	Playing         EventType = "playing"
	NeedsActivation EventType = "needsActivation"
	PipEntered      EventType = "pipEntered"
	LevelSwitched   EventType = "levelSwitched"
	FragLoaded      EventType = "fragLoaded"
	Error           EventType = "engineError"
)

// Event is an adapter notification.
type Event struct {
	Type      EventType
	Qualities []types.QualityLevel // ManifestParsed, "auto" first
	Level     int                  // LevelSwitched
	Live      bool                 // ManifestParsed: open media playlist
	Error     *types.ErrorRecord   // Error, always fatal
}

// QualityLevels converts engine levels to the selectable list, led by the
// synthetic "auto" entry. Level ids are the engine indexes as strings.
func QualityLevels(levels []hls.Level) []types.QualityLevel {
	out := make([]types.QualityLevel, 0, len(levels)+1)
	out = append(out, types.QualityLevel{ID: types.AutoQualityID, Label: "Auto"})
	for _, l := range levels {
		out = append(out, types.QualityLevel{
			ID:      strconv.Itoa(l.Index),
			Label:   levelLabel(l),
			Bitrate: l.Bitrate,
			Height:  l.Height,
		})
	}
	return out
}

func levelLabel(l hls.Level) string {
	switch {
	case l.Height > 0:
		return fmt.Sprintf("%dp", l.Height)
	case l.Bitrate > 0:
		return fmt.Sprintf("%d kbps", l.Bitrate/1000)
	case l.Name != "":
		return l.Name
	default:
		return fmt.Sprintf("Level %d", l.Index)
	}
}
