// Package classifier decides from playback telemetry whether a stream is a live
// broadcast or seekable content.
package classifier

import (
	"math"
	"sync"

	"kptv-player/work/config"
)

// Verdict is the classification result.
type Verdict int

const (
	Unknown Verdict = iota
	Live
	Seekable
)

func (v Verdict) String() string {
	switch v {
	case Live:
		return "live"
	case Seekable:
		return "seekable"
	default:
		return "unknown"
	}
}

// Sample is one observation of the output element.
type Sample struct {
	Duration    float64 // +Inf for live, NaN or 0 when unknown
	Position    float64
	SeekStart   float64
	SeekEnd     float64
	HasSeekable bool
}

// Thresholds are the tunables of the heuristic.
type Thresholds struct {
	SeekableDuration  float64 // finite durations above this are seekable
	SeekableWindow    float64 // seekable ranges wider than this are seekable
	LiveEdgeSamples   int     // consecutive pinned samples for live
	LiveEdgeTolerance float64 // seconds from the edge still counted as pinned
}

// ThresholdsFrom reads the thresholds from cfg.
func ThresholdsFrom(cfg *config.Config) Thresholds {
	return Thresholds{
		SeekableDuration:  cfg.SeekableDuration,
		SeekableWindow:    cfg.SeekableWindow,
		LiveEdgeSamples:   cfg.LiveEdgeSamples,
		LiveEdgeTolerance: cfg.LiveEdgeTolerance,
	}
}

// Classifier accumulates samples until it reaches a verdict. Once Live or
// Seekable is returned, further samples are ignored.
type Classifier struct {
	th Thresholds

	mu      sync.Mutex
	verdict Verdict
	pinned  int
}

// New returns a classifier with no verdict.
func New(th Thresholds) *Classifier {
	return &Classifier{th: th}
}

// Observe feeds one sample and returns the current verdict.
func (c *Classifier) Observe(s Sample) Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.verdict != Unknown {
		return c.verdict
	}

	switch {
	case math.IsInf(s.Duration, 1):
		c.verdict = Live
		return c.verdict
	case !math.IsNaN(s.Duration) && s.Duration > c.th.SeekableDuration:
		c.verdict = Seekable
		return c.verdict
	case s.HasSeekable && s.SeekEnd-s.SeekStart > c.th.SeekableWindow:
		c.verdict = Seekable
		return c.verdict
	}

	edge := s.SeekEnd
	if !math.IsNaN(s.Duration) && s.Duration > 0 {
		edge = s.Duration
	}
	if edge > 0 && edge-s.Position <= c.th.LiveEdgeTolerance {
		c.pinned++
	} else {
		c.pinned = 0
	}
	if c.pinned >= c.th.LiveEdgeSamples {
		c.verdict = Live
	}
	return c.verdict
}

// Verdict returns the current verdict.
func (c *Classifier) Verdict() Verdict {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.verdict
}

// Terminal reports whether a verdict has been reached.
func (c *Classifier) Terminal() bool {
	return c.Verdict() != Unknown
}
