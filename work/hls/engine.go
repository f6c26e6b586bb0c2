// Package hls is a small adaptive HLS engine: it loads a manifest, picks a
// rendition, pulls segments into a media.Sink and reports what happens as a
// stream of events.
package hls

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/ratelimit"

	"kptv-player/work/client"
	"kptv-player/work/config"
	"kptv-player/work/logger"
	"kptv-player/work/media"
	"kptv-player/work/metrics"
)

// ErrNotAttached is returned by StartLoad before AttachMedia/LoadSource.
var ErrNotAttached = errors.New("hls: no media or source attached")

// AutoLevel selects renditions by measured throughput.
const AutoLevel = -1

// liveEdgeSegments is how many segments from the end of a live window loading
// starts at.
const liveEdgeSegments = 3

// Option configures an Engine.
type Option func(*Engine)

// WithPollInterval fixes the live playlist refresh interval instead of
// deriving it from the target duration.
func WithPollInterval(d time.Duration) Option {
	return func(e *Engine) { e.pollInterval = d }
}

// WithRetryDelay sets the pause between failed playlist loads.
func WithRetryDelay(d time.Duration) Option {
	return func(e *Engine) { e.retryDelay = d }
}

// WithOutputLabel sets the metrics label for transferred bytes.
func WithOutputLabel(label string) Option {
	return func(e *Engine) { e.outputLabel = label }
}

// Engine is one HLS loader bound to at most one sink.
type Engine struct {
	cfg          *config.Config
	client       *client.HeaderSettingClient
	limiter      ratelimit.Limiter
	tracker      *SegmentTracker
	pollInterval time.Duration
	retryDelay   time.Duration
	outputLabel  string

	events    chan Event
	done      chan struct{}
	destroyed atomic.Bool

	mu           sync.Mutex
	sink         media.Sink
	sourceURL    string
	levels       []Level
	manualLevel  int
	currentLevel int
	throughput   float64 // bits per second, EWMA
	timeline     float64 // seconds delivered since the last reset
	startAt      float64 // pending start position for on-demand playlists
	nextSeq      uint64  // media sequence of the next segment to deliver
	haveSeq      bool
	cancel       context.CancelFunc
	wg           sync.WaitGroup
}

// New creates an engine. It does nothing until AttachMedia, LoadSource and StartLoad.
func New(cfg *config.Config, hc *client.HeaderSettingClient, opts ...Option) *Engine {
	e := &Engine{
		cfg:          cfg,
		client:       hc,
		limiter:      ratelimit.New(cfg.SegmentsPerSecond),
		tracker:      NewSegmentTracker(64),
		retryDelay:   time.Second,
		outputLabel:  "primary",
		events:       make(chan Event, 64),
		done:         make(chan struct{}),
		manualLevel:  AutoLevel,
		currentLevel: -1,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Events returns the engine's event stream. It is never closed; stop reading
// after Destroy.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// AttachMedia binds the sink segments are delivered to.
func (e *Engine) AttachMedia(sink media.Sink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()

	e.emit(context.Background(), Event{Type: EventMediaAttached})
}

// LoadSource sets the manifest URL. Loading begins with StartLoad.
func (e *Engine) LoadSource(url string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sourceURL = url
	e.levels = nil
	e.haveSeq = false
}

// SetStartPosition makes the next load of an on-demand playlist begin at the
// segment containing position and moves the playhead there. Live playlists
// always start near the live edge.
func (e *Engine) SetStartPosition(position float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startAt = max(0, position)
}

// StartLoad (re)starts the loader. A running loader is stopped first. The
// manifest is only fetched again if it has not been parsed yet.
func (e *Engine) StartLoad() error {
	if e.destroyed.Load() {
		return ErrNotAttached
	}

	e.StopLoad()

	e.mu.Lock()
	defer e.mu.Unlock()
	// Destroy may have run while the previous loader was stopping
	if e.destroyed.Load() || e.sink == nil || e.sourceURL == "" {
		return ErrNotAttached
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.run(ctx)
	}()
	return nil
}

// StopLoad stops the loader and waits for it to exit.
func (e *Engine) StopLoad() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	e.wg.Wait()
}

// RecoverMediaError drops buffered media and restarts loading from the
// current window.
func (e *Engine) RecoverMediaError() {
	if e.destroyed.Load() {
		return
	}
	e.StopLoad()

	e.mu.Lock()
	sink := e.sink
	e.timeline = 0
	e.haveSeq = false
	e.mu.Unlock()

	if sink != nil {
		sink.ResetBuffer()
	}
	e.tracker.Clear()

	if err := e.StartLoad(); err != nil {
		logger.Warn("{hls/engine - RecoverMediaError} Restart failed: %v", err)
	}
}

// SetLevel pins a rendition by index, or restores automatic selection with AutoLevel.
func (e *Engine) SetLevel(level int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if level < 0 || level >= len(e.levels) {
		level = AutoLevel
	}
	e.manualLevel = level
}

// AutoLevelEnabled reports whether renditions are chosen automatically.
func (e *Engine) AutoLevelEnabled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.manualLevel == AutoLevel
}

// CurrentLevel returns the index in use, -1 before the first level load.
func (e *Engine) CurrentLevel() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentLevel
}

// Destroy stops loading and detaches the sink. Idempotent.
func (e *Engine) Destroy() {
	if !e.destroyed.CompareAndSwap(false, true) {
		return
	}
	close(e.done)
	e.StopLoad()

	e.mu.Lock()
	e.sink = nil
	e.mu.Unlock()
	e.tracker.Clear()
}

func (e *Engine) emit(ctx context.Context, ev Event) bool {
	select {
	case e.events <- ev:
		return true
	case <-e.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (e *Engine) emitError(ctx context.Context, data *ErrorData) {
	if data.Fatal {
		logger.Warn("{hls/engine - emitError} %v", data)
	} else {
		logger.Debug("{hls/engine - emitError} %v", data)
	}
	e.emit(ctx, Event{Type: EventError, Error: data})
}

// networkError converts a fetch failure into ErrorData.
func networkError(details string, fatal bool, err error) *ErrorData {
	data := &ErrorData{Type: NetworkError, Details: details, Fatal: fatal, Err: err}
	var se *client.StatusError
	if errors.As(err, &se) {
		data.ResponseCode = se.Code
		data.Unreachable = se.Unreachable()
		data.URL = se.URL
	}
	return data
}

/**
 * run is the loader loop. It loads the manifest if needed, then repeatedly
 * refreshes the selected media playlist and delivers new segments to the sink
 * until the context is cancelled, a VOD playlist is exhausted, or a fatal
 * error is reported.
 *
 * Failure accounting:
 * - manifest failures are fatal immediately; the owner decides whether to retry
 * - consecutive playlist failures become fatal at MaxLevelLoadErrors
 * - fragment failures are non-fatal until the same threshold is reached
 */
func (e *Engine) run(ctx context.Context) {
	e.mu.Lock()
	sourceURL := e.sourceURL
	haveLevels := e.levels != nil
	e.mu.Unlock()

	if !haveLevels {
		if !e.loadManifest(ctx, sourceURL) {
			return
		}
	}

	levelErrors := 0
	fragErrors := 0
	emptyFrags := 0

	for {
		if ctx.Err() != nil {
			return
		}

		level := e.selectLevel(ctx)

		e.limiter.Take()
		body, err := e.client.Fetch(ctx, level.URL, e.cfg.ManifestTimeout)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			levelErrors++
			fatal := levelErrors >= e.cfg.MaxLevelLoadErrors
			e.emitError(ctx, networkError(DetailLevelLoadError, fatal, err))
			if fatal || !e.wait(ctx, e.retryDelay) {
				return
			}
			continue
		}

		_, playlist, err := decodePlaylist(body, level.URL)
		if err != nil || playlist == nil {
			levelErrors++
			fatal := levelErrors >= e.cfg.MaxLevelLoadErrors
			e.emitError(ctx, &ErrorData{Type: NetworkError, Details: DetailLevelLoadError, Fatal: fatal, URL: level.URL, Err: err})
			if fatal || !e.wait(ctx, e.retryDelay) {
				return
			}
			continue
		}
		levelErrors = 0

		e.updateTimeline(playlist)
		e.tracker.EnsureCapacity(2 * len(playlist.Segments))

		for _, seg := range playlist.Segments[e.firstSegment(playlist):] {
			if e.tracker.HasProcessed(seg.URI) {
				e.markDelivered(seg)
				continue
			}
			if ctx.Err() != nil {
				return
			}

			e.limiter.Take()
			start := time.Now()
			data, err := e.client.Fetch(ctx, seg.URI, e.cfg.SegmentTimeout)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				fragErrors++
				fatal := fragErrors >= e.cfg.MaxLevelLoadErrors*2
				e.emitError(ctx, networkError(DetailFragLoadError, fatal, err))
				if fatal {
					return
				}
				continue
			}
			fragErrors = 0

			if len(data) == 0 {
				emptyFrags++
				fatal := emptyFrags >= e.cfg.MaxLevelLoadErrors
				details := DetailBufferStalledError
				if fatal {
					details = DetailBufferAppendError
				}
				e.emitError(ctx, &ErrorData{Type: MediaError, Details: details, Fatal: fatal, URL: seg.URI})
				if fatal {
					return
				}
				e.markDelivered(seg)
				continue
			}
			emptyFrags = 0

			if !e.deliver(ctx, seg, data, time.Since(start), level.Index, playlist) {
				return
			}
		}

		if playlist.Closed {
			logger.Debug("{hls/engine - run} VOD playlist fully loaded (%d segments)", len(playlist.Segments))
			return
		}

		if !e.wait(ctx, e.refreshInterval(playlist)) {
			return
		}
	}
}

func (e *Engine) loadManifest(ctx context.Context, sourceURL string) bool {
	logger.Debug("{hls/engine - loadManifest} Loading manifest: %s", e.cfg.LogURL(sourceURL))

	e.limiter.Take()
	body, err := e.client.Fetch(ctx, sourceURL, e.cfg.ManifestTimeout)
	if ctx.Err() != nil {
		return false
	}
	if err != nil {
		e.emitError(ctx, networkError(DetailManifestLoadError, true, err))
		return false
	}

	levels, playlist, err := decodePlaylist(body, sourceURL)
	if err != nil {
		e.emitError(ctx, &ErrorData{Type: OtherError, Details: DetailManifestParsingError, Fatal: true, URL: sourceURL, Err: err})
		return false
	}
	live := false
	if playlist != nil {
		// a bare media playlist is a single implicit level
		levels = []Level{{Index: 0, URL: sourceURL}}
		live = !playlist.Closed
	}

	e.mu.Lock()
	e.levels = levels
	if e.manualLevel >= len(levels) {
		e.manualLevel = AutoLevel
	}
	e.mu.Unlock()

	logger.Debug("{hls/engine - loadManifest} Manifest parsed with %d levels", len(levels))
	return e.emit(ctx, Event{Type: EventManifestParsed, Levels: append([]Level(nil), levels...), Live: live})
}

// selectLevel picks the rendition for the next playlist load and reports a
// switch when it changes.
func (e *Engine) selectLevel(ctx context.Context) Level {
	e.mu.Lock()
	next := e.manualLevel
	if next == AutoLevel {
		next = 0
		for i, l := range e.levels {
			if e.throughput > 0 && float64(l.Bitrate) <= e.throughput*0.8 {
				next = i
			}
		}
	}
	switched := next != e.currentLevel
	e.currentLevel = next
	level := e.levels[next]
	e.mu.Unlock()

	if switched {
		e.emit(ctx, Event{Type: EventLevelSwitched, Level: next})
	}
	return level
}

func (e *Engine) updateTimeline(playlist *mediaPlaylist) {
	e.mu.Lock()
	sink := e.sink
	timeline := e.timeline
	e.mu.Unlock()
	if sink == nil {
		return
	}

	if playlist.Closed {
		total := playlist.Total()
		sink.SetDuration(total)
		sink.SetSeekable(0, total)
		return
	}

	sink.SetDuration(math.Inf(1))
	window := playlist.Total()
	sink.SetSeekable(math.Max(0, timeline-window), timeline)
}

func (e *Engine) deliver(ctx context.Context, seg mediaSegment, data []byte, elapsed time.Duration, level int, playlist *mediaPlaylist) bool {
	live := !playlist.Closed
	e.mu.Lock()
	sink := e.sink
	if elapsed > 0 {
		sample := float64(len(data)*8) / elapsed.Seconds()
		if e.throughput == 0 {
			e.throughput = sample
		} else {
			e.throughput = 0.7*e.throughput + 0.3*sample
		}
	}
	e.timeline += seg.Duration
	timeline := e.timeline
	e.mu.Unlock()

	if sink == nil {
		return false
	}
	sink.AppendSegment(data, seg.Duration)
	if live {
		sink.SetSeekable(math.Max(0, timeline-playlist.Total()), timeline)
	}
	e.markDelivered(seg)
	metrics.BytesTransferred.WithLabelValues(e.outputLabel).Add(float64(len(data)))

	return e.emit(ctx, Event{Type: EventFragLoaded, Level: level, Bytes: len(data), Duration: seg.Duration, Live: live})
}

// firstSegment returns the index in playlist to resume delivery from. The
// first load of a window starts near the live edge, or at the pending start
// position for on-demand playlists; later loads continue after the last
// delivered media sequence.
func (e *Engine) firstSegment(playlist *mediaPlaylist) int {
	segs := playlist.Segments
	if len(segs) == 0 {
		return 0
	}
	last := segs[len(segs)-1].Seq

	e.mu.Lock()
	if e.haveSeq && last+1 < e.nextSeq {
		logger.Debug("{hls/engine - firstSegment} Media sequence restarted at %d (expected %d), reloading window", segs[0].Seq, e.nextSeq)
		e.haveSeq = false
	}
	if e.haveSeq {
		next := e.nextSeq
		e.mu.Unlock()
		if next <= segs[0].Seq {
			return 0
		}
		return int(min(next-segs[0].Seq, uint64(len(segs))))
	}

	first := 0
	startAt := e.startAt
	e.startAt = 0
	switch {
	case playlist.Closed && startAt > 0:
		first = playlist.segmentAt(startAt)
		e.timeline = segs[first].Offset
	case !playlist.Closed && len(segs) > liveEdgeSegments:
		first = len(segs) - liveEdgeSegments
	}
	e.nextSeq, e.haveSeq = segs[first].Seq, true
	sink := e.sink
	e.mu.Unlock()

	if playlist.Closed && startAt > 0 && sink != nil {
		logger.Debug("{hls/engine - firstSegment} Starting at %.1fs, segment %d of %d", startAt, first, len(segs))
		sink.ResetBufferAt(segs[first].Offset, startAt)
	}
	return first
}

// markDelivered records seg so later refreshes of the window skip it.
func (e *Engine) markDelivered(seg mediaSegment) {
	e.tracker.MarkProcessed(seg.URI)
	e.mu.Lock()
	if !e.haveSeq || seg.Seq >= e.nextSeq {
		e.nextSeq, e.haveSeq = seg.Seq+1, true
	}
	e.mu.Unlock()
}

func (e *Engine) refreshInterval(playlist *mediaPlaylist) time.Duration {
	if e.pollInterval > 0 {
		return e.pollInterval
	}
	d := time.Duration(playlist.TargetDuration * float64(time.Second) / 2)
	return min(max(d, 500*time.Millisecond), 5*time.Second)
}

func (e *Engine) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-e.done:
		return false
	case <-t.C:
		return true
	}
}
