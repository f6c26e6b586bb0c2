// Package session implements the primary playback session: it resolves a
// channel reference, binds an engine adapter to a fresh output, watches the
// initialization deadline, classifies the stream as live or seekable and
// turns engine failures into a retryable error state.
package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"kptv-player/work/classifier"
	"kptv-player/work/config"
	"kptv-player/work/engine"
	"kptv-player/work/logger"
	"kptv-player/work/media"
	"kptv-player/work/metrics"
	"kptv-player/work/recovery"
	"kptv-player/work/resolver"
	"kptv-player/work/store"
	"kptv-player/work/types"
	"kptv-player/work/utils"
)

var (
	// ErrStopped is returned by every method once Stop was called.
	ErrStopped = errors.New("session controller stopped")
	// ErrNotActive is returned by playback controls when nothing is bound.
	ErrNotActive = errors.New("no active playback")
	// ErrNotRetryable is returned by Retry outside the error state.
	ErrNotRetryable = errors.New("session is not in an error state")
)

// Resolver turns references into stream URLs.
type Resolver interface {
	Resolve(ctx context.Context, reference string) (resolver.Result, error)
	Enrich(ctx context.Context, ch types.Channel) (types.Channel, bool)
}

// AlternativesFinder suggests similar channels after a failure.
type AlternativesFinder interface {
	Alternatives(ctx context.Context, name, excludeID string, limit int) ([]types.Channel, error)
}

// HistoryRecorder receives every channel that reaches playback.
type HistoryRecorder interface {
	Append(ch types.Channel) error
}

// DeadStreamTracker remembers channels that failed with network errors.
type DeadStreamTracker interface {
	MarkDead(ch types.Channel, reason string) error
	Revive(id string) error
	IsDead(id string) bool
}

// Deps are the collaborators of a Controller. Alternatives, History and
// Prefs are optional.
type Deps struct {
	Resolver     Resolver
	Binder       *engine.Binder
	Outputs      media.Factory
	Pool         *ants.Pool
	Alternatives AlternativesFinder
	History      HistoryRecorder
	DeadStreams  DeadStreamTracker
	Prefs        store.Store
}

const lookupTimeout = 5 * time.Second

// Controller is the primary playback session. All state lives on a single
// loop goroutine; public methods post work to it and async results come back
// tagged with the generation they were started under. Results from an older
// generation are dropped.
type Controller struct {
	cfg  *config.Config
	deps Deps

	events   chan func()
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// loop-owned
	snap       types.PlaybackSession
	gen        uint64
	reference  string
	gesture    bool
	output     media.Output
	adapter    *engine.Adapter
	cancel     context.CancelFunc
	watchdog   *time.Timer
	sampler    chan struct{}
	classifier *classifier.Classifier
	recorded   bool

	mu      sync.Mutex
	current types.PlaybackSession
	subs    map[int]chan types.PlaybackSession
	nextSub int
}

// New creates an idle controller and starts its loop.
//
// Parameters:
//   - cfg: watchdog, retry and classifier settings
//   - deps: resolver, binder, output factory and optional helpers
//
// Returns:
//   - *Controller: running controller, stop it with Stop
func New(cfg *config.Config, deps Deps) *Controller {
	prefs := store.DefaultPrefs
	if deps.Prefs != nil {
		prefs = store.LoadPrefs(deps.Prefs)
	}

	c := &Controller{
		cfg:     cfg,
		deps:    deps,
		events:  make(chan func(), 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[int]chan types.PlaybackSession),
	}
	c.snap = c.idleSnapshot(prefs.Volume, prefs.Muted)
	c.current = c.snap

	go c.loop()
	return c
}

func (c *Controller) idleSnapshot(volume float64, muted bool) types.PlaybackSession {
	return types.PlaybackSession{
		Status:         types.StatusIdle,
		CurrentQuality: types.AutoQualityID,
		Volume:         volume,
		Muted:          muted,
		Health:         types.HealthSnapshot{Level: -1},
	}
}

func (c *Controller) loop() {
	defer close(c.stopped)
	for {
		select {
		case fn := <-c.events:
			fn()
		case <-c.quit:
			c.teardown()
			return
		}
	}
}

// post queues fn on the loop. It reports false once the controller stopped.
// Never call it from the loop itself.
func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- fn:
		return true
	case <-c.quit:
		return false
	}
}

// do runs fn on the loop and waits for it.
func (c *Controller) do(fn func() error) error {
	var err error
	done := make(chan struct{})
	if !c.post(func() { err = fn(); close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return err
	case <-c.stopped:
		return ErrStopped
	}
}

// Stop tears down any binding and ends the loop. Idempotent.
func (c *Controller) Stop() {
	c.stopOnce.Do(func() {
		close(c.quit)
		<-c.stopped

		c.mu.Lock()
		for id, ch := range c.subs {
			close(ch)
			delete(c.subs, id)
		}
		c.mu.Unlock()
	})
}

// Snapshot returns the latest published session state.
func (c *Controller) Snapshot() types.PlaybackSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Subscribe returns a channel receiving the latest snapshot after every
// change. Slow readers only ever see the most recent one. The returned
// function cancels the subscription.
func (c *Controller) Subscribe() (<-chan types.PlaybackSession, func()) {
	ch := make(chan types.PlaybackSession, 1)

	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.subs[id] = ch
	ch <- c.current
	c.mu.Unlock()

	return ch, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if _, ok := c.subs[id]; ok {
			delete(c.subs, id)
			close(ch)
		}
	}
}

func (c *Controller) publish() {
	s := c.snap
	s.QualityLevels = append([]types.QualityLevel(nil), c.snap.QualityLevels...)
	s.Alternatives = append([]types.Channel(nil), c.snap.Alternatives...)
	if c.snap.Channel != nil {
		ch := *c.snap.Channel
		s.Channel = &ch
	}
	if c.snap.Error != nil {
		rec := *c.snap.Error
		s.Error = &rec
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = s
	for _, ch := range c.subs {
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- s:
			default:
			}
		}
	}
}

func (c *Controller) transition(ev EventKind) bool {
	tr, ok := TransitionFor(c.snap.Status, ev)
	if !ok {
		logger.Debug("{session/controller - transition} Ignoring %s in %s", ev, c.snap.Status)
		return false
	}
	logger.Debug("{session/controller - transition} %s -> %s on %s", tr.From, tr.To, ev)
	c.snap.Status = tr.To
	metrics.StateTransitions.WithLabelValues("primary", string(tr.To)).Inc()
	c.publish()
	return true
}

// Open starts playing reference, which may be a stream URL, a channel id or a
// channel name. Anything currently playing is torn down first. A user
// gesture on ctx (media.WithUserGesture) allows the session to unmute.
func (c *Controller) Open(ctx context.Context, reference string) error {
	gesture := media.IsUserGesture(ctx)
	return c.do(func() error {
		if c.snap.Status != types.StatusIdle {
			c.teardown()
			c.transition(EvClose)
		}

		c.reference = strings.TrimSpace(reference)
		c.gesture = gesture
		c.recorded = false
		c.snap = c.idleSnapshot(c.snap.Volume, c.snap.Muted)

		logger.Info("{session/controller - Open} Opening %s", c.cfg.LogURL(c.reference))
		c.transition(EvOpen)
		c.resolve()
		return nil
	})
}

// resolve looks the current reference up off the loop.
func (c *Controller) resolve() {
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	ref := c.reference

	go func() {
		res, err := c.deps.Resolver.Resolve(ctx, ref)
		c.post(func() {
			if gen != c.gen {
				logger.Debug("{session/controller - resolve} Dropping stale resolution of %q", ref)
				return
			}
			c.resolved(res, err)
		})
	}()
}

func (c *Controller) resolved(res resolver.Result, err error) {
	if err != nil {
		rec := types.ErrorRecord{Category: types.CategoryResolution, Message: "channel not found", Detail: err.Error(), IsFatal: true}
		var se *types.SessionError
		if errors.As(err, &se) {
			rec = se.Record
		}
		rec.SourceEvent = "resolve"
		c.fail(rec)
		return
	}

	ch := resolver.FallbackChannel(res.StreamURL)
	if res.Channel != nil {
		ch = *res.Channel
	}
	c.snap.Channel = &ch
	c.snap.StreamURL = res.StreamURL

	if !c.transition(EvResolved) {
		return
	}
	c.bind()
	c.enrich(ch)
}

// bind creates a fresh output and binds an adapter to it.
func (c *Controller) bind() {
	gen := c.gen
	out := c.deps.Outputs.NewOutput("primary")

	ctx := context.Background()
	if c.gesture {
		ctx = media.WithUserGesture(ctx)
	}
	a, err := c.deps.Binder.Attach(ctx, c.snap.StreamURL, out, engine.Options{
		Kind:   "primary",
		Volume: c.snap.Volume,
		Muted:  c.snap.Muted,
		Notify: func(ev engine.Event) {
			c.post(func() {
				if gen == c.gen {
					c.handleEngine(ev)
				}
			})
		},
	})
	if err != nil {
		out.Release()
		rec := types.ErrorRecord{Category: types.CategoryEngine, Message: "unable to start playback", Detail: err.Error(), IsFatal: true}
		var se *types.SessionError
		if errors.As(err, &se) {
			rec = se.Record
		}
		rec.SourceEvent = "attach"
		c.fail(rec)
		return
	}

	c.output = out
	c.adapter = a
	metrics.ActiveSessions.WithLabelValues("primary").Inc()

	timeout := c.cfg.InitWatchdog
	c.watchdog = time.AfterFunc(timeout, func() {
		c.post(func() {
			if gen != c.gen {
				return
			}
			if c.snap.Status == types.StatusInitializing {
				logger.Warn("{session/controller - watchdog} Manifest not parsed after %s", timeout)
				c.fail(recovery.TimeoutError(timeout).Record)
			}
		})
	})
}

func (c *Controller) handleEngine(ev engine.Event) {
	switch ev.Type {
	case engine.MediaAttached:
		logger.Debug("{session/controller - handleEngine} Media attached to %s", c.output.ID())

	case engine.ManifestParsed:
		c.stopWatchdog()
		c.snap.QualityLevels = ev.Qualities
		c.snap.CurrentQuality = types.AutoQualityID
		c.transition(EvManifestParsed)

	case engine.Playing:
		c.onPlaying()

	case engine.NeedsActivation:
		c.stopWatchdog()
		c.snap.NeedsActivation = true
		c.publish()

	case engine.LevelSwitched:
		if c.adapter != nil {
			c.snap.Health = c.adapter.Health()
			c.publish()
		}

	case engine.Error:
		if ev.Error != nil {
			c.fail(*ev.Error)
		}
	}
}

func (c *Controller) onPlaying() {
	if !c.transition(EvPlaying) {
		return
	}
	c.stopWatchdog()
	c.startSampler()
	c.recordHistory()
	c.reviveStream()
	c.publish()
}

// fail tears everything down and moves to the error state.
func (c *Controller) fail(rec types.ErrorRecord) {
	c.teardown()
	if !c.transition(EvFailed) {
		return
	}
	rec.IsFatal = true
	c.snap.Error = &rec
	c.snap.CanRetry = c.snap.RetryCount < c.cfg.MaxManualRetries
	logger.Warn("{session/controller - fail} %s: %s (%s)", rec.Category, rec.Message, rec.Detail)
	c.publish()
	if rec.Category == types.CategoryNetwork {
		c.markDead(rec.Message)
	}
	c.lookupAlternatives()
}

// teardown releases the binding and everything tied to it. Safe to call
// repeatedly; the status is left for the caller to change.
func (c *Controller) teardown() {
	c.gen++
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.stopWatchdog()
	c.stopSampler()
	if c.adapter != nil {
		c.adapter.Destroy()
		c.adapter = nil
		metrics.ActiveSessions.WithLabelValues("primary").Dec()
	}
	if c.output != nil {
		c.output.Release()
		c.output = nil
	}
	c.classifier = nil
	c.snap.NeedsActivation = false
}

func (c *Controller) stopWatchdog() {
	if c.watchdog != nil {
		c.watchdog.Stop()
		c.watchdog = nil
	}
}

func (c *Controller) startSampler() {
	if c.sampler != nil {
		return
	}
	c.classifier = classifier.New(classifier.ThresholdsFrom(c.cfg))
	stop := make(chan struct{})
	c.sampler = stop
	gen := c.gen
	interval := c.cfg.SampleInterval

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				ok := c.post(func() {
					if gen == c.gen {
						c.sample()
					}
				})
				if !ok {
					return
				}
			}
		}
	}()
}

func (c *Controller) stopSampler() {
	if c.sampler != nil {
		close(c.sampler)
		c.sampler = nil
	}
}

// sample feeds the classifier and refreshes the health snapshot.
func (c *Controller) sample() {
	if c.snap.Status != types.StatusPlaying || c.output == nil || c.classifier == nil {
		return
	}
	if !c.classifier.Terminal() {
		out := c.output
		start, end, ok := out.Seekable()
		verdict := c.classifier.Observe(classifier.Sample{
			Duration:    out.Duration(),
			Position:    out.CurrentTime(),
			SeekStart:   start,
			SeekEnd:     end,
			HasSeekable: ok,
		})
		if verdict != classifier.Unknown {
			c.snap.IsLive = verdict == classifier.Live
			c.snap.LiveKnown = true
			logger.Debug("{session/controller - sample} Classified %s as %s", c.cfg.LogURL(c.snap.StreamURL), verdict)
		}
	}
	if c.adapter != nil {
		c.snap.Health = c.adapter.Health()
	}
	c.publish()
}

func (c *Controller) recordHistory() {
	if c.recorded || c.deps.History == nil || c.snap.Channel == nil {
		return
	}
	c.recorded = true
	ch := *c.snap.Channel
	c.submit("history", func() {
		if err := c.deps.History.Append(ch); err != nil {
			logger.Warn("{session/controller - recordHistory} Failed to append history: %v", err)
		}
	})
}

func (c *Controller) markDead(reason string) {
	if c.deps.DeadStreams == nil || c.snap.Channel == nil || c.snap.Channel.ID == "" {
		return
	}
	ch := *c.snap.Channel
	c.submit("dead stream", func() {
		if err := c.deps.DeadStreams.MarkDead(ch, reason); err != nil {
			logger.Warn("{session/controller - markDead} Failed to mark %q dead: %v", ch.Name, err)
		}
	})
}

func (c *Controller) reviveStream() {
	if c.deps.DeadStreams == nil || c.snap.Channel == nil || c.snap.Channel.ID == "" {
		return
	}
	id := c.snap.Channel.ID
	c.submit("revive", func() {
		if err := c.deps.DeadStreams.Revive(id); err != nil {
			logger.Warn("{session/controller - reviveStream} Failed to revive %s: %v", id, err)
		}
	})
}

// enrich fills in logo and group in the background. Identity never changes.
func (c *Controller) enrich(ch types.Channel) {
	if ch.Logo != "" && ch.Group != "" {
		return
	}
	gen := c.gen
	c.submit("enrich", func() {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		enriched, changed := c.deps.Resolver.Enrich(ctx, ch)
		if !changed {
			return
		}
		c.post(func() {
			if gen != c.gen || c.snap.Channel == nil || c.snap.Channel.ID != ch.ID {
				return
			}
			c.snap.Channel.Enrich(&enriched)
			c.publish()
		})
	})
}

// lookupAlternatives offers similar cached channels after a failure. Lookup
// errors are silent.
func (c *Controller) lookupAlternatives() {
	if c.deps.Alternatives == nil || c.cfg.AlternativesLimit <= 0 {
		return
	}

	name, exclude := "", ""
	switch {
	case c.snap.Channel != nil:
		name, exclude = c.snap.Channel.Name, c.snap.Channel.ID
	case resolver.IsDirectURL(c.reference):
		name = utils.NameFromURL(c.reference)
	default:
		name = utils.DesanitizeChannelName(c.reference)
	}
	if strings.TrimSpace(name) == "" {
		return
	}

	gen := c.gen
	limit := c.cfg.AlternativesLimit
	c.submit("alternatives", func() {
		ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
		defer cancel()
		alts, err := c.deps.Alternatives.Alternatives(ctx, name, exclude, limit)
		if err == nil && c.deps.DeadStreams != nil {
			alive := alts[:0]
			for _, a := range alts {
				if !c.deps.DeadStreams.IsDead(a.ID) {
					alive = append(alive, a)
				}
			}
			alts = alive
		}
		if err != nil || len(alts) == 0 {
			logger.Debug("{session/controller - lookupAlternatives} No alternatives for %q: %v", name, err)
			return
		}
		c.post(func() {
			if gen != c.gen || c.snap.Status != types.StatusError {
				return
			}
			c.snap.Alternatives = alts
			c.publish()
		})
	})
}

func (c *Controller) submit(what string, task func()) {
	if c.deps.Pool == nil {
		go task()
		return
	}
	if err := c.deps.Pool.Submit(task); err != nil {
		logger.Debug("{session/controller - submit} Skipping %s: %v", what, err)
	}
}

// TogglePlay pauses a playing session or resumes a paused one.
func (c *Controller) TogglePlay(ctx context.Context) error {
	return c.do(func() error {
		switch c.snap.Status {
		case types.StatusPlaying:
			c.output.Pause()
			c.transition(EvPause)
			return nil

		case types.StatusPaused:
			if err := c.output.Play(ctx); err != nil {
				if errors.Is(err, media.ErrActivationRequired) {
					c.snap.NeedsActivation = true
					c.publish()
					return nil
				}
				return err
			}
			c.transition(EvResume)
			return nil

		default:
			return ErrNotActive
		}
	})
}

// SetVolume sets the output volume, clamped to [0, 1], and remembers it.
func (c *Controller) SetVolume(volume float64) error {
	if volume < 0 {
		volume = 0
	}
	if volume > 1 {
		volume = 1
	}
	return c.do(func() error {
		c.snap.Volume = volume
		if c.output != nil {
			c.output.SetVolume(volume)
		}
		c.savePrefs()
		c.publish()
		return nil
	})
}

// SetMuted mutes or unmutes. Unmuting without a user gesture raises the
// activation affordance instead of failing.
func (c *Controller) SetMuted(ctx context.Context, muted bool) error {
	return c.do(func() error {
		if c.output != nil {
			if err := c.output.SetMuted(ctx, muted); err != nil {
				if errors.Is(err, media.ErrActivationRequired) {
					c.snap.NeedsActivation = true
					c.publish()
					return nil
				}
				return err
			}
		}
		c.snap.Muted = muted
		if !muted {
			c.snap.NeedsActivation = false
		}
		c.savePrefs()
		c.publish()
		return nil
	})
}

// Activate completes whatever was waiting for a user gesture: starting
// playback and unmuting. ctx must carry a gesture.
func (c *Controller) Activate(ctx context.Context) error {
	if !media.IsUserGesture(ctx) {
		return media.ErrActivationRequired
	}
	return c.do(func() error {
		if c.output == nil {
			return ErrNotActive
		}
		c.gesture = true

		if c.output.Paused() && c.snap.Status == types.StatusLoading {
			if err := c.output.Play(ctx); err != nil {
				return err
			}
			c.onPlaying()
		}
		if !c.snap.Muted {
			if err := c.output.SetMuted(ctx, false); err != nil {
				return err
			}
		}
		c.snap.NeedsActivation = false
		c.publish()
		return nil
	})
}

// SetQuality pins a quality level by id, or "auto".
func (c *Controller) SetQuality(id string) error {
	return c.do(func() error {
		if c.adapter == nil {
			return ErrNotActive
		}
		if err := c.adapter.SetQuality(id); err != nil {
			return err
		}
		c.snap.CurrentQuality = id
		c.publish()
		return nil
	})
}

// Retry re-opens the failed reference. At most MaxManualRetries retries are
// accepted per opened reference; further requests are rejected and leave the
// session in the error state with retry disabled.
func (c *Controller) Retry(ctx context.Context) error {
	gesture := media.IsUserGesture(ctx)
	return c.do(func() error {
		if c.snap.Status != types.StatusError {
			return ErrNotRetryable
		}
		if err := recovery.CheckManualRetry(c.snap.RetryCount, c.cfg.MaxManualRetries); err != nil {
			metrics.ManualRetries.WithLabelValues("rejected").Inc()
			rec := err.Record
			c.snap.Error = &rec
			c.snap.CanRetry = false
			c.publish()
			return err
		}

		metrics.ManualRetries.WithLabelValues("accepted").Inc()
		c.snap.RetryCount++
		c.snap.Error = nil
		c.snap.Alternatives = nil
		c.snap.QualityLevels = nil
		c.gesture = c.gesture || gesture
		logger.Info("{session/controller - Retry} Retry %d/%d for %s", c.snap.RetryCount, c.cfg.MaxManualRetries, c.cfg.LogURL(c.reference))

		c.transition(EvRetry)
		c.resolve()
		return nil
	})
}

// Close tears the session down and returns to idle.
func (c *Controller) Close() error {
	return c.do(func() error {
		c.teardown()
		c.transition(EvClose)
		c.reference = ""
		c.snap = c.idleSnapshot(c.snap.Volume, c.snap.Muted)
		c.publish()
		return nil
	})
}

func (c *Controller) savePrefs() {
	if c.deps.Prefs == nil {
		return
	}
	if err := store.SavePrefs(c.deps.Prefs, store.Prefs{Volume: c.snap.Volume, Muted: c.snap.Muted}); err != nil {
		logger.Warn("{session/controller - savePrefs} Failed to save prefs: %v", err)
	}
}
