// Package pip implements the Picture-in-Picture session: a second playback
// session with its own off-screen output and engine binding that keeps
// playing in the floating overlay while the user navigates elsewhere.
package pip

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"kptv-player/work/config"
	"kptv-player/work/engine"
	"kptv-player/work/logger"
	"kptv-player/work/media"
	"kptv-player/work/metrics"
	"kptv-player/work/pipstore"
	"kptv-player/work/recovery"
	"kptv-player/work/types"
	"kptv-player/work/utils"
)

var (
	// ErrStopped is returned by every method once Stop was called.
	ErrStopped = errors.New("pip manager stopped")
	// ErrNothingPending is returned by ActivatePendingPiP when there is
	// nothing waiting for a gesture.
	ErrNothingPending = errors.New("no pending picture-in-picture session")
	// ErrInvalidSession is returned by EnterPiP for unusable input.
	ErrInvalidSession = errors.New("invalid picture-in-picture session")
)

// Deps are the collaborators of a Manager.
type Deps struct {
	Binder  *engine.Binder
	Outputs media.Factory
	Store   *pipstore.Store
}

// Manager owns at most one PiP session. Like the primary controller it runs a
// single loop goroutine; adapter events, timers and platform callbacks are
// posted to it tagged with the generation of the binding they belong to.
type Manager struct {
	cfg  *config.Config
	deps Deps

	events   chan func()
	quit     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	// loop-owned
	snap         types.PipSession
	gen          uint64
	bindCtx      context.Context
	output       media.Output
	adapter      *engine.Adapter
	removeLeave  func()
	watchdog     *time.Timer
	safety       *time.Timer
	debounce     *time.Timer
	restore      *time.Timer
	switching    bool // an intentional stream switch is in progress
	initializing bool // a binding is starting up

	mu      sync.Mutex
	current types.PipSession
	subs    map[int]chan types.PipSession
	nextSub int
}

// New creates an inactive manager and starts its loop.
func New(cfg *config.Config, deps Deps) *Manager {
	m := &Manager{
		cfg:     cfg,
		deps:    deps,
		events:  make(chan func(), 64),
		quit:    make(chan struct{}),
		stopped: make(chan struct{}),
		subs:    make(map[int]chan types.PipSession),
		bindCtx: context.Background(),
	}
	m.snap = types.PipSession{Status: types.PipInactive}
	m.current = m.snap

	go m.loop()
	return m
}

func (m *Manager) loop() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.events:
			fn()
		case <-m.quit:
			if m.restore != nil {
				m.restore.Stop()
			}
			m.teardown()
			return
		}
	}
}

func (m *Manager) post(fn func()) bool {
	select {
	case m.events <- fn:
		return true
	case <-m.quit:
		return false
	}
}

func (m *Manager) do(fn func() error) error {
	var err error
	done := make(chan struct{})
	if !m.post(func() { err = fn(); close(done) }) {
		return ErrStopped
	}
	select {
	case <-done:
		return err
	case <-m.stopped:
		return ErrStopped
	}
}

// Stop releases the binding and ends the loop. The persisted record is kept
// so that a later manager can restore it. Idempotent.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
		<-m.stopped

		m.mu.Lock()
		for id, ch := range m.subs {
			close(ch)
			delete(m.subs, id)
		}
		m.mu.Unlock()
	})
}

// Snapshot returns the latest published PiP state.
func (m *Manager) Snapshot() types.PipSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Subscribe returns a channel receiving the latest snapshot after every
// change, and a function cancelling the subscription.
func (m *Manager) Subscribe() (<-chan types.PipSession, func()) {
	ch := make(chan types.PipSession, 1)

	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	ch <- m.current
	m.mu.Unlock()

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

func (m *Manager) publish() {
	s := m.snap
	if m.snap.Channel != nil {
		ch := *m.snap.Channel
		s.Channel = &ch
	}
	if m.snap.Error != nil {
		rec := *m.snap.Error
		s.Error = &rec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = s
	for _, ch := range m.subs {
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

func (m *Manager) transition(ev EventKind) bool {
	tr, ok := TransitionFor(m.snap.Status, ev)
	if !ok {
		logger.Debug("{pip/manager - transition} Ignoring %s in %s", ev, m.snap.Status)
		return false
	}
	logger.Debug("{pip/manager - transition} %s -> %s on %s", tr.From, tr.To, ev)
	m.snap.Status = tr.To
	metrics.StateTransitions.WithLabelValues("pip", string(tr.To)).Inc()
	m.publish()
	return true
}

// EnterPiP starts a PiP session for ch. Without a user gesture on ctx the
// session waits in PendingActivation until ActivatePendingPiP is called from
// one. Any existing PiP session is torn down first.
//
// Parameters:
//   - ctx: carries the user gesture, if any
//   - ch: channel metadata; Name is required
//   - streamURL: resolved stream URL
//   - opts: volume, mute and position to continue with
//
// Returns:
//   - error: ErrInvalidSession for unusable input, ErrStopped after Stop
func (m *Manager) EnterPiP(ctx context.Context, ch types.Channel, streamURL string, opts types.PipOptions) error {
	streamURL = strings.TrimSpace(streamURL)
	if strings.TrimSpace(ch.Name) == "" || len(streamURL) <= 5 {
		return fmt.Errorf("%w: channel name and stream url are required", ErrInvalidSession)
	}
	if ch.ID == "" {
		ch.ID = utils.ChannelID(streamURL)
	}
	gesture := media.IsUserGesture(ctx)

	return m.do(func() error {
		if m.snap.Status != types.PipInactive {
			logger.Debug("{pip/manager - EnterPiP} Replacing %s session", m.snap.Status)
			m.switching = true
			m.closeSession("replaced")
		}

		opts = pipstore.SanitizeOptions(opts)
		opts.FromUserGesture = gesture
		opts.PendingPiP = !gesture
		opts.NeedsActivation = false

		m.snap = types.PipSession{Channel: &ch, StreamURL: streamURL, Options: opts, Status: types.PipInactive}

		if !gesture {
			m.switching = false
			m.transition(EvRequest)
			m.persist()
			logger.Info("{pip/manager - EnterPiP} %q waiting for user activation", ch.Name)
			return nil
		}

		m.start(media.WithUserGesture(context.Background()))
		return nil
	})
}

// ActivatePendingPiP completes a session waiting for a user gesture: it
// starts a pending session, or requests the overlay for one that loaded but
// was refused it. With no session it falls back to the persisted record.
func (m *Manager) ActivatePendingPiP(ctx context.Context) error {
	if !media.IsUserGesture(ctx) {
		return media.ErrActivationRequired
	}
	return m.do(func() error {
		switch {
		case m.snap.Status == types.PipPendingActivation:
			m.start(media.WithUserGesture(context.Background()))
			return nil

		case m.snap.Options.NeedsActivation && m.output != nil &&
			(m.snap.Status == types.PipLoading || m.snap.Status == types.PipReady):
			return m.activateLoaded(ctx)

		case m.snap.Status == types.PipInactive:
			rec := m.deps.Store.Load()
			if rec == nil {
				return ErrNothingPending
			}
			ch := rec.Channel
			m.snap = types.PipSession{Channel: &ch, StreamURL: rec.StreamURL, Options: rec.Options, Status: types.PipInactive}
			m.start(media.WithUserGesture(context.Background()))
			return nil

		default:
			return ErrNothingPending
		}
	})
}

// activateLoaded requests the overlay for an output that is already playing.
func (m *Manager) activateLoaded(ctx context.Context) error {
	m.bindCtx = media.WithUserGesture(context.Background())
	if err := m.output.RequestPictureInPicture(ctx); err != nil {
		if errors.Is(err, media.ErrUnsupported) {
			metrics.PipActivations.WithLabelValues("failed").Inc()
			m.fail(types.ErrorRecord{Category: types.CategoryUnsupportedPlatform, Message: "picture-in-picture is not supported", Detail: err.Error(), SourceEvent: "requestPictureInPicture"})
			return nil
		}
		return err
	}
	metrics.PipActivations.WithLabelValues("entered").Inc()
	if !m.snap.Options.WasMuted {
		if err := m.output.SetMuted(ctx, false); err != nil {
			logger.Warn("{pip/manager - activateLoaded} Unmute after entering picture-in-picture failed: %v", err)
		}
	}
	m.entered()
	return nil
}

// start binds a fresh off-screen output and engine for the current session.
func (m *Manager) start(ctx context.Context) {
	if !m.transition(EvActivate) {
		return
	}
	m.gen++
	gen := m.gen
	m.bindCtx = ctx
	m.initializing = true
	m.snap.Error = nil
	m.snap.Options.PendingPiP = false
	m.snap.Options.NeedsActivation = false
	m.snap.Options.FromUserGesture = media.IsUserGesture(ctx)
	m.persist()

	out := m.deps.Outputs.NewOutput("pip")
	m.removeLeave = out.OnLeavePictureInPicture(func() {
		m.post(func() { m.left(gen) })
	})

	opts := m.snap.Options
	startAt := 0.0
	if !opts.IsLive {
		startAt = opts.CurrentTime
	}
	a, err := m.deps.Binder.Attach(ctx, m.snap.StreamURL, out, engine.Options{
		Kind:       "pip",
		Volume:     opts.Volume,
		Muted:      opts.WasMuted,
		StartAt:    startAt,
		RequestPiP: true,
		Notify: func(ev engine.Event) {
			m.post(func() {
				if gen == m.gen {
					m.handleEngine(ev)
				}
			})
		},
	})
	if err != nil {
		m.removeLeave()
		m.removeLeave = nil
		out.Release()
		rec := types.ErrorRecord{Category: types.CategoryEngine, Message: "unable to start picture-in-picture", Detail: err.Error()}
		var se *types.SessionError
		if errors.As(err, &se) {
			rec = se.Record
		}
		rec.SourceEvent = "attach"
		m.fail(rec)
		return
	}
	m.output = out
	m.adapter = a
	metrics.ActiveSessions.WithLabelValues("pip").Inc()
	logger.Info("{pip/manager - start} Starting picture-in-picture for %q: %s", m.snap.Channel.Name, m.cfg.LogURL(m.snap.StreamURL))

	timeout := m.cfg.InitWatchdog
	m.watchdog = time.AfterFunc(timeout, func() {
		m.post(func() {
			if gen != m.gen || m.snap.Options.NeedsActivation {
				return
			}
			if m.snap.Status == types.PipInitializing {
				logger.Warn("{pip/manager - watchdog} Manifest not parsed after %s", timeout)
				m.fail(recovery.TimeoutError(timeout).Record)
			}
		})
	})
	m.safety = time.AfterFunc(m.cfg.PipSafetyTimeout, func() {
		m.post(func() {
			if gen != m.gen {
				return
			}
			if m.switching || m.initializing {
				logger.Debug("{pip/manager - safety} Initialization still pending, clearing guards")
			}
			m.switching = false
			m.initializing = false
		})
	})
}

func (m *Manager) handleEngine(ev engine.Event) {
	switch ev.Type {
	case engine.ManifestParsed:
		m.stopTimer(&m.watchdog)
		m.snap.Options.IsLive = m.snap.Options.IsLive || ev.Live
		m.transition(EvManifestParsed)

	case engine.Playing:
		m.transition(EvPlaying)

	case engine.PipEntered:
		m.entered()

	case engine.NeedsActivation:
		m.stopTimer(&m.watchdog)
		m.initializing = false
		m.switching = false
		m.snap.Options.NeedsActivation = true
		m.transition(EvNeedsActivation)
		m.persist()
		m.publish()

	case engine.Error:
		if ev.Error != nil {
			m.fail(*ev.Error)
		}
	}
}

func (m *Manager) entered() {
	if !m.transition(EvPipEntered) {
		return
	}
	m.stopTimer(&m.watchdog)
	m.stopTimer(&m.safety)
	m.initializing = false
	m.switching = false
	m.snap.Options.NeedsActivation = false
	m.persist()
	m.publish()
}

// left handles the platform's leave event. Outside an intentional switch the
// session is closed after a debounce unless the overlay was re-entered.
func (m *Manager) left(gen uint64) {
	if gen != m.gen {
		return
	}
	if m.switching {
		logger.Debug("{pip/manager - left} Ignoring leave event during switch")
		return
	}
	m.stopTimer(&m.debounce)
	m.debounce = time.AfterFunc(m.cfg.PipCloseDebounce, func() {
		m.post(func() {
			if gen != m.gen || m.switching {
				return
			}
			if m.output != nil && m.output.InPictureInPicture() {
				logger.Debug("{pip/manager - left} Overlay re-entered, keeping session")
				return
			}
			logger.Info("{pip/manager - left} Overlay closed by the user")
			m.closeSession("left picture-in-picture")
		})
	})
}

// SetVisibility reports whether the hosting document is hidden. A hidden
// document whose active session lost its overlay handle triggers a silent
// re-acquisition.
func (m *Manager) SetVisibility(hidden bool) error {
	return m.do(func() error {
		if !hidden || m.snap.Status != types.PipActive || m.output == nil {
			return nil
		}
		if m.output.InPictureInPicture() {
			return nil
		}
		if !m.transition(EvHandleLost) {
			return nil
		}

		gen := m.gen
		out := m.output
		ctx := m.bindCtx
		go func() {
			err := out.RequestPictureInPicture(ctx)
			m.post(func() {
				if gen == m.gen {
					m.reacquired(err)
				}
			})
		}()
		return nil
	})
}

func (m *Manager) reacquired(err error) {
	if err == nil {
		metrics.PipActivations.WithLabelValues("reacquired").Inc()
		m.transition(EvReacquired)
		return
	}

	logger.Debug("{pip/manager - reacquired} Re-acquisition failed: %v", err)
	if m.output != nil && !m.output.Paused() {
		m.transition(EvReacquireFailed)
		return
	}
	m.closeSession("handle lost")
}

// ExitPiP closes the session. Idempotent.
func (m *Manager) ExitPiP() error {
	return m.do(func() error {
		m.closeSession("exit requested")
		return nil
	})
}

// closeSession releases the adapter, then the output and its listeners, then
// the persisted record, and returns to Inactive.
func (m *Manager) closeSession(reason string) {
	if m.snap.Status == types.PipInactive {
		return
	}
	m.transition(EvClose)
	m.teardown()
	if err := m.deps.Store.Clear(); err != nil {
		logger.Warn("{pip/manager - closeSession} Failed to clear pip record: %v", err)
	}
	m.transition(EvClosed)
	m.snap = types.PipSession{Status: types.PipInactive}
	m.publish()
	logger.Debug("{pip/manager - closeSession} Closed: %s", reason)
}

// fail tears the binding down, drops the record and shows the error on the
// PiP status only.
func (m *Manager) fail(rec types.ErrorRecord) {
	m.teardown()
	m.switching = false
	if err := m.deps.Store.Clear(); err != nil {
		logger.Warn("{pip/manager - fail} Failed to clear pip record: %v", err)
	}
	if !m.transition(EvFailed) {
		return
	}
	rec.IsFatal = true
	m.snap.Error = &rec
	logger.Warn("{pip/manager - fail} %s: %s (%s)", rec.Category, rec.Message, rec.Detail)
	m.publish()
}

// teardown releases the binding. Safe to call repeatedly.
func (m *Manager) teardown() {
	m.gen++
	m.stopTimer(&m.watchdog)
	m.stopTimer(&m.safety)
	m.stopTimer(&m.debounce)
	if m.adapter != nil {
		m.adapter.Destroy()
		m.adapter = nil
		metrics.ActiveSessions.WithLabelValues("pip").Dec()
	}
	if m.removeLeave != nil {
		m.removeLeave()
		m.removeLeave = nil
	}
	if m.output != nil {
		m.output.Release()
		m.output = nil
	}
	m.initializing = false
	m.bindCtx = context.Background()
}

func (m *Manager) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Manager) persist() {
	if m.snap.Channel == nil {
		return
	}
	if err := m.deps.Store.Save(*m.snap.Channel, m.snap.StreamURL, m.snap.Options); err != nil {
		logger.Warn("{pip/manager - persist} %v", err)
	}
}

// Restore re-enters a persisted session after the restore delay, when no
// session is held. Records carrying a user gesture restart at Initializing,
// the rest wait in PendingActivation.
func (m *Manager) Restore() error {
	return m.do(func() error {
		if m.restore != nil {
			m.restore.Stop()
		}
		m.restore = time.AfterFunc(m.cfg.PipRestoreDelay, func() {
			m.post(m.restoreNow)
		})
		return nil
	})
}

func (m *Manager) restoreNow() {
	m.restore = nil
	if m.snap.Status != types.PipInactive || m.initializing {
		return
	}
	rec := m.deps.Store.Load()
	if rec == nil {
		return
	}

	ch := rec.Channel
	m.snap = types.PipSession{Channel: &ch, StreamURL: rec.StreamURL, Options: rec.Options, Status: types.PipInactive}
	logger.Info("{pip/manager - restore} Restoring picture-in-picture for %q (age %s)", ch.Name, rec.Age(time.Now()).Round(time.Second))

	if rec.Options.FromUserGesture && !rec.Options.PendingPiP {
		m.start(context.Background())
		return
	}
	m.snap.Options.PendingPiP = true
	m.transition(EvRequest)
	m.persist()
}
