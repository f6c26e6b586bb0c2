package engine

import (
	"context"
	"errors"
	"math"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"kptv-player/work/config"
	"kptv-player/work/hls"
	"kptv-player/work/logger"
	"kptv-player/work/media"
	"kptv-player/work/metrics"
	"kptv-player/work/recovery"
	"kptv-player/work/types"
)

// ErrUnknownQuality is returned by SetQuality for ids that are not offered.
var ErrUnknownQuality = errors.New("unknown quality level")

// Options control what the adapter does once the manifest is parsed.
type Options struct {
	Kind       string  // "primary" or "pip"; engine and metrics label
	Volume     float64 // applied before playback starts
	Muted      bool    // stay muted; otherwise unmute after the muted start
	StartAt    float64 // on-demand start position in seconds, 0 for none
	RequestPiP bool    // request the PiP overlay after playback starts
	// Notify receives adapter events on the adapter's goroutine. It must not
	// block for long; calling Destroy from it is safe.
	Notify func(Event)
}

// Adapter drives one engine bound to one output.
type Adapter struct {
	cfg    *config.Config
	binder *Binder
	output media.Output
	eng    Engine
	opts   Options
	ctx    context.Context

	done      chan struct{}
	destroyed atomic.Bool

	mu              sync.Mutex
	levels          []types.QualityLevel
	started         bool
	activation      bool
	autoRetries     int
	mediaRecoveries int
	nudges          int
	recovered       int
}

// Output returns the bound output.
func (a *Adapter) Output() media.Output { return a.output }

// Destroyed reports whether Destroy was called.
func (a *Adapter) Destroyed() bool { return a.destroyed.Load() }

// Destroy detaches from the engine, releases it and removes the binding. It
// is idempotent and safe to call from inside Notify.
func (a *Adapter) Destroy() {
	if !a.destroyed.CompareAndSwap(false, true) {
		return
	}
	close(a.done)
	if a.eng != nil {
		a.eng.Destroy()
	}
	a.binder.unbind(a.output.ID(), a)
	logger.Debug("{engine/adapter - Destroy} Released %s adapter on output %s", a.opts.Kind, a.output.ID())
}

func (a *Adapter) loop() {
	events := a.eng.Events()
	for {
		select {
		case <-a.done:
			return
		case ev := <-events:
			if a.destroyed.Load() {
				return
			}
			a.handle(ev)
		}
	}
}

func (a *Adapter) notify(ev Event) {
	if a.destroyed.Load() || a.opts.Notify == nil {
		return
	}
	a.opts.Notify(ev)
}

func (a *Adapter) handle(ev hls.Event) {
	switch ev.Type {
	case hls.EventMediaAttached:
		a.notify(Event{Type: MediaAttached})

	case hls.EventManifestParsed:
		qualities := QualityLevels(ev.Levels)
		a.mu.Lock()
		a.levels = qualities
		a.mu.Unlock()
		a.notify(Event{Type: ManifestParsed, Qualities: qualities, Live: ev.Live})
		a.startPlayback()

	case hls.EventLevelSwitched:
		a.notify(Event{Type: LevelSwitched, Level: ev.Level})

	case hls.EventFragLoaded:
		a.notify(Event{Type: FragLoaded, Level: ev.Level})

	case hls.EventError:
		if ev.Error == nil {
			return
		}
		if ev.Error.Fatal {
			a.recover(ev.Error)
		} else {
			a.nudge(ev.Error)
		}
	}
}

// startPlayback plays muted first, then attempts the privileged steps.
func (a *Adapter) startPlayback() {
	out := a.output
	out.SetVolume(a.opts.Volume)
	_ = out.SetMuted(a.ctx, true)

	if err := out.Play(a.ctx); err != nil {
		switch {
		case errors.Is(err, media.ErrReleased):
		case errors.Is(err, media.ErrActivationRequired):
			a.needsActivation()
		default:
			a.fail(types.ErrorRecord{Category: types.CategoryMedia, Message: "playback failed", Detail: err.Error(), IsFatal: true, SourceEvent: "play"})
		}
		return
	}

	a.mu.Lock()
	a.started = true
	a.mu.Unlock()
	a.notify(Event{Type: Playing})

	if a.opts.RequestPiP {
		err := out.RequestPictureInPicture(a.ctx)
		switch {
		case err == nil:
			metrics.PipActivations.WithLabelValues("entered").Inc()
			a.notify(Event{Type: PipEntered})
		case errors.Is(err, media.ErrActivationRequired):
			metrics.PipActivations.WithLabelValues("needs_activation").Inc()
			a.needsActivation()
		case errors.Is(err, media.ErrUnsupported):
			metrics.PipActivations.WithLabelValues("failed").Inc()
			a.fail(types.ErrorRecord{Category: types.CategoryUnsupportedPlatform, Message: "picture-in-picture is not supported", Detail: err.Error(), IsFatal: true, SourceEvent: "requestPictureInPicture"})
			return
		case errors.Is(err, media.ErrReleased):
			return
		default:
			metrics.PipActivations.WithLabelValues("failed").Inc()
			a.fail(types.ErrorRecord{Category: types.CategoryEngine, Message: "picture-in-picture request failed", Detail: err.Error(), IsFatal: true, SourceEvent: "requestPictureInPicture"})
			return
		}
	}

	if !a.opts.Muted {
		if err := out.SetMuted(a.ctx, false); errors.Is(err, media.ErrActivationRequired) {
			a.needsActivation()
		}
	}
}

// needsActivation reports the activation requirement once per binding.
func (a *Adapter) needsActivation() {
	a.mu.Lock()
	already := a.activation
	a.activation = true
	a.mu.Unlock()
	if !already {
		a.notify(Event{Type: NeedsActivation})
	}
}

// nudge absorbs a non-fatal error. Stalls advance the playhead slightly and
// restart segment loading, at most MaxNudges times per binding; network
// hiccups are retried by the engine itself.
func (a *Adapter) nudge(data *hls.ErrorData) {
	metrics.EngineErrors.WithLabelValues(string(data.Type), "false").Inc()
	if data.Type != hls.MediaError {
		return
	}

	a.mu.Lock()
	if a.nudges >= a.cfg.MaxNudges {
		a.mu.Unlock()
		logger.Debug("{engine/adapter - nudge} Nudge budget spent on output %s, ignoring %s", a.output.ID(), data.Details)
		return
	}
	a.nudges++
	n := a.nudges
	a.mu.Unlock()

	metrics.EngineNudges.Inc()
	logger.Debug("{engine/adapter - nudge} Nudging output %s (%d/%d) after %s", a.output.ID(), n, a.cfg.MaxNudges, data.Details)
	a.output.Seek(a.output.CurrentTime() + a.cfg.NudgeOffset)
	if err := a.eng.StartLoad(); err != nil {
		logger.Warn("{engine/adapter - nudge} Restart after nudge failed: %v", err)
	}
}

// recover runs a fatal engine error through the recovery policy.
func (a *Adapter) recover(data *hls.ErrorData) {
	a.mu.Lock()
	decision := recovery.Decide(data, recovery.Context{
		Started:         a.started,
		AutoRetries:     a.autoRetries,
		MaxLoadRetries:  a.cfg.MaxLoadRetries,
		MediaRecoveries: a.mediaRecoveries,
	})
	switch decision.Action {
	case recovery.RetryLoad:
		a.autoRetries++
		a.recovered++
	case recovery.RecoverMedia:
		a.mediaRecoveries++
		a.recovered++
	}
	a.mu.Unlock()

	switch decision.Action {
	case recovery.RetryLoad:
		metrics.EngineErrors.WithLabelValues(string(decision.Category), "false").Inc()
		logger.Info("{engine/adapter - recover} %s on output %s, reloading", data.Details, a.output.ID())
		if err := a.eng.StartLoad(); err != nil {
			a.fail(types.ErrorRecord{Category: types.CategoryEngine, Message: recovery.MsgFatalStreaming, Detail: err.Error(), IsFatal: true, SourceEvent: "startLoad"})
		}

	case recovery.RecoverMedia:
		metrics.EngineErrors.WithLabelValues(string(decision.Category), "false").Inc()
		logger.Info("{engine/adapter - recover} %s on output %s, resetting decoder", data.Details, a.output.ID())
		a.eng.RecoverMediaError()

	default:
		a.fail(decision.Record(data))
	}
}

func (a *Adapter) fail(rec types.ErrorRecord) {
	metrics.EngineErrors.WithLabelValues(string(rec.Category), "true").Inc()
	logger.Warn("{engine/adapter - fail} Output %s: %s: %s (%s)", a.output.ID(), rec.Category, rec.Message, rec.Detail)
	a.notify(Event{Type: Error, Error: &rec})
}

// SetQuality pins a level by id, or restores automatic selection for "auto".
func (a *Adapter) SetQuality(id string) error {
	if a.destroyed.Load() {
		return ErrUnknownQuality
	}
	if id == types.AutoQualityID {
		a.eng.SetLevel(hls.AutoLevel)
		return nil
	}

	idx, err := strconv.Atoi(id)
	if err != nil {
		return ErrUnknownQuality
	}
	a.mu.Lock()
	known := idx >= 0 && idx+1 < len(a.levels)
	a.mu.Unlock()
	if !known {
		return ErrUnknownQuality
	}
	a.eng.SetLevel(idx)
	return nil
}

// Health samples the output and engine.
func (a *Adapter) Health() types.HealthSnapshot {
	out := a.output
	duration := out.Duration()
	if math.IsInf(duration, 1) {
		duration = -1
	}

	level := a.eng.CurrentLevel()
	a.mu.Lock()
	defer a.mu.Unlock()

	bitrate := 0
	if level >= 0 && level+1 < len(a.levels) {
		bitrate = a.levels[level+1].Bitrate
	}
	return types.HealthSnapshot{
		BufferedAhead:   out.BufferedAhead(),
		CurrentTime:     out.CurrentTime(),
		Duration:        duration,
		Level:           level,
		Bitrate:         bitrate,
		Nudges:          a.nudges,
		RecoveredErrors: a.recovered,
		UpdatedAt:       time.Now(),
	}
}
