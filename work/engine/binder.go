package engine

import (
	"context"
	"sync/atomic"

	"github.com/puzpuzpuz/xsync/v3"

	"kptv-player/work/config"
	"kptv-player/work/logger"
	"kptv-player/work/media"
	"kptv-player/work/metrics"
	"kptv-player/work/types"
)

// Binder coordinates adapter bindings across every video output in the
// process, guaranteeing that a given output is driven by at most one adapter
// at any instant. Binding a new adapter to an output that already has one
// fully destroys the previous adapter before the new engine starts loading.
//
// The binder is shared by the primary session controller and the PiP manager;
// they bind distinct outputs, so their bindings never collide, but the
// counters below cover both and make the single-binding invariant checkable.
type Binder struct {
	cfg       *config.Config
	factory   Factory
	bindings  *xsync.MapOf[string, *Adapter] // output id -> adapter currently bound
	created   atomic.Int64                   // adapters ever bound
	destroyed atomic.Int64                   // adapters torn down
}

// NewBinder creates a binder that builds engines with factory.
//
// Parameters:
//   - cfg: configuration for nudge and retry limits
//   - factory: engine constructor, one call per binding
//
// Returns:
//   - *Binder: empty binder ready for Attach
func NewBinder(cfg *config.Config, factory Factory) *Binder {
	return &Binder{
		cfg:      cfg,
		factory:  factory,
		bindings: xsync.NewMapOf[string, *Adapter](),
	}
}

// Attach binds a new adapter to output and starts loading streamURL. Any
// adapter already bound to the same output is destroyed first and its
// teardown has completed when Attach starts the new engine.
//
// The user-gesture marker on ctx (media.WithUserGesture) is kept for the
// adapter's later play, unmute and PiP requests; cancellation of ctx is not.
//
// Parameters:
//   - ctx: carries the user gesture, if any
//   - streamURL: manifest URL
//   - output: video output; must also implement media.Sink
//   - opts: playback options and the event callback
//
// Returns:
//   - *Adapter: the new binding
//   - error: *types.SessionError with UnsupportedPlatform or EngineError
func (b *Binder) Attach(ctx context.Context, streamURL string, output media.Output, opts Options) (*Adapter, error) {
	sink, ok := output.(media.Sink)
	if !ok {
		return nil, types.NewSessionError(types.CategoryUnsupportedPlatform, "adaptive playback is not supported on this output", media.ErrUnsupported)
	}
	if opts.Kind == "" {
		opts.Kind = "primary"
	}

	a := &Adapter{
		cfg:    b.cfg,
		binder: b,
		output: output,
		opts:   opts,
		ctx:    context.WithoutCancel(ctx),
		done:   make(chan struct{}),
	}

	b.bind(output.ID(), a)

	a.eng = b.factory(opts.Kind)
	go a.loop()

	logger.Debug("{engine/binder - Attach} Binding %s engine to output %s: %s", opts.Kind, output.ID(), b.cfg.LogURL(streamURL))

	a.eng.AttachMedia(sink)
	a.eng.LoadSource(streamURL)
	if opts.StartAt > 0 {
		a.eng.SetStartPosition(opts.StartAt)
	}
	if err := a.eng.StartLoad(); err != nil {
		a.Destroy()
		return nil, types.NewSessionError(types.CategoryEngine, "engine failed to start", err)
	}
	return a, nil
}

// bind records a for id, destroying whatever was bound there before.
func (b *Binder) bind(id string, a *Adapter) {
	for {
		if prev, loaded := b.bindings.LoadAndDelete(id); loaded {
			logger.Debug("{engine/binder - bind} Output %s already bound, destroying previous adapter", id)
			prev.Destroy()
		}
		if _, loaded := b.bindings.LoadOrStore(id, a); !loaded {
			break
		}
	}
	b.created.Add(1)
	metrics.EngineBindings.Inc()
}

// unbind removes a from id if it is still the current binding.
func (b *Binder) unbind(id string, a *Adapter) {
	b.bindings.Compute(id, func(old *Adapter, loaded bool) (*Adapter, bool) {
		return old, !loaded || old == a
	})
	b.destroyed.Add(1)
	metrics.EngineBindings.Dec()
}

// Active returns the number of outputs with a live binding.
func (b *Binder) Active() int {
	return b.bindings.Size()
}

// Created returns the number of adapters ever bound.
func (b *Binder) Created() int64 {
	return b.created.Load()
}

// Destroyed returns the number of adapters torn down.
func (b *Binder) Destroyed() int64 {
	return b.destroyed.Load()
}
