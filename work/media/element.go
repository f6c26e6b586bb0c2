package media

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"kptv-player/work/buffer"
)

// PlatformOptions describes the capabilities and policies of the host platform.
type PlatformOptions struct {
	// GestureForSound makes unmuted playback require a user gesture.
	GestureForSound bool
	// PictureInPicture reports whether the platform has a PiP overlay at all.
	PictureInPicture bool
	// BufferSize is the per-element segment buffer size in bytes.
	BufferSize int64
	// Now is the clock used for the playhead; defaults to time.Now.
	Now func() time.Time
}

// DefaultPlatformOptions mirrors a typical desktop browser.
func DefaultPlatformOptions() PlatformOptions {
	return PlatformOptions{
		GestureForSound:  true,
		PictureInPicture: true,
		BufferSize:       8 << 20,
	}
}

// Platform creates elements and enforces that only one of them holds the PiP
// overlay at a time.
type Platform struct {
	opts PlatformOptions

	mu       sync.Mutex
	seq      int
	pipOwner *Element
}

// NewPlatform returns a platform with opts.
func NewPlatform(opts PlatformOptions) *Platform {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Platform{opts: opts}
}

// NewOutput implements Factory.
func (p *Platform) NewOutput(name string) Output {
	return p.NewElement(name)
}

// NewElement creates a paused, muted element with volume 1.
func (p *Platform) NewElement(name string) *Element {
	p.mu.Lock()
	p.seq++
	id := fmt.Sprintf("%s-%d", name, p.seq)
	p.mu.Unlock()

	return &Element{
		id:        id,
		platform:  p,
		buf:       buffer.NewRingBuffer(p.opts.BufferSize),
		paused:    true,
		muted:     true,
		volume:    1,
		listeners: make(map[int]func()),
	}
}

// PipOwner returns the element currently holding the overlay, if any.
func (p *Platform) PipOwner() *Element {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pipOwner
}

// Element is a headless video output. Segments delivered by an engine land in
// a ring buffer and the playhead advances with wall-clock time while playing,
// never past the end of what has been buffered.
type Element struct {
	id       string
	platform *Platform
	buf      *buffer.RingBuffer

	mu            sync.Mutex
	paused        bool
	muted         bool
	volume        float64
	position      float64
	playStart     time.Time
	bufferedStart float64
	duration      float64
	seekStart     float64
	seekEnd       float64
	seekableSet   bool
	inPiP         bool
	listeners     map[int]func()
	nextListener  int
	released      bool
}

var (
	_ Output = (*Element)(nil)
	_ Sink   = (*Element)(nil)
)

func (e *Element) ID() string { return e.id }

func (e *Element) now() time.Time { return e.platform.opts.Now() }

// Play starts playback. Unmuted playback without a gesture is refused when the
// platform requires one.
func (e *Element) Play(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return ErrReleased
	}
	if !e.muted && e.platform.opts.GestureForSound && !IsUserGesture(ctx) {
		return ErrActivationRequired
	}
	if e.paused {
		e.paused = false
		e.playStart = e.now()
	}
	return nil
}

func (e *Element) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.paused {
		return
	}
	e.position = e.currentTimeLocked()
	e.paused = true
}

func (e *Element) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

func (e *Element) SetMuted(ctx context.Context, muted bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.released {
		return ErrReleased
	}
	if !muted && !e.paused && e.platform.opts.GestureForSound && !IsUserGesture(ctx) {
		return ErrActivationRequired
	}
	e.muted = muted
	return nil
}

func (e *Element) Muted() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.muted
}

func (e *Element) SetVolume(volume float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.volume = math.Max(0, math.Min(1, volume))
}

func (e *Element) Volume() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.volume
}

func (e *Element) bufferedEndLocked() float64 {
	return e.bufferedStart + e.buf.MediaSeconds()
}

func (e *Element) currentTimeLocked() float64 {
	pos := e.position
	if !e.paused {
		pos += e.now().Sub(e.playStart).Seconds()
	}
	return math.Min(pos, e.bufferedEndLocked())
}

func (e *Element) CurrentTime() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.currentTimeLocked()
}

func (e *Element) Seek(position float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.position = math.Max(0, math.Min(position, e.bufferedEndLocked()))
	e.playStart = e.now()
}

func (e *Element) Duration() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.duration
}

func (e *Element) Seekable() (float64, float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.seekStart, e.seekEnd, e.seekableSet
}

func (e *Element) BufferedAhead() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return math.Max(0, e.bufferedEndLocked()-e.currentTimeLocked())
}

// RequestPictureInPicture moves the element into the overlay. Any other element
// holding the overlay is evicted and receives its leave event.
func (e *Element) RequestPictureInPicture(ctx context.Context) error {
	p := e.platform

	e.mu.Lock()
	switch {
	case e.released:
		e.mu.Unlock()
		return ErrReleased
	case !p.opts.PictureInPicture:
		e.mu.Unlock()
		return ErrUnsupported
	case e.inPiP:
		e.mu.Unlock()
		return nil
	case !IsUserGesture(ctx):
		e.mu.Unlock()
		return ErrActivationRequired
	}
	e.inPiP = true
	e.mu.Unlock()

	p.mu.Lock()
	prev := p.pipOwner
	p.pipOwner = e
	p.mu.Unlock()

	if prev != nil && prev != e {
		prev.leave(true)
	}
	return nil
}

// ExitPictureInPicture closes the overlay and fires the leave event.
func (e *Element) ExitPictureInPicture() error {
	e.leave(true)
	return nil
}

// LosePictureInPicture drops the overlay handle without a leave event, as
// platforms do when the hosting document is backgrounded.
func (e *Element) LosePictureInPicture() {
	e.leave(false)
}

func (e *Element) leave(notify bool) {
	e.mu.Lock()
	if !e.inPiP {
		e.mu.Unlock()
		return
	}
	e.inPiP = false
	var fns []func()
	if notify {
		for _, fn := range e.listeners {
			fns = append(fns, fn)
		}
	}
	e.mu.Unlock()

	p := e.platform
	p.mu.Lock()
	if p.pipOwner == e {
		p.pipOwner = nil
	}
	p.mu.Unlock()

	// events are dispatched asynchronously, after the call that caused them
	if len(fns) > 0 {
		go func() {
			for _, fn := range fns {
				fn()
			}
		}()
	}
}

func (e *Element) InPictureInPicture() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.inPiP
}

func (e *Element) OnLeavePictureInPicture(fn func()) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextListener
	e.nextListener++
	e.listeners[id] = fn

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.listeners, id)
	}
}

// Release pauses the element, drops its listeners and overlay, and frees the
// buffer. Idempotent.
func (e *Element) Release() {
	e.mu.Lock()
	if e.released {
		e.mu.Unlock()
		return
	}
	e.released = true
	if !e.paused {
		e.position = e.currentTimeLocked()
		e.paused = true
	}
	clear(e.listeners)
	e.mu.Unlock()

	e.leave(false)
	e.buf.Destroy()
}

// Released reports whether Release was called.
func (e *Element) Released() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// AppendSegment implements Sink.
func (e *Element) AppendSegment(data []byte, seconds float64) {
	e.buf.AppendSegment(data, seconds)
}

// SetDuration implements Sink. Use math.Inf(1) for live streams.
func (e *Element) SetDuration(duration float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.duration = duration
}

// SetSeekable implements Sink.
func (e *Element) SetSeekable(start, end float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seekStart, e.seekEnd, e.seekableSet = start, end, true
}

// ResetBuffer implements Sink. The playhead is kept where it is.
func (e *Element) ResetBuffer() {
	e.mu.Lock()
	defer e.mu.Unlock()
	pos := e.currentTimeLocked()
	e.buf.Reset()
	e.position = pos
	e.playStart = e.now()
	e.bufferedStart = pos
}

// ResetBufferAt implements Sink.
func (e *Element) ResetBufferAt(start, position float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.buf.Reset()
	e.bufferedStart = math.Max(0, start)
	e.position = math.Max(e.bufferedStart, position)
	e.playStart = e.now()
}

// BufferedBytes returns the total number of segment bytes received.
func (e *Element) BufferedBytes() int64 {
	return e.buf.GetWritePosition()
}
