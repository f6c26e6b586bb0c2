package media

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestPlatform() (*Platform, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	opts := DefaultPlatformOptions()
	opts.BufferSize = 1024
	opts.Now = clock.Now
	return NewPlatform(opts), clock
}

func TestGestureContext(t *testing.T) {
	assert.False(t, IsUserGesture(context.Background()))
	assert.True(t, IsUserGesture(WithUserGesture(context.Background())))
}

func TestElement_MutedAutoplayAllowed(t *testing.T) {
	p, _ := newTestPlatform()
	el := p.NewElement("video")

	require.True(t, el.Muted())
	require.NoError(t, el.Play(context.Background()))
	assert.False(t, el.Paused())

	err := el.SetMuted(context.Background(), false)
	assert.ErrorIs(t, err, ErrActivationRequired)
	assert.True(t, el.Muted())

	require.NoError(t, el.SetMuted(WithUserGesture(context.Background()), false))
	assert.False(t, el.Muted())
}

func TestElement_UnmutedPlayNeedsGesture(t *testing.T) {
	p, _ := newTestPlatform()
	el := p.NewElement("video")
	require.NoError(t, el.SetMuted(context.Background(), false)) // paused: allowed

	assert.ErrorIs(t, el.Play(context.Background()), ErrActivationRequired)
	assert.True(t, el.Paused())
	assert.NoError(t, el.Play(WithUserGesture(context.Background())))
}

func TestElement_PlayheadCappedByBuffer(t *testing.T) {
	p, clock := newTestPlatform()
	el := p.NewElement("video")

	el.AppendSegment([]byte("abcd"), 6)
	require.NoError(t, el.Play(context.Background()))

	clock.Advance(2 * time.Second)
	assert.InDelta(t, 2.0, el.CurrentTime(), 0.001)
	assert.InDelta(t, 4.0, el.BufferedAhead(), 0.001)

	clock.Advance(10 * time.Second)
	assert.InDelta(t, 6.0, el.CurrentTime(), 0.001)
	assert.Zero(t, el.BufferedAhead())

	el.Pause()
	el.AppendSegment([]byte("efgh"), 6)
	clock.Advance(10 * time.Second)
	assert.InDelta(t, 6.0, el.CurrentTime(), 0.001)
}

func TestElement_ResetBufferAt(t *testing.T) {
	p, clock := newTestPlatform()
	el := p.NewElement("video")
	el.AppendSegment([]byte("abcd"), 10)

	el.ResetBufferAt(200, 205)
	assert.Zero(t, el.BufferedBytes())
	assert.InDelta(t, 200.0, el.CurrentTime(), 0.001) // nothing buffered past 200 yet

	el.AppendSegment([]byte("efgh"), 10)
	assert.InDelta(t, 205.0, el.CurrentTime(), 0.001)
	assert.InDelta(t, 5.0, el.BufferedAhead(), 0.001)

	require.NoError(t, el.Play(context.Background()))
	clock.Advance(3 * time.Second)
	assert.InDelta(t, 208.0, el.CurrentTime(), 0.001)

	// seeking stays inside what is buffered
	el.Seek(500)
	assert.InDelta(t, 210.0, el.CurrentTime(), 0.001)
}

func TestElement_SinkDurationAndSeekable(t *testing.T) {
	p, _ := newTestPlatform()
	el := p.NewElement("video")

	_, _, ok := el.Seekable()
	assert.False(t, ok)

	el.SetDuration(math.Inf(1))
	el.SetSeekable(10, 40)
	assert.True(t, math.IsInf(el.Duration(), 1))
	start, end, ok := el.Seekable()
	assert.True(t, ok)
	assert.Equal(t, 10.0, start)
	assert.Equal(t, 40.0, end)
}

func TestElement_PictureInPictureRequiresGesture(t *testing.T) {
	p, _ := newTestPlatform()
	el := p.NewElement("pip")

	assert.ErrorIs(t, el.RequestPictureInPicture(context.Background()), ErrActivationRequired)
	assert.False(t, el.InPictureInPicture())

	require.NoError(t, el.RequestPictureInPicture(WithUserGesture(context.Background())))
	assert.True(t, el.InPictureInPicture())
	assert.Same(t, el, p.PipOwner())
}

func TestElement_PictureInPictureUnsupported(t *testing.T) {
	opts := DefaultPlatformOptions()
	opts.PictureInPicture = false
	el := NewPlatform(opts).NewElement("pip")

	assert.ErrorIs(t, el.RequestPictureInPicture(WithUserGesture(context.Background())), ErrUnsupported)
}

func TestElement_SingleOverlayOwner(t *testing.T) {
	p, _ := newTestPlatform()
	first := p.NewElement("pip")
	second := p.NewElement("pip")

	left := make(chan struct{}, 1)
	first.OnLeavePictureInPicture(func() { left <- struct{}{} })

	ctx := WithUserGesture(context.Background())
	require.NoError(t, first.RequestPictureInPicture(ctx))
	require.NoError(t, second.RequestPictureInPicture(ctx))

	select {
	case <-left:
	case <-time.After(time.Second):
		t.Fatal("evicted element did not receive leave event")
	}
	assert.False(t, first.InPictureInPicture())
	assert.Same(t, second, p.PipOwner())
}

func TestElement_LeaveListeners(t *testing.T) {
	p, _ := newTestPlatform()
	el := p.NewElement("pip")
	ctx := WithUserGesture(context.Background())

	fired := make(chan struct{}, 4)
	remove := el.OnLeavePictureInPicture(func() { fired <- struct{}{} })

	require.NoError(t, el.RequestPictureInPicture(ctx))
	el.LosePictureInPicture()
	assert.False(t, el.InPictureInPicture())

	require.NoError(t, el.RequestPictureInPicture(ctx))
	require.NoError(t, el.ExitPictureInPicture())
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("leave event not delivered")
	}

	remove()
	require.NoError(t, el.RequestPictureInPicture(ctx))
	require.NoError(t, el.ExitPictureInPicture())
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, fired)
}

func TestElement_ReleaseIdempotent(t *testing.T) {
	p, _ := newTestPlatform()
	el := p.NewElement("pip")
	require.NoError(t, el.RequestPictureInPicture(WithUserGesture(context.Background())))
	el.AppendSegment([]byte("data"), 2)

	el.Release()
	el.Release()

	assert.True(t, el.Released())
	assert.True(t, el.Paused())
	assert.False(t, el.InPictureInPicture())
	assert.Nil(t, p.PipOwner())
	assert.ErrorIs(t, el.Play(context.Background()), ErrReleased)
	assert.Zero(t, el.BufferedBytes())
}
