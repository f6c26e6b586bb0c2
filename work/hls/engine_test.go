package hls

import (
	"fmt"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-player/work/client"
	"kptv-player/work/config"
	"kptv-player/work/media"
)

const masterPlaylist = `#EXTM3U
#EXT-X-STREAM-INF:BANDWIDTH=3000000,RESOLUTION=1920x1080
hi/index.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=800000,RESOLUTION=854x480
lo/index.m3u8
`

const vodPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:6
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:6.0,
seg0.ts
#EXTINF:6.0,
seg1.ts
#EXTINF:4.0,
seg2.ts
#EXT-X-ENDLIST
`

const livePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:2
#EXT-X-MEDIA-SEQUENCE:10
#EXTINF:2.0,
seg10.ts
#EXTINF:2.0,
seg11.ts
`

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.SegmentsPerSecond = 1000
	cfg.ManifestTimeout = 2 * time.Second
	cfg.SegmentTimeout = 2 * time.Second
	return cfg
}

func newTestEngine(cfg *config.Config) *Engine {
	return New(cfg, client.NewHeaderSettingClient(cfg),
		WithPollInterval(20*time.Millisecond),
		WithRetryDelay(10*time.Millisecond),
		WithOutputLabel("test"))
}

func newTestSink() *media.Element {
	opts := media.DefaultPlatformOptions()
	opts.BufferSize = 4096
	return media.NewPlatform(opts).NewElement("sink")
}

func hlsServer(t *testing.T, routes map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func nextEvent(t *testing.T, e *Engine, want EventType) Event {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case ev := <-e.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestEngine_MasterPlaylistLevels(t *testing.T) {
	srv := hlsServer(t, map[string]string{
		"/live/master.m3u8":   masterPlaylist,
		"/live/lo/index.m3u8": vodPlaylist,
		"/live/hi/index.m3u8": vodPlaylist,
		"/live/lo/seg0.ts":    "aaaa",
		"/live/lo/seg1.ts":    "bbbb",
		"/live/lo/seg2.ts":    "cccc",
	})

	e := newTestEngine(testConfig())
	defer e.Destroy()

	sink := newTestSink()
	e.AttachMedia(sink)
	e.LoadSource(srv.URL + "/live/master.m3u8")
	require.NoError(t, e.StartLoad())

	nextEvent(t, e, EventMediaAttached)
	parsed := nextEvent(t, e, EventManifestParsed)
	require.Len(t, parsed.Levels, 2)
	assert.Equal(t, 800000, parsed.Levels[0].Bitrate)
	assert.Equal(t, 480, parsed.Levels[0].Height)
	assert.Equal(t, 1080, parsed.Levels[1].Height)
	assert.Equal(t, srv.URL+"/live/lo/index.m3u8", parsed.Levels[0].URL)

	frag := nextEvent(t, e, EventFragLoaded)
	assert.Equal(t, 0, frag.Level)
	assert.False(t, frag.Live)

	require.Eventually(t, func() bool { return sink.BufferedBytes() == 12 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, 16.0, sink.Duration())
	start, end, ok := sink.Seekable()
	assert.True(t, ok)
	assert.Equal(t, 0.0, start)
	assert.Equal(t, 16.0, end)
}

func TestEngine_LivePlaylistIsInfinite(t *testing.T) {
	srv := hlsServer(t, map[string]string{
		"/ch/index.m3u8": livePlaylist,
		"/ch/seg10.ts":   "xxxx",
		"/ch/seg11.ts":   "yyyy",
	})

	e := newTestEngine(testConfig())
	defer e.Destroy()

	sink := newTestSink()
	e.AttachMedia(sink)
	e.LoadSource(srv.URL + "/ch/index.m3u8")
	require.NoError(t, e.StartLoad())

	parsed := nextEvent(t, e, EventManifestParsed)
	assert.True(t, parsed.Live)
	require.Len(t, parsed.Levels, 1)

	nextEvent(t, e, EventFragLoaded)
	require.Eventually(t, func() bool { return math.IsInf(sink.Duration(), 1) }, 3*time.Second, 10*time.Millisecond)

	// repeated refreshes of the same window do not redeliver segments
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int64(8), sink.BufferedBytes())
}

func TestEngine_ManifestNotFoundIsFatalNetworkError(t *testing.T) {
	srv := hlsServer(t, map[string]string{})

	e := newTestEngine(testConfig())
	defer e.Destroy()

	e.AttachMedia(newTestSink())
	e.LoadSource(srv.URL + "/missing.m3u8")
	require.NoError(t, e.StartLoad())

	ev := nextEvent(t, e, EventError)
	require.NotNil(t, ev.Error)
	assert.Equal(t, NetworkError, ev.Error.Type)
	assert.Equal(t, DetailManifestLoadError, ev.Error.Details)
	assert.True(t, ev.Error.Fatal)
	assert.Equal(t, http.StatusNotFound, ev.Error.ResponseCode)
	assert.False(t, ev.Error.Unreachable)
}

func TestEngine_UnreachableHost(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL + "/index.m3u8"
	srv.Close()

	e := newTestEngine(testConfig())
	defer e.Destroy()

	e.AttachMedia(newTestSink())
	e.LoadSource(url)
	require.NoError(t, e.StartLoad())

	ev := nextEvent(t, e, EventError)
	assert.True(t, ev.Error.Fatal)
	assert.Zero(t, ev.Error.ResponseCode)
	assert.True(t, ev.Error.Unreachable)
}

func TestEngine_ManifestParsingError(t *testing.T) {
	srv := hlsServer(t, map[string]string{"/bad.m3u8": "this is not a playlist"})

	e := newTestEngine(testConfig())
	defer e.Destroy()

	e.AttachMedia(newTestSink())
	e.LoadSource(srv.URL + "/bad.m3u8")
	require.NoError(t, e.StartLoad())

	ev := nextEvent(t, e, EventError)
	assert.Equal(t, OtherError, ev.Error.Type)
	assert.Equal(t, DetailManifestParsingError, ev.Error.Details)
	assert.True(t, ev.Error.Fatal)
}

func TestEngine_LevelLoadErrorsBecomeFatal(t *testing.T) {
	srv := hlsServer(t, map[string]string{"/master.m3u8": masterPlaylist})

	cfg := testConfig()
	cfg.MaxLevelLoadErrors = 2
	e := newTestEngine(cfg)
	defer e.Destroy()

	e.AttachMedia(newTestSink())
	e.LoadSource(srv.URL + "/master.m3u8")
	require.NoError(t, e.StartLoad())

	first := nextEvent(t, e, EventError)
	assert.Equal(t, DetailLevelLoadError, first.Error.Details)
	assert.False(t, first.Error.Fatal)

	second := nextEvent(t, e, EventError)
	assert.True(t, second.Error.Fatal)
	assert.Equal(t, http.StatusNotFound, second.Error.ResponseCode)
}

func TestEngine_SetLevel(t *testing.T) {
	var hiRequests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/master.m3u8":
			fmt.Fprint(w, masterPlaylist)
		case "/hi/index.m3u8":
			hiRequests.Add(1)
			fmt.Fprint(w, livePlaylist)
		case "/lo/index.m3u8":
			fmt.Fprint(w, livePlaylist)
		default:
			fmt.Fprint(w, "data")
		}
	}))
	defer srv.Close()

	e := newTestEngine(testConfig())
	defer e.Destroy()

	e.AttachMedia(newTestSink())
	e.LoadSource(srv.URL + "/master.m3u8")
	require.NoError(t, e.StartLoad())
	nextEvent(t, e, EventManifestParsed)
	assert.True(t, e.AutoLevelEnabled())

	e.SetLevel(1)
	assert.False(t, e.AutoLevelEnabled())
	sw := nextEvent(t, e, EventLevelSwitched)
	for sw.Level != 1 {
		sw = nextEvent(t, e, EventLevelSwitched)
	}
	require.Eventually(t, func() bool { return hiRequests.Load() > 0 }, 3*time.Second, 10*time.Millisecond)

	e.SetLevel(AutoLevel)
	assert.True(t, e.AutoLevelEnabled())

	e.SetLevel(7) // out of range falls back to auto
	assert.True(t, e.AutoLevelEnabled())
}

func TestEngine_StartLoadRequiresAttach(t *testing.T) {
	e := newTestEngine(testConfig())
	defer e.Destroy()
	assert.ErrorIs(t, e.StartLoad(), ErrNotAttached)
}

func TestEngine_DestroyIdempotent(t *testing.T) {
	srv := hlsServer(t, map[string]string{
		"/ch/index.m3u8": livePlaylist,
		"/ch/seg10.ts":   "xxxx",
		"/ch/seg11.ts":   "yyyy",
	})

	e := newTestEngine(testConfig())
	e.AttachMedia(newTestSink())
	e.LoadSource(srv.URL + "/ch/index.m3u8")
	require.NoError(t, e.StartLoad())
	nextEvent(t, e, EventManifestParsed)

	e.Destroy()
	e.Destroy()
	assert.ErrorIs(t, e.StartLoad(), ErrNotAttached)
	e.RecoverMediaError()
}

func TestEngine_RecoverMediaErrorRedelivers(t *testing.T) {
	srv := hlsServer(t, map[string]string{
		"/vod/index.m3u8": vodPlaylist,
		"/vod/seg0.ts":    "aaaa",
		"/vod/seg1.ts":    "bbbb",
		"/vod/seg2.ts":    "cccc",
	})

	e := newTestEngine(testConfig())
	defer e.Destroy()

	sink := newTestSink()
	e.AttachMedia(sink)
	e.LoadSource(srv.URL + "/vod/index.m3u8")
	require.NoError(t, e.StartLoad())
	require.Eventually(t, func() bool { return sink.BufferedBytes() == 12 }, 3*time.Second, 10*time.Millisecond)

	e.RecoverMediaError()
	require.Eventually(t, func() bool { return sink.BufferedBytes() == 12 }, 3*time.Second, 10*time.Millisecond)
}

// buildPlaylist renders count segments of seconds each, starting at media
// sequence seq, named seg<sequence>.ts.
func buildPlaylist(seq, count int, seconds float64, closed bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "#EXTM3U\n#EXT-X-VERSION:3\n#EXT-X-TARGETDURATION:%d\n#EXT-X-MEDIA-SEQUENCE:%d\n", int(math.Ceil(seconds)), seq)
	for i := seq; i < seq+count; i++ {
		fmt.Fprintf(&b, "#EXTINF:%.1f,\nseg%d.ts\n", seconds, i)
	}
	if closed {
		b.WriteString("#EXT-X-ENDLIST\n")
	}
	return b.String()
}

// fetchCounter serves a playlist from playlist() and counts segment requests.
type fetchCounter struct {
	mu    sync.Mutex
	fetch map[string]int
	order []string
}

func newFetchCounter(t *testing.T, playlist func() string) (*fetchCounter, *httptest.Server) {
	t.Helper()
	fc := &fetchCounter{fetch: map[string]int{}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, ".m3u8") {
			fmt.Fprint(w, playlist())
			return
		}
		fc.mu.Lock()
		fc.fetch[r.URL.Path]++
		fc.order = append(fc.order, r.URL.Path)
		fc.mu.Unlock()
		fmt.Fprint(w, "data")
	}))
	t.Cleanup(srv.Close)
	return fc, srv
}

func (fc *fetchCounter) snapshot() (map[string]int, []string) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	counts := make(map[string]int, len(fc.fetch))
	for k, v := range fc.fetch {
		counts[k] = v
	}
	return counts, append([]string(nil), fc.order...)
}

func TestEngine_LiveWindowLargerThanTrackerFetchesOnce(t *testing.T) {
	// 80 segments is more than the tracker starts out with
	window := buildPlaylist(100, 80, 2, false)
	fc, srv := newFetchCounter(t, func() string { return window })

	e := newTestEngine(testConfig())
	defer e.Destroy()

	sink := newTestSink()
	e.AttachMedia(sink)
	e.LoadSource(srv.URL + "/ch/index.m3u8")
	require.NoError(t, e.StartLoad())
	nextEvent(t, e, EventFragLoaded)

	// many refreshes of the unchanged window
	time.Sleep(300 * time.Millisecond)

	counts, order := fc.snapshot()
	for path, n := range counts {
		assert.Equal(t, 1, n, "segment %s fetched more than once", path)
	}
	assert.Equal(t, []string{"/ch/seg177.ts", "/ch/seg178.ts", "/ch/seg179.ts"}, order)
	assert.Equal(t, int64(12), sink.BufferedBytes())

	start, end, ok := sink.Seekable()
	assert.True(t, ok)
	assert.Equal(t, 0.0, start)
	assert.Equal(t, 6.0, end)
}

func TestEngine_SlidingLiveWindowFollowsSequence(t *testing.T) {
	var refreshes atomic.Int32
	fc, srv := newFetchCounter(t, func() string {
		n := int(refreshes.Add(1))
		return buildPlaylist(100+2*n, 80, 2, false)
	})

	e := newTestEngine(testConfig())
	defer e.Destroy()

	e.AttachMedia(newTestSink())
	e.LoadSource(srv.URL + "/ch/index.m3u8")
	require.NoError(t, e.StartLoad())

	require.Eventually(t, func() bool {
		counts, _ := fc.snapshot()
		return len(counts) > 10
	}, 3*time.Second, 10*time.Millisecond)

	counts, order := fc.snapshot()
	for path, n := range counts {
		assert.Equal(t, 1, n, "segment %s fetched more than once", path)
	}
	// the manifest load is the first refresh, so loading starts at the live
	// edge of the second window (104..183)
	assert.Equal(t, "/ch/seg181.ts", order[0])
}

func TestEngine_StartPositionOnDemand(t *testing.T) {
	fc, srv := newFetchCounter(t, func() string { return buildPlaylist(0, 30, 10, true) })

	e := newTestEngine(testConfig())
	defer e.Destroy()

	sink := newTestSink()
	e.AttachMedia(sink)
	e.LoadSource(srv.URL + "/vod/index.m3u8")
	e.SetStartPosition(205)
	require.NoError(t, e.StartLoad())

	require.Eventually(t, func() bool { return sink.BufferedBytes() == 10*4 }, 3*time.Second, 10*time.Millisecond)

	_, order := fc.snapshot()
	require.NotEmpty(t, order)
	assert.Equal(t, "/vod/seg20.ts", order[0])
	assert.Len(t, order, 10)

	assert.Equal(t, 300.0, sink.Duration())
	assert.Equal(t, 205.0, sink.CurrentTime())
	assert.Equal(t, 95.0, sink.BufferedAhead())
}

func TestEngine_StartLoadRacingDestroy(t *testing.T) {
	srv := hlsServer(t, map[string]string{
		"/ch/index.m3u8": livePlaylist,
		"/ch/seg10.ts":   "xxxx",
		"/ch/seg11.ts":   "yyyy",
	})

	for i := 0; i < 20; i++ {
		e := newTestEngine(testConfig())
		e.AttachMedia(newTestSink())
		e.LoadSource(srv.URL + "/ch/index.m3u8")

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				_ = e.StartLoad()
			}
		}()
		e.Destroy()
		wg.Wait()

		// no loader may outlive Destroy
		e.mu.Lock()
		cancel := e.cancel
		e.mu.Unlock()
		assert.Nil(t, cancel)
		assert.ErrorIs(t, e.StartLoad(), ErrNotAttached)
	}
}

func TestDecodePlaylist_SequenceAndOffsets(t *testing.T) {
	_, playlist, err := decodePlaylist([]byte(livePlaylist), "http://example.com/ch/index.m3u8")
	require.NoError(t, err)
	require.Len(t, playlist.Segments, 2)
	assert.Equal(t, uint64(10), playlist.Segments[0].Seq)
	assert.Equal(t, uint64(11), playlist.Segments[1].Seq)
	assert.Equal(t, 2.0, playlist.Segments[1].Offset)

	_, vod, err := decodePlaylist([]byte(vodPlaylist), "http://example.com/vod/index.m3u8")
	require.NoError(t, err)
	assert.Equal(t, 0, vod.segmentAt(0))
	assert.Equal(t, 1, vod.segmentAt(6))
	assert.Equal(t, 2, vod.segmentAt(15))
	assert.Equal(t, 2, vod.segmentAt(99))
}

func TestSegmentTracker_EnsureCapacity(t *testing.T) {
	st := NewSegmentTracker(2)
	st.MarkProcessed("a")
	st.MarkProcessed("b")
	st.MarkProcessed("c")

	st.EnsureCapacity(4)
	st.EnsureCapacity(3) // never shrinks
	assert.Equal(t, 2, st.Size())
	assert.True(t, st.HasProcessed("b"))
	assert.True(t, st.HasProcessed("c"))

	st.MarkProcessed("d")
	st.MarkProcessed("e")
	assert.Equal(t, 4, st.Size())
	assert.True(t, st.HasProcessed("b"))

	// oldest goes first
	st.MarkProcessed("f")
	assert.False(t, st.HasProcessed("b"))
	assert.True(t, st.HasProcessed("c"))
	assert.True(t, st.HasProcessed("f"))
}

func TestSegmentTracker_Eviction(t *testing.T) {
	st := NewSegmentTracker(2)
	st.MarkProcessed("a")
	st.MarkProcessed("b")
	st.MarkProcessed("a")
	assert.Equal(t, 2, st.Size())

	st.MarkProcessed("c")
	assert.False(t, st.HasProcessed("a"))
	assert.True(t, st.HasProcessed("b"))
	assert.True(t, st.HasProcessed("c"))

	st.Clear()
	assert.Zero(t, st.Size())
	assert.False(t, st.HasProcessed("c"))
}

func TestParseResolution(t *testing.T) {
	w, h := parseResolution("1280x720")
	assert.Equal(t, 1280, w)
	assert.Equal(t, 720, h)

	w, h = parseResolution("bogus")
	assert.Zero(t, w)
	assert.Zero(t, h)
}
