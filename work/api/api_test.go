package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kptv-player/work/client"
	"kptv-player/work/media"
	"kptv-player/work/pip"
	"kptv-player/work/recovery"
	"kptv-player/work/session"
	"kptv-player/work/store"
	"kptv-player/work/types"
)

type fakeSession struct {
	mu       sync.Mutex
	snap     types.PlaybackSession
	opened   []string
	gestures []bool
	err      error
	updates  chan types.PlaybackSession
}

func (f *fakeSession) Snapshot() types.PlaybackSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeSession) Subscribe() (<-chan types.PlaybackSession, func()) {
	return f.updates, func() {}
}

func (f *fakeSession) record(ctx context.Context) {
	f.gestures = append(f.gestures, media.IsUserGesture(ctx))
}

func (f *fakeSession) Open(ctx context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx)
	f.opened = append(f.opened, reference)
	f.snap.Status = types.StatusResolving
	return f.err
}

func (f *fakeSession) TogglePlay(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx)
	if f.snap.Status != types.StatusPlaying {
		return session.ErrNotActive
	}
	f.snap.Status = types.StatusPaused
	return nil
}

func (f *fakeSession) SetVolume(v float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap.Volume = v
	return nil
}

func (f *fakeSession) SetMuted(ctx context.Context, muted bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record(ctx)
	f.snap.Muted = muted
	return nil
}

func (f *fakeSession) Activate(ctx context.Context) error {
	if !media.IsUserGesture(ctx) {
		return media.ErrActivationRequired
	}
	return nil
}

func (f *fakeSession) SetQuality(string) error { return nil }
func (f *fakeSession) Close() error { return nil }
func (f *fakeSession) Retry(context.Context) error { return f.err }

type fakePip struct {
	mu        sync.Mutex
	snap      types.PipSession
	gesture   bool
	activated bool
	hidden    *bool
}

func (f *fakePip) Snapshot() types.PipSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakePip) EnterPiP(ctx context.Context, ch types.Channel, streamURL string, opts types.PipOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch.Name == "" {
		return pip.ErrInvalidSession
	}
	f.gesture = media.IsUserGesture(ctx)
	f.snap = types.PipSession{Channel: &ch, StreamURL: streamURL, Options: opts, Status: types.PipPendingActivation}
	return nil
}

func (f *fakePip) ActivatePendingPiP(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.snap.Status != types.PipPendingActivation {
		return pip.ErrNothingPending
	}
	f.activated = media.IsUserGesture(ctx)
	f.snap.Status = types.PipInitializing
	return nil
}

func (f *fakePip) SetVisibility(hidden bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hidden = &hidden
	return nil
}

func (f *fakePip) ExitPiP() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.snap = types.PipSession{Status: types.PipInactive}
	return nil
}

type fakeChannels struct {
	upserted []types.ChannelDetails
	lastArgs []any
}

func (f *fakeChannels) Upsert(chs []types.ChannelDetails) (int, error) {
	f.upserted = append(f.upserted, chs...)
	return len(chs), nil
}

func (f *fakeChannels) Alternatives(_ context.Context, name, excludeID string, limit int) ([]types.Channel, error) {
	f.lastArgs = []any{name, excludeID, limit}
	if name == "Offline" {
		return nil, errors.New("directory unavailable")
	}
	return []types.Channel{{ID: "b", Name: name + " HD"}}, nil
}

// fakePlaylists serves one entry for any url except an unreachable host.
type fakePlaylists struct{}

func (fakePlaylists) Fetch(_ context.Context, url string) ([]types.ChannelDetails, error) {
	if strings.Contains(url, "down.example.com") {
		return nil, &client.StatusError{Code: http.StatusServiceUnavailable, URL: url}
	}
	return []types.ChannelDetails{{Channel: types.Channel{Name: "Fetched"}, StreamURL: "https://cdn.example.com/f.m3u8"}}, nil
}

type fakeFavorites struct{ list []types.Channel }

func (f *fakeFavorites) List() ([]types.Channel, error) { return f.list, nil }
func (f *fakeFavorites) Toggle(ch types.Channel) (bool, error) {
	for i, c := range f.list {
		if c.ID == ch.ID {
			f.list = append(f.list[:i], f.list[i+1:]...)
			return false, nil
		}
	}
	f.list = append(f.list, ch)
	return true, nil
}

type fixture struct {
	session  *fakeSession
	pip      *fakePip
	channels *fakeChannels
	dead     *store.DeadStreams
	srv      *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		session:  &fakeSession{snap: types.PlaybackSession{Status: types.StatusIdle, Volume: 1}, updates: make(chan types.PlaybackSession, 4)},
		pip:      &fakePip{snap: types.PipSession{Status: types.PipInactive}},
		channels: &fakeChannels{},
		dead:     store.NewDeadStreams(store.NewSession(time.Hour)),
	}
	s := New(Deps{
		Session:   f.session,
		PiP:       f.pip,
		Channels:  f.channels,
		Playlists: fakePlaylists{},
		Favorites: &fakeFavorites{},
		Dead:      f.dead,
		Bindings:  func() (int64, int64, int) { return 3, 2, 1 },
		Stats:     func() (map[string]any, error) { return map[string]any{"channels_count": 12}, nil },
		Workers:   func() (int, int) { return 0, 16 },
	})
	f.srv = httptest.NewServer(s.Router())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string, gesture bool) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if gesture {
		req.Header.Set(GestureHeader, "true")
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestOpen(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/session/open", `{"reference":" News 24 "}`, true)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	snap := decodeBody[types.PlaybackSession](t, resp)
	assert.Equal(t, types.StatusResolving, snap.Status)
	assert.Equal(t, []string{"News 24"}, f.session.opened)
	assert.Equal(t, []bool{true}, f.session.gestures)

	resp = f.do(t, http.MethodPost, "/session/open", `{"reference":""}`, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/session/open", `{"reference":`, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestControls(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/session/toggle", "", false)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/session/volume", `{"volume":0.25}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.InDelta(t, 0.25, decodeBody[types.PlaybackSession](t, resp).Volume, 1e-9)

	resp = f.do(t, http.MethodPost, "/session/volume", `{}`, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/session/mute", `{"muted":true}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.True(t, decodeBody[types.PlaybackSession](t, resp).Muted)

	resp = f.do(t, http.MethodPost, "/session/activate", "", false)
	assert.Equal(t, http.StatusPreconditionRequired, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/session/activate", "", true)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.do(t, http.MethodDelete, "/session", "", false)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestRetryRejected(t *testing.T) {
	f := newFixture(t)
	f.session.err = recovery.CheckManualRetry(3, 3)
	require.Error(t, f.session.err)

	resp := f.do(t, http.MethodPost, "/session/retry", "", false)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	body := decodeBody[errorResponse](t, resp)
	require.NotNil(t, body.Record)
	assert.Equal(t, recovery.MsgRetriesExhausted, body.Record.Message)
}

func TestPip(t *testing.T) {
	t.Run("explicit target without gesture waits", func(t *testing.T) {
		f := newFixture(t)
		resp := f.do(t, http.MethodPost, "/pip", `{"channel":{"id":"news","name":"News 24"},"streamUrl":"https://cdn.example.com/news.m3u8"}`, false)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		snap := decodeBody[types.PipSession](t, resp)
		assert.Equal(t, types.PipPendingActivation, snap.Status)
		assert.False(t, f.pip.gesture)
		assert.InDelta(t, 1.0, snap.Options.Volume, 1e-9)

		resp = f.do(t, http.MethodPost, "/pip/activate", "", false)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.True(t, f.pip.activated, "activation always carries a gesture")

		resp = f.do(t, http.MethodPost, "/pip/activate", "", false)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("hand over current playback", func(t *testing.T) {
		f := newFixture(t)
		resp := f.do(t, http.MethodPost, "/pip", "", true)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		f.session.snap = types.PlaybackSession{
			Status:    types.StatusPlaying,
			Channel:   &types.Channel{ID: "news", Name: "News 24"},
			StreamURL: "https://cdn.example.com/news.m3u8",
			Volume:    0.4,
			Muted:     true,
			IsLive:    true,
			Health:    types.HealthSnapshot{CurrentTime: 42},
		}
		resp = f.do(t, http.MethodPost, "/pip", "", true)
		require.Equal(t, http.StatusAccepted, resp.StatusCode)
		snap := decodeBody[types.PipSession](t, resp)
		assert.True(t, f.pip.gesture)
		assert.Equal(t, "News 24", snap.Channel.Name)
		assert.InDelta(t, 0.4, snap.Options.Volume, 1e-9)
		assert.True(t, snap.Options.WasMuted)
		assert.True(t, snap.Options.IsLive)
		assert.InDelta(t, 42, snap.Options.CurrentTime, 1e-9)
	})

	t.Run("visibility and exit", func(t *testing.T) {
		f := newFixture(t)
		resp := f.do(t, http.MethodPost, "/pip/visibility", `{}`, false)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

		resp = f.do(t, http.MethodPost, "/pip/visibility", `{"hidden":true}`, false)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.NotNil(t, f.pip.hidden)
		assert.True(t, *f.pip.hidden)

		resp = f.do(t, http.MethodDelete, "/pip", "", false)
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})
}

func TestChannels(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodPost, "/channels", `[{"name":"News 24","streamUrl":"https://cdn.example.com/news.m3u8"}]`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"imported": 1, "received": 1}, decodeBody[map[string]int](t, resp))
	require.Len(t, f.channels.upserted, 1)

	resp = f.do(t, http.MethodGet, "/channels/alternatives?name=News&exclude=a&limit=500", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, decodeBody[[]types.Channel](t, resp), 1)
	assert.Equal(t, []any{"News", "a", maxAlternatives}, f.channels.lastArgs)

	resp = f.do(t, http.MethodGet, "/channels/alternatives", "", false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/channels/alternatives?name=News&limit=x", "", false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodGet, "/channels/alternatives?name=Offline", "", false)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestImport(t *testing.T) {
	f := newFixture(t)

	list := "#EXTM3U\n#EXTINF:-1 group-title=\"UK\",UK: News\nhttps://cdn.example.com/live/1.m3u8\n" +
		"#EXTINF:-1 group-title=\"UK\",UK: Sports\nhttps://cdn.example.com/live/2.m3u8\n" +
		"#EXTINF:-1 group-title=\"US\",US: News\nhttps://cdn.example.com/live/3.m3u8\n"
	payload, err := json.Marshal(map[string]any{
		"playlist": list,
		"filter":   map[string]any{"include": "^uk:", "exclude": "sports"},
	})
	require.NoError(t, err)

	resp := f.do(t, http.MethodPost, "/channels/import", string(payload), false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]int{"imported": 1, "received": 3, "filtered": 2}, decodeBody[map[string]int](t, resp))
	require.Len(t, f.channels.upserted, 1)
	assert.Equal(t, "UK: News", f.channels.upserted[0].Name)

	resp = f.do(t, http.MethodPost, "/channels/import", `{"playlist":"hello"}`, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/channels/import", `{"url":"https://x.example.com/a.m3u","filter":{"include":"("}}`, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp = f.do(t, http.MethodPost, "/channels/import", `{}`, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = f.do(t, http.MethodPost, "/channels/import", `{"url":"https://lists.example.com/all.m3u"}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, f.channels.upserted, 2)
	assert.Equal(t, "Fetched", f.channels.upserted[1].Name)

	resp = f.do(t, http.MethodPost, "/channels/import", `{"url":"https://down.example.com/all.m3u"}`, false)
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestDeadStreams(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.dead.MarkDead(types.Channel{ID: "a", Name: "News"}, "server unreachable"))

	resp := f.do(t, http.MethodGet, "/channels/dead", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	list := decodeBody[[]store.DeadStream](t, resp)
	require.Len(t, list, 1)
	assert.Equal(t, "server unreachable", list[0].Reason)

	resp = f.do(t, http.MethodDelete, "/channels/dead/a", "", false)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.False(t, f.dead.IsDead("a"))
}

func TestHistoryAndFavorites(t *testing.T) {
	f := newFixture(t)

	resp := f.do(t, http.MethodGet, "/history", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, decodeBody[[]types.Channel](t, resp))

	resp = f.do(t, http.MethodPost, "/favorites/toggle", `{"id":"news","name":"News 24"}`, false)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, map[string]bool{"favorite": true}, decodeBody[map[string]bool](t, resp))

	resp = f.do(t, http.MethodGet, "/favorites", "", false)
	assert.Len(t, decodeBody[[]types.Channel](t, resp), 1)

	resp = f.do(t, http.MethodPost, "/favorites/toggle", `{"name":"no id"}`, false)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStats(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/stats", "", false)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stats := decodeBody[StatsResponse](t, resp)
	assert.Equal(t, types.StatusIdle, stats.SessionStatus)
	assert.Equal(t, types.PipInactive, stats.PipStatus)
	assert.Equal(t, int64(3), stats.BindingsCreated)
	assert.Equal(t, 1, stats.ActiveBindings)
	assert.Equal(t, 16, stats.WorkerCapacity)
	assert.EqualValues(t, 12, stats.Storage["channels_count"])
}

func TestCompressionAndPreflight(t *testing.T) {
	f := newFixture(t)

	req, err := http.NewRequest(http.MethodGet, f.srv.URL+"/session", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	resp, err := http.DefaultTransport.RoundTrip(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	resp = f.do(t, http.MethodOptions, "/pip/activate", "", false)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestMetricsExposed(t *testing.T) {
	f := newFixture(t)
	resp := f.do(t, http.MethodGet, "/metrics", "", false)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestEvents(t *testing.T) {
	f := newFixture(t)
	f.session.updates <- types.PlaybackSession{Status: types.StatusPlaying}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.srv.URL+"/session/events", nil)
	require.NoError(t, err)
	resp, err := f.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	sc := bufio.NewScanner(resp.Body)
	var data string
	for sc.Scan() {
		if line, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
			data = line
			break
		}
	}
	require.NotEmpty(t, data)
	var snap types.PlaybackSession
	require.NoError(t, json.Unmarshal([]byte(data), &snap))
	assert.Equal(t, types.StatusPlaying, snap.Status)
}

func TestFormatDuration(t *testing.T) {
	assert.Equal(t, "45s", formatDuration(45*time.Second))
	assert.Equal(t, "12m", formatDuration(12*time.Minute))
	assert.Equal(t, "3h 4m", formatDuration(3*time.Hour+4*time.Minute))
	assert.Equal(t, "2d 5h", formatDuration(53*time.Hour))
}
