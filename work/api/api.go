// Package api exposes the playback session and the PiP manager over HTTP so
// that a front-end (or a test harness) can drive them.
package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"kptv-player/work/media"
	"kptv-player/work/middleware"
	"kptv-player/work/store"
	"kptv-player/work/types"
)

// GestureHeader marks a request as the direct result of a user interaction.
// POST /pip/activate always counts as one.
const GestureHeader = "X-User-Gesture"

// Session is the primary playback controller.
type Session interface {
	Snapshot() types.PlaybackSession
	Subscribe() (<-chan types.PlaybackSession, func())
	Open(ctx context.Context, reference string) error
	TogglePlay(ctx context.Context) error
	SetVolume(volume float64) error
	SetMuted(ctx context.Context, muted bool) error
	Activate(ctx context.Context) error
	SetQuality(id string) error
	Retry(ctx context.Context) error
	Close() error
}

// PiP is the Picture-in-Picture manager.
type PiP interface {
	Snapshot() types.PipSession
	EnterPiP(ctx context.Context, ch types.Channel, streamURL string, opts types.PipOptions) error
	ActivatePendingPiP(ctx context.Context) error
	SetVisibility(hidden bool) error
	ExitPiP() error
}

// Channels is the local channel directory.
type Channels interface {
	Upsert(channels []types.ChannelDetails) (int, error)
	Alternatives(ctx context.Context, name, excludeID string, limit int) ([]types.Channel, error)
}

// Playlists downloads remote channel lists.
type Playlists interface {
	Fetch(ctx context.Context, url string) ([]types.ChannelDetails, error)
}

// History is the recently watched list.
type History interface {
	List() ([]types.Channel, error)
	Clear() error
}

// Favorites is the starred channel list.
type Favorites interface {
	List() ([]types.Channel, error)
	Toggle(ch types.Channel) (bool, error)
}

// DeadStreams lists channels that failed to connect.
type DeadStreams interface {
	List() ([]store.DeadStream, error)
	Revive(id string) error
}

// Deps are the collaborators served by the API. Everything past Channels is
// optional.
type Deps struct {
	Session   Session
	PiP       PiP
	Channels  Channels
	Playlists Playlists
	History   History
	Favorites Favorites
	Dead      DeadStreams
	// Bindings reports the engine binder counters.
	Bindings func() (created, destroyed int64, active int)
	// Stats reports storage statistics.
	Stats func() (map[string]any, error)
	// Workers reports the background pool usage.
	Workers func() (running, capacity int)
}

// Server holds the handlers.
type Server struct {
	deps    Deps
	started time.Time
}

// New returns a server for deps.
func New(deps Deps) *Server {
	return &Server{deps: deps, started: time.Now()}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.CORS)

	r.Handle("/session", middleware.Gzip(http.HandlerFunc(s.handleGetSession))).Methods(http.MethodGet)
	r.Handle("/session", middleware.Gzip(http.HandlerFunc(s.handleCloseSession))).Methods(http.MethodDelete)
	r.Handle("/session/open", middleware.Gzip(http.HandlerFunc(s.handleOpen))).Methods(http.MethodPost)
	r.Handle("/session/toggle", middleware.Gzip(http.HandlerFunc(s.handleToggle))).Methods(http.MethodPost)
	r.Handle("/session/volume", middleware.Gzip(http.HandlerFunc(s.handleVolume))).Methods(http.MethodPost)
	r.Handle("/session/mute", middleware.Gzip(http.HandlerFunc(s.handleMute))).Methods(http.MethodPost)
	r.Handle("/session/activate", middleware.Gzip(http.HandlerFunc(s.handleActivate))).Methods(http.MethodPost)
	r.Handle("/session/quality", middleware.Gzip(http.HandlerFunc(s.handleQuality))).Methods(http.MethodPost)
	r.Handle("/session/retry", middleware.Gzip(http.HandlerFunc(s.handleRetry))).Methods(http.MethodPost)

	r.Handle("/pip", middleware.Gzip(http.HandlerFunc(s.handleGetPip))).Methods(http.MethodGet)
	r.Handle("/pip", middleware.Gzip(http.HandlerFunc(s.handleEnterPip))).Methods(http.MethodPost)
	r.Handle("/pip", middleware.Gzip(http.HandlerFunc(s.handleExitPip))).Methods(http.MethodDelete)
	r.Handle("/pip/activate", middleware.Gzip(http.HandlerFunc(s.handleActivatePip))).Methods(http.MethodPost)
	r.Handle("/pip/visibility", middleware.Gzip(http.HandlerFunc(s.handleVisibility))).Methods(http.MethodPost)

	r.Handle("/channels", middleware.Gzip(http.HandlerFunc(s.handleUpsertChannels))).Methods(http.MethodPost)
	r.Handle("/channels/import", middleware.Gzip(http.HandlerFunc(s.handleImport))).Methods(http.MethodPost)
	r.Handle("/channels/alternatives", middleware.Gzip(http.HandlerFunc(s.handleAlternatives))).Methods(http.MethodGet)
	r.Handle("/channels/dead", middleware.Gzip(http.HandlerFunc(s.handleGetDead))).Methods(http.MethodGet)
	r.Handle("/channels/dead/{id}", middleware.Gzip(http.HandlerFunc(s.handleRevive))).Methods(http.MethodDelete)
	r.Handle("/history", middleware.Gzip(http.HandlerFunc(s.handleGetHistory))).Methods(http.MethodGet)
	r.Handle("/history", middleware.Gzip(http.HandlerFunc(s.handleClearHistory))).Methods(http.MethodDelete)
	r.Handle("/favorites", middleware.Gzip(http.HandlerFunc(s.handleGetFavorites))).Methods(http.MethodGet)
	r.Handle("/favorites/toggle", middleware.Gzip(http.HandlerFunc(s.handleToggleFavorite))).Methods(http.MethodPost)
	r.Handle("/stats", middleware.Gzip(http.HandlerFunc(s.handleStats))).Methods(http.MethodGet)

	// streamed uncompressed so every event is flushed as written
	r.HandleFunc("/session/events", s.handleEvents).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// preflight for every route
	r.Methods(http.MethodOptions).HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	return r
}

// gestureContext marks the request context when the client reports a user
// interaction.
func gestureContext(r *http.Request) context.Context {
	ctx := r.Context()
	if ok, _ := strconv.ParseBool(r.Header.Get(GestureHeader)); ok {
		return media.WithUserGesture(ctx)
	}
	return ctx
}
