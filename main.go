package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/panjf2000/ants/v2"

	"kptv-player/work/api"
	"kptv-player/work/client"
	"kptv-player/work/config"
	"kptv-player/work/database"
	"kptv-player/work/directory"
	"kptv-player/work/engine"
	"kptv-player/work/logger"
	"kptv-player/work/media"
	"kptv-player/work/parser"
	"kptv-player/work/pip"
	"kptv-player/work/pipstore"
	"kptv-player/work/resolver"
	"kptv-player/work/session"
	"kptv-player/work/store"
	"kptv-player/work/utils"
)

var (
	Version = "v0.1.0" // default version
)

// player is everything rebuilt on a configuration reload. The database, the
// session-scoped store and the platform outlive it, so a persisted PiP
// record survives the reload and is restored by the new manager.
type player struct {
	pool       *ants.Pool
	binder     *engine.Binder
	controller *session.Controller
	pip        *pip.Manager
	handler    http.Handler
}

type shared struct {
	db        *database.DB
	directory *directory.Directory
	longLived *store.Persistent
	sessionKV *store.Session
	platform  *media.Platform
}

func newPlayer(cfg *config.Config, sh *shared) (*player, error) {
	pool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		return nil, err
	}

	httpClient := client.NewHeaderSettingClient(cfg)
	binder := engine.NewBinder(cfg, engine.HLSFactory(cfg, httpClient))
	history := store.NewHistory(sh.longLived, cfg.HistorySize)
	dead := store.NewDeadStreams(sh.longLived)

	controller := session.New(cfg, session.Deps{
		Resolver:     resolver.New(cfg, sh.directory),
		Binder:       binder,
		Outputs:      sh.platform,
		Pool:         pool,
		Alternatives: sh.directory,
		History:      history,
		DeadStreams:  dead,
		Prefs:        sh.longLived,
	})
	manager := pip.New(cfg, pip.Deps{
		Binder:  binder,
		Outputs: sh.platform,
		Store:   pipstore.New(sh.sessionKV, cfg.PipRecordExpiry),
	})

	srv := api.New(api.Deps{
		Session:   controller,
		PiP:       manager,
		Channels:  sh.directory,
		Playlists: parser.NewFetcher(cfg, httpClient),
		History:   history,
		Favorites: store.NewFavorites(sh.longLived),
		Dead:      dead,
		Bindings: func() (int64, int64, int) {
			return binder.Created(), binder.Destroyed(), binder.Active()
		},
		Stats:   sh.db.GetStats,
		Workers: func() (int, int) { return pool.Running(), pool.Cap() },
	})

	return &player{pool: pool, binder: binder, controller: controller, pip: manager, handler: srv.Router()}, nil
}

// restore picks up a persisted PiP session. Call it once the player is the
// active one and any previous player has stopped.
func (p *player) restore() {
	if err := p.pip.Restore(); err != nil {
		logger.Warn("{main - restore} PiP restore failed: %v", err)
	}
}

// reload makes next the active player. It restores PiP only after the
// previous player has released its bindings.
func reload(active *atomic.Pointer[player], next *player) {
	prev := active.Swap(next)
	prev.stop()
	next.restore()
}

func (p *player) stop() {
	p.pip.Stop()
	p.controller.Stop()
	if err := p.pool.ReleaseTimeout(5 * time.Second); err != nil {
		logger.Warn("{main - stop} Worker pool did not drain: %v", err)
	}
}

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(cfg.LogLevel)

	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		logger.Error("{main} Failed to open database: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	if cfg.ChannelExpiry > 0 {
		if n, err := db.CleanupStaleChannels(cfg.ChannelExpiry); err != nil {
			logger.Warn("{main} Failed to prune stale channels: %v", err)
		} else if n > 0 {
			logger.Info("{main} Pruned %d stale channels", n)
		}
	}

	sh := &shared{
		db:        db,
		directory: directory.New(db),
		longLived: store.NewPersistent(db),
		sessionKV: store.NewSession(cfg.PipRecordExpiry),
		platform:  media.NewPlatform(media.DefaultPlatformOptions()),
	}

	current, err := newPlayer(cfg, sh)
	if err != nil {
		logger.Error("{main} Failed to start player: %v", err)
		os.Exit(1)
	}

	// the handler is swapped on reload
	var active atomic.Pointer[player]
	active.Store(current)
	current.restore()
	server := &http.Server{
		Addr: cfg.ListenAddr,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			active.Load().handler.ServeHTTP(w, r)
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("Starting KPTV Player %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Listen: %s", cfg.ListenAddr)
	logger.Info("  - Database: %s", cfg.DatabasePath)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Segment Buffer: %s", utils.FormatBytes(media.DefaultPlatformOptions().BufferSize))
	logger.Info("  - Init Watchdog: %s", cfg.InitWatchdog)
	logger.Info("  - Max. Manual Retries: %d", cfg.MaxManualRetries)
	logger.Info("  - PiP Record Expiry: %s", cfg.PipRecordExpiry)
	logger.Info("  - Log Level: %s", cfg.LogLevel)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	serveErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case err, ok := <-serveErr:
			if ok {
				logger.Error("{main} Server failed: %v", err)
			}
			active.Load().stop()
			return

		case sig := <-signals:
			if sig == syscall.SIGHUP {
				logger.Info("{main} Reload requested")
				config.ClearConfigCache()
				newCfg := config.LoadConfig()
				logger.SetLogLevel(newCfg.LogLevel)

				next, err := newPlayer(newCfg, sh)
				if err != nil {
					logger.Error("{main} Reload failed, keeping the running player: %v", err)
					continue
				}
				reload(&active, next)
				logger.Info("{main} Reload complete")
				continue
			}

			logger.Info("{main} Shutting down on %s", sig)
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			if err := server.Shutdown(ctx); err != nil {
				logger.Warn("{main} HTTP shutdown: %v", err)
			}
			cancel()
			active.Load().stop()
			return
		}
	}
}
