// Package daemon composes the inbox core into a runnable process.
package daemon

import (
	"context"
	"errors"
	"os"

	"github.com/Samuel-0228/sabimarket/internal/backend"
	"github.com/Samuel-0228/sabimarket/internal/backend/memory"
	"github.com/Samuel-0228/sabimarket/internal/backend/rest"
	"github.com/Samuel-0228/sabimarket/internal/bus"
	"github.com/Samuel-0228/sabimarket/internal/config"
	"github.com/Samuel-0228/sabimarket/internal/directory"
	"github.com/Samuel-0228/sabimarket/internal/inbox"
	"github.com/Samuel-0228/sabimarket/internal/live"
	"github.com/Samuel-0228/sabimarket/internal/lock"
	"github.com/Samuel-0228/sabimarket/internal/logging"
	"github.com/Samuel-0228/sabimarket/internal/messages"
	"github.com/Samuel-0228/sabimarket/internal/session"
	"github.com/Samuel-0228/sabimarket/internal/state"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	SessionName string
	// WideViewport enables auto-selecting the newest conversation on
	// mount, matching the two-pane desktop layout.
	WideViewport bool
	// Demo runs against a seeded in-memory backend instead of the
	// hosted store. Useful for trying the daemon without credentials.
	Demo bool
}

// Backend groups the store interfaces a controller needs, so demo and
// hosted wiring stay symmetric.
type Backend struct {
	Auth     backend.Auth
	Convs    backend.ConversationStore
	Msgs     backend.MessageStore
	Listings backend.ListingStore
	Profiles backend.ProfileStore
	Realtime backend.Realtime
}

// Module returns the fx module for inboxd, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideLock,
			provideStateDB,
			provideBackend,
			provideDirectory,
			provideAccessor,
			provideLiveManager,
			provideController,
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.SessionName), p.SessionName)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.SessionName); err != nil {
		return nil, err
	}
	logger.Info("acquiring session lock", zap.String("session", p.SessionName))
	l, err := lock.Acquire(session.Dir(p.SessionName))
	if err != nil {
		return nil, err
	}
	logger.Info("session lock acquired")
	return l, nil
}

func provideStateDB(p Params, logger *zap.Logger) (*state.DB, error) {
	dbPath := session.StateDBPath(p.SessionName)
	db, err := state.Open(dbPath)
	if err != nil {
		return nil, err
	}
	result, err := db.Migrate()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if result.Changed {
		logger.Info("migrations applied", zap.Uint("version", result.Version))
	} else {
		logger.Info("migrations up to date", zap.Uint("version", result.Version))
	}
	logger.Info("state store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideBackend(p Params, logger *zap.Logger) (*Backend, error) {
	if p.Demo {
		logger.Info("demo mode: using in-memory backend")
		store := seededDemoStore()
		return &Backend{
			Auth:     store,
			Convs:    store,
			Msgs:     store,
			Listings: store,
			Profiles: store,
			Realtime: store,
		}, nil
	}

	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New("no config found; run inboxd -demo or create " + session.ConfigPath())
		}
		return nil, err
	}
	if cfg.BackendURL == "" || cfg.APIKey == "" {
		return nil, errors.New("config is missing backend_url or api_key")
	}

	client := rest.NewClient(cfg.BackendURL, cfg.APIKey, cfg.AccessToken, logger)
	return &Backend{
		Auth:     rest.NewTokenAuth(cfg.AccessToken),
		Convs:    client,
		Msgs:     client,
		Listings: client,
		Profiles: client,
		Realtime: rest.NewRealtime(cfg.BackendURL, cfg.APIKey, cfg.AccessToken, logger),
	}, nil
}

// seededDemoStore signs in a demo buyer with one listing and a seller
// profile, enough to exercise every inbox flow locally.
func seededDemoStore() *memory.Store {
	store := memory.New()
	store.SignIn("demo-buyer", "demo@campus.edu")
	store.AddProfile(backend.Profile{ID: "demo-buyer", DisplayName: "Demo Buyer"})
	store.AddProfile(backend.Profile{ID: "demo-seller", DisplayName: "Demo Seller"})
	store.AddListing(backend.Listing{
		ID: "demo-listing", SellerID: "demo-seller",
		Title: "Mini fridge", Price: 4500000,
	})
	return store
}

func provideDirectory(be *Backend, logger *zap.Logger) *directory.Directory {
	return directory.New(be.Convs, be.Msgs, be.Listings, be.Profiles, logger)
}

func provideAccessor(be *Backend, logger *zap.Logger) *messages.Accessor {
	return messages.New(be.Auth, be.Msgs, logger)
}

func provideLiveManager(be *Backend, b *bus.Bus, logger *zap.Logger) *live.Manager {
	return live.NewManager(be.Realtime, b, logger)
}

func provideController(p Params, dir *directory.Directory, acc *messages.Accessor, lv *live.Manager, be *Backend, db *state.DB, b *bus.Bus, logger *zap.Logger) *inbox.Controller {
	return inbox.New(dir, acc, lv, be.Auth, db, b, logger, inbox.Options{
		WideViewport: p.WideViewport,
	})
}

func registerLifecycle(lc fx.Lifecycle, ctrl *inbox.Controller, lk *lock.Lock, db *state.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := ctrl.Mount(ctx); err != nil {
				return err
			}
			logger.Info("inbox mounted")
			return nil
		},
		OnStop: func(_ context.Context) error {
			ctrl.Teardown()
			if err := db.Close(); err != nil {
				logger.Warn("error closing state store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
