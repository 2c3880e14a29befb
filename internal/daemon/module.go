// Package daemon composes the client: store, vault, crypto engine, relay
// transport, delivery tracker, outbox and the core facade, wired with fx
// and torn down in reverse order on shutdown.
package daemon

import (
	"context"
	"time"

	"github.com/pkruglov/phantom/internal/bus"
	"github.com/pkruglov/phantom/internal/config"
	"github.com/pkruglov/phantom/internal/core"
	"github.com/pkruglov/phantom/internal/directory"
	"github.com/pkruglov/phantom/internal/keys"
	"github.com/pkruglov/phantom/internal/lock"
	"github.com/pkruglov/phantom/internal/logging"
	"github.com/pkruglov/phantom/internal/outbox"
	"github.com/pkruglov/phantom/internal/session"
	"github.com/pkruglov/phantom/internal/store"
	"github.com/pkruglov/phantom/internal/tracker"
	"github.com/pkruglov/phantom/internal/transport"
	"github.com/pkruglov/phantom/internal/vault"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Params holds the resolved startup configuration passed to the fx module.
type Params struct {
	Profile  string
	Username string
	Password string

	// Register creates a fresh identity instead of logging in.
	Register bool
}

// Module returns the fx module for the daemon, composing all providers and
// lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideConfig,
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideStore,
			provideVault,
			provideEngine,
			provideDirectoryClient,
			provideResolver,
			provideTransport,
			provideTracker,
			provideCore,
			provideSession,
			provideSender,

			func(c *transport.Client) transport.Channel { return c },
			func(r *directory.Resolver) tracker.Contacts { return r },
			func(v *vault.Vault) tracker.PreKeyConsumer { return v },
			func(c *directory.Client) core.Publisher { return c },
			func(t *tracker.Tracker) outbox.FailureMarker { return t },
		),
		fx.Invoke(registerLifecycle),
	)
}

func provideConfig() (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		// First run: no config file yet.
		return config.Default(), nil
	}
	return cfg, nil
}

func provideLogger(p Params) (*zap.Logger, error) {
	return logging.New(session.LogPath(p.Profile), p.Profile)
}

func provideBus() *bus.Bus {
	return bus.New()
}

func provideStateMachine(b *bus.Bus) *session.Machine {
	return session.NewMachine(b)
}

func provideLock(p Params, logger *zap.Logger) (*lock.Lock, error) {
	if err := session.EnsureDir(p.Profile); err != nil {
		return nil, err
	}
	logger.Info("acquiring profile lock", zap.String("profile", p.Profile))
	l, err := lock.Acquire(session.Dir(p.Profile))
	if err != nil {
		return nil, err
	}
	logger.Info("profile lock acquired")
	return l, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.Profile)
	db, err := store.Open(dbPath)
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
	logger.Info("store initialized", zap.String("path", dbPath))
	return db, nil
}

func provideVault(db *store.DB, logger *zap.Logger) *vault.Vault {
	return vault.New(db, logger)
}

func provideEngine(logger *zap.Logger) *keys.Engine {
	return keys.NewEngine(keys.NewStaticAgreement(), logger)
}

func provideDirectoryClient(cfg *config.Config, logger *zap.Logger) *directory.Client {
	return directory.NewClient(cfg.DirectoryURL, logger)
}

func provideResolver(db *store.DB, c *directory.Client, logger *zap.Logger) *directory.Resolver {
	return directory.NewResolver(db, c, logger)
}

func provideTransport(p Params, cfg *config.Config, db *store.DB, b *bus.Bus, m *session.Machine, logger *zap.Logger) *transport.Client {
	return transport.NewClient(cfg.RelayURL, keys.HashIdentifier(p.Username), db, b, m, logger)
}

func provideTracker(p Params, db *store.DB, engine *keys.Engine, contacts tracker.Contacts, prekeys tracker.PreKeyConsumer, channel transport.Channel, b *bus.Bus, logger *zap.Logger) *tracker.Tracker {
	return tracker.New(db, engine, contacts, prekeys, channel, b, keys.HashIdentifier(p.Username), logger)
}

func provideCore(p Params, cfg *config.Config, db *store.DB, v *vault.Vault, engine *keys.Engine, tr *tracker.Tracker, publisher core.Publisher, b *bus.Bus, logger *zap.Logger) *core.Core {
	return core.New(db, v, engine, tr, publisher, b, p.Profile, session.SaltPath(p.Profile), cfg.PreKeyCount, logger)
}

// provideSession authenticates during startup. A wrong password aborts boot
// before any network activity.
func provideSession(p Params, c *core.Core, m *session.Machine, logger *zap.Logger) (*session.Session, error) {
	_ = m.Transition(session.AuthRequired)
	ctx := context.Background()

	if p.Register {
		s, err := c.Register(ctx, p.Username, p.Password)
		if err != nil {
			_ = m.Transition(session.Error)
			return nil, err
		}
		logger.Info("identity registered", zap.String("profile", p.Profile))
		return s, nil
	}

	s, err := c.Login(ctx, p.Username, p.Password)
	if err != nil {
		_ = m.Transition(session.Error)
		return nil, err
	}
	return s, nil
}

func provideSender(cfg *config.Config, db *store.DB, channel transport.Channel, failed outbox.FailureMarker, logger *zap.Logger) *outbox.Sender {
	oc := outbox.DefaultConfig()
	if cfg.SendMaxAttempts > 0 {
		oc.MaxAttempts = cfg.SendMaxAttempts
	}
	if cfg.SendRetrySeconds > 0 {
		oc.RetryInterval = time.Duration(cfg.SendRetrySeconds) * time.Second
	}
	return outbox.NewSender(db, channel, failed, oc, logger)
}

func registerLifecycle(lc fx.Lifecycle, client *transport.Client, tr *tracker.Tracker, sender *outbox.Sender, s *session.Session, c *core.Core, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			tr.Start(context.Background())
			sender.Start(context.Background())
			client.Start(context.Background())
			logger.Info("daemon started")
			return nil
		},
		OnStop: func(context.Context) error {
			client.Stop()
			sender.Stop()
			tr.Stop()
			c.Logout(s)
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}
