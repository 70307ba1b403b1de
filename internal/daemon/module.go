// Package daemon composes the session daemon: credential resolution,
// the persistent store, the live session protocol, and the outbox,
// wired together with fx.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/duochat/duochat/internal/auth"
	"github.com/duochat/duochat/internal/bus"
	"github.com/duochat/duochat/internal/config"
	"github.com/duochat/duochat/internal/gateway"
	"github.com/duochat/duochat/internal/lock"
	"github.com/duochat/duochat/internal/logging"
	"github.com/duochat/duochat/internal/outbox"
	"github.com/duochat/duochat/internal/protocol"
	"github.com/duochat/duochat/internal/session"
	"github.com/duochat/duochat/internal/status"
	"github.com/duochat/duochat/internal/store"
	"github.com/duochat/duochat/internal/transport"
)

// ErrPasscodeRejected means the entered passcode matched neither hash
// in the credential bundle.
var ErrPasscodeRejected = errors.New("passcode not recognized")

// Params holds the resolved startup configuration passed to the fx
// module. Passcode is the value the user typed; which tier it unlocks
// is decided here, not by the caller.
type Params struct {
	SessionName string
	Passcode    string
}

// login is the resolved authentication for this daemon run. keys
// always carries the bundle's real key material so a restricted run
// can still sign its lockout alert; outcome decides everything else.
type login struct {
	outcome auth.LoginOutcome
	keys    gateway.Keys
}

// Module returns the fx module for the daemon, composing all providers
// and lifecycle hooks.
func Module(p Params) fx.Option {
	return fx.Module("daemon",
		fx.Supply(p),
		fx.Provide(
			provideLogger,
			provideBus,
			provideStateMachine,
			provideLock,
			provideConfig,
			provideStore,
			provideLogin,
			provideChannel,
			provideGateway,
			provideHandler,
			provideSender,
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

func provideStateMachine(b *bus.Bus) *status.Machine {
	return status.NewMachine(b)
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

func provideConfig(logger *zap.Logger) (*config.Config, error) {
	cfg, err := config.Load(session.ConfigPath())
	if err != nil {
		return nil, fmt.Errorf("load config (run duochatctl setup first): %w", err)
	}
	if cfg.ServerAddress == "" {
		return nil, errors.New("config has no server_address")
	}
	logger.Info("config loaded", zap.String("server", cfg.ServerAddress))
	return cfg, nil
}

func provideStore(p Params, logger *zap.Logger) (*store.DB, error) {
	dbPath := session.DBPath(p.SessionName)
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

// provideLogin resolves the typed passcode against the stored bundle.
// A missing or incomplete bundle resolves like a wrong passcode; the
// caller cannot distinguish the two.
func provideLogin(p Params, db *store.DB, logger *zap.Logger) (login, error) {
	b, err := auth.LoadBundle(db)
	if err != nil {
		if !errors.Is(err, auth.ErrIncompleteBundle) {
			return login{}, err
		}
		b = nil
	}
	out := auth.ResolveLogin(b, p.Passcode)
	if out.Tier == auth.TierLocked {
		return login{}, ErrPasscodeRejected
	}
	logger.Info("login resolved", zap.String("tier", string(out.Tier)))
	l := login{outcome: out}
	if b != nil {
		l.keys = gateway.Keys{PublicKey: b.PublicKey, PrivateKey: b.PrivateKey}
	}
	return l, nil
}

func provideChannel(cfg *config.Config, logger *zap.Logger) (transport.Channel, error) {
	return transport.NewWS(cfg.ServerAddress, cfg.SocketPath(), logger)
}

func provideGateway(cfg *config.Config, logger *zap.Logger) *gateway.Client {
	return gateway.New(cfg.ServerAddress, logger)
}

func provideHandler(ch transport.Channel, m *status.Machine, b *bus.Bus, db *store.DB, l login, logger *zap.Logger) *protocol.Handler {
	creds := protocol.Credentials{
		PublicKey:  l.outcome.PublicKey,
		PrivateKey: l.outcome.PrivateKey,
	}
	return protocol.NewHandler(ch, m, b, db, creds, logger)
}

func provideSender(db *store.DB, h *protocol.Handler, m *status.Machine, b *bus.Bus, logger *zap.Logger) *outbox.Sender {
	return outbox.NewSender(db, h, m, b, logger)
}

func registerLifecycle(lc fx.Lifecycle, p Params, l login, h *protocol.Handler, sender *outbox.Sender, gw *gateway.Client, lk *lock.Lock, db *store.DB, logger *zap.Logger) {
	started := false
	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			switch l.outcome.Tier {
			case auth.TierFull:
				h.Start(context.Background())
				sender.Start(context.Background())
				started = true
			case auth.TierRestricted:
				// The restricted tier never touches the socket; it has
				// no key material to complete the handshake with. It
				// does raise the silent lockout alert, signed with the
				// device key.
				logger.Info("restricted session, messaging stays offline")
				go reportLockout(gw, l.keys, p.SessionName, logger)
			}
			return nil
		},
		OnStop: func(_ context.Context) error {
			if started {
				sender.Stop()
				h.Stop()
			}
			if err := db.Close(); err != nil {
				logger.Warn("error closing store", zap.Error(err))
			}
			if err := lk.Release(); err != nil {
				logger.Warn("error releasing lock", zap.Error(err))
			}
			logger.Info("daemon stopped")
			return nil
		},
	})
}

func reportLockout(gw *gateway.Client, keys gateway.Keys, sessionName string, logger *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	report := fmt.Sprintf("restricted passcode used on session %q at %s",
		sessionName, time.Now().UTC().Format(time.RFC3339))
	if err := gw.Lockout(ctx, keys, report); err != nil {
		logger.Warn("lockout report failed", zap.Error(err))
		return
	}
	logger.Info("lockout report delivered")
}
