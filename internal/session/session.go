// Package session wires the guest-side pieces together: durable storage, the
// shared cache, the identity resolver, realtime connections and mute state.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"table-session/internal/common/clock"
	"table-session/internal/common/config"
	"table-session/internal/common/db"
	"table-session/internal/common/logger"
	"table-session/internal/common/mq"
	"table-session/internal/domain"
	"table-session/internal/session/apiclient"
	"table-session/internal/session/bridge"
	"table-session/internal/session/cache"
	"table-session/internal/session/mute"
	"table-session/internal/session/realtime"
	"table-session/internal/session/resolver"
	"table-session/internal/session/storage"
)

type Session struct {
	cfg config.App
	lg  *logger.Logger

	Store    storage.Store
	Cache    *cache.Cache
	Bridge   *bridge.Bridge
	Resolver *resolver.Resolver
	Realtime *realtime.Registry
	Mute     *mute.Preferences

	closers []func() error
}

type options struct {
	api    resolver.TableAPI
	dialer realtime.Dialer
	store  storage.Store
	clock  clock.Clock
}

type Option func(*options)

func WithAPI(api resolver.TableAPI) Option { return func(o *options) { o.api = api } }
func WithDialer(d realtime.Dialer) Option  { return func(o *options) { o.dialer = d } }
func WithStore(s storage.Store) Option     { return func(o *options) { o.store = s } }
func WithClock(c clock.Clock) Option       { return func(o *options) { o.clock = c } }

// Open builds a session from config. Anything not overridden by an option is
// created from cfg: the storage driver, the api client and the realtime dialer.
func Open(ctx context.Context, cfg config.App, lg *logger.Logger, opts ...Option) (*Session, error) {
	o := options{clock: clock.Real()}
	for _, fn := range opts {
		fn(&o)
	}
	s := &Session{cfg: cfg, lg: lg}

	if o.store == nil {
		var pool *pgxpool.Pool
		if cfg.Storage.Driver == "postgres" {
			if err := cfg.RequireDatabase(); err != nil {
				return nil, err
			}
			p, err := db.Connect(ctx, cfg.Database)
			if err != nil {
				return nil, err
			}
			pool = p
			s.closers = append(s.closers, func() error { p.Close(); return nil })
		}
		st, closeFn, err := storage.Open(ctx, cfg.Storage.Driver, cfg.Storage.Path, pool)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		s.closers = append([]func() error{closeFn}, s.closers...)
		o.store = st
	}
	s.Store = storage.WithSession(o.store, cfg.Storage.Session)

	if o.api == nil {
		o.api = apiclient.New(cfg.API.BaseURL, "", cfg.API.Timeout)
	}
	if o.dialer == nil {
		d, err := DialerFor(cfg)
		if err != nil {
			_ = s.Close()
			return nil, err
		}
		o.dialer = d
	}

	s.Cache = cache.New(cache.WithClock(o.clock))
	s.Bridge = bridge.New(s.Cache, s.Store, lg.Named("bridge"))
	s.Resolver = resolver.New(o.api, s.Bridge, s.Cache, lg.Named("resolver"),
		resolver.WithClock(o.clock),
		resolver.WithRedirectDelay(cfg.Session.RedirectDelay),
	)
	s.Realtime = realtime.NewRegistry(o.dialer,
		realtime.WithClock(o.clock),
		realtime.WithLogger(lg.Named("realtime")),
		realtime.WithConfig(realtime.Config{
			ReconnectDelay:    cfg.Realtime.ReconnectDelay,
			MaxReconnectDelay: cfg.Realtime.MaxReconnectDelay,
			MaxAttempts:       cfg.Realtime.MaxAttempts,
			HandshakeTimeout:  cfg.Realtime.HandshakeTimeout,
		}),
	)
	s.Mute = mute.New(s.Store, o.clock, lg.Named("mute"), cfg.Session.MuteDuration)
	if _, err := s.Mute.Restore(ctx); err != nil {
		lg.Warn("mute_restore_failed", map[string]any{"error": err.Error()})
	}
	return s, nil
}

// DialerFor picks the realtime transport named in config.
func DialerFor(cfg config.App) (realtime.Dialer, error) {
	switch cfg.Realtime.Transport {
	case "websocket":
		return realtime.WebSocketDialer{URL: cfg.Realtime.URL}, nil
	case "amqp":
		if err := cfg.RequireRabbit(); err != nil {
			return nil, err
		}
		return realtime.AMQPDialer{Options: mq.FromConfig(cfg.Rabbit), Exchange: cfg.Rabbit.Exchange}, nil
	default:
		return nil, fmt.Errorf("unknown realtime transport %q", cfg.Realtime.Transport)
	}
}

// Activate connects the scope's realtime manager once both the identity and
// the session token are known, and joins the table and restaurant rooms.
// When the first attempt fails the manager keeps retrying and the rooms are
// joined on the first successful connect. The returned release func drops
// this consumer; it does not disconnect.
func (s *Session) Activate(ctx context.Context, id domain.ScanIdentity, sessionToken string) (*realtime.Manager, func(), error) {
	if !domain.ValidID(id.RestaurantID) || !domain.ValidID(id.TableID) || sessionToken == "" {
		return nil, nil, realtime.ErrMissingCredentials
	}
	m, release := s.Realtime.Acquire(id.Scope())
	join := func() {
		for _, room := range []string{id.Scope(), domain.RestaurantScope(id.RestaurantID)} {
			if err := m.JoinScope(room); err != nil {
				s.lg.Warn("join_failed", map[string]any{"room": room, "error": err.Error()})
			}
		}
	}

	var once sync.Once
	off := m.OnStateChange(func(st realtime.State) {
		if st.Status == realtime.Connected {
			once.Do(join)
		}
	})
	err := m.Connect(ctx, realtime.Credentials{
		Token:     sessionToken,
		ScopeID:   id.Scope(),
		Namespace: s.cfg.Realtime.Namespace,
	})
	if err != nil && !errors.Is(err, realtime.ErrConnectionLost) {
		off()
		release()
		return nil, nil, err
	}
	if err == nil {
		once.Do(join)
	}
	return m, func() { off(); release() }, err
}

// Notice says how an incoming event should be surfaced to the guest.
type Notice struct {
	Event domain.Event
	Show  bool
	Sound bool
}

// Notice applies the mute preferences to ev.
func (s *Session) Notice(ev domain.Event) Notice {
	st := s.Mute.State()
	return Notice{Event: ev, Show: !st.NotificationsMuted, Sound: !st.NotificationsMuted && !st.AudioMuted}
}

func (s *Session) Close() error {
	if s.Realtime != nil {
		s.Realtime.Close()
	}
	if s.Mute != nil {
		s.Mute.Close()
	}
	if s.Resolver != nil {
		s.Resolver.Wait()
	}
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c())
	}
	s.closers = nil
	return errors.Join(errs...)
}
