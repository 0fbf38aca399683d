// Package realtime owns the scoped realtime connection: connect, live
// re-auth, bounded reconnect and room membership. Events are delivered at most
// once; nothing is buffered while disconnected.
package realtime

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"table-session/internal/common/clock"
	"table-session/internal/common/logger"
	"table-session/internal/domain"
)

type Status int

const (
	Idle Status = iota
	Connecting
	Connected
	Reconnecting
	Disconnected
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Disconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

type State struct {
	Status    Status
	Attempt   int
	LastError error
}

// Offline is what the passive indicator shows: retries are exhausted and only
// a manual Reconnect will help.
func (s State) Offline() bool { return s.Status == Disconnected && s.Attempt > 0 }

type Config struct {
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration // zero keeps the delay fixed
	MaxAttempts       int
	HandshakeTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ReconnectDelay:    3 * time.Second,
		MaxReconnectDelay: 30 * time.Second,
		MaxAttempts:       5,
		HandshakeTimeout:  10 * time.Second,
	}
}

type Manager struct {
	scope  string
	dialer Dialer
	cfg    Config
	clock  clock.Clock
	lg     *logger.Logger

	mu       sync.Mutex
	state    State
	creds    Credentials
	conn     Transport
	epoch    uint64
	explicit bool
	rooms    map[string]struct{}
	timer    clock.Timer

	// dialing is set while a Dial for the current epoch is in flight; a drop
	// reported by that transport before it is installed lands in earlyDrop.
	dialing   bool
	earlyDrop error

	subMu     sync.Mutex
	nextSub   int
	handlers  map[string]map[int]func(domain.Event)
	stateSubs map[int]func(State)

	connects   singleflight.Group
	handshakes atomic.Int64
}

type Option func(*Manager)

func WithClock(c clock.Clock) Option      { return func(m *Manager) { m.clock = c } }
func WithLogger(lg *logger.Logger) Option { return func(m *Manager) { m.lg = lg } }
func WithConfig(cfg Config) Option        { return func(m *Manager) { m.cfg = cfg } }

// NewManager returns a manager bound to one scope. Use a Registry to make sure
// only one exists per scope in the process.
func NewManager(scope string, d Dialer, opts ...Option) *Manager {
	m := &Manager{
		scope:     scope,
		dialer:    d,
		cfg:       DefaultConfig(),
		clock:     clock.Real(),
		lg:        logger.NewNop(),
		rooms:     map[string]struct{}{},
		handlers:  map[string]map[int]func(domain.Event){},
		stateSubs: map[int]func(State){},
	}
	for _, o := range opts {
		o(m)
	}
	if m.cfg.MaxAttempts < 1 {
		m.cfg.MaxAttempts = 1
	}
	return m
}

func (m *Manager) Scope() string { return m.scope }

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Handshakes counts dial attempts made by this manager.
func (m *Manager) Handshakes() int64 { return m.handshakes.Load() }

// Connect is a no-op when already connected with the same credentials.
// A token change on a live connection is applied with re-auth when the
// transport supports it; a namespace change always reconnects.
func (m *Manager) Connect(ctx context.Context, creds Credentials) error {
	if creds.Token == "" || creds.ScopeID == "" {
		return ErrMissingCredentials
	}
	if creds.ScopeID != m.scope {
		return fmt.Errorf("%w: manager %q, got %q", ErrScopeMismatch, m.scope, creds.ScopeID)
	}

	m.mu.Lock()
	status, current := m.state.Status, m.creds
	m.mu.Unlock()

	if status == Connected {
		switch {
		case current == creds:
			return nil
		case current.Namespace == creds.Namespace:
			return m.updateAuth(ctx, creds)
		}
	}

	key := creds.Namespace + "|" + creds.ScopeID + "|" + creds.Token
	_, err, _ := m.connects.Do(key, func() (any, error) {
		m.mu.Lock()
		already := m.state.Status == Connected && m.creds == creds
		m.mu.Unlock()
		if already {
			return nil, nil
		}
		return nil, m.establish(ctx, creds, Connecting, 0, true)
	})
	return err
}

// Reconnect is the manual trigger after retries are exhausted.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	creds := m.creds
	connected := m.state.Status == Connected
	m.mu.Unlock()
	if connected {
		return nil
	}
	if creds.Token == "" || creds.ScopeID == "" {
		return ErrMissingCredentials
	}
	return m.establish(ctx, creds, Connecting, 0, true)
}

// Disconnect is the explicit teardown: no reconnect is scheduled and the
// state goes back to Idle.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.explicit = true
	m.epoch++
	m.dialing = false
	m.earlyDrop = nil
	m.stopTimerLocked()
	conn := m.conn
	m.conn = nil
	m.rooms = map[string]struct{}{}
	m.state = State{Status: Idle}
	st := m.state
	m.mu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.lg.Debug("realtime_close_error", map[string]any{"scope": m.scope, "error": err.Error()})
		}
	}
	m.lg.Info("realtime_disconnected", map[string]any{"scope": m.scope, "explicit": true})
	m.publish(st)
}

func (m *Manager) JoinScope(room string) error {
	conn, err := m.live()
	if err != nil {
		m.lg.Debug("realtime_join_dropped", map[string]any{"room": room})
		return err
	}
	// recorded before the frame goes out so a fast rejection can undo it
	m.mu.Lock()
	m.rooms[room] = struct{}{}
	m.mu.Unlock()
	if err := conn.Join(room); err != nil {
		m.mu.Lock()
		delete(m.rooms, room)
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *Manager) LeaveScope(room string) error {
	conn, err := m.live()
	if err != nil {
		m.lg.Debug("realtime_leave_dropped", map[string]any{"room": room})
		return err
	}
	m.mu.Lock()
	delete(m.rooms, room)
	m.mu.Unlock()
	return conn.Leave(room)
}

// Emit drops the event with ErrNotConnected unless the connection is up.
func (m *Manager) Emit(event string, payload any) error {
	conn, err := m.live()
	if err != nil {
		m.lg.Debug("realtime_emit_dropped", map[string]any{"event": event})
		return err
	}
	return conn.Emit(event, payload)
}

// Rooms lists joined rooms, sorted.
func (m *Manager) Rooms() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// On subscribes to an event name; "*" receives everything.
func (m *Manager) On(event string, fn func(domain.Event)) (off func()) {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	if m.handlers[event] == nil {
		m.handlers[event] = map[int]func(domain.Event){}
	}
	m.handlers[event][id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.handlers[event], id)
		m.subMu.Unlock()
	}
}

func (m *Manager) OnStateChange(fn func(State)) (off func()) {
	m.subMu.Lock()
	m.nextSub++
	id := m.nextSub
	m.stateSubs[id] = fn
	m.subMu.Unlock()

	return func() {
		m.subMu.Lock()
		delete(m.stateSubs, id)
		m.subMu.Unlock()
	}
}

func (m *Manager) live() (Transport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Status != Connected || m.conn == nil {
		return nil, ErrNotConnected
	}
	return m.conn, nil
}

func (m *Manager) updateAuth(ctx context.Context, creds Credentials) error {
	conn, err := m.live()
	if err == nil {
		if ra, ok := conn.(Reauther); ok {
			rctx := ctx
			if m.cfg.HandshakeTimeout > 0 {
				var cancel context.CancelFunc
				rctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
				defer cancel()
			}
			err := ra.Reauth(rctx, creds.Token)
			if err == nil {
				m.mu.Lock()
				m.creds = creds
				m.mu.Unlock()
				m.lg.Info("realtime_reauthenticated", map[string]any{"scope": m.scope})
				return nil
			}
			m.lg.Warn("realtime_reauth_failed", map[string]any{"scope": m.scope, "error": err.Error()})
		}
	}
	return m.establish(ctx, creds, Connecting, 0, true)
}

// establish dials a fresh transport and installs it unless something newer
// (a Disconnect or another establish) happened in the meantime.
func (m *Manager) establish(ctx context.Context, creds Credentials, status Status, attempt int, replace bool) error {
	m.mu.Lock()
	m.epoch++
	epoch := m.epoch
	m.explicit = false
	m.stopTimerLocked()
	old := m.conn
	if replace {
		m.conn = nil
	}
	m.creds = creds
	m.state = State{Status: status, Attempt: attempt}
	m.dialing = true
	m.earlyDrop = nil
	st := m.state
	m.mu.Unlock()

	if replace && old != nil {
		_ = old.Close()
	}
	m.publish(st)

	if m.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.HandshakeTimeout)
		defer cancel()
	}
	m.handshakes.Add(1)
	conn, err := m.dialer.Dial(ctx, creds, Handlers{
		OnEvent:        m.dispatch,
		OnDisconnect:   func(err error) { m.handleDisconnect(epoch, err) },
		OnJoinRejected: func(room, reason string) { m.rejectRoom(epoch, room, reason) },
	})

	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return ErrSuperseded
	}
	m.dialing = false
	var dead Transport
	if err == nil && m.earlyDrop != nil {
		dead, conn = conn, nil
		err = fmt.Errorf("dropped during handshake: %w", m.earlyDrop)
	}
	m.earlyDrop = nil
	if err != nil {
		m.state = State{Status: Disconnected, Attempt: attempt, LastError: err}
		failed := m.state
		m.scheduleLocked(epoch)
		next := m.state
		m.mu.Unlock()

		if dead != nil {
			_ = dead.Close()
		}
		m.lg.Error("realtime_connect_failed", err, map[string]any{"scope": m.scope, "attempt": attempt})
		m.publish(failed)
		m.publish(next)
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}

	m.conn = conn
	m.state = State{Status: Connected}
	st = m.state
	rooms := make([]string, 0, len(m.rooms))
	for r := range m.rooms {
		rooms = append(rooms, r)
	}
	m.mu.Unlock()

	for _, r := range rooms {
		if err := conn.Join(r); err != nil {
			m.lg.Warn("realtime_rejoin_failed", map[string]any{"room": r, "error": err.Error()})
		}
	}
	m.lg.Info("realtime_connected", map[string]any{"scope": m.scope, "namespace": creds.Namespace, "attempt": attempt})
	m.publish(st)
	return nil
}

func (m *Manager) handleDisconnect(epoch uint64, cause error) {
	if cause == nil {
		cause = ErrConnectionLost
	}
	m.mu.Lock()
	if epoch == m.epoch && !m.explicit && m.dialing {
		m.earlyDrop = cause
		m.mu.Unlock()
		return
	}
	if epoch != m.epoch || m.explicit || m.state.Status != Connected {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.state = State{Status: Disconnected, LastError: fmt.Errorf("%w: %v", ErrConnectionLost, cause)}
	dropped := m.state
	m.scheduleLocked(epoch)
	next := m.state
	m.mu.Unlock()

	m.lg.Warn("realtime_connection_lost", map[string]any{"scope": m.scope, "error": fmt.Sprint(cause)})
	m.publish(dropped)
	m.publish(next)
}

// rejectRoom forgets a room the server refused so it is not rejoined on the
// next reconnect.
func (m *Manager) rejectRoom(epoch uint64, room, reason string) {
	m.mu.Lock()
	if epoch != m.epoch {
		m.mu.Unlock()
		return
	}
	delete(m.rooms, room)
	m.mu.Unlock()
	m.lg.Warn("realtime_join_rejected", map[string]any{"scope": m.scope, "room": room, "reason": reason})
}

// scheduleLocked replaces any pending reconnect timer with a single new one,
// or settles into Disconnected once the attempts are used up.
func (m *Manager) scheduleLocked(epoch uint64) {
	m.stopTimerLocked()
	attempt := m.state.Attempt
	last := m.state.LastError
	if attempt >= m.cfg.MaxAttempts {
		m.state = State{
			Status:    Disconnected,
			Attempt:   attempt,
			LastError: fmt.Errorf("%w after %d attempts: %v", ErrConnectionExhausted, attempt, last),
		}
		m.lg.Warn("realtime_offline", map[string]any{"scope": m.scope, "attempts": attempt})
		return
	}
	delay := m.backoff(attempt)
	m.state = State{Status: Reconnecting, Attempt: attempt, LastError: last}
	m.timer = m.clock.AfterFunc(delay, func() { m.reconnect(epoch) })
	m.lg.Info("realtime_reconnect_scheduled", map[string]any{"scope": m.scope, "attempt": attempt + 1, "delay_ms": delay.Milliseconds()})
}

func (m *Manager) reconnect(epoch uint64) {
	m.mu.Lock()
	if epoch != m.epoch || m.explicit || m.state.Status != Reconnecting {
		m.mu.Unlock()
		return
	}
	m.timer = nil
	attempt := m.state.Attempt + 1
	creds := m.creds
	m.mu.Unlock()

	_ = m.establish(context.Background(), creds, Reconnecting, attempt, false)
}

func (m *Manager) backoff(attempt int) time.Duration {
	d := m.cfg.ReconnectDelay
	if m.cfg.MaxReconnectDelay <= 0 {
		return d
	}
	for i := 0; i < attempt && d < m.cfg.MaxReconnectDelay; i++ {
		d *= 2
	}
	if d > m.cfg.MaxReconnectDelay {
		d = m.cfg.MaxReconnectDelay
	}
	return d
}

func (m *Manager) stopTimerLocked() {
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
}

func (m *Manager) dispatch(ev domain.Event) {
	m.subMu.Lock()
	var fns []func(domain.Event)
	for _, name := range []string{ev.Name, "*"} {
		for _, fn := range m.handlers[name] {
			fns = append(fns, fn)
		}
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (m *Manager) publish(st State) {
	m.subMu.Lock()
	fns := make([]func(State), 0, len(m.stateSubs))
	for _, fn := range m.stateSubs {
		fns = append(fns, fn)
	}
	m.subMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
