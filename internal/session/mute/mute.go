// Package mute keeps the guest's notification and audio preferences. The
// notification mute expires on its own; the expiry is stored as an absolute
// time so it survives a restart.
package mute

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"table-session/internal/common/clock"
	"table-session/internal/common/logger"
	"table-session/internal/session/storage"
)

const (
	KeyNotificationsMuted = "notifications_muted"
	KeyMuteEndTime        = "mute_end_time"
	KeyAudioMuted         = "audio_muted"

	DefaultDuration = 30 * time.Minute
)

type State struct {
	NotificationsMuted bool
	AudioMuted         bool
	MuteEndTime        *time.Time
}

// Remaining is zero unless notifications are muted with a future end time.
func (s State) Remaining(now time.Time) time.Duration {
	if !s.NotificationsMuted || s.MuteEndTime == nil {
		return 0
	}
	if d := s.MuteEndTime.Sub(now); d > 0 {
		return d
	}
	return 0
}

type Preferences struct {
	store    storage.Store
	clock    clock.Clock
	lg       *logger.Logger
	duration time.Duration

	// persistMu orders store writes the same way as state changes. It is
	// taken before mu.
	persistMu sync.Mutex

	mu    sync.Mutex
	state State
	timer clock.Timer
	gen   uint64

	subMu   sync.Mutex
	nextSub int
	subs    map[int]func(State)
}

func New(store storage.Store, c clock.Clock, lg *logger.Logger, duration time.Duration) *Preferences {
	if c == nil {
		c = clock.Real()
	}
	if lg == nil {
		lg = logger.NewNop()
	}
	if duration <= 0 {
		duration = DefaultDuration
	}
	return &Preferences{store: store, clock: c, lg: lg, duration: duration, subs: map[int]func(State){}}
}

func (p *Preferences) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return copyState(p.state)
}

// Restore loads persisted preferences. A stored end time in the past means
// unmuted, and the stale keys are removed.
func (p *Preferences) Restore(ctx context.Context) (State, error) {
	p.persistMu.Lock()
	st, err := p.restore(ctx)
	p.persistMu.Unlock()
	if err != nil {
		return st, err
	}
	p.publish(st)
	return st, nil
}

func (p *Preferences) restore(ctx context.Context) (State, error) {
	audio, err := p.readBool(ctx, KeyAudioMuted)
	if err != nil {
		return State{}, err
	}
	muted, err := p.readBool(ctx, KeyNotificationsMuted)
	if err != nil {
		return State{}, err
	}
	rawEnd, hasEnd, err := p.store.Get(ctx, KeyMuteEndTime)
	if err != nil {
		return State{}, fmt.Errorf("read %s: %w", KeyMuteEndTime, err)
	}

	var end *time.Time
	if muted && hasEnd {
		if ms, perr := strconv.ParseInt(rawEnd, 10, 64); perr == nil {
			t := time.UnixMilli(ms)
			end = &t
		} else {
			p.lg.Warn("mute_end_time_unreadable", map[string]any{"value": rawEnd})
		}
	}

	now := p.clock.Now()
	stale := muted && (end == nil || !end.After(now))

	p.mu.Lock()
	p.stopTimerLocked()
	p.state = State{AudioMuted: audio}
	if muted && !stale {
		p.state.NotificationsMuted = true
		p.state.MuteEndTime = end
		p.armLocked(end.Sub(now))
	}
	st := copyState(p.state)
	p.mu.Unlock()

	if stale || (!muted && hasEnd) {
		if err := p.clearPersisted(ctx); err != nil {
			return st, err
		}
		p.lg.Info("mute_expired_on_restore", nil)
	}
	if st.NotificationsMuted {
		p.lg.Info("mute_restored", map[string]any{"remaining_ms": st.Remaining(now).Milliseconds()})
	}
	return st, nil
}

// ToggleNotificationsMute mutes for the configured duration, or unmutes and
// cancels the pending expiry.
func (p *Preferences) ToggleNotificationsMute(ctx context.Context) (State, error) {
	p.persistMu.Lock()
	p.mu.Lock()
	muting := !p.state.NotificationsMuted
	p.stopTimerLocked()
	if muting {
		end := p.clock.Now().Add(p.duration)
		p.state.NotificationsMuted = true
		p.state.MuteEndTime = &end
		p.armLocked(p.duration)
	} else {
		p.state.NotificationsMuted = false
		p.state.MuteEndTime = nil
	}
	st := copyState(p.state)
	p.mu.Unlock()

	var err error
	if muting {
		err = p.persistMute(ctx, *st.MuteEndTime)
		p.lg.Info("notifications_muted", map[string]any{"until": st.MuteEndTime.UTC().Format(time.RFC3339)})
	} else {
		err = p.clearPersisted(ctx)
		p.lg.Info("notifications_unmuted", nil)
	}
	p.persistMu.Unlock()
	p.publish(st)
	return st, err
}

func (p *Preferences) ToggleAudioMute(ctx context.Context) (State, error) {
	p.persistMu.Lock()
	p.mu.Lock()
	p.state.AudioMuted = !p.state.AudioMuted
	st := copyState(p.state)
	p.mu.Unlock()

	err := p.store.Set(ctx, KeyAudioMuted, strconv.FormatBool(st.AudioMuted))
	p.persistMu.Unlock()
	if err != nil {
		err = fmt.Errorf("persist %s: %w", KeyAudioMuted, err)
	}
	p.lg.Info("audio_mute_toggled", map[string]any{"muted": st.AudioMuted})
	p.publish(st)
	return st, err
}

func (p *Preferences) OnChange(fn func(State)) (off func()) {
	p.subMu.Lock()
	p.nextSub++
	id := p.nextSub
	p.subs[id] = fn
	p.subMu.Unlock()
	return func() {
		p.subMu.Lock()
		delete(p.subs, id)
		p.subMu.Unlock()
	}
}

// Close stops the expiry timer without touching persisted state.
func (p *Preferences) Close() {
	p.mu.Lock()
	p.stopTimerLocked()
	p.mu.Unlock()
}

func (p *Preferences) armLocked(d time.Duration) {
	p.gen++
	gen := p.gen
	p.timer = p.clock.AfterFunc(d, func() { p.expire(gen) })
}

func (p *Preferences) stopTimerLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}

func (p *Preferences) expire(gen uint64) {
	p.persistMu.Lock()
	p.mu.Lock()
	if gen != p.gen || !p.state.NotificationsMuted {
		p.mu.Unlock()
		p.persistMu.Unlock()
		return
	}
	p.timer = nil
	p.state.NotificationsMuted = false
	p.state.MuteEndTime = nil
	st := copyState(p.state)
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := p.clearPersisted(ctx)
	p.persistMu.Unlock()
	if err != nil {
		p.lg.Error("mute_expiry_persist_failed", err, nil)
	}
	p.lg.Info("mute_expired", nil)
	p.publish(st)
}

func (p *Preferences) persistMute(ctx context.Context, end time.Time) error {
	if err := p.store.Set(ctx, KeyNotificationsMuted, "true"); err != nil {
		return fmt.Errorf("persist %s: %w", KeyNotificationsMuted, err)
	}
	if err := p.store.Set(ctx, KeyMuteEndTime, strconv.FormatInt(end.UnixMilli(), 10)); err != nil {
		return fmt.Errorf("persist %s: %w", KeyMuteEndTime, err)
	}
	return nil
}

func (p *Preferences) clearPersisted(ctx context.Context) error {
	for _, k := range []string{KeyNotificationsMuted, KeyMuteEndTime} {
		if err := p.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("clear %s: %w", k, err)
		}
	}
	return nil
}

func (p *Preferences) readBool(ctx context.Context, key string) (bool, error) {
	v, ok, err := p.store.Get(ctx, key)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", key, err)
	}
	if !ok {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.lg.Warn("mute_flag_unreadable", map[string]any{"key": key, "value": v})
		return false, nil
	}
	return b, nil
}

func (p *Preferences) publish(st State) {
	p.subMu.Lock()
	fns := make([]func(State), 0, len(p.subs))
	for _, fn := range p.subs {
		fns = append(fns, fn)
	}
	p.subMu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func copyState(s State) State {
	if s.MuteEndTime != nil {
		t := *s.MuteEndTime
		s.MuteEndTime = &t
	}
	return s
}
