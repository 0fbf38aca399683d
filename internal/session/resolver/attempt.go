package resolver

import (
	"context"
	"sync"
	"sync/atomic"

	"table-session/internal/common/clock"
)

// Attempt is the resolution state of one mounted view. The processed flag is
// a plain atomic, flipped before any I/O, so duplicate lifecycle triggers that
// race each other cannot both reach the network.
type Attempt struct {
	r   *Resolver
	nav Navigator

	processed  atomic.Bool
	mountCount atomic.Int32
	mounted    atomic.Bool

	mu            sync.Mutex
	redirectTimer clock.Timer
}

func (r *Resolver) Mount(nav Navigator) *Attempt {
	a := &Attempt{r: r, nav: nav}
	a.mountCount.Store(1)
	a.mounted.Store(true)
	return a
}

// Remount records a duplicate mount of the same view; the guard is kept.
func (a *Attempt) Remount() {
	a.mountCount.Add(1)
	a.mounted.Store(true)
}

// Unmount stops navigation side effects. In-flight work still completes and
// still writes the cache.
func (a *Attempt) Unmount() {
	a.mounted.Store(false)
	a.stopRedirect()
}

func (a *Attempt) Processed() bool { return a.processed.Load() }
func (a *Attempt) MountCount() int { return int(a.mountCount.Load()) }

// Resolve runs the lookup unless this mount already started one. On failure
// the guard is reset so the guest can retry explicitly.
func (a *Attempt) Resolve(ctx context.Context, req Request) (Outcome, error) {
	if !a.processed.CompareAndSwap(false, true) {
		return Outcome{}, ErrAlreadyProcessed
	}

	out, err := a.r.resolve(ctx, req)
	if err != nil {
		a.processed.Store(false)
		a.r.lg.Error("table_resolve_failed", err, map[string]any{"qr_code": req.Code})
		a.fail(err)
		return Outcome{}, err
	}

	if a.mounted.Load() {
		a.nav.Redirect(out.RedirectURL)
	}
	return out, nil
}

func (a *Attempt) fail(err error) {
	if !a.mounted.Load() {
		return
	}
	toast := ToastFor(err)
	toast.Action.OnClick = a.goHome
	a.nav.Notify(toast)

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redirectTimer != nil {
		a.redirectTimer.Stop()
	}
	a.redirectTimer = a.r.clock.AfterFunc(a.r.redirectDelay, func() {
		if a.mounted.Load() {
			a.nav.Redirect(HomeURL)
		}
	})
}

func (a *Attempt) goHome() {
	a.stopRedirect()
	if a.mounted.Load() {
		a.nav.Redirect(HomeURL)
	}
}

func (a *Attempt) stopRedirect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.redirectTimer != nil {
		a.redirectTimer.Stop()
		a.redirectTimer = nil
	}
}
