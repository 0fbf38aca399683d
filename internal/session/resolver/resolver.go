// Package resolver turns a scanned QR code into a table identity, at most once
// per mount of the view that triggered it.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"table-session/internal/common/clock"
	"table-session/internal/common/logger"
	"table-session/internal/domain"
	"table-session/internal/session/apiclient"
	"table-session/internal/session/bridge"
	"table-session/internal/session/cache"
)

var (
	ErrNotFound          = errors.New("qr code not found")
	ErrForbidden         = errors.New("table unavailable")
	ErrMalformedResponse = errors.New("malformed table info response")
	ErrAlreadyProcessed  = errors.New("scan already processed for this mount")
)

const HomeURL = "/"

type TableAPI interface {
	GetTableInfo(ctx context.Context, code string) (json.RawMessage, error)
	GetMenu(ctx context.Context, restaurantID string) (domain.Menu, error)
}

// Navigator is whatever shows toasts and changes the current view.
type Navigator interface {
	Redirect(url string)
	Notify(t domain.Toast)
}

// Request carries the scan code and the optional ids that came in the URL.
type Request struct {
	Code         string
	RestaurantID string
	TableID      string
}

type Outcome struct {
	Identity     domain.ScanIdentity
	RedirectURL  string
	SessionToken string
}

type Resolver struct {
	api    TableAPI
	bridge *bridge.Bridge
	cache  *cache.Cache
	lg     *logger.Logger
	clock  clock.Clock

	redirectDelay   time.Duration
	prefetchTimeout time.Duration

	network atomic.Int64
	warming sync.WaitGroup
}

type Option func(*Resolver)

func WithClock(c clock.Clock) Option { return func(r *Resolver) { r.clock = c } }

func WithRedirectDelay(d time.Duration) Option { return func(r *Resolver) { r.redirectDelay = d } }

func WithPrefetchTimeout(d time.Duration) Option {
	return func(r *Resolver) { r.prefetchTimeout = d }
}

func New(api TableAPI, br *bridge.Bridge, c *cache.Cache, lg *logger.Logger, opts ...Option) *Resolver {
	r := &Resolver{
		api:             api,
		bridge:          br,
		cache:           c,
		lg:              lg,
		clock:           clock.Real(),
		redirectDelay:   2 * time.Second,
		prefetchTimeout: 10 * time.Second,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// NetworkCalls counts table lookups sent to the api.
func (r *Resolver) NetworkCalls() int64 { return r.network.Load() }

// Wait blocks until background menu warm-ups have finished.
func (r *Resolver) Wait() { r.warming.Wait() }

func (r *Resolver) resolve(ctx context.Context, req Request) (Outcome, error) {
	code := strings.TrimSpace(req.Code)
	if code == "" {
		return Outcome{}, fmt.Errorf("%w: empty scan code", ErrNotFound)
	}

	r.network.Add(1)
	raw, err := r.api.GetTableInfo(ctx, code)
	if err != nil {
		return Outcome{}, classify(err)
	}

	info, shape, err := normalize(raw)
	if err != nil {
		return Outcome{}, err
	}
	if shape == shapeFlattened {
		r.lg.Warn("deprecated_table_payload", map[string]any{"qr_code": code, "shape": shape.String()})
	}
	r.applyOverrides(&info, req)

	id, err := r.bridge.WriteIdentity(ctx, info, code)
	if errors.Is(err, bridge.ErrInvalidIdentity) {
		return Outcome{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	// mirror failures are logged by the bridge; the cache is already warm

	r.warmMenu(id.RestaurantID)

	r.lg.Info("table_resolved", map[string]any{
		"qr_code": code, "restaurant_id": id.RestaurantID, "table_id": id.TableID,
	})
	return Outcome{Identity: id, RedirectURL: id.RedirectURL(), SessionToken: info.SessionToken}, nil
}

// applyOverrides fills ids the payload left out with the ones from the URL.
// When both are present the payload wins.
func (r *Resolver) applyOverrides(info *domain.TableInfo, req Request) {
	pick := func(field, fromPayload, fromURL string) string {
		switch {
		case !domain.ValidID(fromURL):
			return fromPayload
		case !domain.ValidID(fromPayload):
			return fromURL
		case fromPayload != fromURL:
			r.lg.Warn("override_mismatch", map[string]any{"field": field, "payload": fromPayload, "url": fromURL})
		}
		return fromPayload
	}
	info.Restaurant.ID = pick("restaurant_id", info.Restaurant.ID, req.RestaurantID)
	info.Table.ID = pick("table_id", info.Table.ID, req.TableID)
	if !domain.ValidID(info.Table.RestaurantID) {
		info.Table.RestaurantID = info.Restaurant.ID
	}
}

func (r *Resolver) warmMenu(restaurantID string) {
	r.warming.Add(1)
	go func() {
		defer r.warming.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.prefetchTimeout)
		defer cancel()
		err := r.cache.Prefetch(ctx, cache.MenuKey(restaurantID), func(ctx context.Context) (any, error) {
			return r.api.GetMenu(ctx, restaurantID)
		})
		if err != nil {
			r.lg.Warn("menu_prefetch_failed", map[string]any{"restaurant_id": restaurantID, "error": err.Error()})
		}
	}()
}

func classify(err error) error {
	switch {
	case apiclient.IsStatus(err, http.StatusNotFound), apiclient.IsCode(err, domain.CodeNotFound):
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	case apiclient.IsStatus(err, http.StatusForbidden), apiclient.IsCode(err, domain.CodeForbidden):
		return fmt.Errorf("%w: %v", ErrForbidden, err)
	default:
		return fmt.Errorf("resolve table: %w", err)
	}
}

// ToastFor maps a resolution error to what the guest sees.
func ToastFor(err error) domain.Toast {
	t := domain.Toast{Action: domain.ToastAction{Label: "Go home", Href: HomeURL}}
	switch {
	case errors.Is(err, ErrNotFound):
		t.Title = "QR not found"
		t.Description = "This QR code is not linked to any table. Ask the staff for help."
	case errors.Is(err, ErrForbidden):
		t.Title = "Table unavailable"
		t.Description = "This table is not taking orders right now."
	default:
		t.Title = "Something went wrong"
		t.Description = "We could not open this table. Please scan the code again."
	}
	return t
}
