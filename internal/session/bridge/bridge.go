// Package bridge writes resolved table identities into the shared cache and
// keeps a narrow durable mirror used only to recover after a cold start.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"table-session/internal/common/logger"
	"table-session/internal/domain"
	"table-session/internal/session/cache"
	"table-session/internal/session/storage"
)

const (
	KeyRestaurantID = "restaurant_id"
	KeyTableID      = "table_id"
	KeyQRCode       = "qr_code"
	KeyFallback     = "table_fallback"
)

// ErrInvalidIdentity means the payload did not carry usable ids; nothing was
// written.
var ErrInvalidIdentity = errors.New("invalid identity")

type Bridge struct {
	cache *cache.Cache
	store storage.Store
	lg    *logger.Logger
}

func New(c *cache.Cache, s storage.Store, lg *logger.Logger) *Bridge {
	return &Bridge{cache: c, store: s, lg: lg}
}

// WriteIdentity stores the entities in the cache first, then mirrors the ids.
// A mirror failure is returned but the cache write already happened, so the
// current process keeps working.
func (b *Bridge) WriteIdentity(ctx context.Context, info domain.TableInfo, code string) (domain.ScanIdentity, error) {
	id, err := domain.NewScanIdentity(code, info)
	if err != nil {
		return domain.ScanIdentity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}

	b.cache.Set(cache.RestaurantKey(id.RestaurantID), info.Restaurant)
	b.cache.Set(cache.TableKey(id.TableID), info.Table)

	if err := b.mirror(ctx, id, info); err != nil {
		b.lg.Error("durable_mirror_failed", err, map[string]any{"restaurant_id": id.RestaurantID, "table_id": id.TableID})
		return id, err
	}
	return id, nil
}

func (b *Bridge) mirror(ctx context.Context, id domain.ScanIdentity, info domain.TableInfo) error {
	if err := b.store.Set(ctx, KeyRestaurantID, id.RestaurantID); err != nil {
		return err
	}
	if err := b.store.Set(ctx, KeyTableID, id.TableID); err != nil {
		return err
	}
	if id.QRCode != "" {
		if err := b.store.Set(ctx, KeyQRCode, id.QRCode); err != nil {
			return err
		}
	} else if err := b.store.Delete(ctx, KeyQRCode); err != nil {
		return err
	}
	snap, err := json.Marshal(domain.FallbackSnapshot{
		RestaurantName: info.Restaurant.Name,
		Currency:       info.Restaurant.Currency,
		TableNumber:    info.Table.Number,
	})
	if err != nil {
		return err
	}
	return b.store.Set(ctx, KeyFallback, string(snap))
}

// ReadDurableHint returns nil when no usable pair is stored.
func (b *Bridge) ReadDurableHint(ctx context.Context) (*domain.DurableHint, error) {
	rid, ok, err := b.store.Get(ctx, KeyRestaurantID)
	if err != nil || !ok || !domain.ValidID(rid) {
		return nil, err
	}
	tid, ok, err := b.store.Get(ctx, KeyTableID)
	if err != nil || !ok || !domain.ValidID(tid) {
		return nil, err
	}
	code, _, err := b.store.Get(ctx, KeyQRCode)
	if err != nil {
		return nil, err
	}
	return &domain.DurableHint{RestaurantID: rid, TableID: tid, QRCode: code}, nil
}

// Identity rebuilds a ScanIdentity from the cache alone.
func (b *Bridge) Identity(restaurantID, tableID, code string) (domain.ScanIdentity, bool) {
	r, ok := cache.Lookup[domain.Restaurant](b.cache, cache.RestaurantKey(restaurantID))
	if !ok {
		return domain.ScanIdentity{}, false
	}
	t, ok := cache.Lookup[domain.Table](b.cache, cache.TableKey(tableID))
	if !ok {
		return domain.ScanIdentity{}, false
	}
	id, err := domain.NewScanIdentity(code, domain.TableInfo{Restaurant: r, Table: t})
	return id, err == nil
}

type Recovery struct {
	Hint            *domain.DurableHint      `json:"hint,omitempty"`
	Identity        *domain.ScanIdentity     `json:"identity,omitempty"`
	Fallback        *domain.FallbackSnapshot `json:"fallback,omitempty"`
	NeedsResolution bool                     `json:"needsResolution"`
}

// Recover is the cold-start read path. A hint without cache entries means the
// caller should resolve again; it is never an error. Fallback is filled only
// in that case.
func (b *Bridge) Recover(ctx context.Context) (Recovery, error) {
	hint, err := b.ReadDurableHint(ctx)
	if err != nil {
		return Recovery{}, fmt.Errorf("read durable hint: %w", err)
	}
	if hint == nil {
		return Recovery{}, nil
	}
	if id, ok := b.Identity(hint.RestaurantID, hint.TableID, hint.QRCode); ok {
		return Recovery{Hint: hint, Identity: &id}, nil
	}

	rec := Recovery{Hint: hint, NeedsResolution: true}
	if raw, ok, err := b.store.Get(ctx, KeyFallback); err == nil && ok {
		var snap domain.FallbackSnapshot
		if json.Unmarshal([]byte(raw), &snap) == nil {
			rec.Fallback = &snap
		}
	}
	b.lg.Debug("identity_needs_resolution", map[string]any{"restaurant_id": hint.RestaurantID, "table_id": hint.TableID})
	return rec, nil
}

// Clear forgets the durable mirror, e.g. when the guest leaves the table.
func (b *Bridge) Clear(ctx context.Context) error {
	for _, k := range []string{KeyRestaurantID, KeyTableID, KeyQRCode, KeyFallback} {
		if err := b.store.Delete(ctx, k); err != nil {
			return err
		}
	}
	return nil
}
