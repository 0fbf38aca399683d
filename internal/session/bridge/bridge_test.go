package bridge

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-session/internal/common/logger"
	"table-session/internal/domain"
	"table-session/internal/session/cache"
	"table-session/internal/session/storage"
)

func sampleInfo() domain.TableInfo {
	return domain.TableInfo{
		Restaurant: domain.Restaurant{ID: "r1", Name: "Trattoria", Currency: "EUR", Active: true},
		Table:      domain.Table{ID: "t1", Number: "12", RestaurantID: "r1", Active: true},
	}
}

func TestWriteIdentityPopulatesCacheAndMirrorsIDsOnly(t *testing.T) {
	ctx := context.Background()
	c := cache.New()
	mem := storage.NewMemory()
	b := New(c, mem, logger.NewNop())

	id, err := b.WriteIdentity(ctx, sampleInfo(), "ABC123")
	require.NoError(t, err)

	want := domain.ScanIdentity{QRCode: "ABC123", RestaurantID: "r1", TableID: "t1", RestaurantCurrency: "EUR", TableNumber: "12"}
	if diff := cmp.Diff(want, id); diff != "" {
		t.Errorf("identity mismatch (-want +got):\n%s", diff)
	}

	r, ok := cache.Lookup[domain.Restaurant](c, cache.RestaurantKey("r1"))
	require.True(t, ok)
	assert.Equal(t, "Trattoria", r.Name)
	_, ok = cache.Lookup[domain.Table](c, cache.TableKey("t1"))
	assert.True(t, ok)

	hint, err := b.ReadDurableHint(ctx)
	require.NoError(t, err)
	assert.Equal(t, &domain.DurableHint{RestaurantID: "r1", TableID: "t1", QRCode: "ABC123"}, hint)
	assert.ElementsMatch(t, []string{KeyRestaurantID, KeyTableID, KeyQRCode, KeyFallback}, mem.Keys())
}

func TestWriteIdentityRejectsNullIDs(t *testing.T) {
	c := cache.New()
	b := New(c, storage.NewMemory(), logger.NewNop())
	info := sampleInfo()
	info.Table.ID = "null"

	_, err := b.WriteIdentity(context.Background(), info, "ABC123")
	require.ErrorIs(t, err, ErrInvalidIdentity)
	_, ok := c.Get(cache.RestaurantKey("r1"))
	assert.False(t, ok, "nothing is cached for an invalid identity")
}

func TestRecoverWithWarmCache(t *testing.T) {
	ctx := context.Background()
	c := cache.New()
	b := New(c, storage.NewMemory(), logger.NewNop())
	_, err := b.WriteIdentity(ctx, sampleInfo(), "ABC123")
	require.NoError(t, err)

	rec, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.False(t, rec.NeedsResolution)
	require.NotNil(t, rec.Identity)
	assert.Equal(t, "r1", rec.Identity.RestaurantID)
	assert.Nil(t, rec.Fallback)
}

func TestRecoverColdCacheNeedsResolution(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	_, err := New(cache.New(), mem, logger.NewNop()).WriteIdentity(ctx, sampleInfo(), "ABC123")
	require.NoError(t, err)

	// simulated reload: same durable storage, fresh cache
	b := New(cache.New(), mem, logger.NewNop())
	rec, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.True(t, rec.NeedsResolution)
	assert.Nil(t, rec.Identity)
	require.NotNil(t, rec.Hint)
	assert.Equal(t, "t1", rec.Hint.TableID)
	require.NotNil(t, rec.Fallback)
	assert.Equal(t, "EUR", rec.Fallback.Currency)
}

func TestRecoverWithoutHint(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	require.NoError(t, mem.Set(ctx, KeyRestaurantID, "null"))
	require.NoError(t, mem.Set(ctx, KeyTableID, "t1"))
	b := New(cache.New(), mem, logger.NewNop())

	rec, err := b.Recover(ctx)
	require.NoError(t, err)
	assert.Nil(t, rec.Hint)
	assert.False(t, rec.NeedsResolution)
}

func TestClear(t *testing.T) {
	ctx := context.Background()
	mem := storage.NewMemory()
	b := New(cache.New(), mem, logger.NewNop())
	_, err := b.WriteIdentity(ctx, sampleInfo(), "ABC123")
	require.NoError(t, err)

	require.NoError(t, b.Clear(ctx))
	assert.Empty(t, mem.Keys())
}
