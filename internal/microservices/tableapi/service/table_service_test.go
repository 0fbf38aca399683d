package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"table-session/internal/common/logger"
	"table-session/internal/common/mq"
	"table-session/internal/common/token"
	"table-session/internal/domain"
)

type fakeRepo struct {
	restaurants map[string]domain.Restaurant
	tables      map[string]domain.Table // by qr code
	menus       map[string][]domain.MenuCategory
	err         error
}

func (f *fakeRepo) FindByQRCode(_ context.Context, code string) (domain.Restaurant, domain.Table, bool, error) {
	if f.err != nil {
		return domain.Restaurant{}, domain.Table{}, false, f.err
	}
	t, ok := f.tables[code]
	if !ok {
		return domain.Restaurant{}, domain.Table{}, false, nil
	}
	return f.restaurants[t.RestaurantID], t, true, nil
}

func (f *fakeRepo) GetRestaurant(_ context.Context, id string) (domain.Restaurant, bool, error) {
	r, ok := f.restaurants[id]
	return r, ok, f.err
}

func (f *fakeRepo) GetMenu(_ context.Context, id string) ([]domain.MenuCategory, error) {
	return f.menus[id], f.err
}

func (f *fakeRepo) Ping(context.Context) error { return f.err }

type recordingPub struct {
	mu   sync.Mutex
	msgs []mq.Message
	err  error
}

func (p *recordingPub) Publish(_ context.Context, m mq.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return p.err
}

func seededRepo() *fakeRepo {
	return &fakeRepo{
		restaurants: map[string]domain.Restaurant{
			"r1": {ID: "r1", Name: "Trattoria", Currency: "EUR", Active: true},
			"r2": {ID: "r2", Name: "Closed Diner", Currency: "USD", Active: false},
		},
		tables: map[string]domain.Table{
			"ABC":  {ID: "t1", Number: "7", RestaurantID: "r1", QRCode: "ABC", Active: true},
			"OFF":  {ID: "t2", Number: "8", RestaurantID: "r1", QRCode: "OFF", Active: false},
			"SHUT": {ID: "t3", Number: "1", RestaurantID: "r2", QRCode: "SHUT", Active: true},
		},
		menus: map[string][]domain.MenuCategory{
			"r1": {{ID: "c1", Name: "Pizza", Items: []domain.MenuItem{{ID: "m1", Name: "Margherita", Price: 9.5, Available: true}}}},
		},
	}
}

func newService(t *testing.T, repo *fakeRepo, pub EventPublisher) *TableService {
	t.Helper()
	signer, err := token.NewSigner("secret", time.Hour)
	require.NoError(t, err)
	s := NewTableService(repo, signer, pub, "table_events", logger.NewNop())
	s.now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return s
}

func TestResolveQRIssuesScopedToken(t *testing.T) {
	pub := &recordingPub{}
	s := newService(t, seededRepo(), pub)

	info, err := s.ResolveQR(context.Background(), " ABC ")
	require.NoError(t, err)
	assert.Equal(t, "r1", info.Restaurant.ID)
	assert.Equal(t, "t1", info.Table.ID)

	signer, _ := token.NewSigner("secret", time.Hour)
	claims, err := signer.Verify(info.SessionToken, time.Unix(1_700_000_000, 0))
	require.NoError(t, err)
	assert.Equal(t, domain.TableScope("r1", "t1"), claims.Scope)

	require.Len(t, pub.msgs, 1)
	assert.Equal(t, "room.restaurant:r1.table_scanned", pub.msgs[0].Key)
	var ev domain.Event
	require.NoError(t, json.Unmarshal(pub.msgs[0].Body, &ev))
	assert.Equal(t, "table_scanned", ev.Name)
	assert.JSONEq(t, `{"tableId":"t1","tableNumber":"7"}`, string(ev.Payload))
}

func TestResolveQRErrors(t *testing.T) {
	s := newService(t, seededRepo(), nil)

	_, err := s.ResolveQR(context.Background(), "NOPE")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.ResolveQR(context.Background(), "OFF")
	assert.ErrorIs(t, err, ErrInactive)
	_, err = s.ResolveQR(context.Background(), "SHUT")
	assert.ErrorIs(t, err, ErrInactive)
	_, err = s.ResolveQR(context.Background(), "  ")
	assert.ErrorIs(t, err, ErrBadRequest)

	broken := seededRepo()
	broken.err = errors.New("connection reset")
	_, err = newService(t, broken, nil).ResolveQR(context.Background(), "ABC")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrNotFound)
}

func TestPublishFailureDoesNotFailScan(t *testing.T) {
	s := newService(t, seededRepo(), &recordingPub{err: errors.New("channel closed")})
	_, err := s.ResolveQR(context.Background(), "ABC")
	assert.NoError(t, err)
}

func TestGetMenu(t *testing.T) {
	s := newService(t, seededRepo(), nil)

	m, err := s.GetMenu(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, m.Categories, 1)
	assert.Equal(t, "Margherita", m.Categories[0].Items[0].Name)

	_, err = s.GetMenu(context.Background(), "r9")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetMenu(context.Background(), "r2")
	assert.ErrorIs(t, err, ErrInactive)
	_, err = s.GetMenu(context.Background(), "null")
	assert.ErrorIs(t, err, ErrBadRequest)

	repo := seededRepo()
	repo.restaurants["r3"] = domain.Restaurant{ID: "r3", Active: true}
	m, err = newService(t, repo, nil).GetMenu(context.Background(), "r3")
	require.NoError(t, err)
	assert.NotNil(t, m.Categories)
	assert.Empty(t, m.Categories)
}
