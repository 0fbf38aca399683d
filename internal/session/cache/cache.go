// Package cache is the shared, subscribable entity cache. It is the single
// source of truth for fetched restaurants, tables and menus; entries are
// replaced whole and the last writer for a key wins.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"table-session/internal/common/clock"
)

// Key is a composite key such as ['restaurant', 'r1'].
type Key []string

func (k Key) String() string { return strings.Join(k, "/") }

func RestaurantKey(id string) Key { return Key{"restaurant", id} }
func TableKey(id string) Key      { return Key{"table", id} }
func MenuKey(restaurantID string) Key {
	return Key{"menu", restaurantID}
}

type EventKind int

const (
	Updated EventKind = iota
	Invalidated
)

type Event struct {
	Key   Key
	Kind  EventKind
	Value any
}

type entry struct {
	value     any
	updatedAt time.Time
}

type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	subs    map[string]map[int]func(Event)
	nextSub int

	group     singleflight.Group
	clock     clock.Clock
	staleTime time.Duration
}

type Option func(*Cache)

func WithClock(c clock.Clock) Option { return func(cc *Cache) { cc.clock = c } }

// WithStaleTime sets how long an entry counts as fresh for Prefetch.
func WithStaleTime(d time.Duration) Option { return func(cc *Cache) { cc.staleTime = d } }

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:   map[string]entry{},
		subs:      map[string]map[int]func(Event){},
		clock:     clock.Real(),
		staleTime: 5 * time.Minute,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) Get(key Key) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key.String()]
	return e.value, ok
}

func (c *Cache) Set(key Key, value any) {
	k := key.String()
	c.mu.Lock()
	c.entries[k] = entry{value: value, updatedAt: c.clock.Now()}
	subs := c.snapshotSubs(k)
	c.mu.Unlock()

	notify(subs, Event{Key: key, Kind: Updated, Value: value})
}

// Invalidate drops the entry so the next reader has to refetch.
func (c *Cache) Invalidate(key Key) {
	k := key.String()
	c.mu.Lock()
	_, had := c.entries[k]
	delete(c.entries, k)
	subs := c.snapshotSubs(k)
	c.mu.Unlock()

	if had {
		notify(subs, Event{Key: key, Kind: Invalidated})
	}
}

// Subscribe registers fn for changes to key. Callbacks run on the writer's
// goroutine after the cache lock is released.
func (c *Cache) Subscribe(key Key, fn func(Event)) (unsubscribe func()) {
	k := key.String()
	c.mu.Lock()
	c.nextSub++
	id := c.nextSub
	if c.subs[k] == nil {
		c.subs[k] = map[int]func(Event){}
	}
	c.subs[k][id] = fn
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.subs[k], id)
			if len(c.subs[k]) == 0 {
				delete(c.subs, k)
			}
			c.mu.Unlock()
		})
	}
}

// Prefetch fills key unless a fresh entry exists. Concurrent prefetches of the
// same key share one fetch.
func (c *Cache) Prefetch(ctx context.Context, key Key, fetch func(ctx context.Context) (any, error)) error {
	if c.fresh(key) {
		return nil
	}
	_, err, _ := c.group.Do(key.String(), func() (any, error) {
		if c.fresh(key) {
			return nil, nil
		}
		v, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, v)
		return v, nil
	})
	return err
}

func (c *Cache) fresh(key Key) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key.String()]
	return ok && c.clock.Now().Sub(e.updatedAt) < c.staleTime
}

func (c *Cache) snapshotSubs(k string) []func(Event) {
	m := c.subs[k]
	if len(m) == 0 {
		return nil
	}
	out := make([]func(Event), 0, len(m))
	for _, fn := range m {
		out = append(out, fn)
	}
	return out
}

func notify(subs []func(Event), ev Event) {
	for _, fn := range subs {
		fn(ev)
	}
}

// Lookup is a typed Get.
func Lookup[T any](c *Cache, key Key) (T, bool) {
	var zero T
	v, ok := c.Get(key)
	if !ok {
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}
