package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"table-session/internal/domain"
	"table-session/internal/session"
	"table-session/internal/session/realtime"
	"table-session/internal/session/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubAPI struct{}

func (stubAPI) GetTableInfo(context.Context, string) (json.RawMessage, error) {
	return json.RawMessage(`{"restaurant":{"id":"r1","name":"Trattoria","currency":"EUR"},"table":{"id":"t1","number":7},"sessionToken":"tok-1"}`), nil
}

func (stubAPI) GetMenu(context.Context, string) (domain.Menu, error) { return domain.Menu{}, nil }

type nopTransport struct{}

func (nopTransport) Join(string) error      { return nil }
func (nopTransport) Leave(string) error     { return nil }
func (nopTransport) Emit(string, any) error { return nil }
func (nopTransport) Close() error           { return nil }

// pushDialer keeps emitting ev on every connection until stop is closed.
type pushDialer struct {
	ev   domain.Event
	stop chan struct{}
	wg   sync.WaitGroup

	mu    sync.Mutex
	creds realtime.Credentials
}

func (d *pushDialer) Dial(_ context.Context, c realtime.Credentials, h realtime.Handlers) (realtime.Transport, error) {
	d.mu.Lock()
	d.creds = c
	d.mu.Unlock()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		t := time.NewTicker(10 * time.Millisecond)
		defer t.Stop()
		for {
			select {
			case <-d.stop:
				return
			case <-t.C:
				h.OnEvent(d.ev)
			}
		}
	}()
	return nopTransport{}, nil
}

type harness struct {
	t      *testing.T
	store  *storage.Memory
	dialer *pushDialer
	config string
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	d := &pushDialer{
		ev:   domain.Event{Name: "order.ready", Room: "restaurant:r1:table:t1", Payload: json.RawMessage(`{"orderId":"o1"}`)},
		stop: make(chan struct{}),
	}
	h := &harness{t: t, store: storage.NewMemory(), dialer: d}
	h.config = filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(h.config, []byte("storage:\n  driver: memory\nlogging:\n  level: error\n"), 0o600))

	prev := openSession
	openSession = func(ctx context.Context, a *app) (*session.Session, error) {
		return session.Open(ctx, a.cfg, a.lg,
			session.WithStore(h.store), session.WithAPI(stubAPI{}), session.WithDialer(h.dialer))
	}
	t.Cleanup(func() {
		openSession = prev
		close(h.dialer.stop)
		h.dialer.wg.Wait()
	})
	return h
}

func (h *harness) run(args ...string) (string, error) {
	h.t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", h.config}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestResolveThenRecover(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("resolve", "ABC")
	require.NoError(t, err)
	assert.Contains(t, out, "redirect: /r/r1/t/t1?qr=ABC")
	assert.Contains(t, out, "table 7 at r1 (EUR)")
	assert.Contains(t, out, "session token: tok-1")

	out, err = h.run("recover")
	require.NoError(t, err)
	var rec struct {
		Hint            domain.DurableHint      `json:"hint"`
		Fallback        domain.FallbackSnapshot `json:"fallback"`
		NeedsResolution bool                    `json:"needsResolution"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &rec))
	assert.Equal(t, domain.DurableHint{RestaurantID: "r1", TableID: "t1", QRCode: "ABC"}, rec.Hint)
	assert.Equal(t, "Trattoria", rec.Fallback.RestaurantName)
	assert.True(t, rec.NeedsResolution, "a fresh process has a cold cache")

	_, err = h.run("forget")
	require.NoError(t, err)
	out, err = h.run("recover")
	require.NoError(t, err)
	assert.JSONEq(t, `{"needsResolution":false}`, out)
}

func TestListenPrintsEvents(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("listen", "--code", "ABC", "--for", "200ms")
	require.NoError(t, err)
	assert.Contains(t, out, "realtime: connected")
	assert.Contains(t, out, `"event":"order.ready"`)
	assert.Contains(t, out, `"sound":true`)

	h.dialer.mu.Lock()
	assert.Equal(t, "tok-1", h.dialer.creds.Token)
	assert.Equal(t, "restaurant:r1:table:t1", h.dialer.creds.ScopeID)
	h.dialer.mu.Unlock()
}

func TestListenUsesStoredTable(t *testing.T) {
	h := newHarness(t)

	_, err := h.run("listen", "--for", "10ms")
	assert.ErrorContains(t, err, "no table session stored")

	_, err = h.run("resolve", "ABC")
	require.NoError(t, err)
	_, err = h.run("listen", "--for", "10ms")
	assert.ErrorIs(t, err, realtime.ErrMissingCredentials)

	_, err = h.run("listen", "--token", "tok-2", "--for", "50ms")
	require.NoError(t, err)
	h.dialer.mu.Lock()
	assert.Equal(t, "tok-2", h.dialer.creds.Token)
	h.dialer.mu.Unlock()
}

func TestListenHonoursMute(t *testing.T) {
	h := newHarness(t)

	out, err := h.run("mute", "audio")
	require.NoError(t, err)
	assert.Contains(t, out, "audio: muted")

	out, err = h.run("listen", "--code", "ABC", "--for", "200ms")
	require.NoError(t, err)
	assert.Contains(t, out, `"sound":false`)

	out, err = h.run("mute", "notifications")
	require.NoError(t, err)
	assert.Contains(t, out, "notifications: muted")

	out, err = h.run("listen", "--code", "ABC", "--for", "200ms")
	require.NoError(t, err)
	assert.NotContains(t, out, "order.ready")

	out, err = h.run("mute", "status")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "notifications: muted"))
}

func TestMuteRejectsUnknownTarget(t *testing.T) {
	h := newHarness(t)
	_, err := h.run("mute", "everything")
	assert.Error(t, err)
}
