package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"table-session/internal/domain"
)

const writeWait = 10 * time.Second

// WebSocketDialer connects to the gateway at URL/{namespace}.
type WebSocketDialer struct {
	URL    string
	Dialer *websocket.Dialer
}

func (d WebSocketDialer) endpoint(creds Credentials) (string, error) {
	u, err := url.Parse(strings.TrimRight(d.URL, "/") + "/" + url.PathEscape(creds.Namespace))
	if err != nil {
		return "", fmt.Errorf("realtime url: %w", err)
	}
	q := u.Query()
	q.Set("token", creds.Token)
	q.Set("scope", creds.ScopeID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (d WebSocketDialer) Dial(ctx context.Context, creds Credentials, h Handlers) (Transport, error) {
	endpoint, err := d.endpoint(creds)
	if err != nil {
		return nil, err
	}
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake: %s: %w", resp.Status, err)
		}
		return nil, fmt.Errorf("websocket handshake: %w", err)
	}
	t := &wsTransport{conn: conn, h: h, replies: map[string]chan domain.Frame{}, done: make(chan struct{})}
	go t.readLoop()
	return t, nil
}

type wsTransport struct {
	conn *websocket.Conn
	h    Handlers

	writeMu sync.Mutex
	closing atomic.Bool

	// replies holds frames waiting for their ack or error, keyed by frame ID.
	replyMu sync.Mutex
	replies map[string]chan domain.Frame
	done    chan struct{}
}

func (t *wsTransport) Join(room string) error {
	return t.send(domain.Frame{Type: domain.FrameJoin, Room: room})
}

func (t *wsTransport) Leave(room string) error {
	return t.send(domain.Frame{Type: domain.FrameLeave, Room: room})
}

func (t *wsTransport) Emit(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	return t.send(domain.Frame{Type: domain.FrameEmit, Event: event, Payload: raw})
}

// Reauth swaps the token on the live socket and waits for the gateway to ack
// it. An error frame comes back as ErrReauthRejected.
func (t *wsTransport) Reauth(ctx context.Context, token string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f := domain.Frame{Type: domain.FrameAuth, ID: uuid.NewString(), Token: token}
	reply := t.expect(f.ID)
	defer t.forget(f.ID)
	if err := t.send(f); err != nil {
		return err
	}
	select {
	case r := <-reply:
		if r.Type == domain.FrameError {
			return fmt.Errorf("%w: %s", ErrReauthRejected, r.Error)
		}
		return nil
	case <-t.done:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *wsTransport) expect(id string) <-chan domain.Frame {
	ch := make(chan domain.Frame, 1)
	t.replyMu.Lock()
	t.replies[id] = ch
	t.replyMu.Unlock()
	return ch
}

func (t *wsTransport) forget(id string) {
	t.replyMu.Lock()
	delete(t.replies, id)
	t.replyMu.Unlock()
}

// answer hands f to whoever waits on its ID and reports whether anyone did.
func (t *wsTransport) answer(f domain.Frame) bool {
	if f.ID == "" {
		return false
	}
	t.replyMu.Lock()
	ch, ok := t.replies[f.ID]
	delete(t.replies, f.ID)
	t.replyMu.Unlock()
	if ok {
		ch <- f
	}
	return ok
}

func (t *wsTransport) Close() error {
	if !t.closing.CompareAndSwap(false, true) {
		return nil
	}
	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	t.writeMu.Unlock()
	return t.conn.Close()
}

func (t *wsTransport) send(f domain.Frame) error {
	if t.closing.Load() {
		return ErrNotConnected
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return t.conn.WriteJSON(f)
}

func (t *wsTransport) readLoop() {
	defer close(t.done)
	var cause error
	for {
		var f domain.Frame
		if err := t.conn.ReadJSON(&f); err != nil {
			cause = err
			break
		}
		switch f.Type {
		case domain.FrameEvent:
			if t.h.OnEvent != nil {
				t.h.OnEvent(domain.Event{Name: f.Event, Room: f.Room, Payload: f.Payload, SentAt: time.Now().UTC()})
			}
		case domain.FrameAck:
			t.answer(f)
		case domain.FrameError:
			if t.answer(f) || f.Event != "" {
				continue
			}
			if f.Room != "" && t.h.OnJoinRejected != nil {
				t.h.OnJoinRejected(f.Room, f.Error)
			}
			if t.h.OnEvent != nil {
				t.h.OnEvent(domain.Event{Name: "error", Room: f.Room, Payload: mustJSON(f.Error)})
			}
		}
	}
	if t.closing.Swap(true) {
		return
	}
	_ = t.conn.Close()
	if websocket.IsCloseError(cause, websocket.CloseNormalClosure) {
		cause = errors.New("server closed the connection")
	}
	if t.h.OnDisconnect != nil {
		t.h.OnDisconnect(cause)
	}
}

func mustJSON(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}
