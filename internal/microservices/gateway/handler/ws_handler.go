package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	amqp "github.com/rabbitmq/amqp091-go"

	"table-session/internal/common/httpx"
	"table-session/internal/common/logger"
	"table-session/internal/common/mq"
	"table-session/internal/common/token"
	"table-session/internal/domain"
	"table-session/internal/microservices/gateway/hub"
)

var (
	errNoBroker = errors.New("no message broker configured")
	errNoEvent  = errors.New("emit frame without event name")
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
	maxFrame   = 64 << 10
)

// Publisher is satisfied by *mq.Client.
type Publisher interface {
	Publish(ctx context.Context, m mq.Message) error
}

type WSHandler struct {
	hub      *hub.Hub
	signer   *token.Signer
	pub      Publisher
	exchange string
	lg       *logger.Logger
	upgrader websocket.Upgrader
	now      func() time.Time

	wg      sync.WaitGroup
	mu      sync.Mutex
	clients map[*client]struct{}
}

func NewWSHandler(h *hub.Hub, signer *token.Signer, pub Publisher, exchange string, lg *logger.Logger) *WSHandler {
	return &WSHandler{
		hub:      h,
		signer:   signer,
		pub:      pub,
		exchange: exchange,
		lg:       lg,
		now:      time.Now,
		clients:  map[*client]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Close disconnects every client and waits for their goroutines. Hijacked
// connections are not covered by http.Server.Shutdown.
func (h *WSHandler) Close() {
	h.mu.Lock()
	all := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		all = append(all, c)
	}
	h.mu.Unlock()
	for _, c := range all {
		c.shutdown()
		_ = c.conn.SetReadDeadline(time.Now())
	}
	h.wg.Wait()
}

// Clients reports the number of open sockets.
func (h *WSHandler) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Connect authenticates the handshake, then upgrades. The token must be
// issued for exactly the requested scope.
func (h *WSHandler) Connect(w http.ResponseWriter, r *http.Request) {
	ns := r.PathValue("namespace")
	q := r.URL.Query()
	claims, err := h.signer.Verify(q.Get("token"), h.now())
	if err != nil {
		h.lg.Warn("ws_auth_failed", map[string]any{"namespace": ns, "error": err.Error()})
		httpx.WriteError(w, http.StatusUnauthorized, domain.CodeForbidden, "invalid session token")
		return
	}
	if scope := q.Get("scope"); scope != claims.Scope {
		httpx.WriteError(w, http.StatusForbidden, domain.CodeForbidden, "token is not valid for this scope")
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already answered
		h.lg.Debug("ws_upgrade_failed", map[string]any{"error": err.Error()})
		return
	}
	c := &client{
		id:     uuid.NewString(),
		h:      h,
		conn:   conn,
		ns:     ns,
		claims: claims,
		send:   make(chan domain.Frame, sendBuffer),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.lg.Info("ws_connected", map[string]any{"client": c.id, "namespace": ns, "scope": claims.Scope})

	h.wg.Add(2)
	go func() { defer h.wg.Done(); c.writePump() }()
	go func() { defer h.wg.Done(); c.readPump() }()
}

type client struct {
	id   string
	h    *WSHandler
	conn *websocket.Conn
	ns   string

	mu     sync.Mutex
	claims token.Claims
	closed bool
	send   chan domain.Frame
	done   chan struct{}
}

func (c *client) Deliver(f domain.Frame) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- f:
		return true
	default:
		c.h.lg.Warn("ws_slow_consumer", map[string]any{"client": c.id, "event": f.Event})
		return false
	}
}

func (c *client) currentClaims() token.Claims {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.claims
}

func (c *client) shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
	c.h.hub.LeaveAll(c)
	c.h.mu.Lock()
	delete(c.h.clients, c)
	c.h.mu.Unlock()
}

func (c *client) readPump() {
	defer func() {
		c.shutdown()
		_ = c.conn.Close()
		c.h.lg.Info("ws_disconnected", map[string]any{"client": c.id})
	}()
	c.conn.SetReadLimit(maxFrame)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		var f domain.Frame
		if err := c.conn.ReadJSON(&f); err != nil {
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if c.h.now().Unix() >= c.currentClaims().ExpiresAt {
			c.Deliver(domain.Frame{Type: domain.FrameError, ID: f.ID, Error: "session token expired"})
			return
		}
		c.handle(f)
	}
}

func (c *client) handle(f domain.Frame) {
	claims := c.currentClaims()
	switch f.Type {
	case domain.FrameJoin:
		if !claims.Allows(f.Room) {
			c.reject(f, "room not allowed for this session")
			return
		}
		c.h.hub.Join(f.Room, c)
	case domain.FrameLeave:
		c.h.hub.Leave(f.Room, c)
	case domain.FrameEmit:
		if err := c.publish(claims, f); err != nil {
			c.h.lg.Error("ws_emit_failed", err, map[string]any{"client": c.id, "event": f.Event})
			c.reject(f, "emit failed")
			return
		}
	case domain.FrameAuth:
		next, err := c.h.signer.Verify(f.Token, c.h.now())
		if err != nil || next.Scope != claims.Scope {
			c.reject(f, "re-auth rejected")
			return
		}
		c.mu.Lock()
		c.claims = next
		c.mu.Unlock()
		c.h.lg.Info("ws_reauthenticated", map[string]any{"client": c.id})
	default:
		c.reject(f, "unknown frame type")
		return
	}
	c.Deliver(domain.Frame{Type: domain.FrameAck, ID: f.ID})
}

func (c *client) reject(f domain.Frame, msg string) {
	c.Deliver(domain.Frame{Type: domain.FrameError, ID: f.ID, Room: f.Room, Event: f.Event, Error: msg})
}

func (c *client) publish(claims token.Claims, f domain.Frame) error {
	if c.h.pub == nil {
		return errNoBroker
	}
	if f.Event == "" {
		return errNoEvent
	}
	body, err := json.Marshal(domain.Event{Name: f.Event, Room: claims.Scope, Payload: f.Payload, SentAt: c.h.now().UTC()})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return c.h.pub.Publish(ctx, mq.Message{
		Exchange:  c.h.exchange,
		Key:       mq.ClientKey(c.ns, f.Event),
		Body:      body,
		MessageID: f.ID,
		Headers: amqp.Table{
			"x-scope":         claims.Scope,
			"x-restaurant-id": claims.RestaurantID,
			"x-table-id":      claims.TableID,
		},
	})
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			c.flush()
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// flush writes what is still queued, such as the final error frame.
func (c *client) flush() {
	for {
		select {
		case f := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(f); err != nil {
				return
			}
		default:
			return
		}
	}
}
