package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"table-session/internal/common/mq"
)

// AMQPDialer talks to the broker directly instead of through the gateway.
// Rooms become bindings of a private queue on the topic exchange. It has no
// live re-auth, so a token change always reconnects.
type AMQPDialer struct {
	Options  mq.Options
	Exchange string
}

func (d AMQPDialer) Dial(ctx context.Context, creds Credentials, h Handlers) (Transport, error) {
	type result struct {
		c   *mq.Client
		err error
	}
	done := make(chan result, 1)
	go func() {
		c, err := mq.Dial(d.Options)
		done <- result{c, err}
	}()

	var c *mq.Client
	select {
	case r := <-done:
		if r.err != nil {
			return nil, r.err
		}
		c = r.c
	case <-ctx.Done():
		go func() {
			if r := <-done; r.c != nil {
				r.c.Close()
			}
		}()
		return nil, ctx.Err()
	}

	if err := c.DeclareTopic(d.Exchange); err != nil {
		c.Close()
		return nil, fmt.Errorf("declare exchange %s: %w", d.Exchange, err)
	}
	queue, err := c.DeclareQueue("")
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("declare session queue: %w", err)
	}
	deliveries, err := c.Consume(queue, "ts-"+uuid.NewString(), 0)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("consume %s: %w", queue, err)
	}

	t := &amqpTransport{c: c, creds: creds, exchange: d.Exchange, queue: queue, h: h}
	closed := c.NotifyClose()
	go t.consume(deliveries, closed)
	return t, nil
}

// broker is the part of *mq.Client a live transport needs.
type broker interface {
	Bind(queue, key, exchange string) error
	Unbind(queue, key, exchange string) error
	Publish(ctx context.Context, m mq.Message) error
	Close()
}

var _ Transport = (*amqpTransport)(nil)

type amqpTransport struct {
	c        broker
	creds    Credentials
	exchange string
	queue    string
	h        Handlers

	closing atomic.Bool
}

func (t *amqpTransport) Join(room string) error {
	return t.c.Bind(t.queue, mq.RoomPattern(room), t.exchange)
}

func (t *amqpTransport) Leave(room string) error {
	return t.c.Unbind(t.queue, mq.RoomPattern(room), t.exchange)
}

func (t *amqpTransport) Emit(event string, payload any) error {
	if t.closing.Load() {
		return ErrNotConnected
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", event, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	return t.c.Publish(ctx, mq.Message{
		Exchange:  t.exchange,
		Key:       mq.ClientKey(t.creds.Namespace, event),
		Body:      raw,
		MessageID: uuid.NewString(),
		Headers: amqp.Table{
			"x-auth-token": t.creds.Token,
			"x-scope":      t.creds.ScopeID,
		},
	})
}

func (t *amqpTransport) Close() error {
	if t.closing.CompareAndSwap(false, true) {
		t.c.Close()
	}
	return nil
}

func (t *amqpTransport) consume(deliveries <-chan amqp.Delivery, closed <-chan *amqp.Error) {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				t.lost(errors.New("delivery channel closed"))
				return
			}
			if ev, ok := mq.DecodeRoomEvent(d.RoutingKey, d.Body, d.Timestamp); ok && t.h.OnEvent != nil {
				t.h.OnEvent(ev)
			}
			_ = d.Ack(false)
		case err := <-closed:
			if err == nil {
				t.lost(errors.New("broker connection closed"))
			} else {
				t.lost(err)
			}
			return
		}
	}
}

func (t *amqpTransport) lost(err error) {
	if t.closing.Swap(true) {
		return
	}
	t.c.Close()
	if t.h.OnDisconnect != nil {
		t.h.OnDisconnect(err)
	}
}
