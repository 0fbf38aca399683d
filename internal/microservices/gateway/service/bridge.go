package service

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"

	"table-session/internal/common/logger"
	"table-session/internal/common/mq"
	"table-session/internal/microservices/gateway/hub"
)

// Broker is the slice of *mq.Client the bridge needs.
type Broker interface {
	DeclareTopic(exchange string) error
	DeclareQueue(name string) (string, error)
	Bind(queue, key, exchange string) error
	Consume(queue, consumer string, prefetch int) (<-chan amqp.Delivery, error)
}

// Bridge fans room events from the broker out to connected clients.
type Bridge struct {
	broker   Broker
	hub      *hub.Hub
	exchange string
	lg       *logger.Logger
}

func NewBridge(b Broker, h *hub.Hub, exchange string, lg *logger.Logger) *Bridge {
	return &Bridge{broker: b, hub: h, exchange: exchange, lg: lg}
}

// Run consumes until ctx is done or the broker closes the channel.
func (b *Bridge) Run(ctx context.Context) error {
	if err := b.broker.DeclareTopic(b.exchange); err != nil {
		return err
	}
	queue, err := b.broker.DeclareQueue("")
	if err != nil {
		return err
	}
	if err := b.broker.Bind(queue, "room.#", b.exchange); err != nil {
		return err
	}
	deliveries, err := b.broker.Consume(queue, "gateway", 50)
	if err != nil {
		return err
	}
	b.lg.Info("bridge_started", map[string]any{"queue": queue, "exchange": b.exchange})

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("broker delivery channel closed")
			}
			b.dispatch(d)
		}
	}
}

func (b *Bridge) dispatch(d amqp.Delivery) {
	ev, ok := mq.DecodeRoomEvent(d.RoutingKey, d.Body, d.Timestamp)
	if !ok {
		b.lg.Warn("bridge_undecodable", map[string]any{"routing_key": d.RoutingKey})
		_ = d.Nack(false, false)
		return
	}
	n := b.hub.Broadcast(ev)
	b.lg.Debug("bridge_fanout", map[string]any{"room": ev.Room, "event": ev.Name, "delivered": n})
	_ = d.Ack(false)
}
