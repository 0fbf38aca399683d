// Package mq is the RabbitMQ plumbing shared by the gateway bridge and the
// amqp realtime transport.
package mq

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"table-session/internal/common/config"
	"table-session/internal/domain"
)

type Options struct {
	Host     string
	Port     int
	User     string
	Password string
	VHost    string
	UseTLS   bool
	// Confirm turns on publisher confirms; Publish then waits for the ack.
	Confirm bool
}

func FromConfig(c config.MQ) Options {
	return Options{Host: c.Host, Port: c.Port, User: c.User, Password: c.Pass, VHost: c.VHost}
}

func (o Options) URL() string {
	vhost := o.VHost
	if vhost == "" || vhost == "/" {
		vhost = ""
	}
	scheme := "amqp"
	if o.UseTLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme: scheme,
		User:   url.UserPassword(o.User, o.Password),
		Host:   fmt.Sprintf("%s:%d", o.Host, o.Port),
		Path:   "/" + vhost,
	}
	return u.String()
}

type Client struct {
	conn *amqp.Connection
	ch   *amqp.Channel

	mu   sync.Mutex
	acks <-chan amqp.Confirmation
}

func Dial(o Options) (*Client, error) {
	var (
		conn *amqp.Connection
		err  error
	)
	if o.UseTLS {
		conn, err = amqp.DialTLS(o.URL(), &tls.Config{MinVersion: tls.VersionTLS12})
	} else {
		conn, err = amqp.Dial(o.URL())
	}
	if err != nil {
		return nil, fmt.Errorf("amqp dial %s:%d: %w", o.Host, o.Port, err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("amqp channel: %w", err)
	}

	c := &Client{conn: conn, ch: ch}
	if o.Confirm {
		if err := ch.Confirm(false); err != nil {
			c.Close()
			return nil, fmt.Errorf("amqp confirm mode: %w", err)
		}
		c.acks = ch.NotifyPublish(make(chan amqp.Confirmation, 1))
	}
	return c, nil
}

func (c *Client) Close() {
	if c == nil {
		return
	}
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

func (c *Client) Ping() error {
	if c == nil || c.conn == nil || c.conn.IsClosed() {
		return errors.New("rabbitmq connection is closed")
	}
	return nil
}

// NotifyClose reports the connection going away; the channel is closed
// without a value on a clean shutdown.
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// DeclareTopic declares the durable topic exchange all table events go through.
func (c *Client) DeclareTopic(exchange string) error {
	return c.ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil)
}

// DeclareQueue declares a named durable queue, or a server-named exclusive
// auto-delete one when name is empty.
func (c *Client) DeclareQueue(name string) (string, error) {
	var (
		q   amqp.Queue
		err error
	)
	if name == "" {
		q, err = c.ch.QueueDeclare("", false, true, true, false, nil)
	} else {
		q, err = c.ch.QueueDeclare(name, true, false, false, false, nil)
	}
	if err != nil {
		return "", err
	}
	return q.Name, nil
}

func (c *Client) Bind(queue, key, exchange string) error {
	return c.ch.QueueBind(queue, key, exchange, false, nil)
}

func (c *Client) Unbind(queue, key, exchange string) error {
	return c.ch.QueueUnbind(queue, key, exchange, nil)
}

type Message struct {
	Exchange   string
	Key        string
	Body       []byte
	Headers    amqp.Table
	MessageID  string
	Persistent bool
}

// Publish is serialised so a confirm is matched to its own publishing.
func (c *Client) Publish(ctx context.Context, m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	mode := amqp.Transient
	if m.Persistent {
		mode = amqp.Persistent
	}
	err := c.ch.PublishWithContext(ctx, m.Exchange, m.Key, false, false, amqp.Publishing{
		DeliveryMode: mode,
		ContentType:  "application/json",
		Timestamp:    time.Now().UTC(),
		MessageId:    m.MessageID,
		Headers:      m.Headers,
		Body:         m.Body,
	})
	if err != nil {
		return err
	}
	if c.acks == nil {
		return nil
	}
	select {
	case conf := <-c.acks:
		if conf.Ack {
			return nil
		}
		return errors.New("publish nacked by broker")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume starts delivery with auto-ack off; callers Ack or Nack.
func (c *Client) Consume(queue, consumer string, prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch > 0 {
		if err := c.ch.Qos(prefetch, 0, false); err != nil {
			return nil, err
		}
	}
	return c.ch.Consume(queue, consumer, false, false, false, false, nil)
}

// ClientKey and RoomKey are the routing keys on the topic exchange.
func ClientKey(namespace, event string) string { return "client." + namespace + "." + event }

func RoomKey(room, event string) string { return "room." + room + "." + event }

// RoomPattern binds a queue to every event of a room.
func RoomPattern(room string) string { return "room." + room + ".#" }

// DecodeRoomEvent reads a domain.Event body, falling back to the routing key
// room.{room}.{event} when the body is a bare payload.
func DecodeRoomEvent(key string, body []byte, sent time.Time) (domain.Event, bool) {
	var ev domain.Event
	if err := json.Unmarshal(body, &ev); err == nil && ev.Name != "" {
		if ev.SentAt.IsZero() {
			ev.SentAt = sent
		}
		return ev, true
	}
	rest, ok := strings.CutPrefix(key, "room.")
	if !ok {
		return domain.Event{}, false
	}
	i := strings.LastIndexByte(rest, '.')
	if i <= 0 || i == len(rest)-1 {
		return domain.Event{}, false
	}
	if sent.IsZero() {
		sent = time.Now().UTC()
	}
	payload := json.RawMessage(body)
	if !json.Valid(body) {
		payload, _ = json.Marshal(string(body))
	}
	return domain.Event{Name: rest[i+1:], Room: rest[:i], Payload: payload, SentAt: sent}, true
}
