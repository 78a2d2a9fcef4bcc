package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Broker endpoint.
type Endpoint struct {
	Host           string
	Port           int
	Username       string
	Password       string
	Vhost          string
	Heartbeat      time.Duration
	ConnectionName string
}

// Build amqp url, credentials and vhost are escaped.
func (e Endpoint) Url() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(e.Username, e.Password),
		Host:   net.JoinHostPort(e.Host, strconv.Itoa(e.Port)),
		Path:   "/" + e.Vhost,
	}
	u.RawPath = "/" + url.PathEscape(e.Vhost)
	return u.String()
}

// Url without password, for logging.
func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s:%d/%s", e.Username, e.Host, e.Port, e.Vhost)
}

func (e Endpoint) AmqpConfig() amqp.Config {
	c := amqp.Config{
		Heartbeat: e.Heartbeat,
		Vhost:     e.Vhost,
		Locale:    "en_US",
	}
	if e.ConnectionName != "" {
		c.Properties = amqp.Table{"connection_name": e.ConnectionName}
	}
	return c
}

// Dialer backed by amqp091-go.
func DialAmqp(url string, cfg amqp.Config) (Connection, error) {
	c, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: c}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return &amqpChannel{Channel: ch}, nil
}

type amqpChannel struct {
	*amqp.Channel
}

func (c *amqpChannel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error) {
	dc, err := c.Channel.PublishWithDeferredConfirmWithContext(ctx, exchange, key, false, false, msg)
	if err != nil {
		return nil, err
	}
	if dc == nil { // not in confirm mode
		return ResolvedConfirmation{}, nil
	}
	return deferredConfirmation{dc}, nil
}

type deferredConfirmation struct {
	dc *amqp.DeferredConfirmation
}

func (d deferredConfirmation) Wait(ctx context.Context) error {
	ack, err := d.dc.WaitContext(ctx)
	if err != nil {
		return err
	}
	if !ack {
		return ErrNack
	}
	return nil
}
