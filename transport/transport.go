// Package transport abstracts the broker connection used by herald.
//
// The method set mirrors github.com/rabbitmq/amqp091-go so that *amqp.Connection
// and *amqp.Channel are adapted with a thin wrapper, while tests run against
// the in-memory broker in transport/brokertest.
package transport

import (
	"context"
	"errors"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Broker confirmed the publishing negatively.
	ErrNack = errors.New("publishing nacked by broker")
)

// Dial broker with amqp config.
type Dialer func(url string, cfg amqp.Config) (Connection, error)

type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking
	IsClosed() bool
	Close() error
}

type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)

	// Put channel into confirm mode, PublishConfirmed requires it.
	Confirm(noWait bool) error

	// Publish message, the returned Confirmation resolves when the broker confirms it.
	PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (Confirmation, error)

	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	NotifyFlow(receiver chan bool) chan bool
	NotifyCancel(receiver chan string) chan string
	IsClosed() bool
	Close() error
}

// Pending broker confirm of a publishing.
type Confirmation interface {
	// Wait for the confirm, ErrNack is returned for negative confirm.
	Wait(ctx context.Context) error
}

// Confirmation that has been resolved already.
type ResolvedConfirmation struct {
	Err error
}

func (r ResolvedConfirmation) Wait(ctx context.Context) error {
	return r.Err
}
