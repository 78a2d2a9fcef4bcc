package herald

import (
	"github.com/NumminorihSF/rabbitmq-herald-client/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

type ExchangeDecl struct {
	Name    string
	Kind    string
	Durable bool
}

type QueueDecl struct {
	Name      string
	Durable   bool
	Exclusive bool
}

type BindingDecl struct {
	Queue    string
	Exchange string
	Key      string
}

// Exchanges, queues and bindings of one client.
//
// It's built once before connecting, so every declaration uses the same parameters.
type Topology struct {
	Exchanges []ExchangeDecl
	Queues    []QueueDecl
	Bindings  []BindingDecl
}

// Build topology of identity and event listeners.
func BuildTopology(id Identity, ex Exchanges, listeners []*listenerQueue) Topology {
	t := Topology{
		Exchanges: []ExchangeDecl{
			{Name: ex.Request, Kind: amqp.ExchangeTopic, Durable: true},
			{Name: ex.Response, Kind: amqp.ExchangeTopic, Durable: true},
			{Name: ex.Event, Kind: amqp.ExchangeTopic, Durable: true},
		},
		Queues: []QueueDecl{
			{Name: id.RpcIn(), Durable: true},
			{Name: id.RpcRes(), Durable: true},
			{Name: id.RpcInInstance(), Durable: true, Exclusive: true},
			{Name: id.RpcResInstance(), Durable: true, Exclusive: true},
		},
		Bindings: []BindingDecl{
			{Queue: id.RpcIn(), Exchange: ex.Request, Key: RouteApp(id.Name)},
			{Queue: id.RpcInInstance(), Exchange: ex.Request, Key: RouteBroadcast(id.Name)},
			{Queue: id.RpcInInstance(), Exchange: ex.Request, Key: RouteInstance(id.Name, id.Uid)},
			{Queue: id.RpcResInstance(), Exchange: ex.Response, Key: RpcResInstance(id.Name, id.Uid)},
			{Queue: id.RpcRes(), Exchange: ex.Response, Key: RpcRes(id.Name)},
		},
	}
	for _, l := range listeners {
		t.Queues = append(t.Queues, QueueDecl{Name: l.queue, Durable: true, Exclusive: l.scope == ScopeInstance})
		for _, key := range l.keys() {
			t.Bindings = append(t.Bindings, BindingDecl{Queue: l.queue, Exchange: ex.Event, Key: key})
		}
	}
	return t
}

// Declare exchanges, then queues, then bindings.
//
// The first failure aborts the rest.
func (t Topology) Declare(ch transport.Channel) error {
	for _, e := range t.Exchanges {
		if err := ch.ExchangeDeclare(e.Name, e.Kind, e.Durable, false, false, false, nil); err != nil {
			return ErrTransport.Wrapf(err, "failed to declare exchange '%v'", e.Name)
		}
	}
	for _, q := range t.Queues {
		if _, err := ch.QueueDeclare(q.Name, q.Durable, false, q.Exclusive, false, nil); err != nil {
			return ErrTransport.Wrapf(err, "failed to declare queue '%v'", q.Name)
		}
	}
	for _, b := range t.Bindings {
		if err := ch.QueueBind(b.Queue, b.Key, b.Exchange, false, nil); err != nil {
			return ErrTransport.Wrapf(err, "failed to bind queue '%v' to exchange '%v' with key '%v'", b.Queue, b.Exchange, b.Key)
		}
	}
	return nil
}
