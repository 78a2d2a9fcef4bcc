package herald

import (
	"slices"
	"strconv"
	"strings"

	"github.com/NumminorihSF/rabbitmq-herald-client/encoding/json"
	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/async"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/errs"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	eventOut = "out"
	eventIn  = "in"
)

// Queue scope of event listeners.
type Scope int

const (
	ScopeApp      Scope = iota // one durable queue shared by all instances, each event is handled once per application
	ScopeInstance              // one exclusive queue per instance, each event is handled by every instance
)

func (s Scope) String() string {
	switch s {
	case ScopeApp:
		return "app"
	case ScopeInstance:
		return "instance"
	}
	return "unknown"
}

type Event struct {
	Emitter Identity
	Name    string
	Body    Payload
}

// Handle event, the event is acked if nil is returned, otherwise it's nacked without requeue.
type EventHandler func(rl rail.Rail, e Event) error

// Event queue of one emitter application.
type listenerQueue struct {
	queue    string
	emitter  string
	scope    Scope
	handlers map[string]EventHandler // routing key -> handler
}

func (l *listenerQueue) keys() []string {
	k := make([]string, 0, len(l.handlers))
	for key := range l.handlers {
		k = append(k, key)
	}
	slices.Sort(k)
	return k
}

/*
Listen to event emitted by emitterApp.

Listeners must be registered before Connect, their queues and bindings are declared with the rest of the topology.

	c.Listen("billing", "invoice-paid", herald.ScopeApp, func(rl rail.Rail, e herald.Event) error {
		var inv Invoice
		if err := e.Body.Bind(&inv); err != nil {
			return err
		}
		return markPaid(rl, inv)
	})
*/
func (c *Client) Listen(emitterApp string, event string, scope Scope, h EventHandler) error {
	if emitterApp == "" || event == "" {
		return ErrWrongArgs.WithDetail("emitter and event are required")
	}
	if h == nil {
		return ErrWrongArgs.WithDetail("event handler is required")
	}
	if scope != ScopeApp && scope != ScopeInstance {
		return ErrWrongArgs.WithDetail("unknown scope %v", scope)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running || c.closed {
		return ErrWrongAction.WithDetail("listeners must be registered before Connect")
	}

	q := EventForApp(c.id.Name, emitterApp)
	if scope == ScopeInstance {
		q = EventForInstance(c.id.Name, c.id.Uid, emitterApp)
	}
	var lq *listenerQueue
	for _, l := range c.listeners {
		if l.queue == q {
			lq = l
			break
		}
	}
	if lq == nil {
		lq = &listenerQueue{queue: q, emitter: emitterApp, scope: scope, handlers: map[string]EventHandler{}}
		c.listeners = append(c.listeners, lq)
	}

	key := RouteEvent(emitterApp, event)
	if _, ok := lq.handlers[key]; ok {
		return ErrWrongArgs.WithDetail("already listening to '%v' on '%v'", key, q)
	}
	lq.handlers[key] = h
	return nil
}

// Emit event, it returns once the broker confirms it.
//
// The event is queued while disconnected, cancelling rl gives up waiting.
func (c *Client) Emit(rl rail.Rail, event string, body any) (err error) {
	defer func() { c.metrics.observeEvent(eventOut, err) }()

	if event == "" {
		return ErrWrongArgs.WithDetail("event is required")
	}
	if c.isClosed() {
		return ErrClientClosed
	}
	raw, err := toRaw(body)
	if err != nil {
		return ErrWrongArgs.Wrapf(err, "failed to marshal event body")
	}
	enc, err := c.codec.Encode(raw)
	if err != nil {
		return ErrProtocol.Wrapf(err, "failed to encode event body")
	}

	pub := c.publishing(rl, enc)
	pub.DeliveryMode = amqp.Persistent
	pub.Type = event
	pub.MessageId = c.id.Uid + "-" + strconv.FormatUint(c.eventSeq.Add(1), 10)

	ctx := rl.Context()
	written := make(chan error, 1)
	c.outbound.Send(&outboundMessage{
		exchange:  c.settings.Exchanges.Event,
		key:       RouteEvent(c.id.Name, event),
		pub:       pub,
		abandoned: func() bool { return ctx.Err() != nil },
		onWritten: func(err error) { written <- err },
	})

	select {
	case err := <-written:
		if err != nil {
			return ErrTransport.Wrapf(err, "failed to emit event '%v'", event)
		}
		rl.Debugf("Emitted event '%v'", event)
		return nil
	case <-ctx.Done():
		return errs.WrapErrf(ctx.Err(), "gave up emitting event '%v'", event)
	}
}

// Handle event consumed from listener queue.
func (c *Client) onEvent(lq *listenerQueue, d amqp.Delivery) {
	rl := inboundRail(d)
	emitter, ok := senderOf(d)
	if !ok {
		rl.Warnf("Dropped event without identity, queue: %v, key: %v", lq.queue, d.RoutingKey)
		c.metrics.observeEvent(eventIn, errDispatchRejected)
		c.nack(d)
		return
	}
	h, ok := lq.handlers[d.RoutingKey]
	if !ok {
		rl.Warnf("Dropped event without handler, queue: %v, key: %v", lq.queue, d.RoutingKey)
		c.metrics.observeEvent(eventIn, errDispatchRejected)
		c.nack(d)
		return
	}
	plain, err := c.codec.Decode(d.Body)
	if err == nil && !json.IsValidJson(plain) {
		err = ErrProtocol.WithDetail("event body is not valid json")
	}
	if err != nil {
		rl.Warnf("Dropped malformed event, queue: %v, key: %v, %v", lq.queue, d.RoutingKey, err)
		c.metrics.observeEvent(eventIn, errDispatchRejected)
		c.nack(d)
		return
	}

	e := Event{Emitter: emitter, Name: strings.TrimPrefix(d.RoutingKey, lq.emitter+"."), Body: Payload(plain)}
	var herr error
	if perr := async.CapturePanicErr(func() { herr = h(rl, e) }); perr != nil {
		herr = perr
	}
	c.metrics.observeEvent(eventIn, herr)
	if herr != nil {
		rl.Errorf("Failed to handle event '%v' from %v, %v", e.Name, emitter, herr)
		c.nack(d)
		return
	}
	c.ack(d)
}
