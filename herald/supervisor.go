package herald

import (
	"context"
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
	"github.com/NumminorihSF/rabbitmq-herald-client/transport"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/async"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/errs"
	amqp "github.com/rabbitmq/amqp091-go"
)

type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
	ShuttingDown
)

func (s ConnState) String() string {
	switch s {
	case Disconnected:
		return "Disconnected"
	case Connecting:
		return "Connecting"
	case Connected:
		return "Connected"
	case ShuttingDown:
		return "ShuttingDown"
	}
	return "Unknown"
}

// Keep the client connected until Close is called.
//
// Each iteration is one session: dial, declare topology, start publisher and consumers,
// then block until the connection is lost. A failed session is retried after the reconnect delay.
func (c *Client) supervise() {
	defer close(c.loopDone)
	rl := rail.EmptyRail()

	for {
		if c.isClosed() {
			c.setState(ShuttingDown)
			return
		}

		c.setState(Connecting)
		wasConnected, err := c.session(rl)
		c.outbound.Pause()

		if c.isClosed() {
			c.setState(ShuttingDown)
			if wasConnected {
				c.notifier.notifyDisconnected(err)
			}
			rl.Info("Herald client stopped")
			return
		}

		c.setState(Disconnected)
		if wasConnected {
			rl.Warnf("Disconnected from broker, %v", err)
			c.notifier.notifyDisconnected(err)
		} else if err != nil {
			rl.Errorf("Failed to connect to broker %v, %v", c.settings.Endpoint, err)
			c.notifier.notifyFault(err)
		}

		c.metrics.reconnects.Inc()
		select {
		case <-c.done.Done():
		case <-time.After(c.settings.ReconnectDelay):
		}
	}
}

// Run one connection until it's closed, the returned error is the reason.
func (c *Client) session(rl rail.Rail) (connected bool, err error) {
	rl.Infof("Connecting to broker %v as %v", c.settings.Endpoint, c.id)
	conn, err := c.dial(c.settings.Endpoint.Url(), c.settings.Endpoint.AmqpConfig())
	if err != nil {
		return false, ErrTransport.Wrapf(err, "failed to dial %v", c.settings.Endpoint)
	}
	closed := conn.NotifyClose(make(chan *amqp.Error, 1))
	blocked := conn.NotifyBlocked(make(chan amqp.Blocking, 1))

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.pub = nil
		if c.state == Connected {
			c.ready = make(chan struct{})
		}
		c.mu.Unlock()
		if !conn.IsClosed() {
			if cerr := conn.Close(); cerr != nil {
				rl.Debugf("Failed to close connection, %v", cerr)
			}
		}
	}()

	if err := c.declareTopology(conn); err != nil {
		return false, err
	}

	pub := &managedChannel{name: "Publisher", c: c, conn: conn, doStart: c.startPublisher}
	if err := pub.start(rl); err != nil {
		return false, err
	}
	if err := c.startConsumers(rl, conn); err != nil {
		return false, err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, ErrClientClosed
	}
	c.state = Connected
	close(c.ready)
	c.mu.Unlock()

	c.flowStopped.Store(false)
	c.blocked.Store(false)
	c.outbound.SetBusy(false)
	c.outbound.Resume()
	rl.Infof("Connected to broker %v as %v", c.settings.Endpoint, c.id)
	c.notifier.notifyConnected(c.id)

	for {
		select {
		case <-c.done.Done():
			return true, ErrClientClosed
		case aerr, ok := <-closed:
			if ok && aerr != nil {
				return true, ErrTransport.Wrapf(aerr, "connection closed")
			}
			return true, ErrTransport.WithDetail("connection closed")
		case b, ok := <-blocked:
			if !ok {
				blocked = nil
				continue
			}
			if b.Active {
				rl.Warnf("Connection blocked by broker, %v", b.Reason)
			} else {
				rl.Infof("Connection unblocked by broker")
			}
			c.blocked.Store(b.Active)
			c.outbound.SetBusy(c.busy())
		}
	}
}

// Declare topology on a dedicated channel, closed afterwards.
func (c *Client) declareTopology(conn transport.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return ErrTransport.Wrapf(err, "failed to open channel for topology")
	}
	defer ch.Close()
	return c.topology.Declare(ch)
}

func (c *Client) startPublisher(rl rail.Rail, ch transport.Channel) error {
	if err := ch.Confirm(false); err != nil {
		return ErrTransport.Wrapf(err, "channel could not be put into confirm mode")
	}
	flow := ch.NotifyFlow(make(chan bool, 1))
	go func() {
		for active := range flow {
			if active {
				rl.Infof("Publisher flow resumed")
			} else {
				rl.Warnf("Publisher flow stopped by broker")
			}
			c.flowStopped.Store(!active)
			c.outbound.SetBusy(c.busy())
		}
		if c.flowStopped.Swap(false) {
			c.outbound.SetBusy(c.busy())
		}
	}()

	c.mu.Lock()
	c.pub = ch
	c.mu.Unlock()
	rl.Debug("Started publisher channel")
	return nil
}

// Consume rpc queues and listener queues, each on its own channel.
func (c *Client) startConsumers(rl rail.Rail, conn transport.Connection) error {
	spawn := func(f func(d amqp.Delivery)) func(d amqp.Delivery) {
		return func(d amqp.Delivery) { go c.safeHandle(d, f) }
	}

	consumers := []struct {
		queue  string
		handle func(d amqp.Delivery)
	}{
		{c.id.RpcIn(), spawn(c.onRequest)},
		{c.id.RpcInInstance(), spawn(c.onRequest)},
		{c.id.RpcRes(), spawn(c.onResponse)},
		{c.id.RpcResInstance(), spawn(c.onResponse)},
	}
	for _, l := range c.listeners {
		consumers = append(consumers, struct {
			queue  string
			handle func(d amqp.Delivery)
		}{l.queue, spawn(func(d amqp.Delivery) { c.onEvent(l, d) })})
	}

	for _, cs := range consumers {
		mc := &managedChannel{
			name: "Consumer '" + cs.queue + "'",
			c:    c,
			conn: conn,
			doStart: func(rl rail.Rail, ch transport.Channel) error {
				return c.startConsumer(rl, ch, cs.queue, cs.handle)
			},
		}
		if err := mc.start(rl); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) startConsumer(rl rail.Rail, ch transport.Channel, queue string, handle func(d amqp.Delivery)) error {
	if err := ch.Qos(c.settings.Prefetch, 0, false); err != nil {
		return ErrTransport.Wrapf(err, "failed to set qos of '%v'", queue)
	}
	msgs, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return ErrTransport.Wrapf(err, "failed to consume '%v'", queue)
	}
	go func() {
		for d := range msgs {
			handle(d)
		}
		rl.Debugf("Consumer of '%v' stopped", queue)
	}()
	rl.Debugf("Started consumer of '%v' with prefetch %v", queue, c.settings.Prefetch)
	return nil
}

func (c *Client) safeHandle(d amqp.Delivery, f func(d amqp.Delivery)) {
	async.PanicSafeRun(func() { f(d) }, func(err error) {
		c.notifier.notifyFault(errs.WrapErrf(err, "failed to handle delivery from '%v'", d.RoutingKey))
	})
}

// Write message on the publisher channel, the confirm is awaited in background.
//
// Called by the outbound buffer under its lock.
func (c *Client) write(m *outboundMessage) (busy bool) {
	c.mu.Lock()
	ch := c.pub
	c.mu.Unlock()

	if ch == nil {
		go m.written(ErrTransport.WithDetail("publisher channel is not available"))
		return c.busy()
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.settings.RpcTimeout)
	cf, err := ch.PublishConfirmed(ctx, m.exchange, m.key, m.pub)
	if err != nil {
		cancel()
		go m.written(err)
		return c.busy()
	}
	go func() {
		defer cancel()
		m.written(cf.Wait(ctx))
	}()
	return c.busy()
}

func (c *Client) busy() bool {
	return c.flowStopped.Load() || c.blocked.Load()
}

// Channel restarted on the same connection when it's closed or its consumer is cancelled by the broker.
//
// It stops once the connection is closed, the supervisor reconnects from scratch.
type managedChannel struct {
	name    string
	c       *Client
	conn    transport.Connection
	doStart func(rl rail.Rail, ch transport.Channel) error
}

func (r *managedChannel) stopped() bool {
	return r.conn.IsClosed() || r.c.isClosed()
}

func (r *managedChannel) start(rl rail.Rail) error {
	if r.conn.IsClosed() {
		return ErrTransport.WithDetail("connection is closed, unable to start %v", r.name)
	}
	ch, err := r.conn.Channel()
	if err != nil {
		return ErrTransport.Wrapf(err, "failed to open channel for %v", r.name)
	}
	closed := ch.NotifyClose(make(chan *amqp.Error, 1))
	cancelled := ch.NotifyCancel(make(chan string, 1))

	if err := r.doStart(rl, ch); err != nil {
		_ = ch.Close()
		return errs.WrapErrf(err, "failed to start %v", r.name)
	}
	go r.watch(rl, ch, closed, cancelled)
	return nil
}

func (r *managedChannel) watch(rl rail.Rail, ch transport.Channel, closed chan *amqp.Error, cancelled chan string) {
	var cause error
	select {
	case aerr := <-closed:
		if aerr != nil {
			cause = aerr
		}
	case tag, ok := <-cancelled:
		if !ok {
			if aerr := <-closed; aerr != nil {
				cause = aerr
			}
			break
		}
		cause = errs.NewErrf("consumer '%v' cancelled by broker", tag)
		_ = ch.Close()
	}

	if cause == nil || r.stopped() {
		rl.Debugf("%v stopped", r.name)
		return
	}
	rl.Warnf("%v closed, restarting, %v", r.name, cause)
	r.retryStart(rl)
}

func (r *managedChannel) retryStart(rl rail.Rail) {
	for {
		if r.stopped() {
			return
		}
		err := r.start(rl)
		if err == nil {
			rl.Infof("%v restarted", r.name)
			return
		}
		if r.stopped() {
			return
		}
		rl.Errorf("Failed to restart %v, %v", r.name, err)
		select {
		case <-r.c.done.Done():
			return
		case <-time.After(r.c.settings.ReconnectDelay):
		}
	}
}
