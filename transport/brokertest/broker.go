// Package brokertest provides an in-memory topic broker implementing the transport interfaces.
//
// It routes through exchanges and bindings the way RabbitMQ does for topic, direct and fanout
// exchanges, honours per channel prefetch, tracks unacknowledged deliveries and deletes
// exclusive queues with their owning connection. Confirms are positive unless an intercept
// hook says otherwise.
package brokertest

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/transport"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	defaultPrefetch = 1000
	notifyTimeout   = time.Second
)

type Binding struct {
	Queue    string
	Exchange string
	Key      string
}

type Published struct {
	Exchange string
	Key      string
	Msg      amqp.Publishing
}

// Settled delivery, acked or nacked.
type Settled struct {
	Queue         string
	Exchange      string
	Key           string
	CorrelationId string
	Body          []byte
	Acked         bool
	Requeued      bool
}

type ExchangeInfo struct {
	Name    string
	Kind    string
	Durable bool
}

type QueueInfo struct {
	Name      string
	Durable   bool
	Exclusive bool
	Ready     int
	Unacked   int
	Consumers int
}

type Broker struct {
	mu        sync.Mutex
	exchanges map[string]ExchangeInfo
	queues    map[string]*queue
	bindings  []Binding
	conns     map[*conn]struct{}
	ops       []string
	published []Published
	settled   []Settled
	hook      func(p Published) error
	dialErr   error
	dials     int
	seq       int
}

type queue struct {
	info      QueueInfo
	owner     *conn
	ready     []*message
	consumers []*consumer
	next      int
}

type message struct {
	exchange    string
	key         string
	msg         amqp.Publishing
	redelivered bool
}

type consumer struct {
	ch       *channel
	q        *queue
	tag      string
	out      chan amqp.Delivery
	limit    int
	unacked  int
	autoAck  bool
	canceled bool
}

type unacked struct {
	c   *consumer
	m   *message
	tag uint64
}

func New() *Broker {
	return &Broker{
		exchanges: map[string]ExchangeInfo{},
		queues:    map[string]*queue{},
		conns:     map[*conn]struct{}{},
	}
}

// Dial a new connection, the url and config are ignored.
func (b *Broker) Dial(url string, cfg amqp.Config) (transport.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &conn{b: b, channels: map[*channel]struct{}{}}
	b.conns[c] = struct{}{}
	return c, nil
}

func (b *Broker) Dialer() transport.Dialer {
	return b.Dial
}

// Make following dials fail with err, nil to recover.
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Number of open connections.
func (b *Broker) Connections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// Force close all connections, as if the broker went away.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	defer b.mu.Unlock()
	err := &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker forced connection closure", Server: true}
	for c := range b.conns {
		b.closeConn(c, err)
	}
	b.dispatch()
}

// Force close the channels consuming the queue, their connections stay open.
func (b *Broker) KillConsumers(queue string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[queue]
	if !ok {
		return
	}
	err := &amqp.Error{Code: amqp.InternalError, Reason: "INTERNAL_ERROR - consumer channel killed", Server: true}
	for _, c := range slices.Clone(q.consumers) {
		b.closeChannel(c.ch, err)
	}
	b.dispatch()
}

// Send flow notification to every open channel.
func (b *Broker) SetFlow(active bool) {
	b.mu.Lock()
	var receivers []chan bool
	for c := range b.conns {
		for ch := range c.channels {
			receivers = append(receivers, ch.flowNotify...)
		}
	}
	b.mu.Unlock()

	for _, r := range receivers {
		select {
		case r <- active:
		case <-time.After(notifyTimeout):
		}
	}
}

// Send blocked notification to every open connection.
func (b *Broker) SetBlocked(active bool) {
	b.mu.Lock()
	var receivers []chan amqp.Blocking
	for c := range b.conns {
		receivers = append(receivers, c.blockNotify...)
	}
	b.mu.Unlock()

	bl := amqp.Blocking{Active: active}
	if active {
		bl.Reason = "low on memory"
	}
	for _, r := range receivers {
		select {
		case r <- bl:
		case <-time.After(notifyTimeout):
		}
	}
}

// Intercept publishings from channels.
//
// A non nil error returned by the hook drops the message and fails its confirmation.
func (b *Broker) Intercept(hook func(p Published) error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.hook = hook
}

// Publish message directly, bypassing hook and channels.
func (b *Broker) Publish(exchange string, key string, msg amqp.Publishing) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.route(exchange, key, msg); err != nil {
		return err
	}
	b.dispatch()
	return nil
}

func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.published)
}

func (b *Broker) Settled() []Settled {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.settled)
}

// Declaration log, e.g., "exchange.declare event", "queue.declare app.rpc.in", "queue.bind app.rpc.in rpc-request app".
func (b *Broker) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.ops)
}

func (b *Broker) ResetOps() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = nil
}

func (b *Broker) Exchange(name string) (ExchangeInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e, ok := b.exchanges[name]
	return e, ok
}

func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	return q.snapshot(), true
}

func (b *Broker) Bindings() []Binding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return slices.Clone(b.bindings)
}

// Poll cond until it returns true or timeout.
func WaitUntil(timeout time.Duration, cond func() bool) bool {
	deadline := time.Now().Add(timeout)
	for {
		if cond() {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (q *queue) snapshot() QueueInfo {
	info := q.info
	info.Ready = len(q.ready)
	info.Consumers = len(q.consumers)
	info.Unacked = 0
	for _, c := range q.consumers {
		info.Unacked += c.unacked
	}
	return info
}

func (b *Broker) route(exchange string, key string, msg amqp.Publishing) error {
	msg.Body = slices.Clone(msg.Body)
	b.published = append(b.published, Published{Exchange: exchange, Key: key, Msg: msg})

	if exchange == "" {
		if q, ok := b.queues[key]; ok {
			q.ready = append(q.ready, &message{exchange: exchange, key: key, msg: msg})
		}
		return nil
	}

	ex, ok := b.exchanges[exchange]
	if !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange), Server: true}
	}

	routed := map[string]struct{}{}
	for _, bd := range b.bindings {
		if bd.Exchange != exchange {
			continue
		}
		if _, ok := routed[bd.Queue]; ok {
			continue
		}
		if !keyMatches(ex.Kind, bd.Key, key) {
			continue
		}
		q, ok := b.queues[bd.Queue]
		if !ok {
			continue
		}
		routed[bd.Queue] = struct{}{}
		q.ready = append(q.ready, &message{exchange: exchange, key: key, msg: msg})
	}
	return nil
}

func (b *Broker) dispatch() {
	for _, q := range b.queues {
		for len(q.ready) > 0 {
			c := q.pickConsumer()
			if c == nil {
				break
			}
			m := q.ready[0]
			q.ready = q.ready[1:]
			b.deliver(c, m)
		}
	}
}

func (q *queue) pickConsumer() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.autoAck || c.unacked < c.limit {
			q.next = (q.next + i + 1) % n
			return c
		}
	}
	return nil
}

func (b *Broker) deliver(c *consumer, m *message) {
	ch := c.ch
	ch.nextTag++
	tag := ch.nextTag
	d := amqp.Delivery{
		Acknowledger:    ch,
		Headers:         m.msg.Headers,
		ContentType:     m.msg.ContentType,
		ContentEncoding: m.msg.ContentEncoding,
		DeliveryMode:    m.msg.DeliveryMode,
		Priority:        m.msg.Priority,
		CorrelationId:   m.msg.CorrelationId,
		ReplyTo:         m.msg.ReplyTo,
		Expiration:      m.msg.Expiration,
		MessageId:       m.msg.MessageId,
		Timestamp:       m.msg.Timestamp,
		Type:            m.msg.Type,
		UserId:          m.msg.UserId,
		AppId:           m.msg.AppId,
		ConsumerTag:     c.tag,
		DeliveryTag:     tag,
		Redelivered:     m.redelivered,
		Exchange:        m.exchange,
		RoutingKey:      m.key,
		Body:            m.msg.Body,
	}
	if c.autoAck {
		b.settle(c.q.info.Name, m, true, false)
	} else {
		c.unacked++
		ch.unacked[tag] = &unacked{c: c, m: m, tag: tag}
	}

	// never blocks, buffer size is the prefetch limit
	select {
	case c.out <- d:
	default:
	}
}

func (b *Broker) settle(queue string, m *message, acked bool, requeued bool) {
	b.settled = append(b.settled, Settled{
		Queue:         queue,
		Exchange:      m.exchange,
		Key:           m.key,
		CorrelationId: m.msg.CorrelationId,
		Body:          m.msg.Body,
		Acked:         acked,
		Requeued:      requeued,
	})
}

func (b *Broker) requeue(q *queue, ms []*message) {
	if len(ms) == 0 {
		return
	}
	for _, m := range ms {
		m.redelivered = true
	}
	q.ready = append(slices.Clone(ms), q.ready...)
}

func (b *Broker) closeConn(c *conn, err *amqp.Error) {
	if c.closed {
		return
	}
	for ch := range c.channels {
		b.closeChannel(ch, err)
	}
	c.closed = true
	delete(b.conns, c)

	for name, q := range b.queues {
		if q.owner != c {
			continue
		}
		delete(b.queues, name)
		b.bindings = slices.DeleteFunc(b.bindings, func(bd Binding) bool { return bd.Queue == name })
	}

	for _, r := range c.closeNotify {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
	c.closeNotify = nil
	for _, r := range c.blockNotify {
		close(r)
	}
	c.blockNotify = nil
}

func (b *Broker) closeChannel(ch *channel, err *amqp.Error) {
	if ch.closed {
		return
	}
	ch.closed = true
	delete(ch.c.channels, ch)

	pending := make([]*unacked, 0, len(ch.unacked))
	for _, u := range ch.unacked {
		pending = append(pending, u)
	}
	slices.SortFunc(pending, func(a, b *unacked) int { return int(a.tag) - int(b.tag) })
	byQueue := map[*queue][]*message{}
	for _, u := range pending {
		byQueue[u.c.q] = append(byQueue[u.c.q], u.m)
	}
	for q, ms := range byQueue {
		b.requeue(q, ms)
	}
	ch.unacked = map[uint64]*unacked{}

	for _, c := range ch.consumers {
		c.q.consumers = slices.DeleteFunc(c.q.consumers, func(o *consumer) bool { return o == c })
		c.q.next = 0
		close(c.out)
	}
	ch.consumers = nil

	for _, r := range ch.closeNotify {
		if err != nil {
			select {
			case r <- err:
			default:
			}
		}
		close(r)
	}
	ch.closeNotify = nil
	for _, r := range ch.flowNotify {
		close(r)
	}
	ch.flowNotify = nil
	for _, r := range ch.cancelNotify {
		close(r)
	}
	ch.cancelNotify = nil
}

func (b *Broker) nextName(prefix string) string {
	b.seq++
	return fmt.Sprintf("%s-%d", prefix, b.seq)
}

func keyMatches(kind string, pattern string, key string) bool {
	switch kind {
	case amqp.ExchangeFanout:
		return true
	case amqp.ExchangeTopic:
		return topicMatches(strings.Split(pattern, "."), strings.Split(key, "."))
	default:
		return pattern == key
	}
}

// Match topic words, '*' matches exactly one word, '#' matches zero or more words.
func topicMatches(pattern []string, words []string) bool {
	if len(pattern) == 0 {
		return len(words) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(words); i++ {
			if topicMatches(pattern[1:], words[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(words) > 0 && topicMatches(pattern[1:], words[1:])
	default:
		return len(words) > 0 && pattern[0] == words[0] && topicMatches(pattern[1:], words[1:])
	}
}

type conn struct {
	b           *Broker
	closed      bool
	channels    map[*channel]struct{}
	closeNotify []chan *amqp.Error
	blockNotify []chan amqp.Blocking
}

func (c *conn) Channel() (transport.Channel, error) {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &channel{b: c.b, c: c, unacked: map[uint64]*unacked{}}
	c.channels[ch] = struct{}{}
	return ch, nil
}

func (c *conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.closeNotify = append(c.closeNotify, receiver)
	return receiver
}

func (c *conn) NotifyBlocked(receiver chan amqp.Blocking) chan amqp.Blocking {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.blockNotify = append(c.blockNotify, receiver)
	return receiver
}

func (c *conn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	return c.closed
}

func (c *conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.b.closeConn(c, nil)
	c.b.dispatch()
	return nil
}

type channel struct {
	b            *Broker
	c            *conn
	closed       bool
	prefetch     int
	confirm      bool
	nextTag      uint64
	consumers    []*consumer
	unacked      map[uint64]*unacked
	closeNotify  []chan *amqp.Error
	flowNotify   []chan bool
	cancelNotify []chan string
}

func (ch *channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if e, ok := b.exchanges[name]; ok {
		if e.Kind != kind || e.Durable != durable {
			return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name), Server: true}
		}
	} else {
		b.exchanges[name] = ExchangeInfo{Name: name, Kind: kind, Durable: durable}
	}
	b.ops = append(b.ops, "exchange.declare "+name)
	return nil
}

func (ch *channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}
	if name == "" {
		name = b.nextName("amq.gen")
	}
	q, ok := b.queues[name]
	if ok {
		if q.info.Exclusive && q.owner != ch.c {
			return amqp.Queue{}, &amqp.Error{Code: amqp.ResourceLocked, Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name), Server: true}
		}
		if q.info.Durable != durable || q.info.Exclusive != exclusive {
			return amqp.Queue{}, &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name), Server: true}
		}
	} else {
		q = &queue{info: QueueInfo{Name: name, Durable: durable, Exclusive: exclusive}}
		if exclusive {
			q.owner = ch.c
		}
		b.queues[name] = q
	}
	b.ops = append(b.ops, "queue.declare "+name)
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *channel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	if _, ok := b.queues[name]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name), Server: true}
	}
	if _, ok := b.exchanges[exchange]; !ok {
		return &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange), Server: true}
	}
	bd := Binding{Queue: name, Exchange: exchange, Key: key}
	if !slices.Contains(b.bindings, bd) {
		b.bindings = append(b.bindings, bd)
	}
	b.ops = append(b.ops, fmt.Sprintf("queue.bind %s %s %s", name, exchange, key))
	return nil
}

func (ch *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *channel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	q, ok := b.queues[queue]
	if !ok {
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", queue), Server: true}
	}
	if q.info.Exclusive && q.owner != ch.c {
		return nil, &amqp.Error{Code: amqp.ResourceLocked, Reason: fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", queue), Server: true}
	}
	if consumerTag == "" {
		consumerTag = b.nextName("ctag")
	}
	limit := ch.prefetch
	if limit < 1 {
		limit = defaultPrefetch
	}
	c := &consumer{ch: ch, q: q, tag: consumerTag, out: make(chan amqp.Delivery, limit), limit: limit, autoAck: autoAck}
	if autoAck {
		// unbounded, keep the buffer large enough for tests
		c.out = make(chan amqp.Delivery, defaultPrefetch)
	}
	q.consumers = append(q.consumers, c)
	ch.consumers = append(ch.consumers, c)
	b.dispatch()
	return c.out, nil
}

func (ch *channel) Confirm(noWait bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.confirm = true
	return nil
}

func (ch *channel) PublishConfirmed(ctx context.Context, exchange, key string, msg amqp.Publishing) (transport.Confirmation, error) {
	b := ch.b
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	if _, ok := b.exchanges[exchange]; !ok && exchange != "" {
		b.mu.Unlock()
		return nil, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange), Server: true}
	}
	hook := b.hook
	b.mu.Unlock()

	if hook != nil {
		if err := hook(Published{Exchange: exchange, Key: key, Msg: msg}); err != nil {
			return transport.ResolvedConfirmation{Err: err}, nil
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.route(exchange, key, msg); err != nil {
		return nil, err
	}
	b.dispatch()
	return transport.ResolvedConfirmation{}, nil
}

func (ch *channel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.closeNotify = append(ch.closeNotify, receiver)
	return receiver
}

func (ch *channel) NotifyFlow(receiver chan bool) chan bool {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.flowNotify = append(ch.flowNotify, receiver)
	return receiver
}

func (ch *channel) NotifyCancel(receiver chan string) chan string {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.cancelNotify = append(ch.cancelNotify, receiver)
	return receiver
}

func (ch *channel) IsClosed() bool {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	return ch.closed
}

func (ch *channel) Close() error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closeChannel(ch, nil)
	b.dispatch()
	return nil
}

func (ch *channel) Ack(tag uint64, multiple bool) error {
	return ch.settle(tag, multiple, true, false)
}

func (ch *channel) Nack(tag uint64, multiple bool, requeue bool) error {
	return ch.settle(tag, multiple, false, requeue)
}

func (ch *channel) Reject(tag uint64, requeue bool) error {
	return ch.settle(tag, false, false, requeue)
}

func (ch *channel) settle(tag uint64, multiple bool, ack bool, requeue bool) error {
	b := ch.b
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}

	var targets []*unacked
	if multiple {
		for t, u := range ch.unacked {
			if t <= tag {
				targets = append(targets, u)
			}
		}
		slices.SortFunc(targets, func(a, b *unacked) int { return int(a.tag) - int(b.tag) })
	} else if u, ok := ch.unacked[tag]; ok {
		targets = append(targets, u)
	}
	if len(targets) == 0 {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag), Server: true}
	}

	requeued := map[*queue][]*message{}
	for _, u := range targets {
		delete(ch.unacked, u.tag)
		u.c.unacked--
		b.settle(u.c.q.info.Name, u.m, ack, requeue)
		if !ack && requeue {
			requeued[u.c.q] = append(requeued[u.c.q], u.m)
		}
	}
	for q, ms := range requeued {
		b.requeue(q, ms)
	}
	b.dispatch()
	return nil
}
