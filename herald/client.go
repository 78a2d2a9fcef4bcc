package herald

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/NumminorihSF/rabbitmq-herald-client/encoding/json"
	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
	"github.com/NumminorihSF/rabbitmq-herald-client/transport"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/async"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/errs"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/retry"
)

/*
RPC and event client of one application instance.

	c, err := herald.NewClient(settings)
	if err != nil {
		return err
	}
	c.AddHandler("ping", herald.TypedHandler(func(rl rail.Rail, req PingReq) (string, error) {
		return "pong", nil
	}))
	if err := c.Connect(); err != nil {
		return err
	}
	defer c.Close()

	res, err := c.Call(rl, "billing", herald.Action{Name: "invoice", Args: req}, nil)
*/
type Client struct {
	settings   Settings
	id         Identity
	codec      Codec
	dial       transport.Dialer
	correlator *correlator
	handlers   *registry
	outbound   *outboundBuffer
	notifier   *notifier
	metrics    *heraldMetrics

	mu        sync.Mutex
	state     ConnState
	running   bool
	closed    bool
	listeners []*listenerQueue
	topology  Topology
	conn      transport.Connection
	pub       transport.Channel
	ready     chan struct{} // closed while connected
	done      *async.SignalOnce
	loopDone  chan struct{}

	flowStopped atomic.Bool
	blocked     atomic.Bool
	eventSeq    atomic.Uint64
}

type Option func(c *Client)

// Dial broker with d instead of amqp091-go.
func WithDialer(d transport.Dialer) Option {
	return func(c *Client) {
		c.dial = d
	}
}

func WithCodec(cd Codec) Option {
	return func(c *Client) {
		if cd != nil {
			c.codec = cd
		}
	}
}

// Create client, it's not connected until Connect is called.
func NewClient(s Settings, opts ...Option) (*Client, error) {
	s = s.withDefaults()
	id, err := s.Identity()
	if err != nil {
		return nil, err
	}
	c := &Client{
		settings:   s,
		id:         id,
		codec:      s.Codec,
		dial:       transport.DialAmqp,
		correlator: newCorrelator(),
		handlers:   newRegistry(),
		notifier:   &notifier{},
		metrics:    loadMetrics(),
		state:      Disconnected,
		ready:      make(chan struct{}),
		done:       async.NewSignalOnce(),
		loopDone:   make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	c.outbound = newOutboundBuffer(c.write, c.notifier.notifyDrained)
	return c, nil
}

// Start connecting in background, calling it again is a no-op.
//
// Use OnConnected or WaitReady to know when the client is connected.
func (c *Client) Connect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	if c.running {
		return nil
	}
	c.running = true
	c.topology = BuildTopology(c.id, c.settings.Exchanges, c.listeners)
	go c.supervise()
	return nil
}

// Disconnect and stop reconnecting, it blocks until the connection is torn down.
//
// Must not be called from the notification observers.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		<-c.loopDone
		return nil
	}
	c.closed = true
	if !c.running {
		c.state = ShuttingDown
		close(c.loopDone)
	}
	c.done.Notify()
	c.mu.Unlock()

	c.outbound.Discard(ErrClientClosed)
	<-c.loopDone
	return nil
}

// Same as Close.
func (c *Client) End() error {
	return c.Close()
}

func (c *Client) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) Identity() Identity {
	return c.id
}

// Number of calls waiting for a response.
func (c *Client) InFlight() int {
	return c.correlator.inFlight()
}

// Number of messages waiting to be written.
func (c *Client) Buffered() int {
	return c.outbound.Len()
}

// Block until the client is connected, the client is closed, or rl is done.
func (c *Client) WaitReady(rl rail.Rail) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	select {
	case <-ready:
		return nil
	case <-c.done.Done():
		return ErrClientClosed
	case <-rl.Done():
		return errs.WrapErrf(rl.Context().Err(), "gave up waiting for connection")
	}
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) setState(s ConnState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = s
}

/*
Call action of targetApp, cb is called exactly once with the result, the remote error or the timeout.

Arguments are validated before anything is written, a nil cb reports errors as fault.
Calls made while disconnected are buffered, their deadline keeps running.
*/
func (c *Client) Rpc(rl rail.Rail, targetApp string, action Action, opts *CallOptions, cb Callback) {
	if cb == nil {
		cb = c.faultCallback(targetApp, action.Name)
	}
	start := time.Now()
	resolve := func(p Payload, err error) {
		c.metrics.observeCall(targetApp, err, time.Since(start))
		cb(p, err)
	}

	if err := validateCall(targetApp, action); err != nil {
		resolve(nil, err)
		return
	}
	if c.isClosed() {
		resolve(nil, ErrClientClosed)
		return
	}
	args, err := toRaw(action.Args)
	if err != nil {
		resolve(nil, ErrWrongArgs.Wrapf(err, "failed to marshal arguments of '%v'", action.Name))
		return
	}

	id := c.correlator.nextId()
	method := action.Name
	body, err := json.WriteJson(request{Method: &method, Params: args, Id: &id})
	if err == nil {
		body, err = c.codec.Encode(body)
	}
	if err != nil {
		resolve(nil, ErrProtocol.Wrapf(err, "failed to encode request '%v'", action.Name))
		return
	}

	timeout := c.settings.RpcTimeout
	key := RouteApp(targetApp)
	if opts != nil {
		if opts.Timeout > 0 {
			timeout = opts.Timeout
		}
		if opts.Instance != "" {
			key = RouteInstance(targetApp, opts.Instance)
		} else if opts.Broadcast {
			key = RouteBroadcast(targetApp)
		}
	}

	c.correlator.register(id, timeout, resolve, func(p *pendingCall) {
		rl.Warnf("Call %v#%v to '%v' timed out after %v", method, id, key, timeout)
		p.cb(nil, ErrRpcTimeout.WithDetail("%v#%v to '%v' timed out after %v", method, id, key, timeout))
	})

	rl.Debugf("Calling %v#%v, key: '%v'", method, id, key)
	c.outbound.Send(&outboundMessage{
		exchange:  c.settings.Exchanges.Request,
		key:       key,
		pub:       c.rpcPublishing(rl, body, &id, timeout),
		abandoned: func() bool { return !c.correlator.has(id) },
		onWritten: func(err error) {
			if err == nil {
				return
			}
			p, ok := c.correlator.take(id)
			if !ok {
				return
			}
			if errors.Is(err, ErrClientClosed) {
				p.cb(nil, err)
				return
			}
			p.cb(nil, ErrTransport.Wrapf(err, "failed to publish %v#%v to '%v'", method, id, key))
		},
	})
}

// Call action of targetApp and wait for the result.
//
// Cancelling rl returns early, the call itself still resolves by response or deadline.
func (c *Client) Call(rl rail.Rail, targetApp string, action Action, opts *CallOptions) (Payload, error) {
	type result struct {
		p   Payload
		err error
	}
	ch := make(chan result, 1)
	c.Rpc(rl, targetApp, action, opts, func(p Payload, err error) {
		ch <- result{p, err}
	})
	select {
	case r := <-ch:
		return r.p, r.err
	case <-rl.Done():
		return nil, errs.WrapErrf(rl.Context().Err(), "gave up waiting for '%v' of '%v'", action.Name, targetApp)
	}
}

// Same as Call, but retries on RPC_TIMEOUT up to the configured retry count.
//
// Other errors are returned as is, a request that reached the remote handler may be executed again.
func (c *Client) CallRetry(rl rail.Rail, targetApp string, action Action, opts *CallOptions) (Payload, error) {
	n := 0
	return retry.GetOne(func() (Payload, error) {
		if n > 0 {
			rl.Infof("Retrying '%v' of '%v', attempt: %v", action.Name, targetApp, n)
		}
		n++
		return c.Call(rl, targetApp, action, opts)
	}, c.settings.RpcRetry, func(err error) bool {
		return errors.Is(err, ErrRpcTimeout) && !rl.IsDone()
	})
}

// Call action of targetApp and bind the result to T.
func CallAs[T any](rl rail.Rail, c *Client, targetApp string, action Action, opts *CallOptions) (T, error) {
	var t T
	p, err := c.Call(rl, targetApp, action, opts)
	if err != nil {
		return t, err
	}
	if err := p.Bind(&t); err != nil {
		return t, ErrProtocol.Wrapf(err, "failed to bind result of '%v'", action.Name)
	}
	return t, nil
}

func validateCall(targetApp string, action Action) error {
	if targetApp == "" {
		return ErrWrongArgs.WithDetail("target application is required")
	}
	if action.Name == "" {
		return ErrWrongArgs.WithDetail("action name is required")
	}
	if action.Args == nil {
		return ErrWrongArgs.WithDetail("arguments of '%v' are required", action.Name)
	}
	return nil
}

func (c *Client) faultCallback(targetApp string, method string) Callback {
	return func(_ Payload, err error) {
		if err != nil {
			c.notifier.notifyFault(errs.WrapErrf(err, "call '%v' of '%v' failed", method, targetApp))
		}
	}
}

// Register handler of action name, false is returned if the name is taken.
func (c *Client) AddHandler(name string, h Handler) bool {
	if name == "" || h == nil {
		return false
	}
	if !c.handlers.add(name, h) {
		return false
	}
	rail.Debugf("Registered handler '%v', arity: %v", name, h.Arity())
	return true
}

// Remove handler, false is returned if there wasn't one.
func (c *Client) RemoveHandler(name string) bool {
	return c.handlers.remove(name)
}

// Names of registered handlers.
func (c *Client) Handlers() []string {
	return c.handlers.names()
}

// Dispatch action to the local handler as if caller called it remotely.
func (c *Client) Invoke(rl rail.Rail, caller Identity, action Action, cb Callback) {
	if cb == nil {
		cb = c.faultCallback(c.id.Name, action.Name)
	}
	if action.Name == "" {
		cb(nil, ErrWrongArgs.WithDetail("action name is required"))
		return
	}
	e, ok := c.handlers.get(action.Name)
	if !ok {
		cb(nil, ErrWrongAction.WithDetail("no handler for '%v'", action.Name))
		return
	}
	args, err := toRaw(action.Args)
	if err != nil {
		cb(nil, ErrWrongArgs.Wrapf(err, "failed to marshal arguments of '%v'", action.Name))
		return
	}

	var once sync.Once
	respond := func(result any, herr error) {
		once.Do(func() {
			if herr != nil {
				cb(nil, herr)
				return
			}
			raw, err := toRaw(result)
			if err != nil {
				cb(nil, ErrProtocol.Wrapf(err, "failed to marshal result of '%v'", action.Name))
				return
			}
			cb(Payload(raw), nil)
		})
	}
	if perr := async.CapturePanicErr(func() { e.fn.serve(rl, caller, Payload(args), respond) }); perr != nil {
		rl.Errorf("Handler '%v' panicked, %v", action.Name, perr)
		respond(nil, perr)
	}
}

// Observe connection, f is called on every (re)connect once consumers are started.
//
// Observers are called in registration order on the connection goroutine.
func (c *Client) OnConnected(f func(id Identity)) {
	c.notifier.addConnected(f)
}

func (c *Client) OnDisconnected(f func(err error)) {
	c.notifier.addDisconnected(f)
}

// Observe the outbound buffer becoming empty after queued messages are written.
func (c *Client) OnDrained(f func()) {
	c.notifier.addDrained(f)
}

// Observe errors that have no caller to return to, e.g., failed reply or failed reconnect.
func (c *Client) OnFault(f func(err error)) {
	c.notifier.addFault(f)
}
