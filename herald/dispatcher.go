package herald

import (
	"errors"
	"sync"

	"github.com/NumminorihSF/rabbitmq-herald-client/encoding/json"
	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
	"github.com/NumminorihSF/rabbitmq-herald-client/util/async"
	amqp "github.com/rabbitmq/amqp091-go"
)

const msgFailedToMarshalResult = "Failed to marshal result"

// Handle request consumed from either rpc-in queue.
func (c *Client) onRequest(d amqp.Delivery) {
	rl := inboundRail(d)
	replyTo := d.ReplyTo
	var replyId *uint64
	if id, ok := correlationIdOf(d); ok {
		replyId = &id
	}

	caller, ok := senderOf(d)
	if !ok {
		c.rejectRequest(rl, d, replyTo, replyId, MsgNeedIdentity)
		return
	}

	var req request
	plain, err := c.codec.Decode(d.Body)
	if err == nil {
		err = json.ParseJson(plain, &req)
	}
	if err != nil {
		rl.Debugf("Failed to decode request from %v, %v", caller, err)
		c.rejectRequest(rl, d, replyTo, replyId, MsgNeedValidBody)
		return
	}

	// unaddressable, nobody is waiting for the reply
	if req.Id == nil {
		rl.Warnf("Dropped request without id from %v", caller)
		c.metrics.observeDispatch("", errDispatchRejected)
		c.nack(d)
		return
	}
	replyId = req.Id

	if req.Method == nil || *req.Method == "" {
		c.rejectRequest(rl, d, replyTo, replyId, MsgNeedMethod)
		return
	}
	method := *req.Method

	e, ok := c.handlers.get(method)
	if !ok {
		c.rejectRequest(rl, d, replyTo, replyId, MsgNeedAvailableMethod)
		return
	}

	id := *req.Id
	var once sync.Once
	respond := func(result any, herr error) {
		once.Do(func() {
			c.metrics.observeDispatch(method, herr)
			c.ack(d)
			if replyTo == "" {
				return
			}
			c.reply(rl, replyTo, &id, result, errMsgOf(herr))
		})
	}

	rl.Debugf("Dispatching %v#%v from %v", method, id, caller)
	if perr := async.CapturePanicErr(func() { e.fn.serve(rl, caller, Payload(req.Params), respond) }); perr != nil {
		rl.Errorf("Handler '%v' panicked, %v", method, perr)
		respond(nil, perr)
	}
}

// Nack request, then reply with errMsg if reply-to is known.
func (c *Client) rejectRequest(rl rail.Rail, d amqp.Delivery, replyTo string, id *uint64, errMsg string) {
	rl.Warnf("Rejected request, %v, reply-to: '%v'", errMsg, replyTo)
	c.metrics.observeDispatch("", errDispatchRejected)
	c.nack(d)
	if replyTo != "" {
		c.reply(rl, replyTo, id, nil, errMsg)
	}
}

// Publish response to replyTo, failures are reported as fault.
func (c *Client) reply(rl rail.Rail, replyTo string, id *uint64, result any, errMsg string) {
	res := response{Id: id, Result: nullJson}
	if errMsg == "" {
		raw, err := toRaw(result)
		if err != nil {
			rl.Errorf("Failed to marshal result of %v, %v", replyTo, err)
			errMsg = msgFailedToMarshalResult
		} else {
			res.Result = raw
		}
	}
	if errMsg != "" {
		res.Error = &errMsg
	}

	body, err := json.WriteJson(res)
	if err == nil {
		body, err = c.codec.Encode(body)
	}
	if err != nil {
		c.notifier.notifyFault(ErrProtocol.Wrapf(err, "failed to encode response to '%v'", replyTo))
		return
	}

	c.outbound.Send(&outboundMessage{
		exchange: c.settings.Exchanges.Response,
		key:      replyTo,
		pub:      c.rpcPublishing(rl, body, id, c.settings.RpcTimeout),
		onWritten: func(err error) {
			if err != nil {
				c.notifier.notifyFault(ErrTransport.Wrapf(err, "failed to publish response to '%v'", replyTo))
			}
		},
	})
}

// Handle response consumed from either rpc-res queue.
func (c *Client) onResponse(d amqp.Delivery) {
	rl := inboundRail(d)
	if _, ok := senderOf(d); !ok {
		rl.Warnf("Dropped response without identity, correlation id: '%v'", d.CorrelationId)
		c.nack(d)
		return
	}

	var res response
	plain, err := c.codec.Decode(d.Body)
	if err == nil {
		err = json.ParseJson(plain, &res)
	}
	if err != nil || res.Id == nil {
		rl.Warnf("Dropped malformed response, correlation id: '%v', %v", d.CorrelationId, err)
		c.nack(d)
		return
	}

	p, ok := c.correlator.take(*res.Id)
	if !ok {
		// timed out, duplicate, or for another instance
		rl.Debugf("Dropped response %v, no pending call", *res.Id)
		c.nack(d)
		return
	}
	c.ack(d)

	if res.Error != nil && *res.Error != "" {
		p.cb(nil, ErrRemote.WithMsg("%s", *res.Error))
		return
	}
	p.cb(Payload(res.Result), nil)
}

func (c *Client) ack(d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		c.notifier.notifyFault(ErrTransport.Wrapf(err, "failed to ack delivery %v", d.DeliveryTag))
	}
}

// Nack without requeue.
func (c *Client) nack(d amqp.Delivery) {
	if err := d.Nack(false, false); err != nil {
		c.notifier.notifyFault(ErrTransport.Wrapf(err, "failed to nack delivery %v", d.DeliveryTag))
	}
}

// Error message replied to the caller, panics are not exposed.
func errMsgOf(err error) string {
	if err == nil {
		return ""
	}
	if errors.Is(err, async.ErrPanic) {
		return async.ErrPanic.Msg()
	}
	return err.Error()
}
