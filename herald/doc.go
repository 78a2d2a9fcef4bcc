/*
Package herald implements RPC and events between applications over an AMQP topic broker.

Every application instance declares three durable topic exchanges (rpc-request, rpc-response
and event) and four queues derived from its identity:

	<name>.rpc.in          requests to any instance
	<name>.rpc.in.<uid>    requests to this instance, or to every instance (exclusive)
	<name>.rpc.res         responses to any instance
	<name>.rpc.res.<uid>   responses to this instance, the reply-to address (exclusive)

Requests are {"method", "params", "id"} and responses {"error", "result", "id"}, a response
is matched to the pending call by id. Unanswered calls fail with RPC_TIMEOUT.

The client reconnects with a fixed delay and redeclares the same topology on every connect.
Messages written while disconnected or flow controlled are buffered and written in order.
*/
package herald
