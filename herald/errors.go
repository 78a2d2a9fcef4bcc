package herald

import "github.com/NumminorihSF/rabbitmq-herald-client/util/errs"

const (
	CodeWrongArgs      = "WRONG_ARGS"
	CodeWrongAction    = "WRONG_ACTION"
	CodeRpcTimeout     = "RPC_TIMEOUT"
	CodeTransportError = "TRANSPORT_ERROR"
	CodeProtocolError  = "PROTOCOL_ERROR"
	CodeRemoteError    = "REMOTE_ERROR"
	CodeClientClosed   = "CLIENT_CLOSED"
)

// Error messages replied to malformed requests.
const (
	MsgNeedIdentity        = "Need identity header"
	MsgNeedValidBody       = "Need valid message body"
	MsgNeedMethod          = "Need method field"
	MsgNeedAvailableMethod = "Need available method field"
)

var (
	ErrWrongArgs    = errs.NewErrfCode(CodeWrongArgs, "wrong arguments")
	ErrWrongAction  = errs.NewErrfCode(CodeWrongAction, "wrong action")
	ErrRpcTimeout   = errs.NewErrfCode(CodeRpcTimeout, "rpc timeout")
	ErrTransport    = errs.NewErrfCode(CodeTransportError, "transport error")
	ErrProtocol     = errs.NewErrfCode(CodeProtocolError, "protocol error")
	ErrRemote       = errs.NewErrfCode(CodeRemoteError, "remote error")
	ErrClientClosed = errs.NewErrfCode(CodeClientClosed, "client closed")
)
