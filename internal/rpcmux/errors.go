package rpcmux

import "errors"

// ErrConnectFailed and ErrIoBroken are recovered locally by the worker
// (retry with backoff) and only counted in metrics, as is ErrSendFailed
// when a user's outbound channel cannot take a notification. ErrTimeout,
// ErrUnknownSubscription and ErrParseError returned by a call are mapped
// by the ingress layer onto a JSON-RPC error object; a client frame that
// fails to parse before any call is made is only counted. ErrMisroutedCall
// is returned by DispatchToSubscribers to its caller.
var (
	ErrConnectFailed       = errors.New("rpcmux: could not reach upstream")
	ErrIoBroken            = errors.New("rpcmux: upstream connection broken")
	ErrParseError          = errors.New("rpcmux: inbound frame is not valid JSON-RPC")
	ErrUnknownSubscription = errors.New("rpcmux: subscription request key not registered")
	ErrMisroutedCall       = errors.New("rpcmux: call result passed to dispatch_to_subscribers")
	ErrTimeout             = errors.New("rpcmux: call timed out waiting for upstream reply")
	ErrSendFailed          = errors.New("rpcmux: user outbound channel is closed")
)
