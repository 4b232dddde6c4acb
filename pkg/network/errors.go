package network

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

var (
	// ErrManagerAlreadyExists is returned by Manager.Connect for a DC that
	// already has a manager.
	ErrManagerAlreadyExists = errors.New("network: dc manager already exists")

	// ErrRPCTimeout rejects a call whose timeout elapsed before an answer.
	ErrRPCTimeout = errors.New("network: rpc timed out")

	// ErrDestroyed rejects calls on a destroyed connection or manager.
	ErrDestroyed = errors.New("network: destroyed")

	// ErrNotConnected is returned by Call before Connect.
	ErrNotConnected = errors.New("network: not connected")

	// ErrUnknownDC is returned when a DC id cannot be resolved.
	ErrUnknownDC = errors.New("network: unknown dc")

	// ErrBadMessage rejects a request the server refused with a
	// bad_msg_notification that cannot be fixed by resending.
	ErrBadMessage = errors.New("network: bad message")
)

// RPCError is an rpc_error answer.
type RPCError struct {
	Code    int32
	Message string
	// Method is the TL method that failed.
	Method string
}

func (e *RPCError) Error() string {
	if e.Method == "" {
		return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("rpc error %d: %s (caused by %s)", e.Code, e.Message, e.Method)
}

// Is matches another *RPCError by message, and by code when the target
// sets one.
func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	if !ok {
		return false
	}
	if t.Code != 0 && t.Code != e.Code {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// Type returns the message without a trailing numeric argument, so
// FLOOD_WAIT_30 becomes FLOOD_WAIT.
func (e *RPCError) Type() string {
	if i := strings.LastIndexByte(e.Message, '_'); i > 0 {
		if _, err := strconv.Atoi(e.Message[i+1:]); err == nil {
			return e.Message[:i]
		}
	}
	return e.Message
}

// Argument returns the trailing number of messages like FLOOD_WAIT_30.
func (e *RPCError) Argument() (int, bool) {
	i := strings.LastIndexByte(e.Message, '_')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(e.Message[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

// AsRPCError unwraps err to an *RPCError.
func AsRPCError(err error) (*RPCError, bool) {
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr, true
	}
	return nil, false
}
