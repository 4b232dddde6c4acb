package session

import (
	"context"
	"sync"
	"time"

	"github.com/vango-dev/mtproto/pkg/tl"
)

// Promise is a one-shot result slot. The first Resolve or Reject wins;
// later calls are ignored.
type Promise struct {
	mu      sync.Mutex
	done    chan struct{}
	settled bool
	value   *tl.Object
	err     error
}

func NewPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Resolve settles the promise with v. It reports whether this call settled it.
func (p *Promise) Resolve(v *tl.Object) bool {
	return p.settle(v, nil)
}

// Reject settles the promise with err. It reports whether this call settled it.
func (p *Promise) Reject(err error) bool {
	return p.settle(nil, err)
}

func (p *Promise) settle(v *tl.Object, err error) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.settled {
		return false
	}
	p.settled = true
	p.value, p.err = v, err
	close(p.done)
	return true
}

// Done is closed once the promise settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

func (p *Promise) Settled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settled
}

// Result returns the settled value. It must only be called after Done is closed.
func (p *Promise) Result() (*tl.Object, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.err
}

// Wait blocks until the promise settles or ctx ends.
func (p *Promise) Wait(ctx context.Context) (*tl.Object, error) {
	select {
	case <-p.done:
		return p.Result()
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type rpcState int

const (
	rpcNew rpcState = iota
	rpcQueued
	rpcSent
)

// PendingRPC is one outgoing RPC call from enqueue until it settles.
type PendingRPC struct {
	Method string
	// Data is the boxed request body.
	Data    []byte
	Promise *Promise

	MsgID       int64
	SeqNo       int32
	ContainerID int64

	Acked     bool
	Cancelled bool
	// InitConn marks the request that carried initConnection.
	InitConn bool

	CreatedAt time.Time
	// StateAt is when msgs_state_req should be sent if no answer arrived.
	StateAt time.Time
	Timeout time.Duration

	state         rpcState
	scheduleIndex int
}

// NewPendingRPC creates an unqueued RPC for method with the boxed body data.
func NewPendingRPC(method string, data []byte) *PendingRPC {
	return &PendingRPC{
		Method:        method,
		Data:          data,
		Promise:       NewPromise(),
		CreatedAt:     time.Now(),
		scheduleIndex: -1,
	}
}

// Sent reports whether the RPC has been written to a connection.
func (r *PendingRPC) Sent() bool { return r.state == rpcSent }

// Queued reports whether the RPC is waiting in the outgoing queue.
func (r *PendingRPC) Queued() bool { return r.state == rpcQueued }

// MarkSent records that the RPC went out as msgID (inside containerID, or 0).
func (r *PendingRPC) MarkSent(msgID int64, seqNo int32, containerID int64) {
	r.state = rpcSent
	r.MsgID = msgID
	r.SeqNo = seqNo
	r.ContainerID = containerID
}

// PendingMessage is an outgoing message awaiting acknowledgement or an
// answer. The concrete types below are the complete set.
type PendingMessage interface {
	pendingMessage()
}

type (
	// PendingRPCMessage is an RPC call.
	PendingRPCMessage struct {
		RPC *PendingRPC
	}

	// ContainerMessage is a msg_container wrapping MsgIDs.
	ContainerMessage struct {
		MsgIDs []int64
	}

	// StateMessage is a msgs_state_req for MsgIDs.
	StateMessage struct {
		MsgIDs      []int64
		ContainerID int64
	}

	// ResendMessage is a msg_resend_req for MsgIDs.
	ResendMessage struct {
		MsgIDs      []int64
		ContainerID int64
	}

	// PingMessage is a ping or ping_delay_disconnect.
	PingMessage struct {
		PingID      int64
		ContainerID int64
	}

	// DestroySessionMessage is a destroy_session for SessionID.
	DestroySessionMessage struct {
		SessionID   int64
		ContainerID int64
	}

	// CancelMessage is an rpc_drop_answer for MsgID.
	CancelMessage struct {
		MsgID       int64
		ContainerID int64
	}

	// FutureSaltsMessage is a get_future_salts request.
	FutureSaltsMessage struct {
		ContainerID int64
	}

	// BindMessage is an auth.bindTempAuthKey request.
	BindMessage struct {
		Promise *Promise
	}
)

func (*PendingRPCMessage) pendingMessage()     {}
func (*ContainerMessage) pendingMessage()      {}
func (*StateMessage) pendingMessage()          {}
func (*ResendMessage) pendingMessage()         {}
func (*PingMessage) pendingMessage()           {}
func (*DestroySessionMessage) pendingMessage() {}
func (*CancelMessage) pendingMessage()         {}
func (*FutureSaltsMessage) pendingMessage()    {}
func (*BindMessage) pendingMessage()           {}

// Container returns the id of the container a pending message was sent
// in, or 0.
func Container(m PendingMessage) int64 {
	switch m := m.(type) {
	case *PendingRPCMessage:
		return m.RPC.ContainerID
	case *StateMessage:
		return m.ContainerID
	case *ResendMessage:
		return m.ContainerID
	case *PingMessage:
		return m.ContainerID
	case *DestroySessionMessage:
		return m.ContainerID
	case *CancelMessage:
		return m.ContainerID
	case *FutureSaltsMessage:
		return m.ContainerID
	}
	return 0
}
