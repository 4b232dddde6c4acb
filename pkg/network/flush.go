package network

import (
	"cmp"
	"context"
	"encoding/binary"
	"math/rand/v2"
	"slices"

	"github.com/vango-dev/mtproto/pkg/session"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

const (
	idMsgContainer uint32 = 0x73f1f8dc
	idRPCResult    uint32 = 0xf35c6d01
	idRPCError     uint32 = 0x2144ca19

	// maxContainerMessages and maxContainerSize cap one msg_container.
	maxContainerMessages = 1020
	maxContainerSize     = 1 << 20

	// maxIDsPerMessage caps the msg_ids vector of acks and state requests.
	maxIDsPerMessage = 8192

	// messageHeaderSize is msg_id, seqno and length.
	messageHeaderSize = 16
)

// outgoing is one message of the next frame.
type outgoing struct {
	body           []byte
	contentRelated bool
	// pending is nil for messages that expect nothing back (acks).
	pending session.PendingMessage
}

// buildInitPrefix serializes invokeWithLayer(layer, initConnection(...))
// up to the wrapped query, so the first request of a session can be
// appended to it.
func (c *Connection) buildInitPrefix() []byte {
	w := c.params.Writers
	invoke, ok := w["invokeWithLayer"]
	if !ok {
		return nil
	}
	initConn, ok := w["initConnection"]
	if !ok {
		return nil
	}
	opts := c.params.Init

	enc := tl.NewEncoder(w)
	enc.WriteUint(invoke.ID)
	enc.WriteInt(c.params.Layer)
	enc.WriteUint(initConn.ID)
	enc.WriteUint(0) // flags: no proxy, no params
	enc.WriteInt(c.params.APIID)
	enc.WriteString(opts.DeviceModel)
	enc.WriteString(opts.SystemVersion)
	enc.WriteString(opts.AppVersion)
	enc.WriteString(opts.SystemLangCode)
	enc.WriteString(opts.LangPack)
	enc.WriteString(opts.LangCode)
	return enc.Bytes()
}

// encode serializes a service message. Callers hold c.mu.
func (c *Connection) encode(typ string, fields tl.Fields) ([]byte, error) {
	return c.params.Writers.Encode(tl.New(typ, fields))
}

// collect drains the session queues into the messages of the next frame.
// Callers hold c.mu.
func (c *Connection) collect() ([]outgoing, error) {
	s := c.session
	var (
		msgs []outgoing
		size int
	)
	add := func(o outgoing) {
		msgs = append(msgs, o)
		size += len(o.body) + messageHeaderSize
	}

	for _, ids := range chunk(s.QueuedAcks.Drain(), maxIDsPerMessage) {
		body, err := c.encode("msgs_ack", tl.Fields{"msgIds": ids})
		if err != nil {
			return nil, err
		}
		add(outgoing{body: body})
	}
	for _, ids := range chunk(s.QueuedStateReq.Drain(), maxIDsPerMessage) {
		body, err := c.encode("msgs_state_req", tl.Fields{"msgIds": ids})
		if err != nil {
			return nil, err
		}
		add(outgoing{body: body, pending: &session.StateMessage{MsgIDs: ids}})
	}
	for _, ids := range chunk(s.QueuedResendReq.Drain(), maxIDsPerMessage) {
		body, err := c.encode("msg_resend_req", tl.Fields{"msgIds": ids})
		if err != nil {
			return nil, err
		}
		add(outgoing{body: body, pending: &session.ResendMessage{MsgIDs: ids}})
	}
	for _, id := range s.QueuedCancelReq.Drain() {
		body, err := c.encode("rpc_drop_answer", tl.Fields{"reqMsgId": id})
		if err != nil {
			return nil, err
		}
		add(outgoing{body: body, contentRelated: true, pending: &session.CancelMessage{MsgID: id}})
	}
	for _, id := range c.destroyQueue {
		body, err := c.encode("destroy_session", tl.Fields{"sessionId": id})
		if err != nil {
			return nil, err
		}
		add(outgoing{body: body, contentRelated: true, pending: &session.DestroySessionMessage{SessionID: id}})
	}
	c.destroyQueue = nil
	if c.saltsWanted {
		c.saltsWanted = false
		body, err := c.encode("get_future_salts", tl.Fields{"num": int32(futureSaltsCount)})
		if err != nil {
			return nil, err
		}
		add(outgoing{body: body, contentRelated: true, pending: &session.FutureSaltsMessage{}})
	}
	if c.pingWanted {
		c.pingWanted = false
		pingID := rand.Int64()
		body, err := c.encode("ping_delay_disconnect", tl.Fields{
			"pingId":          pingID,
			"disconnectDelay": int32(pingDisconnectDelay),
		})
		if err != nil {
			return nil, err
		}
		add(outgoing{body: body, contentRelated: true, pending: &session.PingMessage{PingID: pingID}})
	}

	for len(msgs) < maxContainerMessages {
		rpc, ok := s.QueuedRPC.Peek()
		if !ok {
			break
		}
		if rpc.Cancelled {
			s.QueuedRPC.PopFront()
			continue
		}
		body := rpc.Data
		withInit := !s.InitConnectionCalled && c.initPrefix != nil
		if withInit {
			body = append(slices.Clip(c.initPrefix), rpc.Data...)
		}
		if len(msgs) > 0 && size+len(body)+messageHeaderSize > maxContainerSize {
			break
		}
		s.QueuedRPC.PopFront()
		if withInit {
			s.InitConnectionCalled = true
			rpc.InitConn = true
		}
		add(outgoing{body: body, contentRelated: true, pending: &session.PendingRPCMessage{RPC: rpc}})
	}
	return msgs, nil
}

// buildFrame serializes and encrypts the next frame, registering every
// message in the pending table. It returns nil when there is nothing to
// send or no usable key. Callers hold c.mu.
func (c *Connection) buildFrame() ([]byte, error) {
	s := c.session
	if !s.AuthKey.Ready() || (c.params.PFS && !s.TempAuthKey.Ready()) {
		return nil, nil
	}
	msgs, err := c.collect()
	if err != nil || len(msgs) == 0 {
		return nil, err
	}

	ids := make([]int64, len(msgs))
	seqs := make([]int32, len(msgs))
	write := func(enc *tl.Encoder, i int) error {
		start := enc.Len()
		id, err := s.WriteMessage(enc, msgs[i].body, msgs[i].contentRelated)
		if err != nil {
			return err
		}
		ids[i] = id
		seqs[i] = int32(binary.LittleEndian.Uint32(enc.Bytes()[start+8:]))
		return nil
	}

	enc := tl.NewEncoder(c.params.Writers)
	var containerID int64
	if len(msgs) == 1 {
		err = write(enc, 0)
	} else {
		inner := tl.NewEncoder(c.params.Writers)
		for i := range msgs {
			if err = write(inner, i); err != nil {
				break
			}
		}
		if err == nil {
			container := tl.NewEncoderWithCap(c.params.Writers, inner.Len()+8)
			container.WriteUint(idMsgContainer)
			container.WriteUint(uint32(len(msgs)))
			container.WriteRaw(inner.Bytes())
			containerID, err = s.WriteMessage(enc, container.Bytes(), false)
		}
	}
	if err != nil {
		c.requeue(msgs)
		return nil, err
	}

	now := s.Now()
	if containerID != 0 {
		s.Pending[containerID] = &session.ContainerMessage{MsgIDs: ids}
	}
	for i, m := range msgs {
		s.RecentOutgoing.Add(ids[i])
		switch p := m.pending.(type) {
		case nil:
			continue
		case *session.PendingRPCMessage:
			p.RPC.MarkSent(ids[i], seqs[i], containerID)
			p.RPC.Acked = false
			p.RPC.StateAt = now.Add(c.params.StateRequestDelay)
			s.StateSchedule.Insert(p.RPC)
		case *session.StateMessage:
			p.ContainerID = containerID
		case *session.ResendMessage:
			p.ContainerID = containerID
		case *session.CancelMessage:
			p.ContainerID = containerID
		case *session.PingMessage:
			p.ContainerID = containerID
		case *session.FutureSaltsMessage:
			p.ContainerID = containerID
		case *session.DestroySessionMessage:
			p.ContainerID = containerID
			s.DestroySessionIDToMsgID[p.SessionID] = ids[i]
		}
		s.Pending[ids[i]] = m.pending
	}

	return s.EncryptMessage(enc.Bytes())
}

// requeue puts the RPCs of a frame that failed to serialize back at the
// head of the queue. Callers hold c.mu.
func (c *Connection) requeue(msgs []outgoing) {
	var rpcs []*session.PendingRPC
	for _, m := range msgs {
		if p, ok := m.pending.(*session.PendingRPCMessage); ok {
			rpcs = append(rpcs, p.RPC)
		}
	}
	c.session.QueuedRPC.PushFront(rpcs...)
	if len(rpcs) > 0 && rpcs[0].InitConn {
		c.session.InitConnectionCalled = false
	}
}

// flush sends everything queued as one frame.
func (c *Connection) flush(ctx context.Context, t transport.Transport) error {
	c.mu.Lock()
	frame, err := c.buildFrame()
	c.mu.Unlock()
	if err != nil {
		c.logger.Error("failed to build frame", "error", err)
		return err
	}
	if frame == nil {
		return nil
	}
	c.params.Metrics.frame(directionOut, len(frame))
	return t.Send(ctx, frame)
}

func chunk(ids []int64, n int) [][]int64 {
	var out [][]int64
	for len(ids) > n {
		out = append(out, ids[:n:n])
		ids = ids[n:]
	}
	if len(ids) > 0 {
		out = append(out, ids)
	}
	return out
}

func sortByMsgID(rpcs []*session.PendingRPC) {
	slices.SortFunc(rpcs, func(a, b *session.PendingRPC) int {
		return cmp.Compare(a.MsgID, b.MsgID)
	})
}
