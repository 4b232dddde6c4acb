package network

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/vango-dev/mtproto/pkg/session"
	"github.com/vango-dev/mtproto/pkg/tl"
)

// ackThreshold flushes acks without waiting for the ticker.
const ackThreshold = 16

// handleFrame decrypts one inbound frame and dispatches its messages.
func (c *Connection) handleFrame(frame []byte) {
	c.params.Metrics.frame(directionIn, len(frame))

	c.mu.Lock()
	msg, err := c.session.DecryptMessage(frame)
	if err != nil {
		c.mu.Unlock()
		if errors.Is(err, session.ErrUnknownAuthKey) {
			c.params.Metrics.droppedUnknownKey()
			return
		}
		c.logger.Warn("dropping undecryptable frame", "error", err)
		return
	}
	if msg.MsgID&1 == 0 {
		c.mu.Unlock()
		c.logger.Warn("dropping message with client msg_id", "msg_id", msg.MsgID)
		return
	}

	first := !c.usable
	c.usable = true
	c.lastRecv = time.Now()
	c.handleMessage(msg.MsgID, msg.SeqNo, msg.Body)
	s := c.session
	urgent := s.QueuedAcks.Len() >= ackThreshold || s.QueuedRPC.Len() > 0 ||
		s.QueuedResendReq.Len() > 0 || s.QueuedStateReq.Len() > 0 || c.saltsWanted
	c.mu.Unlock()

	if first {
		c.logger.Debug("connection usable")
		c.emit(Event{Kind: EventUsable})
	}
	c.flushEvents()
	if urgent {
		c.notify()
	}
}

// handleMessage dedups and acks one message. Callers hold c.mu.
func (c *Connection) handleMessage(msgID int64, seqNo int32, body []byte) {
	s := c.session
	if seqNo&1 == 1 {
		s.QueuedAcks.PushBack(msgID)
	}
	if s.RecentIncoming.Has(msgID) {
		c.logger.Debug("ignoring duplicate message", "msg_id", msgID)
		return
	}
	s.RecentIncoming.Add(msgID)
	c.handleBody(msgID, body)
}

// handleBody dispatches a message body. Callers hold c.mu.
func (c *Connection) handleBody(msgID int64, body []byte) {
	if len(body) < 4 {
		c.logger.Warn("dropping short message", "msg_id", msgID, "len", len(body))
		return
	}
	switch binary.LittleEndian.Uint32(body) {
	case idMsgContainer:
		c.handleContainer(body[4:])
	case idRPCResult:
		c.handleRPCResult(body[4:])
	case tl.GzipPackedID:
		plain, err := unpackGzip(body)
		if err != nil {
			c.logger.Warn("failed to unpack message", "msg_id", msgID, "error", err)
			return
		}
		c.handleBody(msgID, plain)
	default:
		obj, err := tl.NewDecoder(body, c.params.Readers).ReadBoxed()
		if err != nil {
			if errors.Is(err, tl.ErrUnknownConstructor) && !c.params.DisableUpdates {
				c.queueEvent(Event{Kind: EventUpdate, Raw: body})
				return
			}
			c.logger.Warn("failed to decode message", "msg_id", msgID, "error", err)
			return
		}
		c.handleService(msgID, obj)
	}
}

// handleContainer walks a msg_container body. Callers hold c.mu.
func (c *Connection) handleContainer(data []byte) {
	d := tl.NewDecoder(data, c.params.Readers)
	count, err := d.ReadUint()
	if err != nil {
		c.logger.Warn("malformed container", "error", err)
		return
	}
	for i := uint32(0); i < count; i++ {
		id, err := d.ReadLong()
		if err != nil {
			c.logger.Warn("malformed container", "error", err)
			return
		}
		seq, err := d.ReadInt()
		if err != nil {
			c.logger.Warn("malformed container", "error", err)
			return
		}
		length, err := d.ReadUint()
		if err != nil {
			c.logger.Warn("malformed container", "error", err)
			return
		}
		body, err := d.ReadRaw(int(length))
		if err != nil {
			c.logger.Warn("malformed container", "error", err)
			return
		}
		c.handleMessage(id, seq, body)
	}
}

// handleRPCResult settles the request an rpc_result answers. Callers
// hold c.mu.
func (c *Connection) handleRPCResult(data []byte) {
	if len(data) < 8 {
		c.logger.Warn("malformed rpc_result", "len", len(data))
		return
	}
	reqID := int64(binary.LittleEndian.Uint64(data))
	result := data[8:]

	m, ok := c.session.RemovePending(reqID)
	if !ok {
		c.logger.Debug("rpc_result for unknown request", "req_msg_id", reqID)
		return
	}
	switch p := m.(type) {
	case *session.PendingRPCMessage:
		c.settleRPC(p.RPC, result)
	case *session.BindMessage:
		obj, err := c.decodeResult(result)
		switch {
		case err != nil:
			p.Promise.Reject(err)
		case obj.Type == "rpc_error":
			p.Promise.Reject(&RPCError{
				Code:    obj.Int("errorCode"),
				Message: obj.Str("errorMessage"),
				Method:  "auth.bindTempAuthKey",
			})
		default:
			p.Promise.Resolve(obj)
		}
	case *session.FutureSaltsMessage:
		obj, err := c.decodeResult(result)
		if err != nil {
			c.logger.Warn("failed to decode future salts", "error", err)
			return
		}
		c.applyFutureSalts(obj)
	case *session.CancelMessage:
		c.logger.Debug("rpc answer dropped", "req_msg_id", p.MsgID)
	case *session.PingMessage:
	default:
		c.logger.Debug("rpc_result for service message", "req_msg_id", reqID, "type", fmt.Sprintf("%T", m))
	}
}

// settleRPC resolves or rejects rpc with its raw result. Callers hold c.mu.
func (c *Connection) settleRPC(rpc *session.PendingRPC, result []byte) {
	if rpc.Cancelled {
		return
	}
	raw, err := unpackGzip(result)
	if err != nil {
		rpc.Promise.Reject(fmt.Errorf("network: result of %s: %w", rpc.Method, err))
		return
	}
	if len(raw) >= 4 && binary.LittleEndian.Uint32(raw) == idRPCError {
		obj, err := tl.NewDecoder(raw, c.params.Readers).ReadBoxed()
		if err != nil {
			rpc.Promise.Reject(fmt.Errorf("network: rpc_error of %s: %w", rpc.Method, err))
			return
		}
		rpcErr := &RPCError{
			Code:    obj.Int("errorCode"),
			Message: obj.Str("errorMessage"),
			Method:  rpc.Method,
		}
		c.logger.Debug("rpc error", "method", rpc.Method, "code", rpcErr.Code, "message", rpcErr.Message)
		rpc.Promise.Reject(rpcErr)
		return
	}
	obj, err := c.decodeResult(raw)
	if err != nil {
		rpc.Promise.Reject(fmt.Errorf("network: result of %s: %w", rpc.Method, err))
		return
	}
	rpc.Promise.Resolve(obj)
}

// decodeResult decodes a boxed result. Bool answers become boolTrue or
// boolFalse objects and vectors a "vector" object with an items field.
func (c *Connection) decodeResult(raw []byte) (*tl.Object, error) {
	v, err := tl.NewDecoder(raw, c.params.Readers).ReadObject()
	if err != nil {
		return nil, err
	}
	switch v := v.(type) {
	case *tl.Object:
		return v, nil
	case bool:
		if v {
			return tl.New("boolTrue", nil), nil
		}
		return tl.New("boolFalse", nil), nil
	case []any:
		return tl.New("vector", tl.Fields{"items": v}), nil
	default:
		return nil, fmt.Errorf("unexpected result %T", v)
	}
}

// handleService handles a decoded message that is not an rpc_result.
// Callers hold c.mu.
func (c *Connection) handleService(msgID int64, obj *tl.Object) {
	s := c.session
	switch obj.Type {
	case "msgs_ack":
		ids, _ := tl.Field[[]int64](obj, "msgIds")
		for _, id := range ids {
			switch p := s.Pending[id].(type) {
			case *session.PendingRPCMessage:
				p.RPC.Acked = true
				s.StateSchedule.Remove(p.RPC)
			case *session.ResendMessage:
				s.RemovePending(id)
			}
		}

	case "bad_server_salt":
		s.ServerSalt = obj.Long("newServerSalt")
		c.logger.Debug("server salt updated", "bad_msg_id", obj.Long("badMsgId"))
		c.messageFailed(obj.Long("badMsgId"))

	case "bad_msg_notification":
		c.handleBadMsg(msgID, obj)

	case "new_session_created":
		s.ServerSalt = obj.Long("serverSalt")
		c.saltsWanted = true
		c.logger.Debug("new session created", "first_msg_id", obj.Long("firstMsgId"))

	case "pong":
		if _, ok := s.RemovePending(obj.Long("msgId")); !ok {
			c.logger.Debug("pong for unknown ping", "msg_id", obj.Long("msgId"))
		}

	case "future_salts":
		s.RemovePending(obj.Long("reqMsgId"))
		c.applyFutureSalts(obj)

	case "msgs_state_info":
		c.handleStateInfo(obj)

	case "msg_detailed_info", "msg_new_detailed_info":
		if obj.Type == "msg_detailed_info" {
			s.RemovePending(obj.Long("msgId"))
		}
		answerID := obj.Long("answerMsgId")
		if s.RecentIncoming.Has(answerID) {
			s.QueuedAcks.PushBack(answerID)
		} else {
			s.QueuedResendReq.PushBack(answerID)
		}

	case "destroy_session_ok", "destroy_session_none":
		sid := obj.Long("sessionId")
		if id, ok := s.DestroySessionIDToMsgID[sid]; ok {
			s.RemovePending(id)
			delete(s.DestroySessionIDToMsgID, sid)
		}
		c.logger.Debug("old session destroyed", "session_id", sid, "result", obj.Type)

	case "rpc_answer_unknown", "rpc_answer_dropped_running", "rpc_answer_dropped":
		c.logger.Debug("rpc answer dropped", "result", obj.Type)

	case "msg_resend_req", "msgs_state_req", "msgs_all_info", "msg_copy", "http_wait":
		c.logger.Debug("ignoring service message", "type", obj.Type)

	default:
		if !c.params.DisableUpdates {
			c.queueEvent(Event{Kind: EventUpdate, Update: obj})
		}
	}
}

// handleBadMsg reacts to bad_msg_notification. Callers hold c.mu.
func (c *Connection) handleBadMsg(msgID int64, obj *tl.Object) {
	s := c.session
	badID := obj.Long("badMsgId")
	code := obj.Int("errorCode")

	switch code {
	case 16, 17:
		// msg_id too low or too high: trust the server clock.
		old, updated := s.UpdateTimeOffset(msgID)
		c.logger.Debug("time offset corrected", "code", code, "old", old, "new", updated)
		if code == 17 {
			c.resetSession(true)
		}
	case 32, 33:
		// seqno too low or too high: the server session is out of sync.
		c.logger.Debug("seqno mismatch, resetting session", "code", code)
		c.resetSession(true)
	default:
		c.logger.Warn("message rejected by server", "bad_msg_id", badID, "code", code)
		c.rejectMessage(badID, fmt.Errorf("%w: code %d", ErrBadMessage, code))
		return
	}
	c.messageFailed(badID)
}

// handleStateInfo resends the messages the server has not received.
// Callers hold c.mu.
func (c *Connection) handleStateInfo(obj *tl.Object) {
	m, ok := c.session.RemovePending(obj.Long("reqMsgId"))
	if !ok {
		return
	}
	req, ok := m.(*session.StateMessage)
	if !ok {
		return
	}
	info := obj.Bytes("info")
	for i, id := range req.MsgIDs {
		if i >= len(info) {
			break
		}
		switch info[i] & 7 {
		case 1, 2, 3:
			c.messageFailed(id)
		case 4:
			if p, ok := c.session.Pending[id].(*session.PendingRPCMessage); ok {
				p.RPC.Acked = true
				c.session.StateSchedule.Remove(p.RPC)
			}
		}
	}
}

// applyFutureSalts switches to the salt valid now. Callers hold c.mu.
func (c *Connection) applyFutureSalts(obj *tl.Object) {
	salts, _ := tl.Field[[]any](obj, "salts")
	now := int32(c.session.ServerTime().Unix())
	for _, v := range salts {
		salt, ok := v.(*tl.Object)
		if !ok {
			continue
		}
		if salt.Int("validSince") <= now && now < salt.Int("validUntil") {
			c.session.ServerSalt = salt.Long("salt")
			return
		}
	}
}

// messageFailed queues msgID (or the contents of a container) to be sent
// again. Callers hold c.mu.
func (c *Connection) messageFailed(msgID int64) {
	s := c.session
	m, ok := s.RemovePending(msgID)
	if !ok {
		return
	}
	switch p := m.(type) {
	case *session.PendingRPCMessage:
		s.EnqueueRPC(p.RPC, true)
	case *session.ContainerMessage:
		for _, id := range p.MsgIDs {
			c.messageFailed(id)
		}
	case *session.StateMessage:
		s.QueuedStateReq.PushBack(p.MsgIDs...)
	case *session.ResendMessage:
		s.QueuedResendReq.PushBack(p.MsgIDs...)
	case *session.CancelMessage:
		s.QueuedCancelReq.PushBack(p.MsgID)
	case *session.DestroySessionMessage:
		delete(s.DestroySessionIDToMsgID, p.SessionID)
		c.destroyQueue = append(c.destroyQueue, p.SessionID)
	case *session.FutureSaltsMessage:
		c.saltsWanted = true
	case *session.PingMessage:
	case *session.BindMessage:
		p.Promise.Reject(session.ErrSessionReset)
	}
}

// rejectMessage rejects the requests behind msgID. Callers hold c.mu.
func (c *Connection) rejectMessage(msgID int64, err error) {
	m, ok := c.session.RemovePending(msgID)
	if !ok {
		return
	}
	switch p := m.(type) {
	case *session.PendingRPCMessage:
		p.RPC.Promise.Reject(err)
	case *session.ContainerMessage:
		for _, id := range p.MsgIDs {
			c.rejectMessage(id, err)
		}
	case *session.BindMessage:
		p.Promise.Reject(err)
	}
}

// unpackGzip inflates a boxed gzip_packed value, or returns body as is.
func unpackGzip(body []byte) ([]byte, error) {
	if len(body) < 4 || binary.LittleEndian.Uint32(body) != tl.GzipPackedID {
		return body, nil
	}
	packed, err := tl.NewDecoder(body[4:], nil).ReadBytes()
	if err != nil {
		return nil, err
	}
	return tl.Gunzip(packed)
}
