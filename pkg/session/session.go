package session

import (
	"encoding/binary"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/vango-dev/mtproto/pkg/crypto"
	"github.com/vango-dev/mtproto/pkg/tl"
)

// Session holds the state of one MTProto session: message id clock,
// sequence numbers, the three auth key slots and the outgoing queues.
//
// Session is not safe for concurrent use; the owning connection
// serializes access.
type Session struct {
	crypto  crypto.Provider
	writers tl.WriterMap
	logger  *slog.Logger
	now     func() time.Time

	sessionID  int64
	timeOffset int64
	lastMsgID  int64
	seqNo      int32

	// AuthKey is the permanent key. TempAuthKey is the current temporary
	// key; TempAuthKeySecondary holds the previous one while the server
	// may still use it.
	AuthKey              *AuthKey
	TempAuthKey          *AuthKey
	TempAuthKeySecondary *AuthKey

	ServerSalt int64

	RecentOutgoing *LRUSet
	RecentIncoming *LRUSet

	QueuedRPC       Queue[*PendingRPC]
	QueuedAcks      Queue[int64]
	QueuedStateReq  Queue[int64]
	QueuedResendReq Queue[int64]
	QueuedCancelReq Queue[int64]

	StateSchedule StateSchedule

	Pending map[int64]PendingMessage
	// DestroySessionIDToMsgID maps destroy_session targets to the request id.
	DestroySessionIDToMsgID map[int64]int64

	InitConnectionCalled bool
	AuthorizationPending bool
}

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithClock replaces the wall clock used for message ids.
func WithClock(now func() time.Time) Option {
	return func(s *Session) { s.now = now }
}

// New creates a session with empty keys and a random session id.
func New(p crypto.Provider, writers tl.WriterMap, opts ...Option) *Session {
	s := &Session{
		crypto:                  p,
		writers:                 writers,
		logger:                  slog.Default(),
		now:                     time.Now,
		AuthKey:                 NewAuthKey(p),
		TempAuthKey:             NewAuthKey(p),
		TempAuthKeySecondary:    NewAuthKey(p),
		RecentOutgoing:          NewLRUSet(DefaultLRUCapacity),
		RecentIncoming:          NewLRUSet(DefaultLRUCapacity),
		Pending:                 make(map[int64]PendingMessage),
		DestroySessionIDToMsgID: make(map[int64]int64),
	}
	s.TempAuthKey.Temp = true
	s.TempAuthKeySecondary.Temp = true
	for _, opt := range opts {
		opt(s)
	}
	s.sessionID = s.randomID()
	return s
}

// ID returns the current session id.
func (s *Session) ID() int64 { return s.sessionID }

// Logger returns the session-scoped logger.
func (s *Session) Logger() *slog.Logger {
	return s.logger.With("session", fmt.Sprintf("%016x", uint64(s.sessionID)))
}

// Writers returns the codec tables used for outgoing messages.
func (s *Session) Writers() tl.WriterMap { return s.writers }

// Now returns the session clock's current time.
func (s *Session) Now() time.Time { return s.now() }

func (s *Session) randomID() int64 {
	if b, err := s.crypto.RandomBytes(8); err == nil {
		return int64(binary.LittleEndian.Uint64(b))
	}
	return int64(rand.Uint64())
}

// Reset clears session state. With withAuthKey it also forgets all keys.
func (s *Session) Reset(withAuthKey bool) {
	if withAuthKey {
		s.AuthKey.Reset()
		s.TempAuthKey.Reset()
		s.TempAuthKeySecondary.Reset()
	}
	s.ResetState(false)
	s.InitConnectionCalled = false
}

// ResetState starts a new session id and resets the message clock.
//
// Unless keepPending is set, every pending RPC is rejected with
// ErrSessionReset and all queues are emptied. With keepPending the RPC
// queue, the pending map and the cancel queue survive so they can be
// resent in the new session.
func (s *Session) ResetState(keepPending bool) {
	s.lastMsgID = 0
	s.seqNo = 0
	s.sessionID = s.randomID()
	s.Logger().Debug("session state reset", "keep_pending", keepPending)

	if !keepPending {
		for _, m := range s.Pending {
			if rpc, ok := m.(*PendingRPCMessage); ok {
				rpc.RPC.Promise.Reject(ErrSessionReset)
			}
		}
		clear(s.Pending)
		clear(s.DestroySessionIDToMsgID)

		for _, rpc := range s.QueuedRPC.Drain() {
			rpc.state = rpcNew
			rpc.Promise.Reject(ErrSessionReset)
		}
		s.QueuedCancelReq.Clear()
	}

	s.RecentOutgoing.Clear()
	s.RecentIncoming.Clear()
	s.QueuedAcks.Clear()
	s.QueuedStateReq.Clear()
	s.QueuedResendReq.Clear()
	s.StateSchedule.Clear()
}

// EnqueueRPC appends rpc to the outgoing queue. A cancelled RPC, one that
// is already queued, or one already sent (unless force) is refused.
func (s *Session) EnqueueRPC(rpc *PendingRPC, force bool) bool {
	if rpc.Cancelled || rpc.state == rpcQueued {
		return false
	}
	if rpc.state == rpcSent && !force {
		return false
	}
	rpc.state = rpcQueued
	rpc.ContainerID = 0
	s.QueuedRPC.PushBack(rpc)
	return true
}

// MessageID returns a new, strictly increasing client message id.
func (s *Session) MessageID() int64 {
	now := s.now()
	sec := now.Unix() + s.timeOffset
	msec := int64(now.Nanosecond() / int(time.Millisecond))
	id := sec<<32 | msec<<21 | int64(rand.IntN(0x10000))<<3 | 4
	if s.lastMsgID >= id {
		id = s.lastMsgID + 4
	}
	s.lastMsgID = id
	return id
}

// SeqNo returns the next sequence number. Content-related messages get an
// odd number and advance the counter.
func (s *Session) SeqNo(contentRelated bool) int32 {
	seq := s.seqNo * 2
	if contentRelated {
		seq++
		s.seqNo++
	}
	return seq
}

// UpdateTimeOffset adjusts the clock offset from a server message id.
// It reports the old and new offsets in seconds.
func (s *Session) UpdateTimeOffset(serverMsgID int64) (old, updated int64) {
	serverTime := serverMsgID >> 32
	old = s.timeOffset
	s.timeOffset = serverTime - s.now().Unix()
	return old, s.timeOffset
}

// TimeOffset returns the server clock offset in seconds.
func (s *Session) TimeOffset() int64 { return s.timeOffset }

// SetTimeOffset restores a known server clock offset.
func (s *Session) SetTimeOffset(seconds int64) { s.timeOffset = seconds }

// ServerTime returns the estimated current server time.
func (s *Session) ServerTime() time.Time {
	return s.now().Add(time.Duration(s.timeOffset) * time.Second)
}

// WriteMessage appends an inner message header and content to enc and
// returns the new message id. content is raw pre-serialized bytes or a
// boxed *tl.Object.
func (s *Session) WriteMessage(enc *tl.Encoder, content any, contentRelated bool) (int64, error) {
	var length int
	switch c := content.(type) {
	case []byte:
		length = len(c)
	case *tl.Object:
		n, err := s.writers.ObjectSize(c)
		if err != nil {
			return 0, err
		}
		length = n
	default:
		return 0, fmt.Errorf("session: cannot write %T as message", content)
	}

	msgID := s.MessageID()
	enc.WriteLong(msgID)
	enc.WriteInt(s.SeqNo(contentRelated))
	enc.WriteUint(uint32(length))
	if raw, ok := content.([]byte); ok {
		enc.WriteRaw(raw)
		return msgID, nil
	}
	return msgID, enc.WriteObject(content)
}

// EncryptMessage encrypts an inner message with the temporary key when
// ready, otherwise the permanent key.
func (s *Session) EncryptMessage(message []byte) ([]byte, error) {
	key := s.AuthKey
	if s.TempAuthKey.Ready() {
		key = s.TempAuthKey
	}
	return key.EncryptMessage(message, s.ServerSalt, s.sessionID)
}

// DecryptMessage routes an encrypted frame to the key its auth_key_id
// names: permanent, temporary, then the secondary temporary key.
// Frames for none of them yield ErrUnknownAuthKey and should be dropped.
func (s *Session) DecryptMessage(frame []byte) (*Message, error) {
	if !s.AuthKey.Ready() {
		return nil, ErrKeyNotReady
	}
	if len(frame) < 8 {
		return nil, fmt.Errorf("%w: frame length %d", ErrMalformedMessage, len(frame))
	}

	keyID := frame[:8]
	for _, key := range []*AuthKey{s.AuthKey, s.TempAuthKey, s.TempAuthKeySecondary} {
		if key.Match(keyID) {
			return key.DecryptMessage(frame, s.sessionID)
		}
	}

	s.Logger().Warn("received message with unknown auth key id", "key_id", fmt.Sprintf("%x", keyID))
	return nil, ErrUnknownAuthKey
}

// RemovePending drops msgID from the pending map and the state schedule.
func (s *Session) RemovePending(msgID int64) (PendingMessage, bool) {
	m, ok := s.Pending[msgID]
	if !ok {
		return nil, false
	}
	delete(s.Pending, msgID)
	if rpc, ok := m.(*PendingRPCMessage); ok {
		s.StateSchedule.Remove(rpc.RPC)
	}
	return m, true
}

// PendingRPCs returns every RPC in the pending map.
func (s *Session) PendingRPCs() []*PendingRPC {
	var out []*PendingRPC
	for _, m := range s.Pending {
		if rpc, ok := m.(*PendingRPCMessage); ok {
			out = append(out, rpc.RPC)
		}
	}
	return out
}

// HasWork reports whether anything is waiting to be flushed.
func (s *Session) HasWork() bool {
	return s.QueuedRPC.Len() > 0 || s.QueuedAcks.Len() > 0 ||
		s.QueuedStateReq.Len() > 0 || s.QueuedResendReq.Len() > 0 ||
		s.QueuedCancelReq.Len() > 0
}
