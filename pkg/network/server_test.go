package network

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/vango-dev/mtproto/pkg/crypto"
	"github.com/vango-dev/mtproto/pkg/handshake"
	"github.com/vango-dev/mtproto/pkg/handshake/handshaketest"
	"github.com/vango-dev/mtproto/pkg/session"
	"github.com/vango-dev/mtproto/pkg/tl"
	"github.com/vango-dev/mtproto/pkg/transport"
)

var (
	rsaKeyOnce sync.Once
	rsaKey     *rsa.PrivateKey
	rsaKeyErr  error
)

func testRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	rsaKeyOnce.Do(func() {
		rsaKey, rsaKeyErr = rsa.GenerateKey(rand.Reader, 2048)
	})
	if rsaKeyErr != nil {
		t.Fatalf("rsa.GenerateKey() error = %v", rsaKeyErr)
	}
	return rsaKey
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testAuthKey(seed byte) []byte {
	key := make([]byte, session.AuthKeySize)
	for i := range key {
		key[i] = seed + byte(i)
	}
	return key
}

// request is one client message seen by the fake server, with
// invokeWithLayer and initConnection unwrapped.
type request struct {
	conn  *serverConn
	msgID int64
	salt  int64
	obj   *tl.Object
	// init is the initConnection wrapper, when present.
	init  *tl.Object
	layer int32
	// keyID is the key the request was encrypted with; temp and bound
	// describe it at the time the request arrived.
	keyID     int64
	sessionID int64
	temp      bool
	bound     bool
}

func (r *request) reply(result *tl.Object) {
	data, err := r.conn.srv.writers.Encode(result)
	if err != nil {
		return
	}
	body := make([]byte, 0, 12+len(data))
	body = binary.LittleEndian.AppendUint32(body, idRPCResult)
	body = binary.LittleEndian.AppendUint64(body, uint64(r.msgID))
	body = append(body, data...)
	r.conn.sendRaw(body, true)
}

func (r *request) replyError(code int32, message string) {
	r.reply(tl.New("rpc_error", tl.Fields{"errorCode": code, "errorMessage": message}))
}

// fakeServer speaks enough MTProto to negotiate a key and answer calls.
type fakeServer struct {
	hs      *handshaketest.Server
	readers tl.ReaderMap
	writers tl.WriterMap

	requests chan *request

	mu      sync.Mutex
	key     *session.AuthKey
	salt    int64
	dials   int
	conns   []*serverConn
	handler func(*request) bool
	// temp holds negotiated temporary keys by id; bound marks the ones
	// attached to the permanent key.
	temp  map[int64]*session.AuthKey
	bound map[int64]bool
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	hs, err := handshaketest.New(testRSAKey(t))
	if err != nil {
		t.Fatalf("handshaketest.New() error = %v", err)
	}
	readers, writers, err := tl.CompileDocuments([]string{tl.MTProtoSchema(), tl.APISchema()}, tl.WithMethodReaders())
	if err != nil {
		t.Fatalf("CompileDocuments() error = %v", err)
	}
	s := &fakeServer{
		hs:       hs,
		readers:  readers,
		writers:  writers,
		requests: make(chan *request, 1024),
		temp:     make(map[int64]*session.AuthKey),
		bound:    make(map[int64]bool),
	}
	t.Cleanup(s.closeAll)
	return s
}

// handle installs h; it returns true when it answered the request.
func (s *fakeServer) handle(h func(*request) bool) {
	s.mu.Lock()
	s.handler = h
	s.mu.Unlock()
}

func (s *fakeServer) setKey(key []byte, salt int64) {
	k := session.NewAuthKey(crypto.Default())
	if err := k.Set(key); err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.key = k.Mirror()
	s.salt = salt
	s.mu.Unlock()
}

func (s *fakeServer) addTempKey(key []byte, salt int64) {
	k := session.NewAuthKey(crypto.Default())
	if err := k.Set(key); err != nil {
		panic(err)
	}
	s.mu.Lock()
	s.temp[k.KeyID()] = k.Mirror()
	s.salt = salt
	s.mu.Unlock()
}

// forgetTempKeys drops every temporary key, as a server does on expiry.
func (s *fakeServer) forgetTempKeys() {
	s.mu.Lock()
	clear(s.temp)
	clear(s.bound)
	s.mu.Unlock()
}

// lookupKey finds the permanent or temporary key a frame was sent with.
func (s *fakeServer) lookupKey(keyID []byte) (key *session.AuthKey, temp bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.key != nil && s.key.Match(keyID) {
		return s.key, false
	}
	if k, ok := s.temp[int64(binary.LittleEndian.Uint64(keyID))]; ok {
		return k, true
	}
	return nil, false
}

func (s *fakeServer) tempKeyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.temp)
}

func (s *fakeServer) isBound(keyID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bound[keyID]
}

// bindTempKey checks an auth.bindTempAuthKey request against the
// permanent key and marks the temporary key it arrived with as bound.
func (s *fakeServer) bindTempKey(r *request) error {
	perm, _ := s.currentKey()
	if perm == nil || !r.temp {
		return fmt.Errorf("binding without a permanent and a temporary key")
	}
	msgID, raw, err := perm.DecryptBinding(r.obj.Bytes("encryptedMessage"))
	if err != nil {
		return err
	}
	inner, err := s.readers.Decode(raw)
	if err != nil {
		return err
	}
	switch {
	case msgID != r.msgID:
		return fmt.Errorf("binding msg_id %d, request %d", msgID, r.msgID)
	case inner.Type != "bind_auth_key_inner":
		return fmt.Errorf("binding carries %s", inner.Type)
	case inner.Long("permAuthKeyId") != perm.KeyID() || r.obj.Long("permAuthKeyId") != perm.KeyID():
		return fmt.Errorf("binding names another permanent key")
	case inner.Long("tempAuthKeyId") != r.keyID:
		return fmt.Errorf("binding names another temporary key")
	case inner.Long("tempSessionId") != r.sessionID:
		return fmt.Errorf("binding session %d, request session %d", inner.Long("tempSessionId"), r.sessionID)
	case inner.Long("nonce") != r.obj.Long("nonce") || inner.Int("expiresAt") != r.obj.Int("expiresAt"):
		return fmt.Errorf("binding nonce or expiry differ from the request")
	}

	s.mu.Lock()
	s.bound[r.keyID] = true
	s.mu.Unlock()
	return nil
}

func (s *fakeServer) setSalt(salt int64) {
	s.mu.Lock()
	s.salt = salt
	s.mu.Unlock()
}

func (s *fakeServer) currentKey() (*session.AuthKey, int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.key, s.salt
}

func (s *fakeServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *fakeServer) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.mu.Unlock()
	for _, c := range conns {
		c.conn.Close()
	}
}

func (s *fakeServer) factory() transport.Factory {
	return func(ctx context.Context, dc transport.DC) (transport.Transport, error) {
		client, server := net.Pipe()
		sc := &serverConn{srv: s, conn: server, r: bufio.NewReader(server)}
		s.mu.Lock()
		s.dials++
		s.conns = append(s.conns, sc)
		s.mu.Unlock()
		go sc.serve()
		return transport.NewStream(client, transport.Intermediate{}, dc, nil)
	}
}

// waitRequest returns the next request of type typ.
func (s *fakeServer) waitRequest(t *testing.T, typ string) *request {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case r := <-s.requests:
			if r.obj.Type == typ {
				return r
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
			return nil
		}
	}
}

func (s *fakeServer) dispatch(r *request) {
	select {
	case s.requests <- r:
	default:
	}
	s.mu.Lock()
	h := s.handler
	s.mu.Unlock()
	if h != nil && h(r) {
		return
	}
	defaultReply(r)
}

func defaultReply(r *request) {
	switch r.obj.Type {
	case "msgs_ack", "msgs_state_req", "msg_resend_req", "get_future_salts":
	case "ping", "ping_delay_disconnect":
		r.conn.push(tl.New("pong", tl.Fields{"msgId": r.msgID, "pingId": r.obj.Long("pingId")}), false)
	case "destroy_session":
		r.conn.push(tl.New("destroy_session_ok", tl.Fields{"sessionId": r.obj.Long("sessionId")}), false)
	case "rpc_drop_answer":
		r.reply(tl.New("rpc_answer_dropped_running", nil))
	case "help.getNearestDc":
		r.reply(tl.New("nearestDc", tl.Fields{"country": "NL", "thisDc": int32(2), "nearestDc": int32(2)}))
	case "auth.bindTempAuthKey":
		if err := r.conn.srv.bindTempKey(r); err != nil {
			r.replyError(400, "ENCRYPTED_MESSAGE_INVALID")
			return
		}
		r.reply(tl.New("boolTrue", nil))
	case "updates.getState":
		r.reply(tl.New("updates.state", tl.Fields{
			"pts": int32(1), "qts": int32(0), "date": int32(time.Now().Unix()), "seq": int32(1), "unreadCount": int32(0),
		}))
	default:
		r.replyError(400, "METHOD_INVALID")
	}
}

// serverConn is the server end of one pipe.
type serverConn struct {
	srv  *fakeServer
	conn net.Conn
	r    *bufio.Reader

	writeMu sync.Mutex

	mu        sync.Mutex
	key       *session.AuthKey
	temp      bool
	sessionID int64
	seq       int32
	lastID    int64
}

func (c *serverConn) Send(_ context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err := c.conn.Write(transport.Intermediate{}.Encode(frame))
	return err
}

func (c *serverConn) Recv(context.Context) ([]byte, error) {
	return transport.Intermediate{}.Decode(c.r)
}

// sendCode sends a 4-byte transport error packet.
func (c *serverConn) sendCode(code int32) error {
	return c.Send(context.Background(), binary.LittleEndian.AppendUint32(nil, uint32(code)))
}

func (c *serverConn) push(obj *tl.Object, contentRelated bool) {
	body, err := c.srv.writers.Encode(obj)
	if err != nil {
		return
	}
	c.sendRaw(body, contentRelated)
}

// sendRaw encrypts body as one server message and returns its id.
func (c *serverConn) sendRaw(body []byte, contentRelated bool) int64 {
	c.mu.Lock()
	id := time.Now().Unix()<<32 | 1
	if id <= c.lastID {
		id = c.lastID + 4
	}
	c.lastID = id
	seq := c.seq * 2
	if contentRelated {
		seq++
		c.seq++
	}
	sid := c.sessionID
	key := c.key
	c.mu.Unlock()

	msg := make([]byte, 0, 16+len(body))
	msg = binary.LittleEndian.AppendUint64(msg, uint64(id))
	msg = binary.LittleEndian.AppendUint32(msg, uint32(seq))
	msg = binary.LittleEndian.AppendUint32(msg, uint32(len(body)))
	msg = append(msg, body...)

	perm, salt := c.srv.currentKey()
	if key == nil {
		key = perm
	}
	if key == nil {
		return 0
	}
	frame, err := key.EncryptMessage(msg, salt, sid)
	if err != nil {
		return 0
	}
	c.Send(context.Background(), frame)
	return id
}

func (c *serverConn) serve() {
	defer c.conn.Close()
	preamble := make([]byte, 4)
	if _, err := io.ReadFull(c.r, preamble); err != nil {
		return
	}
	ctx := context.Background()
	for {
		frame, err := c.Recv(ctx)
		if err != nil || len(frame) < 8 {
			return
		}
		if binary.LittleEndian.Uint64(frame) == 0 {
			req, err := c.srv.hs.Decode(frame, "req_pq_multi")
			if err != nil {
				return
			}
			res, err := c.srv.hs.ServeFrom(ctx, c, req)
			if err != nil {
				return
			}
			if res.ExpiresIn > 0 {
				c.srv.addTempKey(res.AuthKey, res.ServerSalt)
			} else {
				c.srv.setKey(res.AuthKey, res.ServerSalt)
			}
			continue
		}

		key, temp := c.srv.lookupKey(frame[:8])
		if key == nil {
			c.sendCode(-404)
			continue
		}
		msg, err := key.DecryptMessage(frame, 0)
		if err != nil {
			return
		}
		c.mu.Lock()
		c.key = key
		c.temp = temp
		c.sessionID = msg.SessionID
		c.mu.Unlock()
		c.handleBody(msg.MsgID, msg.Salt, msg.Body)
	}
}

func (c *serverConn) handleBody(msgID, salt int64, body []byte) {
	if len(body) < 4 {
		return
	}
	if binary.LittleEndian.Uint32(body) == idMsgContainer {
		d := tl.NewDecoder(body[4:], nil)
		n, _ := d.ReadUint()
		for i := uint32(0); i < n; i++ {
			id, _ := d.ReadLong()
			d.ReadInt()
			length, _ := d.ReadUint()
			raw, err := d.ReadRaw(int(length))
			if err != nil {
				return
			}
			c.handleBody(id, salt, raw)
		}
		return
	}

	obj, err := tl.NewDecoder(body, c.srv.readers).ReadBoxed()
	if err != nil {
		return
	}
	c.mu.Lock()
	r := &request{conn: c, msgID: msgID, salt: salt, obj: obj, sessionID: c.sessionID, temp: c.temp}
	if c.key != nil {
		r.keyID = c.key.KeyID()
	}
	c.mu.Unlock()
	r.bound = r.temp && c.srv.isBound(r.keyID)
	if obj.Type == "invokeWithLayer" {
		r.layer = obj.Int("layer")
		r.init = obj.Object("query")
		r.obj = r.init.Object("query")
		if r.obj == nil {
			return
		}
	}
	c.srv.dispatch(r)
}

// testConnParams returns params for a main connection to srv.
func testConnParams(srv *fakeServer) ConnectionParams {
	return ConnectionParams{
		DC:       transport.DC{ID: 2, Address: "127.0.0.1", Port: 443},
		Kind:     KindMain,
		Main:     true,
		Factory:  srv.factory(),
		Strategy: ExponentialStrategy(10*time.Millisecond, 50*time.Millisecond, 0),
		Keys:     []*handshake.PublicKey{srv.hs.PublicKey()},
		APIID:    12345,
		Init: InitConnectionOptions{
			DeviceModel:    "test",
			SystemVersion:  "1.0",
			AppVersion:     "1.0",
			SystemLangCode: "en",
			LangCode:       "en",
		},
		FlushInterval: 10 * time.Millisecond,
		Logger:        discardLogger(),
	}
}

// blockingFactory never connects; it returns when ctx ends.
func blockingFactory(ctx context.Context, dc transport.DC) (transport.Transport, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}
