// Package session implements MTProto session state.
//
// A Session owns three auth key slots (permanent, temporary and the
// previous temporary key), generates monotonic message ids and sequence
// numbers, deduplicates message ids through bounded LRU sets and keeps
// the outgoing queues a connection drains when it flushes:
//
//	QueuedRPC        RPC calls waiting for a transport write
//	QueuedAcks       msg ids to acknowledge with msgs_ack
//	QueuedStateReq   msg ids to query with msgs_state_req
//	QueuedResendReq  msg ids to request with msg_resend_req
//	QueuedCancelReq  msg ids whose answers should be dropped
//
// Messages written but not yet answered are tracked in Pending, keyed by
// message id. Each entry is one of the PendingMessage variants.
//
// # Encryption
//
// AuthKey implements MTProto 2.0: msg_key is bytes 8..24 of
// SHA256(auth_key[88+x:120+x] + plaintext) and the AES-IGE key and iv are
// derived from it, with x = 0 for client to server and x = 8 for server to
// client. Session.EncryptMessage prefers the temporary key when it is
// ready; Session.DecryptMessage picks the key named by the frame's
// auth_key_id.
package session
