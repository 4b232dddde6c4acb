package handshake

import (
	"encoding/binary"
	"fmt"
)

// EncodePlain frames an unencrypted message:
// auth_key_id = 0 (8) | msg_id (8) | length (4) | body.
func EncodePlain(msgID int64, body []byte) []byte {
	out := make([]byte, 20, 20+len(body))
	binary.LittleEndian.PutUint64(out[8:16], uint64(msgID))
	binary.LittleEndian.PutUint32(out[16:20], uint32(len(body)))
	return append(out, body...)
}

// DecodePlain parses an unencrypted message frame.
func DecodePlain(frame []byte) (msgID int64, body []byte, err error) {
	if len(frame) < 20 {
		return 0, nil, fmt.Errorf("%w: plain frame of %d bytes", ErrUnexpectedMessage, len(frame))
	}
	if keyID := binary.LittleEndian.Uint64(frame[:8]); keyID != 0 {
		return 0, nil, fmt.Errorf("%w: auth_key_id %016x in plain frame", ErrUnexpectedMessage, keyID)
	}
	msgID = int64(binary.LittleEndian.Uint64(frame[8:16]))
	length := int(binary.LittleEndian.Uint32(frame[16:20]))
	if length > len(frame)-20 {
		return 0, nil, fmt.Errorf("%w: plain length %d exceeds frame", ErrUnexpectedMessage, length)
	}
	return msgID, frame[20 : 20+length], nil
}
