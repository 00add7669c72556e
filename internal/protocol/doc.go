// Package protocol implements dtp framing and message encoding.
//
// Every unit on the wire is a frame: a fixed-width length prefix followed by
// that many body bytes. Messages are frames whose body is the encrypted,
// serialized payload.
//
// # Frame Format
//
//	+----------------------+---------------------------+
//	| size (5 bytes, BE)   | body (size bytes)         |
//	+----------------------+---------------------------+
//
// The size is an unsigned big-endian integer, so a body may be up to
// MaxFrameSize (2^40 - 1) bytes. Readers pass their own, smaller limit to
// ReadFrame; a prefix above it fails with KindOversize before any body byte
// is read.
//
// # Message Format
//
// A message body is cipher.Encrypt(codec.Marshal(payload)). The cipher and
// codec are supplied by the caller (see packages crypt and codec), which
// keeps this package free of key handling.
//
// # Errors
//
// Every failure is an *Error with a Kind:
//
//   - KindState: operation not valid in the current state
//   - KindNotFound: unknown client id
//   - KindDecrypt, KindAuthentication: ciphertext rejected
//   - KindDeserialize: plaintext is not a valid payload
//   - KindOversize: frame larger than the reader accepts
//   - KindTransport: the connection failed
//
// Use the Is* helpers or errors.Is against the sentinel values to test for a
// kind.
//
// # Usage Example - Sending
//
//	frame, err := protocol.ConstructMessage(payload, cipher, codec.JSON{})
//	if err != nil {
//	    return err
//	}
//	_, err = conn.Write(frame)
//
// # Usage Example - Receiving
//
//	body, err := protocol.ReadFrame(conn, 64<<20)
//	if err != nil {
//	    return err // io.EOF when the peer closed between frames
//	}
//	payload, err := protocol.DeconstructMessage(body, cipher, codec.JSON{})
//
// # Thread Safety
//
// All functions are stateless. Concurrent writers to one connection must
// serialize their WriteFrame calls.
package protocol
