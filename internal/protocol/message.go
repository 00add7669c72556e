package protocol

import (
	"errors"
	"fmt"
)

// ConstructMessage serializes payload, encrypts it and prepends the size of
// the ciphertext. The result is ready to be written to a connection.
func ConstructMessage(payload any, cipher Cipher, codec Codec) ([]byte, error) {
	serialized, err := codec.Marshal(payload)
	if err != nil {
		// A local encoding failure, not a bad payload from the peer
		return nil, fmt.Errorf("failed to serialize payload: %w", err)
	}

	encrypted, err := cipher.Encrypt(serialized)
	if err != nil {
		return nil, err
	}

	return AppendFrame(make([]byte, 0, SizeWidth+len(encrypted)), encrypted)
}

// DeconstructMessage decrypts a frame body and deserializes the payload it
// carries. Cryptographic failures come back as KindDecrypt or
// KindAuthentication errors, a bad payload as KindDeserialize.
func DeconstructMessage(body []byte, cipher Cipher, codec Codec) (any, error) {
	decrypted, err := cipher.Decrypt(body)
	if err != nil {
		var perr *Error
		if errors.As(err, &perr) {
			return nil, err
		}
		return nil, NewDecryptError("failed to decrypt message", err)
	}

	payload, err := codec.Unmarshal(decrypted)
	if err != nil {
		return nil, NewDeserializeError(err)
	}
	return payload, nil
}
