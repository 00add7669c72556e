package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/muurk/dtp/internal/protocol"
)

const (
	// PublicKeySize is the size of an X25519 public key
	PublicKeySize = curve25519.PointSize

	// publicKeyFormat prefixes an encoded public key. Bump when the
	// asymmetric scheme changes.
	publicKeyFormat byte = 1

	// MaxSealSize bounds the plaintext Seal accepts. Seal only ever carries
	// a session key.
	MaxSealSize = 1024

	// sealOverhead is the ephemeral public key, the nonce and the tag
	sealOverhead = PublicKeySize + chacha20poly1305.NonceSize + chacha20poly1305.Overhead
)

var sealInfo = []byte("dtp seal v1")

// PublicKey is an X25519 public key
type PublicKey [PublicKeySize]byte

// MarshalBinary encodes the key as sent in the first handshake frame
func (p PublicKey) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 1+PublicKeySize)
	out = append(out, publicKeyFormat)
	return append(out, p[:]...), nil
}

// ParsePublicKey decodes a key produced by PublicKey.MarshalBinary
func ParsePublicKey(data []byte) (PublicKey, error) {
	var pub PublicKey
	if len(data) != 1+PublicKeySize {
		return pub, fmt.Errorf("public key must be %d bytes, got %d", 1+PublicKeySize, len(data))
	}
	if data[0] != publicKeyFormat {
		return pub, fmt.Errorf("unsupported public key format %d", data[0])
	}
	copy(pub[:], data[1:])
	return pub, nil
}

// KeyPair is a one-off X25519 keypair. It is generated per connection,
// used to open exactly one sealed session key and then destroyed.
type KeyPair struct {
	Public  PublicKey
	private [32]byte
}

// GenerateKeyPair creates a fresh X25519 keypair from crypto/rand
func GenerateKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := io.ReadFull(rand.Reader, kp.private[:]); err != nil {
		return nil, fmt.Errorf("failed to read random private key: %w", err)
	}

	// https://cr.yp.to/ecdh.html
	kp.private[0] &= 248
	kp.private[31] &= 127
	kp.private[31] |= 64

	pub, err := curve25519.X25519(kp.private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("failed to derive public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Open decrypts a message produced by Seal for this keypair's public key
func (kp *KeyPair) Open(sealed []byte) ([]byte, error) {
	if len(sealed) < sealOverhead {
		return nil, protocol.NewDecryptError("sealed message too short", nil)
	}
	ephemeral := sealed[:PublicKeySize]
	rest := sealed[PublicKeySize:]

	aead, err := sealCipher(kp.private[:], ephemeral, ephemeral, kp.Public[:])
	if err != nil {
		return nil, protocol.NewDecryptError("failed to derive seal key", err)
	}

	nonce, ciphertext := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, ephemeral)
	if err != nil {
		return nil, protocol.NewDecryptError("failed to open sealed message", err)
	}
	return plaintext, nil
}

// Destroy zeroes the private key. The keypair is unusable afterwards.
func (kp *KeyPair) Destroy() {
	for i := range kp.private {
		kp.private[i] = 0
	}
}

// Seal encrypts plaintext so that only the holder of the private half of
// recipient can read it. Each call uses a fresh ephemeral keypair.
//
// Output layout: ephemeral public key | nonce | ciphertext+tag
func Seal(recipient PublicKey, plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxSealSize {
		return nil, protocol.NewOversizeError(len(plaintext), MaxSealSize)
	}

	ephemeral, err := GenerateKeyPair()
	if err != nil {
		return nil, err
	}
	defer ephemeral.Destroy()

	aead, err := sealCipher(ephemeral.private[:], recipient[:], ephemeral.Public[:], recipient[:])
	if err != nil {
		return nil, fmt.Errorf("failed to derive seal key: %w", err)
	}

	out := make([]byte, 0, sealOverhead+len(plaintext))
	out = append(out, ephemeral.Public[:]...)

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to read random nonce: %w", err)
	}
	out = append(out, nonce...)

	// The ephemeral key is bound in as associated data.
	return aead.Seal(out, nonce, plaintext, ephemeral.Public[:]), nil
}

// sealCipher computes the X25519 shared secret between scalar and point and
// derives a ChaCha20-Poly1305 key from it with HKDF-SHA256. Both public keys
// go into the salt so sender and recipient derive the same key.
func sealCipher(scalar, point, ephemeralPub, recipientPub []byte) (cipher.AEAD, error) {
	shared, err := curve25519.X25519(scalar, point)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, 0, 2*PublicKeySize)
	salt = append(salt, ephemeralPub...)
	salt = append(salt, recipientPub...)

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, sealInfo), key); err != nil {
		return nil, err
	}
	return chacha20poly1305.New(key)
}
