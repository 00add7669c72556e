package crypt

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/cloudflare/circl/cipher/ascon"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/muurk/dtp/internal/protocol"
)

// Suite selects the AEAD used for session traffic
type Suite byte

const (
	// SuiteXChaCha20Poly1305 is the default session cipher
	SuiteXChaCha20Poly1305 Suite = 1
	// SuiteAscon128a is a lighter alternative (16 byte key, 16 byte nonce)
	SuiteAscon128a Suite = 2
)

const (
	// SessionKeySize is the size of the secret part of a session key
	SessionKeySize = 32

	tokenVersion byte = 0x80

	// version | suite | timestamp
	tokenHeaderSize = 1 + 1 + 8

	// maxClockSkew is how far in the future a token timestamp may be
	maxClockSkew = 60 * time.Second
)

// String returns the suite name used in logs and config files
func (s Suite) String() string {
	switch s {
	case SuiteXChaCha20Poly1305:
		return "xchacha20poly1305"
	case SuiteAscon128a:
		return "ascon128a"
	default:
		return fmt.Sprintf("Suite(%d)", byte(s))
	}
}

// ParseSuite maps a config name to a Suite. Empty selects the default.
func ParseSuite(name string) (Suite, error) {
	switch name {
	case "", "xchacha20poly1305":
		return SuiteXChaCha20Poly1305, nil
	case "ascon128a":
		return SuiteAscon128a, nil
	default:
		return 0, fmt.Errorf("unknown cipher suite %q (valid: xchacha20poly1305, ascon128a)", name)
	}
}

func (s Suite) newAEAD(key []byte) (cipher.AEAD, error) {
	switch s {
	case SuiteXChaCha20Poly1305:
		return chacha20poly1305.NewX(key)
	case SuiteAscon128a:
		return ascon.New(key[:ascon.KeySize], ascon.Ascon128a)
	default:
		return nil, fmt.Errorf("unknown cipher suite %d", byte(s))
	}
}

// SessionKey is the symmetric key negotiated once per connection
type SessionKey struct {
	Suite  Suite
	secret [SessionKeySize]byte
}

// NewSessionKey generates a random session key for suite
func NewSessionKey(suite Suite) (SessionKey, error) {
	key := SessionKey{Suite: suite}
	if _, err := suite.newAEAD(key.secret[:]); err != nil {
		return SessionKey{}, err
	}
	if _, err := io.ReadFull(rand.Reader, key.secret[:]); err != nil {
		return SessionKey{}, fmt.Errorf("failed to read random session key: %w", err)
	}
	return key, nil
}

// MarshalBinary encodes the key as suite | secret
func (k SessionKey) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, 1+SessionKeySize)
	out = append(out, byte(k.Suite))
	return append(out, k.secret[:]...), nil
}

// ParseSessionKey decodes a key produced by SessionKey.MarshalBinary
func ParseSessionKey(data []byte) (SessionKey, error) {
	if len(data) != 1+SessionKeySize {
		return SessionKey{}, fmt.Errorf("session key must be %d bytes, got %d", 1+SessionKeySize, len(data))
	}
	key := SessionKey{Suite: Suite(data[0])}
	if _, err := key.Suite.newAEAD(data[1:]); err != nil {
		return SessionKey{}, err
	}
	copy(key.secret[:], data[1:])
	return key, nil
}

// Destroy zeroes the secret
func (k *SessionKey) Destroy() {
	for i := range k.secret {
		k.secret[i] = 0
	}
}

// Cipher encrypts and decrypts session traffic. It is safe for concurrent use.
type Cipher struct {
	suite Suite
	aead  cipher.AEAD
	ttl   time.Duration
	now   func() time.Time
}

// NewCipher builds a Cipher for key. Tokens older than ttl are rejected on
// Decrypt; ttl <= 0 accepts tokens of any age.
func NewCipher(key SessionKey, ttl time.Duration) (*Cipher, error) {
	aead, err := key.Suite.newAEAD(key.secret[:])
	if err != nil {
		return nil, fmt.Errorf("failed to create %s cipher: %w", key.Suite, err)
	}
	return &Cipher{
		suite: key.Suite,
		aead:  aead,
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

// Encrypt seals plaintext into a token:
//
//	version(1) | suite(1) | unix seconds(8, big endian) | nonce | ciphertext+tag
//
// The header is authenticated as associated data. A fresh random nonce is
// drawn for every call, so equal plaintexts give different tokens.
func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	out := make([]byte, tokenHeaderSize+ns, tokenHeaderSize+ns+len(plaintext)+c.aead.Overhead())
	out[0] = tokenVersion
	out[1] = byte(c.suite)
	binary.BigEndian.PutUint64(out[2:tokenHeaderSize], uint64(c.now().Unix()))

	nonce := out[tokenHeaderSize:]
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("failed to read random nonce: %w", err)
	}
	return c.aead.Seal(out, nonce, plaintext, out[:tokenHeaderSize]), nil
}

// Decrypt opens a token produced by Encrypt under the same key
func (c *Cipher) Decrypt(token []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(token) < tokenHeaderSize+ns+c.aead.Overhead() {
		return nil, protocol.NewDecryptError("token too short", nil)
	}
	if token[0] != tokenVersion {
		return nil, protocol.NewDecryptError(fmt.Sprintf("unknown token version 0x%02x", token[0]), nil)
	}
	if Suite(token[1]) != c.suite {
		return nil, protocol.NewDecryptError(fmt.Sprintf("token suite %s does not match session suite %s", Suite(token[1]), c.suite), nil)
	}

	header := token[:tokenHeaderSize]
	nonce := token[tokenHeaderSize : tokenHeaderSize+ns]
	plaintext, err := c.aead.Open(nil, nonce, token[tokenHeaderSize+ns:], header)
	if err != nil {
		return nil, protocol.NewAuthenticationError("token failed authentication", err)
	}

	if c.ttl > 0 {
		issued := time.Unix(int64(binary.BigEndian.Uint64(header[2:])), 0)
		now := c.now()
		if issued.Add(c.ttl).Before(now) {
			return nil, protocol.NewAuthenticationError("token expired", nil)
		}
		if issued.After(now.Add(maxClockSkew)) {
			return nil, protocol.NewAuthenticationError("token issued in the future", nil)
		}
	}
	return plaintext, nil
}
