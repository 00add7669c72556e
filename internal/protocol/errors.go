package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

// ErrorKind represents the category of a transport error
type ErrorKind int

const (
	// KindState indicates an operation invalid for the current serving/connected state
	KindState ErrorKind = iota + 1
	// KindNotFound indicates a referenced client id is not registered
	KindNotFound
	// KindDecrypt indicates ciphertext that could not be decrypted (wrong key, corrupted bytes)
	KindDecrypt
	// KindAuthentication indicates a token that failed authentication (tampered or expired)
	KindAuthentication
	// KindDeserialize indicates decrypted bytes that are not a valid payload
	KindDeserialize
	// KindOversize indicates a message larger than the length prefix can represent
	KindOversize
	// KindTransport indicates the connection was reset or closed unexpectedly
	KindTransport
)

// String returns a human-readable name for the error kind
func (k ErrorKind) String() string {
	switch k {
	case KindState:
		return "state error"
	case KindNotFound:
		return "not found"
	case KindDecrypt:
		return "decrypt error"
	case KindAuthentication:
		return "authentication error"
	case KindDeserialize:
		return "deserialize error"
	case KindOversize:
		return "oversize error"
	case KindTransport:
		return "transport error"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int(k))
	}
}

// Sentinels for errors.Is. Every *Error matches the sentinel of its kind.
var (
	ErrState          = &Error{Kind: KindState}
	ErrNotFound       = &Error{Kind: KindNotFound}
	ErrDecrypt        = &Error{Kind: KindDecrypt}
	ErrAuthentication = &Error{Kind: KindAuthentication}
	ErrDeserialize    = &Error{Kind: KindDeserialize}
	ErrOversize       = &Error{Kind: KindOversize}
	ErrTransport      = &Error{Kind: KindTransport}
)

// Error is the error type returned by every dtp package
type Error struct {
	Kind     ErrorKind // Category of error
	Message  string    // Human-readable error message
	ClientID uint64    // Client the error refers to (KindNotFound, KindTransport)
	HasID    bool      // Whether ClientID is meaningful
	Err      error     // Underlying error (if any)
}

// Error implements the error interface
func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Kind.String()
	} else {
		msg = e.Kind.String() + ": " + msg
	}
	if e.HasID {
		msg = fmt.Sprintf("%s (client %d)", msg, e.ClientID)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error for error chain inspection
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. This lets callers
// write errors.Is(err, protocol.ErrNotFound).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// NewStateError creates an error for an operation invoked in the wrong state
func NewStateError(message string) *Error {
	return &Error{Kind: KindState, Message: message}
}

// NewNotFoundError creates an error for an absent client id
func NewNotFoundError(id uint64) *Error {
	return &Error{
		Kind:     KindNotFound,
		Message:  "client does not exist",
		ClientID: id,
		HasID:    true,
	}
}

// NewDecryptError creates a decryption failure
func NewDecryptError(message string, err error) *Error {
	return &Error{Kind: KindDecrypt, Message: message, Err: err}
}

// NewAuthenticationError creates an authentication failure
func NewAuthenticationError(message string, err error) *Error {
	return &Error{Kind: KindAuthentication, Message: message, Err: err}
}

// NewDeserializeError creates a payload decoding failure
func NewDeserializeError(err error) *Error {
	return &Error{Kind: KindDeserialize, Message: "invalid payload", Err: err}
}

// NewOversizeError creates an error for a size the frame prefix cannot carry
func NewOversizeError(size, limit int) *Error {
	if size < 0 {
		return &Error{Kind: KindOversize, Message: fmt.Sprintf("invalid message size %d", size)}
	}
	return oversize(uint64(size), uint64(limit))
}

// NewTransportError creates a connection-level failure
func NewTransportError(message string, err error) *Error {
	return &Error{Kind: KindTransport, Message: message, Err: err}
}

// WithClient returns a copy of e annotated with a client id
func (e *Error) WithClient(id uint64) *Error {
	c := *e
	c.ClientID = id
	c.HasID = true
	return &c
}

// IsStateError checks if an error is a state error
func IsStateError(err error) bool {
	return errors.Is(err, ErrState)
}

// IsNotFound checks if an error refers to an absent client
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsCryptoError checks if an error is a decrypt or authentication failure
func IsCryptoError(err error) bool {
	return errors.Is(err, ErrDecrypt) || errors.Is(err, ErrAuthentication)
}

// IsDeserializeError checks if an error is a payload decoding failure
func IsDeserializeError(err error) bool {
	return errors.Is(err, ErrDeserialize)
}

// IsOversize checks if an error is an oversize failure
func IsOversize(err error) bool {
	return errors.Is(err, ErrOversize)
}

// IsTransportError checks if an error is a transport failure
func IsTransportError(err error) bool {
	return errors.Is(err, ErrTransport)
}

// IsClosedConn reports whether err means the peer went away: orderly close,
// reset, broken pipe, or use of a connection we already closed.
func IsClosedConn(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ENOTCONN) {
		return true
	}
	return errors.Is(err, os.ErrDeadlineExceeded)
}
