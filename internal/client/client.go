package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dtp/internal/codec"
	"github.com/muurk/dtp/internal/crypt"
	"github.com/muurk/dtp/internal/event"
	"github.com/muurk/dtp/internal/logging"
	"github.com/muurk/dtp/internal/metrics"
	"github.com/muurk/dtp/internal/protocol"
)

// DefaultMaxFrameSize bounds inbound frame bodies unless Options says otherwise
const DefaultMaxFrameSize = 64 << 20

// publicKeyFrameLimit bounds the server's first handshake frame
const publicKeyFrameLimit = 1 << 10

// Options configures a Client. The zero value is usable.
type Options struct {
	// Codec serializes payloads. It must match the server's. Default: codec.JSON
	Codec codec.Codec

	// Suite is the session cipher suite. Default: crypt.SuiteXChaCha20Poly1305
	Suite crypt.Suite

	// MaxFrameSize bounds inbound frame bodies. Default: DefaultMaxFrameSize
	MaxFrameSize int

	// MessageTTL rejects inbound messages older than this. Zero disables
	// the check.
	MessageTTL time.Duration

	// Metrics receives counters. Nil records nothing.
	Metrics *metrics.Collector

	// Handlers are invoked for Receive and Disconnect events
	Handlers event.Handlers
}

// Client is the dialing side of the transport. It holds at most one
// connection at a time and can reconnect after Disconnect.
type Client struct {
	opts Options
	bus  *event.Bus

	mu   sync.Mutex
	sess *session
}

// session is one established connection
type session struct {
	conn     net.Conn
	key      crypt.SessionKey
	cipher   *crypt.Cipher
	handlers *event.Subscription

	writeMu sync.Mutex
	done    chan struct{}
}

// New creates a disconnected Client
func New(opts Options) *Client {
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.Suite == 0 {
		opts.Suite = crypt.SuiteXChaCha20Poly1305
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Client{
		opts: opts,
		bus:  event.NewBus(),
	}
}

// Connect dials addr and performs the key exchange. ctx bounds the dial
// and the handshake, not the connection that results.
func (c *Client) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return protocol.NewStateError("client is already connected")
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return protocol.NewTransportError("failed to connect to "+addr, err)
	}

	started := time.Now()
	key, err := c.handshake(ctx, conn)
	c.opts.Metrics.Handshake(time.Since(started).Seconds(), err)
	if err != nil {
		_ = conn.Close()
		logging.LogHandshake(addr, 0, "", err)
		return err
	}

	cipher, err := crypt.NewCipher(key, c.opts.MessageTTL)
	if err != nil {
		_ = conn.Close()
		return err
	}

	sess := &session{
		conn:   conn,
		key:    key,
		cipher: cipher,
		done:   make(chan struct{}),
	}
	if !c.opts.Handlers.IsZero() {
		sess.handlers = c.bus.Subscribe(c.opts.Handlers.Kinds()...)
		go c.opts.Handlers.Run(sess.handlers)
	}
	c.sess = sess

	logging.LogHandshake(addr, 0, key.Suite.String(), nil)
	c.opts.Metrics.Connected()
	go c.read(sess)
	return nil
}

// handshake runs exchange under ctx's deadline and cancellation
func (c *Client) handshake(ctx context.Context, conn net.Conn) (crypt.SessionKey, error) {
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Now())
	})

	key, err := c.exchange(conn)
	if !stop() {
		return crypt.SessionKey{}, protocol.NewTransportError("handshake interrupted", ctx.Err())
	}
	if err != nil {
		return crypt.SessionKey{}, err
	}
	_ = conn.SetDeadline(time.Time{})
	return key, nil
}

// exchange reads the server's public key and answers with a session key
// sealed to it
func (c *Client) exchange(conn net.Conn) (crypt.SessionKey, error) {
	body, err := protocol.ReadFrame(conn, publicKeyFrameLimit)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return crypt.SessionKey{}, protocol.NewTransportError("server closed during handshake", err)
		}
		return crypt.SessionKey{}, err
	}
	pub, err := crypt.ParsePublicKey(body)
	if err != nil {
		return crypt.SessionKey{}, protocol.NewDecryptError("invalid server public key", err)
	}

	key, err := crypt.NewSessionKey(c.opts.Suite)
	if err != nil {
		return crypt.SessionKey{}, err
	}
	raw, err := key.MarshalBinary()
	if err != nil {
		return crypt.SessionKey{}, err
	}
	sealed, err := crypt.Seal(pub, raw)
	if err != nil {
		return crypt.SessionKey{}, err
	}
	if err := protocol.WriteFrame(conn, sealed); err != nil {
		return crypt.SessionKey{}, err
	}
	return key, nil
}

// read delivers inbound messages until the connection ends
func (c *Client) read(sess *session) {
	defer close(sess.done)

	for {
		body, err := protocol.ReadFrame(sess.conn, c.opts.MaxFrameSize)
		if err != nil {
			if !errors.Is(err, io.EOF) && !protocol.IsClosedConn(err) {
				logging.Warn("Connection to server failed", zap.Error(err))
			}
			break
		}
		c.opts.Metrics.Frame(metrics.DirectionIn, protocol.SizeWidth+len(body))
		logging.LogFrame(0, metrics.DirectionIn, body)

		payload, err := protocol.DeconstructMessage(body, sess.cipher, c.opts.Codec)
		if err != nil {
			logging.Warn("Dropping connection after undecodable message", zap.Error(err))
			break
		}
		c.bus.Publish(event.Event{Kind: event.Receive, Payload: payload})
	}

	c.mu.Lock()
	owned := c.sess == sess
	if owned {
		c.sess = nil
	}
	c.mu.Unlock()

	_ = sess.conn.Close()
	if owned {
		// The server went away; Disconnect did not run
		c.opts.Metrics.Disconnected()
		c.bus.Publish(event.Event{Kind: event.Disconnect})
	}
	if sess.handlers != nil {
		c.bus.Unsubscribe(sess.handlers)
	}
}

// Send encrypts payload and writes it to the server
func (c *Client) Send(payload any) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return protocol.NewStateError("client is not connected")
	}

	frame, err := protocol.ConstructMessage(payload, sess.cipher, c.opts.Codec)
	if err != nil {
		return err
	}

	sess.writeMu.Lock()
	_, err = sess.conn.Write(frame)
	sess.writeMu.Unlock()
	if err != nil {
		return protocol.NewTransportError("failed to write frame", err)
	}
	c.opts.Metrics.Frame(metrics.DirectionOut, len(frame))
	logging.LogFrame(0, metrics.DirectionOut, frame)
	return nil
}

// Disconnect closes the connection and waits for the reader to finish. No
// disconnect event is emitted for a disconnect the caller asked for.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.mu.Unlock()
	if sess == nil {
		return protocol.NewStateError("client is not connected")
	}

	_ = sess.conn.Close()
	<-sess.done
	sess.key.Destroy()
	c.opts.Metrics.Disconnected()
	return nil
}

// Connected reports whether the client holds a live connection
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess != nil
}

// Done is closed when the current connection ends. When not connected it
// returns a closed channel.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess != nil {
		return c.sess.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// LocalAddr returns the local end of the connection
func (c *Client) LocalAddr() (net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, protocol.NewStateError("client is not connected")
	}
	return c.sess.conn.LocalAddr(), nil
}

// ServerAddr returns the remote end of the connection
func (c *Client) ServerAddr() (net.Addr, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, protocol.NewStateError("client is not connected")
	}
	return c.sess.conn.RemoteAddr(), nil
}

// Subscribe returns a subscription to client events of the given kinds, or
// of every kind when none are given
func (c *Client) Subscribe(kinds ...event.Kind) *event.Subscription {
	return c.bus.Subscribe(kinds...)
}

// Unsubscribe ends sub once its queued events have been delivered
func (c *Client) Unsubscribe(sub *event.Subscription) {
	c.bus.Unsubscribe(sub)
}
