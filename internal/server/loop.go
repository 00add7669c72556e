package server

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/muurk/dtp/internal/crypt"
	"github.com/muurk/dtp/internal/event"
	"github.com/muurk/dtp/internal/logging"
	"github.com/muurk/dtp/internal/metrics"
	"github.com/muurk/dtp/internal/protocol"
	"github.com/muurk/dtp/internal/registry"
)

// handshakeFrameLimit bounds the sealed session key frame
const handshakeFrameLimit = 4 << 10

type op int

const (
	opTargets op = iota
	opRemove
	opIDs
	opClientAddr
)

// request is a registry operation executed by the loop
type request struct {
	op    op
	ids   []uint64
	reply chan response
}

type response struct {
	clients []*registry.Client
	ids     []uint64
	addr    net.Addr
	err     error
}

// inbound is one read result from a client's reader goroutine
type inbound struct {
	id   uint64
	body []byte
	err  error
}

// cycle is one Start..Stop period: a listener, the loop that owns the
// registry, the acceptor and one reader per client
type cycle struct {
	s        *Server
	listener net.Listener
	group    *errgroup.Group
	handlers *event.Subscription

	accepted  chan net.Conn
	acceptErr chan error
	inbound   chan inbound
	ctl       chan request

	stop     chan struct{}
	stopOnce sync.Once

	// done is closed after the loop has released every client. err is
	// written before that.
	done chan struct{}
	err  error
}

func newCycle(s *Server, ln net.Listener) *cycle {
	return &cycle{
		s:         s,
		listener:  ln,
		group:     &errgroup.Group{},
		accepted:  make(chan net.Conn),
		acceptErr: make(chan error, 1),
		inbound:   make(chan inbound),
		ctl:       make(chan request),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *cycle) finished() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// halt asks the loop to exit. Closing the listener wakes the acceptor.
func (c *cycle) halt() {
	c.stopOnce.Do(func() {
		close(c.stop)
		_ = c.listener.Close()
	})
}

func (c *cycle) stopping() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// accept feeds new connections to the loop until the listener closes
func (c *cycle) accept() error {
	for {
		conn, err := c.listener.Accept()
		if err != nil {
			if c.stopping() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			c.acceptErr <- err
			return err
		}

		select {
		case c.accepted <- conn:
		case <-c.done:
			_ = conn.Close()
			return nil
		}
	}
}

// read feeds frames from one client to the loop. It ends after delivering
// the first read error.
func (c *cycle) read(cl *registry.Client) func() error {
	return func() error {
		for {
			body, err := protocol.ReadFrame(cl.Conn, c.s.opts.MaxFrameSize)
			select {
			case c.inbound <- inbound{id: cl.ID, body: body, err: err}:
			case <-c.done:
				return nil
			}
			if err != nil {
				return nil
			}
		}
	}
}

// run is the loop. It is the only goroutine that touches the registry.
func (c *cycle) run() error {
	defer c.release()

	for {
		select {
		case <-c.stop:
			return nil

		case err := <-c.acceptErr:
			logging.Error("Listener failed", zap.Error(err))
			c.err = protocol.NewTransportError("listener failed", err)
			return c.err

		case conn := <-c.accepted:
			c.admit(conn)

		case in := <-c.inbound:
			c.receive(in)

		case req := <-c.ctl:
			req.reply <- c.handle(req)
		}
	}
}

// release closes every connection and clears the registry when the loop
// exits, without emitting disconnect events
func (c *cycle) release() {
	_ = c.listener.Close()
	for _, cl := range c.s.reg.Clear() {
		_ = cl.Conn.Close()
		cl.Key.Destroy()
	}
	c.s.opts.Metrics.Reset()
	if c.handlers != nil {
		c.s.bus.Unsubscribe(c.handlers)
	}
	close(c.done)
}

// admit runs the handshake and registers the client. The loop is blocked
// for the duration.
func (c *cycle) admit(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logging.LogConnection(remote, "accepted")

	started := time.Now()
	key, err := c.handshake(conn)
	c.s.opts.Metrics.Handshake(time.Since(started).Seconds(), err)
	if err != nil {
		logging.LogHandshake(remote, 0, "", err)
		_ = conn.Close()
		return
	}

	cipher, err := crypt.NewCipher(key, c.s.opts.MessageTTL)
	if err != nil {
		logging.LogHandshake(remote, 0, key.Suite.String(), err)
		_ = conn.Close()
		return
	}

	cl := &registry.Client{
		ID:     c.s.reg.AllocateID(),
		Conn:   conn,
		Key:    key,
		Cipher: cipher,
		Addr:   conn.RemoteAddr(),
	}
	if err := c.s.reg.Insert(cl); err != nil {
		logging.Error("Failed to register client", zap.Uint64("client_id", cl.ID), zap.Error(err))
		_ = conn.Close()
		return
	}

	logging.LogHandshake(remote, cl.ID, key.Suite.String(), nil)
	c.s.opts.Metrics.Connected()
	c.s.bus.Publish(event.Event{Kind: event.Connect, ClientID: cl.ID})
	c.group.Go(c.read(cl))
}

// handshake sends a fresh public key and opens the session key the client
// sealed to it
func (c *cycle) handshake(conn net.Conn) (crypt.SessionKey, error) {
	if t := c.s.opts.HandshakeTimeout; t > 0 {
		_ = conn.SetDeadline(time.Now().Add(t))
		defer func() { _ = conn.SetDeadline(time.Time{}) }()
	}

	kp, err := crypt.GenerateKeyPair()
	if err != nil {
		return crypt.SessionKey{}, err
	}
	defer kp.Destroy()

	pub, err := kp.Public.MarshalBinary()
	if err != nil {
		return crypt.SessionKey{}, err
	}
	if err := protocol.WriteFrame(conn, pub); err != nil {
		return crypt.SessionKey{}, err
	}

	sealed, err := protocol.ReadFrame(conn, handshakeFrameLimit)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return crypt.SessionKey{}, protocol.NewTransportError("client closed during handshake", err)
		}
		return crypt.SessionKey{}, err
	}

	raw, err := kp.Open(sealed)
	if err != nil {
		return crypt.SessionKey{}, err
	}
	key, err := crypt.ParseSessionKey(raw)
	if err != nil {
		return crypt.SessionKey{}, protocol.NewDecryptError("invalid session key", err)
	}
	if want := c.s.opts.Suite; want != 0 && key.Suite != want {
		return crypt.SessionKey{}, protocol.NewAuthenticationError("session key suite "+key.Suite.String()+" not accepted", nil)
	}
	return key, nil
}

// receive handles a reader result. Results for clients that are already
// gone are dropped, so every client produces at most one disconnect.
func (c *cycle) receive(in inbound) {
	cl, err := c.s.reg.Lookup(in.id)
	if err != nil {
		return
	}

	if in.err != nil {
		if errors.Is(in.err, io.EOF) {
			logging.LogConnection(cl.Addr.String(), "closed", zap.Uint64("client_id", cl.ID))
		} else {
			logging.Warn("Client connection failed",
				zap.Uint64("client_id", cl.ID),
				zap.Error(in.err),
			)
		}
		c.drop(cl)
		return
	}

	c.s.opts.Metrics.Frame(metrics.DirectionIn, protocol.SizeWidth+len(in.body))
	logging.LogFrame(cl.ID, metrics.DirectionIn, in.body)

	payload, err := protocol.DeconstructMessage(in.body, cl.Cipher, c.s.opts.Codec)
	if err != nil {
		var perr *protocol.Error
		kind := "unknown"
		if errors.As(err, &perr) {
			kind = perr.Kind.String()
		}
		c.s.opts.Metrics.DecodeError(kind)
		logging.Warn("Dropping client after undecodable message",
			zap.Uint64("client_id", cl.ID),
			zap.String("kind", kind),
			zap.Error(err),
		)
		c.drop(cl)
		return
	}

	c.s.bus.Publish(event.Event{Kind: event.Receive, ClientID: cl.ID, Payload: payload})
}

// drop removes, closes and announces a client
func (c *cycle) drop(cl *registry.Client) {
	if _, err := c.s.reg.Remove(cl.ID); err != nil {
		return
	}
	_ = cl.Conn.Close()
	cl.Key.Destroy()
	c.s.opts.Metrics.Disconnected()
	c.s.bus.Publish(event.Event{Kind: event.Disconnect, ClientID: cl.ID})
}

func (c *cycle) handle(req request) response {
	switch req.op {
	case opTargets:
		if len(req.ids) == 0 {
			return response{clients: c.s.reg.Clients()}
		}
		clients := make([]*registry.Client, 0, len(req.ids))
		for _, id := range req.ids {
			cl, err := c.s.reg.Lookup(id)
			if err != nil {
				return response{err: err}
			}
			clients = append(clients, cl)
		}
		return response{clients: clients}

	case opRemove:
		cl, err := c.s.reg.Lookup(req.ids[0])
		if err != nil {
			return response{err: err}
		}
		logging.LogConnection(cl.Addr.String(), "removed", zap.Uint64("client_id", cl.ID))
		c.drop(cl)
		return response{}

	case opIDs:
		return response{ids: c.s.reg.IDs()}

	case opClientAddr:
		cl, err := c.s.reg.Lookup(req.ids[0])
		if err != nil {
			return response{err: err}
		}
		return response{addr: cl.Addr}
	}
	return response{err: protocol.NewStateError("unknown request")}
}
