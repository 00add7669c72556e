package server

import (
	"context"
	"errors"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dtp/internal/codec"
	"github.com/muurk/dtp/internal/crypt"
	"github.com/muurk/dtp/internal/event"
	"github.com/muurk/dtp/internal/logging"
	"github.com/muurk/dtp/internal/metrics"
	"github.com/muurk/dtp/internal/protocol"
	"github.com/muurk/dtp/internal/registry"
)

// DefaultMaxFrameSize bounds inbound frame bodies unless Options says otherwise
const DefaultMaxFrameSize = 64 << 20

// Options configures a Server. The zero value is usable.
type Options struct {
	// Codec serializes payloads. Default: codec.JSON
	Codec codec.Codec

	// Suite, when set, is the only session cipher suite accepted from
	// clients. Zero accepts every suite.
	Suite crypt.Suite

	// MaxFrameSize bounds inbound frame bodies. Default: DefaultMaxFrameSize
	MaxFrameSize int

	// HandshakeTimeout bounds the key exchange. The handshake runs on the
	// loop, so a silent client stalls every other client until it ends.
	// Zero means no deadline.
	HandshakeTimeout time.Duration

	// MessageTTL rejects inbound messages older than this. Zero disables
	// the check.
	MessageTTL time.Duration

	// Metrics receives counters. Nil records nothing.
	Metrics *metrics.Collector

	// Handlers are invoked for events on a worker goroutine per serve cycle
	Handlers event.Handlers
}

// Server accepts encrypted client connections and exchanges framed messages
// with them. All registry changes happen on a single loop goroutine; the
// exported methods talk to it over a control channel.
type Server struct {
	opts Options
	bus  *event.Bus

	// reg outlives serve cycles so ids are never reused. Only the running
	// loop touches it.
	reg *registry.Registry

	// runMu serializes Start and Stop
	runMu sync.Mutex

	mu    sync.RWMutex
	cycle *cycle
}

// New creates a Server that is not serving yet
func New(opts Options) *Server {
	if opts.Codec == nil {
		opts.Codec = codec.JSON{}
	}
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = DefaultMaxFrameSize
	}
	return &Server{
		opts: opts,
		bus:  event.NewBus(),
		reg:  registry.New(),
	}
}

// DefaultHost returns the address the host name resolves to, or the
// loopback address when it does not resolve
func DefaultHost() string {
	name, err := os.Hostname()
	if err != nil {
		return "127.0.0.1"
	}
	addrs, err := net.LookupHost(name)
	if err != nil || len(addrs) == 0 {
		return "127.0.0.1"
	}
	for _, a := range addrs {
		if ip := net.ParseIP(a); ip != nil && ip.To4() != nil {
			return a
		}
	}
	return addrs[0]
}

// Start binds host:port and begins serving. An empty host means
// DefaultHost; port 0 picks an ephemeral port.
func (s *Server) Start(host string, port int) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	if prev := s.current(); prev != nil {
		if !prev.finished() {
			return protocol.NewStateError("server is already serving")
		}
		// A cycle that died on its own still has goroutines winding down
		_ = prev.group.Wait()
	}

	if host == "" {
		host = DefaultHost()
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return protocol.NewTransportError("failed to listen on "+addr, err)
	}

	c := newCycle(s, ln)
	if !s.opts.Handlers.IsZero() {
		c.handlers = s.bus.Subscribe(s.opts.Handlers.Kinds()...)
		go s.opts.Handlers.Run(c.handlers)
	}

	s.mu.Lock()
	s.cycle = c
	s.mu.Unlock()

	// The loop owns the registry from here on
	logging.Info("Server listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("codec", s.opts.Codec.Name()),
		zap.Uint64("next_client_id", s.reg.NextID()),
	)

	c.group.Go(c.accept)
	c.group.Go(c.run)
	return nil
}

// Stop closes the listener and every client connection and clears the
// registry. No disconnect events are emitted for the clients dropped this
// way. The id counter is kept, so a restarted server never reuses an id.
//
// Stop may be called from an event handler. A handshake in flight is
// allowed to finish or fail first.
func (s *Server) Stop() error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	c := s.current()
	if c == nil || c.finished() {
		return protocol.NewStateError("server is not serving")
	}

	c.halt()
	_ = c.group.Wait()

	logging.Info("Server stopped", zap.String("addr", c.listener.Addr().String()))
	return nil
}

// IsServing reports whether the server is accepting connections
func (s *Server) IsServing() bool {
	c := s.current()
	return c != nil && !c.finished()
}

// Done is closed when the current serve cycle ends, by Stop or by a fatal
// listener error. Before the first Start it returns a closed channel.
func (s *Server) Done() <-chan struct{} {
	if c := s.current(); c != nil {
		return c.done
	}
	closed := make(chan struct{})
	close(closed)
	return closed
}

// Err returns the error that ended the last serve cycle, or nil if it was
// stopped or is still running
func (s *Server) Err() error {
	c := s.current()
	if c == nil || !c.finished() {
		return nil
	}
	return c.err
}

// Serve starts the server and blocks until ctx is done, then stops it. If
// the serve cycle ends on its own first, its error is returned.
func (s *Server) Serve(ctx context.Context, host string, port int) error {
	if err := s.Start(host, port); err != nil {
		return err
	}
	done := s.Done()

	select {
	case <-ctx.Done():
		// Stopped from a handler in the meantime.
		if err := s.Stop(); err != nil && !protocol.IsStateError(err) {
			return err
		}
		return nil
	case <-done:
		return s.Err()
	}
}

// Addr returns the bound listening address
func (s *Server) Addr() (net.Addr, error) {
	c := s.current()
	if c == nil || c.finished() {
		return nil, protocol.NewStateError("server is not serving")
	}
	return c.listener.Addr(), nil
}

// ClientAddr returns the remote address of a connected client
func (s *Server) ClientAddr(id uint64) (net.Addr, error) {
	resp, err := s.call(request{op: opClientAddr, ids: []uint64{id}})
	if err != nil {
		return nil, err
	}
	return resp.addr, nil
}

// ClientIDs returns the connected client ids in ascending order
func (s *Server) ClientIDs() ([]uint64, error) {
	resp, err := s.call(request{op: opIDs})
	if err != nil {
		return nil, err
	}
	return resp.ids, nil
}

// Send encrypts payload for each target client and writes it. With no ids
// the payload is broadcast to every connected client. Every id is checked
// before anything is written, so an unknown id sends nothing.
//
// Writes happen on the calling goroutine. Concurrent Sends to one client
// never interleave their frames.
func (s *Server) Send(payload any, ids ...uint64) error {
	resp, err := s.call(request{op: opTargets, ids: ids})
	if err != nil {
		return err
	}

	var errs []error
	for _, cl := range resp.clients {
		frame, err := protocol.ConstructMessage(payload, cl.Cipher, s.opts.Codec)
		if err != nil {
			// Serialization does not depend on the client
			return err
		}
		if err := cl.Write(frame); err != nil {
			logging.Warn("Send failed",
				zap.Uint64("client_id", cl.ID),
				zap.Error(err),
			)
			errs = append(errs, err)
			continue
		}
		s.opts.Metrics.Frame(metrics.DirectionOut, len(frame))
		logging.LogFrame(cl.ID, metrics.DirectionOut, frame)
	}
	return errors.Join(errs...)
}

// RemoveClient disconnects a client. A disconnect event is emitted once.
func (s *Server) RemoveClient(id uint64) error {
	_, err := s.call(request{op: opRemove, ids: []uint64{id}})
	return err
}

// Subscribe returns a subscription to server events of the given kinds, or
// of every kind when none are given. Subscriptions survive restarts.
func (s *Server) Subscribe(kinds ...event.Kind) *event.Subscription {
	return s.bus.Subscribe(kinds...)
}

// Unsubscribe ends sub once its queued events have been delivered
func (s *Server) Unsubscribe(sub *event.Subscription) {
	s.bus.Unsubscribe(sub)
}

func (s *Server) current() *cycle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cycle
}

// call hands req to the loop and waits for its answer
func (s *Server) call(req request) (response, error) {
	c := s.current()
	if c == nil {
		return response{}, protocol.NewStateError("server is not serving")
	}

	req.reply = make(chan response, 1)
	select {
	case c.ctl <- req:
	case <-c.done:
		return response{}, protocol.NewStateError("server is not serving")
	}

	resp := <-req.reply
	return resp, resp.err
}
