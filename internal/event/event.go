package event

import (
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/dtp/internal/logging"
)

// Kind names an event channel
type Kind int

const (
	// Connect fires once a client finished its handshake and is registered
	Connect Kind = iota + 1
	// Disconnect fires once a client has been removed from the registry
	Disconnect
	// Receive fires for every message decoded from a client
	Receive
)

// String returns the channel name
func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case Receive:
		return "receive"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Event is one lifecycle or data notification
type Event struct {
	Kind     Kind
	ClientID uint64
	Payload  any // set for Receive only
	Time     time.Time
}

// Subscription delivers the events of the kinds it was created for, in the
// order they were published. C is closed when the subscription ends.
type Subscription struct {
	C <-chan Event

	kinds  map[Kind]bool
	out    chan Event
	notify chan struct{}
	done   chan struct{}
	bus    *Bus

	mu       sync.Mutex
	queue    []Event
	closed   bool
	draining bool
}

func newSubscription(kinds []Kind) *Subscription {
	s := &Subscription{
		kinds:  make(map[Kind]bool, len(kinds)),
		out:    make(chan Event),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	s.C = s.out
	for _, k := range kinds {
		s.kinds[k] = true
	}
	go s.deliver()
	return s
}

func (s *Subscription) wants(k Kind) bool {
	return len(s.kinds) == 0 || s.kinds[k]
}

// push queues ev without blocking
func (s *Subscription) push(ev Event) {
	s.mu.Lock()
	if s.closed || s.draining {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *Subscription) deliver() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		if len(s.queue) == 0 {
			draining := s.draining
			s.mu.Unlock()
			if draining {
				return
			}
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}
		ev := s.queue[0]
		s.queue[0] = Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}

// Close detaches the subscription from its bus and ends it immediately,
// dropping undelivered events
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.queue = nil
	close(s.done)
	s.mu.Unlock()

	// Publish takes the bus lock before s.mu, so detach without holding s.mu.
	if s.bus != nil {
		s.bus.detach(s)
	}
}

// drain stops accepting events; C closes after the queue is delivered
func (s *Subscription) drain() {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued, undelivered events
func (s *Subscription) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Bus fans events out to subscriptions. Publish never blocks, so a slow
// subscriber cannot stall the publisher.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

// NewBus creates an empty bus
func NewBus() *Bus {
	return &Bus{subs: make(map[*Subscription]struct{})}
}

// Subscribe returns a subscription for kinds, or for every kind if none
// are given
func (b *Bus) Subscribe(kinds ...Kind) *Subscription {
	s := newSubscription(kinds)
	s.bus = b
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Unsubscribe detaches s from the bus and lets it deliver what it already
// holds before closing C
func (b *Bus) Unsubscribe(s *Subscription) {
	b.detach(s)
	s.drain()
}

func (b *Bus) detach(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Len returns the number of attached subscriptions
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish queues ev on every interested subscription
func (b *Bus) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for s := range b.subs {
		if s.wants(ev.Kind) {
			s.push(ev)
		}
	}
}

// Close ends every subscription after its queued events are delivered
func (b *Bus) Close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()
	for s := range subs {
		s.drain()
	}
}

// Handlers are callbacks invoked for events. Nil fields are skipped.
type Handlers struct {
	OnConnect    func(clientID uint64)
	OnDisconnect func(clientID uint64)
	OnReceive    func(clientID uint64, payload any)
}

// IsZero reports whether no handler is set
func (h Handlers) IsZero() bool {
	return h.OnConnect == nil && h.OnDisconnect == nil && h.OnReceive == nil
}

// Kinds returns the event kinds these handlers consume
func (h Handlers) Kinds() []Kind {
	var kinds []Kind
	if h.OnConnect != nil {
		kinds = append(kinds, Connect)
	}
	if h.OnDisconnect != nil {
		kinds = append(kinds, Disconnect)
	}
	if h.OnReceive != nil {
		kinds = append(kinds, Receive)
	}
	return kinds
}

// Run invokes the handlers for every event on sub until its channel closes.
// Handlers run one at a time, so events of one client are handled in order.
// A panicking handler is logged and the event dropped.
func (h Handlers) Run(sub *Subscription) {
	for ev := range sub.C {
		h.dispatch(ev)
	}
}

func (h Handlers) dispatch(ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Event handler panicked",
				zap.String("event", ev.Kind.String()),
				zap.Uint64("client_id", ev.ClientID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
		}
	}()

	switch ev.Kind {
	case Connect:
		if h.OnConnect != nil {
			h.OnConnect(ev.ClientID)
		}
	case Disconnect:
		if h.OnDisconnect != nil {
			h.OnDisconnect(ev.ClientID)
		}
	case Receive:
		if h.OnReceive != nil {
			h.OnReceive(ev.ClientID, ev.Payload)
		}
	}
}
