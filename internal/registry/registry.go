package registry

import (
	"fmt"
	"net"
	"sync"

	"github.com/muurk/dtp/internal/crypt"
	"github.com/muurk/dtp/internal/protocol"
)

// ClientID identifies a connected client for the lifetime of a server
type ClientID = uint64

// Client is one registered connection and its negotiated session
type Client struct {
	ID     ClientID
	Conn   net.Conn
	Key    crypt.SessionKey
	Cipher *crypt.Cipher
	Addr   net.Addr

	// writeMu serializes frame writes from concurrent senders
	writeMu sync.Mutex
}

// Write sends one complete frame. Concurrent calls never interleave bytes.
func (c *Client) Write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.Conn.Write(frame); err != nil {
		return protocol.NewTransportError("failed to write frame", err).WithClient(c.ID)
	}
	return nil
}

// Registry maps client ids to their connection and session key.
//
// A Registry is not safe for concurrent use. The server loop is its only
// user; everyone else goes through the loop.
type Registry struct {
	clients map[ClientID]*Client
	order   []ClientID // insertion order
	nextID  ClientID
}

// New creates an empty registry. Ids start at 0.
func New() *Registry {
	return &Registry{
		clients: make(map[ClientID]*Client),
	}
}

// AllocateID returns the next client id. Ids are never reused.
func (r *Registry) AllocateID() ClientID {
	id := r.nextID
	r.nextID++
	return id
}

// NextID reports the id AllocateID would return next
func (r *Registry) NextID() ClientID {
	return r.nextID
}

// Insert registers c under c.ID. Connection and negotiated session are
// inserted together: a client without either is rejected.
func (r *Registry) Insert(c *Client) error {
	if c == nil || c.Conn == nil {
		return fmt.Errorf("client must have a connection")
	}
	if c.Cipher == nil {
		return fmt.Errorf("client %d has no negotiated session", c.ID)
	}
	if _, exists := r.clients[c.ID]; exists {
		return fmt.Errorf("client %d is already registered", c.ID)
	}
	r.clients[c.ID] = c
	r.order = append(r.order, c.ID)
	return nil
}

// Remove evicts id and returns its entry. The caller owns closing the
// connection.
func (r *Registry) Remove(id ClientID) (*Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, protocol.NewNotFoundError(id)
	}
	delete(r.clients, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return c, nil
}

// Lookup returns the entry for id
func (r *Registry) Lookup(id ClientID) (*Client, error) {
	c, ok := r.clients[id]
	if !ok {
		return nil, protocol.NewNotFoundError(id)
	}
	return c, nil
}

// LookupConn returns the connection for id
func (r *Registry) LookupConn(id ClientID) (net.Conn, error) {
	c, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	return c.Conn, nil
}

// LookupKey returns the session key for id
func (r *Registry) LookupKey(id ClientID) (crypt.SessionKey, error) {
	c, err := r.Lookup(id)
	if err != nil {
		return crypt.SessionKey{}, err
	}
	return c.Key, nil
}

// Contains reports whether id is registered
func (r *Registry) Contains(id ClientID) bool {
	_, ok := r.clients[id]
	return ok
}

// IDs returns a snapshot of the registered ids in insertion order
func (r *Registry) IDs() []ClientID {
	return append([]ClientID(nil), r.order...)
}

// Clients returns a snapshot of the registered entries in insertion order
func (r *Registry) Clients() []*Client {
	ids := r.IDs()
	out := make([]*Client, len(ids))
	for i, id := range ids {
		out[i] = r.clients[id]
	}
	return out
}

// Len returns the number of registered clients
func (r *Registry) Len() int {
	return len(r.clients)
}

// Clear removes every entry and returns them in insertion order. The id
// counter is left alone.
func (r *Registry) Clear() []*Client {
	removed := r.Clients()
	r.clients = make(map[ClientID]*Client)
	r.order = nil
	return removed
}
