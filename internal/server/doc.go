// Package server implements the accepting side of the encrypted transport.
//
// A Server listens on TCP, performs a key exchange with every connecting
// client, assigns it an id and then exchanges length-prefixed encrypted
// messages with it. Events for connects, disconnects and received messages
// are delivered through subscriptions or event.Handlers.
//
// # Architecture
//
// One loop goroutine owns the client registry. An acceptor goroutine and
// one reader goroutine per client feed it over channels, and the exported
// methods reach it through a control channel:
//
//	acceptor ──conn──▶ ┐
//	reader N ─frame──▶ ├─▶ loop ──▶ registry, event bus
//	Send/Remove ─ctl─▶ ┘
//
// The key exchange runs on the loop itself. While a client is in its
// handshake no other client is served. Options.HandshakeTimeout bounds
// how long that can last.
//
// # Handshake
//
//  1. The server generates a one-off X25519 keypair for the connection.
//  2. It writes the public key as an unencrypted frame.
//  3. It reads one frame holding a session key sealed to that public key.
//  4. It opens the session key and destroys the keypair.
//
// Only then is an id allocated, so failed handshakes never consume ids.
//
// # Lifecycle
//
// Start binds and begins serving; Stop closes every connection and clears
// the registry without emitting disconnect events. A stopped server can be
// started again and continues numbering clients where it left off. Serve
// wraps the pair for callers that scope a server to a context.
//
// # Usage Example
//
//	srv := server.New(server.Options{
//	    Handlers: event.Handlers{
//	        OnReceive: func(id uint64, payload any) {
//	            _ = srv.Send(payload, id)
//	        },
//	    },
//	})
//	if err := srv.Start("", config.DefaultPort); err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop()
//
// # Thread Safety
//
// All Server methods are safe for concurrent use and may be called from
// event handlers, Stop included.
package server
