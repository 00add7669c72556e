// Package registry holds the server's authoritative mapping from client id
// to connection and session key.
//
// Ids are allocated monotonically starting at 0 and are never reused while
// the Registry lives, including across Clear. A connection and its key are
// always inserted and removed together.
//
// # Thread Safety
//
// Registry does no locking. The server confines it to its loop goroutine;
// other goroutines submit requests to the loop instead of touching it.
// Client.Write is the exception: it is safe to call from any goroutine.
package registry
