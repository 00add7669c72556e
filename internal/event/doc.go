// Package event delivers connection lifecycle and message events to
// subscribers over named channels.
//
// A Bus publishes to any number of Subscriptions. Every subscription owns an
// unbounded FIFO mailbox drained by its own goroutine, so the publisher (the
// server loop) never waits on a subscriber, and a subscriber sees events in
// the order they were published. Events for the same client therefore keep
// the order in which the loop observed them.
//
// Handlers adapts the channel form to plain callbacks:
//
//	sub := bus.Subscribe(h.Kinds()...)
//	go h.Run(sub)
//
// A handler that panics is logged and the event dropped; the other handlers
// keep running.
package event
