// Package observe defines how listeners attach to a stream of transactional
// update events: an Observer is the sink, an Observable hands out
// Subscriptions, and a Subscription is the only way to detach again.
package observe

import (
	"errors"
	"iter"
)

// ErrSubscribed is returned by Subscribe when the observable already has a
// subscriber (or is shutting down). The rejected observer is left untouched
// with the caller, who may retry or route it elsewhere.
var ErrSubscribed = errors.New("observable already has a subscriber")

// Observer consumes a stream of update batches grouped into transactions.
// The four operations mirror the wire protocol; each may fail, and sources
// treat a failure as terminal for the dispatch path that produced it.
type Observer[T any] interface {
	// OnStart signals the beginning of a transaction.
	OnStart() error
	// OnUpdates delivers the records of the current transaction. The
	// sequence is finite and single-pass; the callee consumes it exactly
	// once.
	OnUpdates(updates iter.Seq[T]) error
	// OnCommit signals that the transaction is complete and its updates
	// are now visible.
	OnCommit() error
	// OnCompleted signals that the stream itself has ended and no more
	// transactions will arrive.
	OnCompleted() error
}

// Observable is a source of update events that at most one Observer can
// listen to at a time.
type Observable[T any] interface {
	// Subscribe registers o as the exclusive listener and returns the
	// handle to detach it again. It fails with ErrSubscribed when the
	// source cannot accept another subscriber; o is unchanged in that
	// case and the active subscription is undisturbed.
	Subscribe(o Observer[T]) (Subscription[T], error)
}

// Subscription is an opaque, cancellable handle for one active
// Observer-to-Observable attachment.
type Subscription[T any] interface {
	// Unsubscribe cancels the subscription and returns the observer that
	// was removed, or false if it was already inactive. It is idempotent
	// and safe to call from any goroutine, concurrently with dispatch: an
	// in-flight dispatch either completes with the observer it already
	// captured or sees the slot empty.
	Unsubscribe() (Observer[T], bool)
}
