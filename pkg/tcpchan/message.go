// Package tcpchan implements a point-to-point channel for transactional
// update streams over TCP. The receiving end binds an endpoint, accepts one
// inbound connection, and forwards decoded messages to at most one
// subscribed observer; the sending end implements the observer interface by
// writing the corresponding wire messages.
//
// No grammar ordering is enforced at this layer: the receiver forwards
// whatever arrives in the order it arrives. Ordering discipline is a
// contract of the sending side.
package tcpchan

import "fmt"

// Kind tags the four message variants exchanged over the wire.
type Kind uint8

const (
	// KindStart brackets the beginning of a transaction.
	KindStart Kind = 1 + iota
	// KindUpdates carries a batch of update records.
	KindUpdates
	// KindCommit marks the current transaction complete.
	KindCommit
	// KindComplete marks the end of the stream.
	KindComplete
)

func (k Kind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindUpdates:
		return "updates"
	case KindCommit:
		return "commit"
	case KindComplete:
		return "complete"
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Message is one framing unit of the channel: a kind and, for updates, the
// decoded records. One message is decoded per read and consumed immediately
// by dispatch.
type Message[T any] struct {
	Kind    Kind
	Updates []T
}
