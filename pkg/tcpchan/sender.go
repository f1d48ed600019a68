package tcpchan

import (
	"bufio"
	"fmt"
	"iter"
	"net"
	"slices"
	"sync"

	"github.com/mithrel/updwire/pkg/observe"
)

// Sender is the transmitting end of a TCP channel. It implements
// observe.Observer by encoding each operation as the corresponding wire
// message, so it can be subscribed directly to an upstream observable.
// Writes are buffered and flushed once per message.
type Sender[T any] struct {
	addr  net.Addr
	codec RecordCodec[T]

	mu   sync.Mutex
	conn net.Conn
	bw   *bufio.Writer
}

// Dial connects to a receiver at addr.
func Dial[T any](addr string, codec RecordCodec[T]) (*Sender[T], error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Sender[T]{
		addr:  conn.RemoteAddr(),
		codec: codec,
		conn:  conn,
		bw:    bufio.NewWriter(conn),
	}, nil
}

// Addr returns the remote address the sender is connected to.
func (s *Sender[T]) Addr() net.Addr { return s.addr }

func (s *Sender[T]) send(m Message[T]) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return net.ErrClosed
	}
	if err := writeMessage(s.bw, s.codec, m); err != nil {
		return err
	}
	return s.bw.Flush()
}

// OnStart transmits a start marker.
func (s *Sender[T]) OnStart() error { return s.send(Message[T]{Kind: KindStart}) }

// OnUpdates transmits one batch of update records, consuming the sequence.
func (s *Sender[T]) OnUpdates(updates iter.Seq[T]) error {
	return s.send(Message[T]{Kind: KindUpdates, Updates: slices.Collect(updates)})
}

// OnCommit transmits a commit marker.
func (s *Sender[T]) OnCommit() error { return s.send(Message[T]{Kind: KindCommit}) }

// OnCompleted transmits the end-of-stream marker. The connection stays open
// until Close.
func (s *Sender[T]) OnCompleted() error { return s.send(Message[T]{Kind: KindComplete}) }

// Close flushes pending writes and closes the connection. Idempotent.
func (s *Sender[T]) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return nil
	}
	err := s.bw.Flush()
	if cerr := s.conn.Close(); err == nil {
		err = cerr
	}
	s.conn = nil
	s.bw = nil
	return err
}

var _ observe.Observer[[]byte] = (*Sender[[]byte])(nil)
