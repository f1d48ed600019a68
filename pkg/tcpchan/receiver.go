package tcpchan

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"slices"
	"sync"

	"github.com/mithrel/updwire/pkg/observe"
)

// ErrDispatch wraps an error returned by a subscribed observer. It
// terminates the receiver's background loop and is surfaced at Close.
var ErrDispatch = errors.New("observer dispatch failed")

type sockTag uint8

const (
	sockListening sockTag = iota
	sockAccepted
	sockClosed
)

// sockState is the receiver's connection lifecycle: listening → accepted →
// closed, with exactly one live handle at a time. Tag and handle are read
// and updated as a unit under mu, which is never held across a blocking
// Accept or Read. Only the owner transitions to closed; only the background
// goroutine transitions to accepted.
type sockState struct {
	mu       sync.Mutex
	tag      sockTag
	listener net.Listener
	conn     net.Conn
}

// promote transitions listening→accepted with the new connection, closing
// the listener it replaces. It refuses when the owner closed the socket
// concurrently with the accept completing.
func (s *sockState) promote(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tag == sockClosed {
		return false
	}
	_ = s.listener.Close()
	s.listener = nil
	s.tag = sockAccepted
	s.conn = conn
	return true
}

// closed reports whether the owner has torn the socket down.
func (s *sockState) closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tag == sockClosed
}

// close transitions to closed and closes whichever handle is live, which
// unblocks a pending Accept or Read in the background goroutine. Once
// closed there is no further transition; repeat calls are no-ops.
func (s *sockState) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	switch s.tag {
	case sockListening:
		err = s.listener.Close()
		s.listener = nil
	case sockAccepted:
		if tc, ok := s.conn.(*net.TCPConn); ok {
			// Shut the stream down both ways before closing so a
			// Read blocked on the far side of a bufio fill returns
			// promptly.
			_ = tc.CloseRead()
			_ = tc.CloseWrite()
		}
		err = s.conn.Close()
		s.conn = nil
	case sockClosed:
		return nil
	}
	s.tag = sockClosed
	return err
}

// Receiver is the receiving end of a TCP channel. It accepts exactly one
// inbound connection for its lifetime and streams decoded messages, in
// arrival order, to the subscribed observer. With no observer subscribed,
// messages are dropped, never queued.
//
// A Receiver must be closed: callers that skip Close leak the background
// goroutine and the socket.
type Receiver[T any] struct {
	addr  net.Addr
	sock  *sockState
	slot  *observe.Slot[T]
	codec RecordCodec[T]
	opts  options

	// done is closed when the background goroutine returns; threadErr is
	// its terminal error and is read only after done.
	done      chan struct{}
	threadErr error

	closeOnce sync.Once
	closeErr  error
}

// Listen binds addr and starts the background accept/receive goroutine.
// addr may request an OS-assigned port with port 0; Addr reports the
// concrete bound address either way. The new receiver has no observer, so
// messages arriving before a Subscribe are dropped.
func Listen[T any](addr string, codec RecordCodec[T], opts ...Option) (*Receiver[T], error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}
	r := &Receiver[T]{
		addr:  l.Addr(),
		sock:  &sockState{tag: sockListening, listener: l},
		slot:  observe.NewSlot[T](),
		codec: codec,
		opts:  defaultOptions(),
		done:  make(chan struct{}),
	}
	for _, o := range opts {
		o(&r.opts)
	}
	go r.run(l)
	return r, nil
}

// Addr returns the concrete bound address, including an OS-assigned port.
func (r *Receiver[T]) Addr() net.Addr { return r.addr }

// Subscribe registers o as the exclusive listener for this receiver. It
// fails with observe.ErrSubscribed while another observer is attached;
// unsubscribing through the returned subscription reaches into the live
// dispatch path.
func (r *Receiver[T]) Subscribe(o observe.Observer[T]) (observe.Subscription[T], error) {
	return r.slot.Subscribe(o)
}

// Close tears the receiver down: it closes the live socket handle, which
// unblocks the background goroutine, then waits for that goroutine and
// returns its terminal error joined with any close error. The
// close-then-join order is load-bearing; joining first would wait forever
// on a blocked Accept or Read. Close is idempotent and repeat calls return
// the first result.
func (r *Receiver[T]) Close() error {
	r.closeOnce.Do(func() {
		closeErr := r.sock.close()
		<-r.done
		r.closeErr = errors.Join(closeErr, r.threadErr)
	})
	return r.closeErr
}

func (r *Receiver[T]) run(l net.Listener) {
	defer close(r.done)
	r.threadErr = r.receive(l)
}

// receive runs once per receiver: it accepts one connection, then loops
// decoding messages and dispatching them until teardown, stream end, or a
// terminal error.
func (r *Receiver[T]) receive(l net.Listener) error {
	conn, err := l.Accept()
	if err != nil {
		// Teardown closes the listener out from under us and the
		// resulting accept error is expected. The shared tag, not the
		// OS error value, decides; that keeps this portable.
		if r.sock.closed() {
			return nil
		}
		return fmt.Errorf("accept: %w", err)
	}
	if !r.sock.promote(conn) {
		// The owner tore down between the accept completing and this
		// check. Not an error.
		_ = conn.Close()
		return nil
	}

	br := bufio.NewReader(conn)
	retries := 0
	sawComplete := false
	for {
		m, err := readMessage(br, r.codec)
		if err != nil {
			if r.sock.closed() {
				return nil
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
				// Peer hung up: the stream is over. Don't complete the
				// observer twice if an explicit complete got here first.
				if !sawComplete {
					r.completeObserver()
				}
				return nil
			}
			retries++
			if r.opts.decodePolicy == DecodeRetry &&
				(r.opts.decodeRetryLimit == 0 || retries < r.opts.decodeRetryLimit) {
				r.opts.logf("decode error, retrying: %v", err)
				continue
			}
			if !sawComplete {
				r.completeObserver()
			}
			return fmt.Errorf("decode: %w", err)
		}
		retries = 0
		if err := r.dispatch(m); err != nil {
			return err
		}
		if m.Kind == KindComplete {
			sawComplete = true
		}
	}
}

// dispatch hands m to the observer subscribed at this instant. The slot
// lock is released before the observer call, so an unsubscribe racing a
// dispatch either suppresses the message or lets it complete with the
// observer the dispatch already captured.
func (r *Receiver[T]) dispatch(m Message[T]) error {
	obs, ok := r.slot.Get()
	if !ok {
		r.opts.logf("no observer, dropping %s message", m.Kind)
		return nil
	}
	var err error
	switch m.Kind {
	case KindStart:
		err = obs.OnStart()
	case KindUpdates:
		err = obs.OnUpdates(slices.Values(m.Updates))
	case KindCommit:
		err = obs.OnCommit()
	case KindComplete:
		err = obs.OnCompleted()
	}
	if err != nil {
		return fmt.Errorf("%w: on %s: %w", ErrDispatch, m.Kind, err)
	}
	return nil
}

// completeObserver tells the current observer the stream ended for reasons
// other than an explicit complete message.
func (r *Receiver[T]) completeObserver() {
	if obs, ok := r.slot.Get(); ok {
		if err := obs.OnCompleted(); err != nil {
			r.opts.logf("on completed: %v", err)
		}
	}
}

var _ observe.Observable[[]byte] = (*Receiver[[]byte])(nil)
