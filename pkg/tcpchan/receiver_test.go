package tcpchan

import (
	"bytes"
	"errors"
	"iter"
	"log"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mithrel/updwire/pkg/observe"
)

// recObserver records the dispatch order and signals stream completion.
type recObserver struct {
	mu        sync.Mutex
	calls     []string
	completed chan struct{}
	once      sync.Once
}

func newRecObserver() *recObserver {
	return &recObserver{completed: make(chan struct{})}
}

func (o *recObserver) add(s string) {
	o.mu.Lock()
	o.calls = append(o.calls, s)
	o.mu.Unlock()
}

func (o *recObserver) OnStart() error { o.add("start"); return nil }

func (o *recObserver) OnUpdates(updates iter.Seq[[]byte]) error {
	var vals []string
	for u := range updates {
		vals = append(vals, string(u))
	}
	o.add("updates(" + strings.Join(vals, ",") + ")")
	return nil
}

func (o *recObserver) OnCommit() error { o.add("commit"); return nil }

func (o *recObserver) OnCompleted() error {
	o.add("completed")
	o.once.Do(func() { close(o.completed) })
	return nil
}

func (o *recObserver) snapshot() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.calls)
}

func waitDone(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

// syncBuffer is a goroutine-safe log sink.
type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func TestListenAssignsPort(t *testing.T) {
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{})
	require.NoError(t, err)

	addr, ok := recv.Addr().(*net.TCPAddr)
	require.True(t, ok)
	assert.NotZero(t, addr.Port)

	// Connecting to the reported address succeeds.
	conn, err := net.Dial("tcp", recv.Addr().String())
	require.NoError(t, err)
	_ = conn.Close()

	require.NoError(t, recv.Close())
}

// The listening socket is released, not abandoned, when a receiver is
// closed before any connection was accepted.
func TestCloseBeforeAccept(t *testing.T) {
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{})
	require.NoError(t, err)
	addr := recv.Addr().String()

	require.NoError(t, recv.Close())

	_, err = net.Dial("tcp", addr)
	require.Error(t, err)
	assert.ErrorContains(t, err, "connection refused")
}

func TestCloseIdempotent(t *testing.T) {
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{})
	require.NoError(t, err)

	require.NoError(t, recv.Close())
	require.NoError(t, recv.Close())
}

// Messages arrive at the observer in decode order, end to end.
func TestDispatchOrdering(t *testing.T) {
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{})
	require.NoError(t, err)

	obs := newRecObserver()
	sub, err := recv.Subscribe(obs)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	snd, err := Dial[[]byte](recv.Addr().String(), BytesCodec{})
	require.NoError(t, err)
	require.NoError(t, snd.OnStart())
	require.NoError(t, snd.OnUpdates(slices.Values([][]byte{[]byte("a"), []byte("b")})))
	require.NoError(t, snd.OnCommit())
	require.NoError(t, snd.OnCompleted())
	require.NoError(t, snd.Close())

	waitDone(t, obs.completed, "stream completion")
	assert.Equal(t, []string{"start", "updates(a,b)", "commit", "completed"}, obs.snapshot())

	require.NoError(t, recv.Close())
}

func TestSecondSubscribeRejected(t *testing.T) {
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{})
	require.NoError(t, err)
	defer recv.Close()

	first := newRecObserver()
	second := newRecObserver()

	sub, err := recv.Subscribe(first)
	require.NoError(t, err)

	_, err = recv.Subscribe(second)
	assert.ErrorIs(t, err, observe.ErrSubscribed)

	// The first subscription is undisturbed.
	got, ok := sub.Unsubscribe()
	require.True(t, ok)
	assert.Same(t, first, got)
}

// After unsubscribe, arriving messages are dropped, not buffered; an
// observer subscribed later sees only what arrives afterwards.
func TestUnsubscribeDropsMessages(t *testing.T) {
	var logs syncBuffer
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{}, WithLogger(log.New(&logs, "", 0)))
	require.NoError(t, err)

	first := newRecObserver()
	sub, err := recv.Subscribe(first)
	require.NoError(t, err)

	got, ok := sub.Unsubscribe()
	require.True(t, ok)
	require.Same(t, first, got)

	// A second unsubscribe is a no-op.
	_, ok = sub.Unsubscribe()
	assert.False(t, ok)

	snd, err := Dial[[]byte](recv.Addr().String(), BytesCodec{})
	require.NoError(t, err)
	defer snd.Close()

	require.NoError(t, snd.OnStart())
	require.NoError(t, snd.OnCommit())

	// Both messages hit the empty slot and are logged as dropped.
	require.Eventually(t, func() bool {
		return strings.Count(logs.String(), "dropping") >= 2
	}, 5*time.Second, 10*time.Millisecond)

	second := newRecObserver()
	_, err = recv.Subscribe(second)
	require.NoError(t, err)

	require.NoError(t, snd.OnStart())
	require.NoError(t, snd.OnUpdates(slices.Values([][]byte{[]byte("late")})))
	require.NoError(t, snd.OnCommit())
	require.NoError(t, snd.OnCompleted())

	waitDone(t, second.completed, "stream completion")
	assert.Equal(t, []string{"start", "updates(late)", "commit", "completed"}, second.snapshot())

	require.NoError(t, recv.Close())
	assert.Empty(t, first.snapshot())
}

// Teardown completes while the background read is blocked on an idle peer.
func TestCloseWhileReadBlocked(t *testing.T) {
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{})
	require.NoError(t, err)

	conn, err := net.Dial("tcp", recv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	done := make(chan error, 1)
	go func() { done <- recv.Close() }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not complete while a read was blocked")
	}
}

type failingObserver struct {
	recObserver
	called chan struct{}
	once   sync.Once
}

func (f *failingObserver) OnStart() error {
	f.once.Do(func() { close(f.called) })
	return errors.New("sink is full")
}

// Observer errors terminate the background loop and surface at Close
// instead of crashing anything.
func TestDispatchErrorSurfacedAtClose(t *testing.T) {
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{})
	require.NoError(t, err)

	obs := &failingObserver{called: make(chan struct{})}
	obs.completed = make(chan struct{})
	_, err = recv.Subscribe(obs)
	require.NoError(t, err)

	snd, err := Dial[[]byte](recv.Addr().String(), BytesCodec{})
	require.NoError(t, err)
	defer snd.Close()
	require.NoError(t, snd.OnStart())

	waitDone(t, obs.called, "failing dispatch")

	err = recv.Close()
	assert.ErrorIs(t, err, ErrDispatch)
	assert.ErrorContains(t, err, "sink is full")
}

func TestDecodeFailPolicy(t *testing.T) {
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{}, WithDecodePolicy(DecodeFail))
	require.NoError(t, err)

	obs := newRecObserver()
	_, err = recv.Subscribe(obs)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", recv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// A structurally valid envelope with an unknown kind.
	_, err = conn.Write([]byte{0x02, 0x08, 0x09})
	require.NoError(t, err)

	// The failed stream is terminated via OnCompleted...
	waitDone(t, obs.completed, "stream termination")
	assert.Equal(t, []string{"completed"}, obs.snapshot())

	// ...and the decode error surfaces at Close.
	err = recv.Close()
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown message kind")
}

func TestDecodeRetrySkipsBadFrame(t *testing.T) {
	var logs syncBuffer
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{}, WithLogger(log.New(&logs, "", 0)))
	require.NoError(t, err)

	obs := newRecObserver()
	_, err = recv.Subscribe(obs)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", recv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Bad frame, then a valid start and complete.
	_, err = conn.Write([]byte{0x02, 0x08, 0x09, 0x02, 0x08, 0x01, 0x02, 0x08, 0x04})
	require.NoError(t, err)

	waitDone(t, obs.completed, "stream completion")
	assert.Equal(t, []string{"start", "completed"}, obs.snapshot())
	assert.Contains(t, logs.String(), "decode error")

	require.NoError(t, recv.Close())
}

func TestDecodeRetryLimit(t *testing.T) {
	recv, err := Listen[[]byte]("127.0.0.1:0", BytesCodec{}, WithDecodeRetryLimit(2))
	require.NoError(t, err)

	obs := newRecObserver()
	_, err = recv.Subscribe(obs)
	require.NoError(t, err)

	conn, err := net.Dial("tcp", recv.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	// Two consecutive bad frames exhaust the retry budget.
	_, err = conn.Write([]byte{0x02, 0x08, 0x09, 0x02, 0x08, 0x09})
	require.NoError(t, err)

	waitDone(t, obs.completed, "stream termination")

	err = recv.Close()
	require.Error(t, err)
	assert.ErrorContains(t, err, "unknown message kind")
}
