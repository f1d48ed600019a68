package observe

import "sync"

// Slot is a minimal Observable holding zero or one observer behind a mutex.
// No queueing, no broadcast: a source dispatching through an empty slot
// drops the event.
type Slot[T any] struct {
	mu  sync.Mutex
	obs Observer[T]
}

// NewSlot returns an empty slot.
func NewSlot[T any]() *Slot[T] { return &Slot[T]{} }

// Subscribe stores o unless the slot is already occupied.
func (s *Slot[T]) Subscribe(o Observer[T]) (Subscription[T], error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.obs != nil {
		return nil, ErrSubscribed
	}
	s.obs = o
	return &slotSubscription[T]{slot: s}, nil
}

// Get returns a snapshot of the current observer for dispatch. The caller
// must not hold on to it across its own blocking calls beyond the dispatch
// it was taken for.
func (s *Slot[T]) Get() (Observer[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.obs, s.obs != nil
}

func (s *Slot[T]) take() (Observer[T], bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o := s.obs
	s.obs = nil
	return o, o != nil
}

// slotSubscription clears the slot unconditionally on cancel. Since the slot
// only ever holds one observer, the subscription needs no identity of its
// own.
type slotSubscription[T any] struct{ slot *Slot[T] }

func (u *slotSubscription[T]) Unsubscribe() (Observer[T], bool) { return u.slot.take() }

var _ Observable[int] = (*Slot[int])(nil)
