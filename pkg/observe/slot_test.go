package observe

import (
	"iter"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopObserver struct{ name string }

func (*nopObserver) OnStart() error                  { return nil }
func (*nopObserver) OnUpdates(_ iter.Seq[int]) error { return nil }
func (*nopObserver) OnCommit() error                 { return nil }
func (*nopObserver) OnCompleted() error              { return nil }

func TestSlotSubscribe(t *testing.T) {
	slot := NewSlot[int]()
	first := &nopObserver{name: "first"}
	second := &nopObserver{name: "second"}

	sub, err := slot.Subscribe(first)
	require.NoError(t, err)
	require.NotNil(t, sub)

	t.Run("second subscriber is rejected", func(t *testing.T) {
		_, err := slot.Subscribe(second)
		assert.ErrorIs(t, err, ErrSubscribed)

		// The first subscription is undisturbed and the rejected
		// observer untouched.
		got, ok := slot.Get()
		require.True(t, ok)
		assert.Same(t, first, got)
		assert.Equal(t, "second", second.name)
	})

	t.Run("unsubscribe returns the observer", func(t *testing.T) {
		got, ok := sub.Unsubscribe()
		require.True(t, ok)
		assert.Same(t, first, got)

		_, ok = slot.Get()
		assert.False(t, ok)
	})

	t.Run("unsubscribe is idempotent", func(t *testing.T) {
		got, ok := sub.Unsubscribe()
		assert.False(t, ok)
		assert.Nil(t, got)
	})

	t.Run("slot is usable again after unsubscribe", func(t *testing.T) {
		sub2, err := slot.Subscribe(second)
		require.NoError(t, err)
		got, ok := slot.Get()
		require.True(t, ok)
		assert.Same(t, second, got)

		got, ok = sub2.Unsubscribe()
		require.True(t, ok)
		assert.Same(t, second, got)
	})
}

func TestSlotGetEmpty(t *testing.T) {
	slot := NewSlot[int]()
	got, ok := slot.Get()
	assert.False(t, ok)
	assert.Nil(t, got)
}
