package eventbus

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBus_FanoutAndDrop(t *testing.T) {
	t.Parallel()
	b := New()

	a, unsubA := b.Subscribe(1)
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	Emit(b, TypeNotice, Notice{Title: "one"})
	Emit(b, TypeNotice, Notice{Title: "two"})

	ev := <-a
	assert.Equal(t, TypeNotice, ev.Type)
	assert.False(t, ev.Time.IsZero())
	assert.Equal(t, "one", ev.Data.(Notice).Title)
	assert.Equal(t, uint64(1), Dropped(b), "second event dropped for the 1-slot subscriber")

	require.Len(t, c, 2)

	unsubA()
	unsubA()
	_, ok := <-a
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic.
	Emit(b, TypeTransition, nil)
	Emit(nil, TypeTransition, nil)
}
