package bus

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func released(t *ticket) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	return t.wait(ctx) == nil
}

func TestSequencer_TicketsServeInOrder(t *testing.T) {
	s := newSequencer()
	first, second, third := s.take("c"), s.take("c"), s.take("c")

	require.NoError(t, first.wait(context.Background()))
	assert.False(t, released(second))

	// Releasing out of order must not let the third ticket jump ahead.
	second.release()
	assert.False(t, released(third))

	first.release()
	assert.True(t, released(second))
	assert.Eventually(t, func() bool { return released(third) }, time.Second, time.Millisecond)

	third.release()
	assert.Eventually(t, func() bool { return s.len() == 0 }, time.Second, time.Millisecond)
}

func TestSequencer_IndependentConversations(t *testing.T) {
	s := newSequencer()
	a := s.take("a")
	b := s.take("b")
	assert.True(t, released(a))
	assert.True(t, released(b))
	a.release()
	a.release()
	b.release()
	assert.Equal(t, 0, s.len())
}

func TestSequencer_NoConversation(t *testing.T) {
	s := newSequencer()
	t0 := s.take("")
	assert.Nil(t, t0)
	require.NoError(t, t0.wait(context.Background()))
	t0.release()
}
