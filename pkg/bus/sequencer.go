package bus

import (
	"context"
	"sync"
)

// sequencer hands out per-conversation tickets. A ticket's holder may
// deliver only after every earlier ticket of the same conversation has
// been released.
type sequencer struct {
	mu    sync.Mutex
	convs map[string]*conversation
}

type conversation struct {
	tail chan struct{}
	open int
}

type ticket struct {
	s    *sequencer
	key  string
	prev <-chan struct{}
	mine chan struct{}
	once sync.Once
}

func newSequencer() *sequencer {
	return &sequencer{convs: make(map[string]*conversation)}
}

// take returns nil for messages outside any conversation.
func (s *sequencer) take(key string) *ticket {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[key]
	if !ok {
		c = &conversation{}
		s.convs[key] = c
	}
	t := &ticket{s: s, key: key, prev: c.tail, mine: make(chan struct{})}
	c.tail = t.mine
	c.open++
	return t
}

func (s *sequencer) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.convs)
}

// wait blocks until every earlier ticket has been released.
func (t *ticket) wait(ctx context.Context) error {
	if t == nil || t.prev == nil {
		return nil
	}
	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// release lets the next ticket proceed once this one's predecessors are
// done. Safe to call more than once and on every exit path.
func (t *ticket) release() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.prev == nil {
			t.finish()
			return
		}
		select {
		case <-t.prev:
			t.finish()
		default:
			go func() {
				<-t.prev
				t.finish()
			}()
		}
	})
}

func (t *ticket) finish() {
	close(t.mine)
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	c := t.s.convs[t.key]
	c.open--
	if c.open == 0 {
		delete(t.s.convs, t.key)
	}
}
