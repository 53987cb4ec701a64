package queue

import (
	"context"
	"sync"
	"time"

	"github.com/felipepmaragno/streamstack/internal/domain"
)

type node struct {
	env        *domain.Envelope
	prev, next *node
	prio       domain.Priority
}

type fifo struct {
	head, tail *node
}

func (l *fifo) pushBack(n *node) {
	n.prev = l.tail
	n.next = nil
	if l.tail != nil {
		l.tail.next = n
	} else {
		l.head = n
	}
	l.tail = n
}

func (l *fifo) unlink(n *node) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		l.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		l.tail = n.prev
	}
	n.prev, n.next = nil, nil
}

// InMemoryStore keeps one FIFO per priority level plus an id index under a
// single mutex. Nodes come from a free list sized to the capacity, so the hot
// path does not allocate.
type InMemoryStore struct {
	mu      sync.Mutex
	maxSize int
	size    int
	lists   [domain.NumPriorities]fifo
	index   map[string]*node
	free    *node
	stats   Stats
	signal  chan struct{}
	opts    options
}

func NewInMemoryStore(maxSize int, opts ...Option) *InMemoryStore {
	if maxSize < 1 {
		maxSize = 1
	}
	s := &InMemoryStore{
		maxSize: maxSize,
		index:   make(map[string]*node, maxSize),
		signal:  make(chan struct{}, 1),
		opts:    buildOptions(opts),
	}
	nodes := make([]node, maxSize)
	for i := range nodes {
		nodes[i].next = s.free
		s.free = &nodes[i]
	}
	return s
}

func (s *InMemoryStore) TryEnqueue(ctx context.Context, env *domain.Envelope) (bool, error) {
	s.mu.Lock()
	if s.size >= s.maxSize {
		s.stats.Rejected++
		s.mu.Unlock()
		return false, nil
	}
	if _, dup := s.index[env.ID]; dup {
		s.mu.Unlock()
		return true, nil
	}

	n := s.free
	s.free = n.next
	n.env = env
	n.prio = clampPriority(env.Priority)
	s.lists[n.prio].pushBack(n)
	s.index[env.ID] = n
	s.size++
	s.stats.Enqueued++
	s.mu.Unlock()

	notify(s.signal)
	return true, nil
}

// popLocked removes and returns the head envelope; s.mu must be held.
func (s *InMemoryStore) popLocked() *domain.Envelope {
	for p := domain.NumPriorities - 1; p >= 0; p-- {
		l := &s.lists[p]
		if l.head == nil {
			continue
		}
		n := l.head
		l.unlink(n)
		return s.releaseLocked(n)
	}
	return nil
}

func (s *InMemoryStore) releaseLocked(n *node) *domain.Envelope {
	env := n.env
	delete(s.index, env.ID)
	n.env = nil
	n.next = s.free
	s.free = n
	s.size--
	return env
}

func (s *InMemoryStore) DequeueHead(ctx context.Context) (*domain.Envelope, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		env := s.popLocked()
		if env == nil {
			s.mu.Unlock()
			return nil, nil
		}
		expired := env.Expired(s.opts.now())
		if expired {
			s.stats.Expired++
		} else {
			s.stats.Dequeued++
		}
		more := s.size > 0
		s.mu.Unlock()

		if expired {
			s.opts.expire(env)
			continue
		}
		if more {
			notify(s.signal)
		}
		return env, nil
	}
}

func (s *InMemoryStore) Remove(ctx context.Context, id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.index[id]
	if !ok {
		return false
	}
	s.lists[n.prio].unlink(n)
	s.releaseLocked(n)
	s.stats.Removed++
	return true
}

// Sweep drops every expired envelope and finishes it as timed out.
func (s *InMemoryStore) Sweep(now time.Time) int {
	var expired []*domain.Envelope

	s.mu.Lock()
	for p := range s.lists {
		l := &s.lists[p]
		for n := l.head; n != nil; {
			next := n.next
			if n.env.Expired(now) {
				l.unlink(n)
				expired = append(expired, s.releaseLocked(n))
			}
			n = next
		}
	}
	s.stats.Expired += uint64(len(expired))
	s.mu.Unlock()

	for _, env := range expired {
		s.opts.expire(env)
	}
	return len(expired)
}

func (s *InMemoryStore) Size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

func (s *InMemoryStore) Signal() <-chan struct{} {
	return s.signal
}

func (s *InMemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Pending = s.size
	st.Capacity = s.maxSize
	return st
}
