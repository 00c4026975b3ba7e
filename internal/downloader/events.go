package downloader

import (
	"sync"

	"github.com/vrsandeep/streamdl/internal/models"
)

// broadcaster fans events out to subscribers. Publishing never blocks and
// never drops: each subscriber has its own unbounded queue drained by a
// goroutine, so one slow consumer cannot stall the manager or reorder
// another consumer's stream.
type broadcaster struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
}

type subscriber struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []models.Event
	closed bool
	out    chan models.Event
	done   chan struct{}
}

func newBroadcaster() *broadcaster {
	return &broadcaster{subs: make(map[int]*subscriber)}
}

func (b *broadcaster) subscribe() (<-chan models.Event, func()) {
	sub := &subscriber{out: make(chan models.Event, 16), done: make(chan struct{})}
	sub.cond = sync.NewCond(&sub.mu)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	b.mu.Unlock()

	go sub.pump()

	var once sync.Once
	return sub.out, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			sub.close()
		})
	}
}

func (b *broadcaster) publish(ev models.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, sub := range b.subs {
		sub.push(ev)
	}
}

func (b *broadcaster) closeAll() {
	b.mu.Lock()
	subs := b.subs
	b.subs = make(map[int]*subscriber)
	b.mu.Unlock()
	for _, sub := range subs {
		sub.close()
	}
}

func (s *subscriber) push(ev models.Event) {
	s.mu.Lock()
	if !s.closed {
		s.queue = append(s.queue, ev)
		s.cond.Signal()
	}
	s.mu.Unlock()
}

func (s *subscriber) close() {
	s.mu.Lock()
	if !s.closed {
		close(s.done)
	}
	s.closed = true
	s.queue = nil
	s.cond.Signal()
	s.mu.Unlock()
}

func (s *subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		ev := s.queue[0]
		s.queue[0] = models.Event{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
