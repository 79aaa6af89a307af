package update

import "sync"

// subscription queues notices for one observer and delivers them from its
// own goroutine, so a slow observer never blocks the event consumer.
// State changes are always delivered in order. Download notices are
// coalesced once more than limit of them are waiting: the newest replaces
// the queued one and its Dropped count absorbs the skipped events.
type subscription struct {
	out   chan Notice
	limit int

	mu    sync.Mutex
	queue []Notice
	wake  chan struct{}
	done  chan struct{}
}

func newSubscription(limit int) *subscription {
	s := &subscription{
		out:   make(chan Notice),
		limit: limit,
		wake:  make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscription) push(n Notice) {
	s.mu.Lock()
	if last := len(s.queue) - 1; n.Event != nil && last >= 0 && s.queue[last].Event != nil && s.pendingDownloads() >= s.limit {
		n.Dropped += s.queue[last].Dropped + 1
		s.queue[last] = n
	} else {
		s.queue = append(s.queue, n)
	}
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) pendingDownloads() int {
	count := 0
	for _, n := range s.queue {
		if n.Event != nil {
			count++
		}
	}
	return count
}

func (s *subscription) run() {
	defer close(s.out)
	for {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		n := s.queue[0]
		s.queue[0] = Notice{}
		s.queue = s.queue[1:]
		s.mu.Unlock()

		select {
		case s.out <- n:
		case <-s.done:
			return
		}
	}
}

func (s *subscription) close() {
	close(s.done)
}
