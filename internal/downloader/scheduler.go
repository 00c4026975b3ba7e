package downloader

import (
	"context"
	"sort"
	"time"

	"github.com/vrsandeep/streamdl/internal/models"
)

// NetworkMonitor reports the current connection type.
type NetworkMonitor interface {
	OnWiFi() bool
}

// NetworkMonitorFunc adapts a function to NetworkMonitor.
type NetworkMonitorFunc func() bool

func (f NetworkMonitorFunc) OnWiFi() bool { return f() }

// entry is the manager's private record for one item.
type entry struct {
	item models.DownloadItem
	seq  uint64

	// attempt increments every time a transfer starts or is abandoned, so
	// callbacks from an older attempt can be recognised and dropped.
	attempt  uint64
	cancel   context.CancelCauseFunc
	done     chan struct{}
	reserved int64

	retryTimer *time.Timer
}

// holdReason says why an admission candidate was skipped.
type holdReason int

const (
	holdNone holdReason = iota
	holdBackoff
	holdNetwork
	holdSchedule
	holdStorage
)

// scheduler keeps the pending order and the active set. It is not safe for
// concurrent use: the Manager's lock guards it.
type scheduler struct {
	limit   int
	pending []*entry
	active  map[string]*entry
}

func newScheduler(limit int) *scheduler {
	if limit < 1 {
		limit = 1
	}
	return &scheduler{limit: limit, active: make(map[string]*entry)}
}

func pendingLess(a, b *entry) bool {
	if a.item.Priority != b.item.Priority {
		return a.item.Priority > b.item.Priority
	}
	if !a.item.CreatedAt.Equal(b.item.CreatedAt) {
		return a.item.CreatedAt.Before(b.item.CreatedAt)
	}
	return a.seq < b.seq
}

// push inserts e into the pending sequence keeping it sorted.
func (s *scheduler) push(e *entry) {
	i := sort.Search(len(s.pending), func(i int) bool { return pendingLess(e, s.pending[i]) })
	s.pending = append(s.pending, nil)
	copy(s.pending[i+1:], s.pending[i:])
	s.pending[i] = e
}

// removePending drops id from the pending sequence, reporting whether it was there.
func (s *scheduler) removePending(id string) bool {
	for i, e := range s.pending {
		if e.item.ID == id {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return true
		}
	}
	return false
}

func (s *scheduler) activate(e *entry) {
	s.removePending(e.item.ID)
	s.active[e.item.ID] = e
}

func (s *scheduler) deactivate(id string) bool {
	if _, ok := s.active[id]; !ok {
		return false
	}
	delete(s.active, id)
	return true
}

func (s *scheduler) hasCapacity() bool { return len(s.active) < s.limit }

// candidates returns the pending entries in admission order.
func (s *scheduler) candidates() []*entry {
	out := make([]*entry, len(s.pending))
	copy(out, s.pending)
	return out
}

// admit walks the pending sequence in order and admits every candidate the
// gate lets through until capacity runs out. held is called for skipped
// candidates, start for admitted ones.
func (s *scheduler) admit(gate func(*entry) holdReason, start func(*entry), held func(*entry, holdReason)) {
	for _, e := range s.candidates() {
		if !s.hasCapacity() {
			return
		}
		if reason := gate(e); reason != holdNone {
			if held != nil {
				held(e, reason)
			}
			continue
		}
		s.activate(e)
		start(e)
	}
}
