package migrate

import (
	"sync"

	"github.com/keyspacedb/keyspace/pkg/types"
)

// StateFunc reports a partition's current lifecycle state, consulted by the
// scheduler's reduce-pop to find ZOMBIE jobs (spec.md §4.1's top sort-
// priority tier).
type StateFunc func(ns types.Namespace, pid types.PartitionID) types.PartitionState

// SizeFunc reports a partition's current element count, consulted to prefer
// the smallest migration within a priority tier.
type SizeFunc func(ns types.Namespace, pid types.PartitionID) int

type queueItem struct {
	job       Job
	terminate bool
}

// Scheduler is the emigration priority queue: enqueue is (job, high|low);
// dequeue is a reduce-pop choosing the best queued job by sort-priority
// descending, then smallest partition first (spec.md §4.1).
type Scheduler struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   []*queueItem
	closed  bool
	stateFn StateFunc
	sizeFn  SizeFunc
}

// NewScheduler builds a scheduler consulting stateFn and sizeFn at pop time
// — priority is evaluated against current state, not state at enqueue time,
// since a partition can change state while its job sits queued.
func NewScheduler(stateFn StateFunc, sizeFn SizeFunc) *Scheduler {
	s := &Scheduler{stateFn: stateFn, sizeFn: sizeFn}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Enqueue adds a job. highPriority marks it "state done" per spec.md §4.1's
// middle sort-priority tier; the top tier (ZOMBIE partition) is derived at
// pop time from the partition's actual state, not from this flag.
func (s *Scheduler) Enqueue(job Job, highPriority bool) {
	job.highPriority = highPriority
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, &queueItem{job: job})
	s.cond.Signal()
}

// EnqueueTerminate injects a terminator sentinel at the highest sort-
// priority, so a worker picks it up promptly and exits — spec.md §4.1's
// "null entry... used to terminate one worker".
func (s *Scheduler) EnqueueTerminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, &queueItem{terminate: true})
	s.cond.Signal()
}

// Pop blocks until a job (or terminate sentinel) is available, or the
// scheduler is closed. ok is false only when closed with nothing queued —
// callers should exit their worker loop in that case too.
func (s *Scheduler) Pop() (job Job, terminate bool, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.items) == 0 && !s.closed {
		s.cond.Wait()
	}
	if len(s.items) == 0 {
		return Job{}, false, false
	}
	idx := s.bestIndexLocked()
	it := s.items[idx]
	s.items = append(s.items[:idx], s.items[idx+1:]...)
	return it.job, it.terminate, true
}

// Len reports the number of queued jobs (terminate sentinels included),
// used by admin dump.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Close wakes every blocked Pop so workers can exit during full engine
// shutdown. Queued jobs are preserved in s.items, consistent with spec.md
// §8's "resize down to zero... without losing queued jobs" — a later
// NewScheduler-backed Engine restart is out of scope since this engine
// keeps no state across process restart, but Close itself never discards
// work.
func (s *Scheduler) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.cond.Broadcast()
}

func (s *Scheduler) bestIndexLocked() int {
	best := 0
	for i := 1; i < len(s.items); i++ {
		if s.betterLocked(s.items[i], s.items[best]) {
			best = i
		}
	}
	return best
}

// betterLocked reports whether a should be preferred over b. Ties fall back
// to whichever was found first during the scan (spec.md §4.1's "If
// reduce-pop finds no preferable job, it returns one in default priority
// order").
func (s *Scheduler) betterLocked(a, b *queueItem) bool {
	pa, pb := s.sortPriorityLocked(a), s.sortPriorityLocked(b)
	if pa != pb {
		return pa > pb
	}
	if a.terminate || b.terminate {
		return false
	}
	ca := s.sizeFn(a.job.Namespace, a.job.PartitionID)
	cb := s.sizeFn(b.job.Namespace, b.job.PartitionID)
	return ca < cb
}

// sortPriorityLocked implements spec.md §4.1's three-tier ordering: a
// terminate sentinel always wins (workers must notice it promptly), then
// jobs for ZOMBIE partitions, then jobs marked "state done", then everything
// else.
func (s *Scheduler) sortPriorityLocked(it *queueItem) int {
	if it.terminate {
		return 3
	}
	if s.stateFn(it.job.Namespace, it.job.PartitionID) == types.PartitionZombie {
		return 2
	}
	if it.job.highPriority {
		return 1
	}
	return 0
}
