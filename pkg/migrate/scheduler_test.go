package migrate

import (
	"testing"
	"time"

	"github.com/keyspacedb/keyspace/pkg/types"
)

func fixedState(states map[types.PartitionID]types.PartitionState) StateFunc {
	return func(_ types.Namespace, pid types.PartitionID) types.PartitionState {
		return states[pid]
	}
}

func fixedSize(sizes map[types.PartitionID]int) SizeFunc {
	return func(_ types.Namespace, pid types.PartitionID) int {
		return sizes[pid]
	}
}

func TestSchedulerPopsSmallestWithinTier(t *testing.T) {
	sizes := map[types.PartitionID]int{1: 100, 2: 10, 3: 50}
	states := map[types.PartitionID]types.PartitionState{}
	s := NewScheduler(fixedState(states), fixedSize(sizes))

	s.Enqueue(Job{PartitionID: 1}, false)
	s.Enqueue(Job{PartitionID: 2}, false)
	s.Enqueue(Job{PartitionID: 3}, false)

	job, terminate, ok := s.Pop()
	if !ok || terminate {
		t.Fatalf("expected a job, got terminate=%v ok=%v", terminate, ok)
	}
	if job.PartitionID != 2 {
		t.Fatalf("expected smallest partition (2) popped first, got %d", job.PartitionID)
	}
}

func TestSchedulerZombieBeatsHighPriority(t *testing.T) {
	states := map[types.PartitionID]types.PartitionState{1: types.PartitionZombie}
	sizes := map[types.PartitionID]int{1: 1000, 2: 1}
	s := NewScheduler(fixedState(states), fixedSize(sizes))

	s.Enqueue(Job{PartitionID: 2}, true)
	s.Enqueue(Job{PartitionID: 1}, false)

	job, _, ok := s.Pop()
	if !ok {
		t.Fatal("expected a job")
	}
	if job.PartitionID != 1 {
		t.Fatalf("expected ZOMBIE-state partition (1) to win over high-priority flag, got %d", job.PartitionID)
	}
}

func TestSchedulerHighPriorityBeatsDefault(t *testing.T) {
	states := map[types.PartitionID]types.PartitionState{}
	sizes := map[types.PartitionID]int{1: 1, 2: 1000}
	s := NewScheduler(fixedState(states), fixedSize(sizes))

	s.Enqueue(Job{PartitionID: 1}, false)
	s.Enqueue(Job{PartitionID: 2}, true)

	job, _, ok := s.Pop()
	if !ok {
		t.Fatal("expected a job")
	}
	if job.PartitionID != 2 {
		t.Fatalf("expected high-priority job (2) to win despite being larger, got %d", job.PartitionID)
	}
}

func TestSchedulerTerminateSentinelWinsAlways(t *testing.T) {
	states := map[types.PartitionID]types.PartitionState{1: types.PartitionZombie}
	sizes := map[types.PartitionID]int{}
	s := NewScheduler(fixedState(states), fixedSize(sizes))

	s.Enqueue(Job{PartitionID: 1}, false)
	s.EnqueueTerminate()

	_, terminate, ok := s.Pop()
	if !ok || !terminate {
		t.Fatalf("expected terminate sentinel to pop first, got terminate=%v ok=%v", terminate, ok)
	}
}

func TestSchedulerZombieStateEvaluatedAtPopTime(t *testing.T) {
	states := map[types.PartitionID]types.PartitionState{}
	sizes := map[types.PartitionID]int{1: 1, 2: 1}
	s := NewScheduler(fixedState(states), fixedSize(sizes))

	s.Enqueue(Job{PartitionID: 1}, false)
	s.Enqueue(Job{PartitionID: 2}, false)

	// Partition 2 becomes ZOMBIE only after both jobs are already queued.
	states[2] = types.PartitionZombie

	job, _, ok := s.Pop()
	if !ok {
		t.Fatal("expected a job")
	}
	if job.PartitionID != 2 {
		t.Fatalf("expected live state re-check to prefer partition 2 once it became ZOMBIE, got %d", job.PartitionID)
	}
}

func TestSchedulerPopBlocksUntilEnqueue(t *testing.T) {
	s := NewScheduler(fixedState(nil), fixedSize(nil))
	done := make(chan Job, 1)
	go func() {
		job, _, ok := s.Pop()
		if !ok {
			return
		}
		done <- job
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before any job was enqueued")
	case <-time.After(20 * time.Millisecond):
	}

	s.Enqueue(Job{PartitionID: 9}, false)
	select {
	case job := <-done:
		if job.PartitionID != 9 {
			t.Fatalf("unexpected job: %+v", job)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Enqueue")
	}
}

func TestSchedulerCloseUnblocksPop(t *testing.T) {
	s := NewScheduler(fixedState(nil), fixedSize(nil))
	done := make(chan bool, 1)
	go func() {
		_, _, ok := s.Pop()
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	s.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected Pop to report !ok after Close with an empty queue")
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never returned after Close")
	}
}
