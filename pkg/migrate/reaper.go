package migrate

import (
	"sync"
	"time"

	"github.com/keyspacedb/keyspace/pkg/metrics"
)

// reapSweepPeriod is how often the reaper scans the immigration registry,
// per spec.md §4.3 ("Runs once per second").
const reapSweepPeriod = time.Second

// reaper garbage-collects stale immigrations: ones whose cluster key no
// longer matches current membership, and ones past their post-DONE grace
// period (spec.md §4.3). Because this registry only ever holds immigrations
// that have already been admitted by handleStart, there is no separate
// "start in progress" state to skip here — admission and registration
// happen atomically on the receive-dispatcher goroutine.
type reaper struct {
	registry     *immigrationRegistry
	graceMs      int64
	clusterKeyFn func() uint64

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func newReaper(registry *immigrationRegistry, graceMs int64, clusterKeyFn func() uint64) *reaper {
	return &reaper{
		registry:     registry,
		graceMs:      graceMs,
		clusterKeyFn: clusterKeyFn,
		stopCh:       make(chan struct{}),
	}
}

func (r *reaper) Start() {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(reapSweepPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.sweep()
			case <-r.stopCh:
				return
			}
		}
	}()
}

func (r *reaper) Stop() {
	close(r.stopCh)
	r.wg.Wait()
}

// sweep performs one reap pass. Exported to the package for direct testing
// without waiting on the real ticker.
func (r *reaper) sweep() {
	currentKey := r.clusterKeyFn()
	now := time.Now()

	var stale []*Immigration
	var reasons []string
	r.registry.forEach(func(imm *Immigration) {
		if imm.ClusterKey != currentKey {
			stale = append(stale, imm)
			reasons = append(reasons, "cluster_key_changed")
			return
		}
		if imm.DoneReceived() && now.Sub(imm.DoneAt()) >= time.Duration(r.graceMs)*time.Millisecond {
			stale = append(stale, imm)
			reasons = append(reasons, "grace_period_elapsed")
		}
	})

	for i, imm := range stale {
		r.registry.remove(imm.key())
		if imm.reservation != nil {
			imm.reservation.Release()
		}
		if !imm.DoneReceived() {
			metrics.MigrateImmigrationsActive.Dec()
		}
		metrics.MigrateReapedTotal.WithLabelValues(reasons[i]).Inc()
	}
}
