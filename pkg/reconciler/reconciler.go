package reconciler

import (
	"time"

	"github.com/keyspacedb/keyspace/pkg/config"
	"github.com/keyspacedb/keyspace/pkg/log"
	"github.com/keyspacedb/keyspace/pkg/metrics"
	"github.com/keyspacedb/keyspace/pkg/migrate"
	"github.com/keyspacedb/keyspace/pkg/partition"
	"github.com/keyspacedb/keyspace/pkg/scheduler"
	"github.com/keyspacedb/keyspace/pkg/types"
	"github.com/rs/zerolog"
)

// ClusterView is the narrow view of cluster membership the reconciler
// needs: the live node list and the current membership generation every
// emigration it triggers must be stamped with.
type ClusterView interface {
	ListNodes() ([]*types.Node, error)
	ClusterKey() uint64
}

// Reconciler drives the rebalancer: on every tick it recomputes desired
// partition ownership and emigrates any partition this node owns whose
// desired owner has moved elsewhere.
type Reconciler struct {
	self       types.NodeID
	namespaces []config.Namespace
	interval   time.Duration

	cluster    ClusterView
	partitions *partition.Manager
	engine     *migrate.Engine

	logger zerolog.Logger
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewReconciler creates a Reconciler. self is this node's own id, used to
// recognize when a partition it owns is already correctly placed.
func NewReconciler(self types.NodeID, namespaces []config.Namespace, interval time.Duration, cluster ClusterView, partitions *partition.Manager, engine *migrate.Engine) *Reconciler {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Reconciler{
		self:       self,
		namespaces: namespaces,
		interval:   interval,
		cluster:    cluster,
		partitions: partitions,
		engine:     engine,
		logger:     log.WithComponent("reconciler"),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the reconcile loop in its own goroutine.
func (r *Reconciler) Start() { go r.run() }

// Stop signals the loop to exit and waits for it to do so.
func (r *Reconciler) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *Reconciler) run() {
	defer close(r.doneCh)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info().Dur("interval", r.interval).Msg("rebalancer started")
	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			r.logger.Info().Msg("rebalancer stopped")
			return
		}
	}
}

// reconcile performs one rebalance cycle.
func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	nodes, err := r.cluster.ListNodes()
	if err != nil {
		r.logger.Error().Err(err).Msg("rebalance: list nodes failed")
		return
	}
	ready := scheduler.ReadyNodes(nodes)
	if len(ready) == 0 {
		r.logger.Warn().Msg("rebalance: no ready nodes, skipping cycle")
		return
	}

	desired := scheduler.Compute(r.namespaces, ready)
	owned := r.partitions.Snapshot()

	for key, state := range owned {
		if state != types.PartitionSync {
			continue // only a fully-synced replica is safe to hand off
		}
		dest, ok := desired[key]
		if !ok || dest == "" || dest == r.self {
			continue
		}
		if r.engine.IsEmigrating(key.Namespace, key.Partition) {
			continue
		}

		r.logger.Info().
			Str("namespace", string(key.Namespace)).
			Uint32("partition", uint32(key.Partition)).
			Str("from", string(r.self)).
			Str("to", string(dest)).
			Msg("rebalance: desired owner changed, emigrating")

		r.engine.Emigrate(migrate.Job{
			Namespace:   key.Namespace,
			PartitionID: key.Partition,
			Destination: dest,
			ClusterKey:  r.cluster.ClusterKey(),
		}, true)
		metrics.RebalanceMovesTotal.WithLabelValues(string(key.Namespace)).Inc()
	}
}
