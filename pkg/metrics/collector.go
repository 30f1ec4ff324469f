package metrics

import (
	"time"
)

// ClusterStats is the subset of cluster state the collector needs to
// publish gauges for. pkg/cluster.Manager satisfies this.
type ClusterStats interface {
	IsLeader() bool
	ClusterKey() uint64
	GetRaftStats() map[string]interface{}
}

// Collector periodically samples cluster and Raft state and publishes it
// as Prometheus gauges. It does not sample pkg/migrate or pkg/partition
// state, which update their own counters and gauges directly on the hot
// path instead of through a polling loop.
type Collector struct {
	cluster ClusterStats
	stopCh  chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(cluster ClusterStats) *Collector {
	return &Collector{
		cluster: cluster,
		stopCh:  make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()

		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	c.collectRaftMetrics()
}

func (c *Collector) collectRaftMetrics() {
	if c.cluster.IsLeader() {
		RaftLeader.Set(1)
	} else {
		RaftLeader.Set(0)
	}

	ClusterKeyGauge.Set(float64(c.cluster.ClusterKey()))

	stats := c.cluster.GetRaftStats()
	if stats == nil {
		return
	}
	if lastIndex, ok := stats["last_log_index"].(uint64); ok {
		RaftLogIndex.Set(float64(lastIndex))
	}
	if appliedIndex, ok := stats["applied_index"].(uint64); ok {
		RaftAppliedIndex.Set(float64(appliedIndex))
	}
	if numPeers, ok := stats["num_peers"].(int); ok {
		RaftPeers.Set(float64(numPeers))
	}
}
