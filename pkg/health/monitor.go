package health

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/keyspacedb/keyspace/pkg/events"
	"github.com/keyspacedb/keyspace/pkg/log"
	"github.com/keyspacedb/keyspace/pkg/metrics"
	"github.com/rs/zerolog"
)

// Monitor runs a Checker against a fixed set of peers on an interval,
// tracking each peer's Status and publishing node.down events on the
// hysteresis transition Status.Update implements. It is a local, faster
// liveness signal than Raft's own failure detector — Raft still owns
// authoritative cluster membership, this only tells the rebalancer and
// fabric layer that a peer stopped answering sooner than a Raft timeout
// would.
type Monitor struct {
	config     Config
	broker     *events.Broker
	logger     zerolog.Logger
	newChecker func(addr string) Checker

	mu       sync.Mutex
	statuses map[string]*Status

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewMonitor creates a Monitor. newChecker builds the Checker used for a
// given peer address — typically NewTCPChecker for probing a peer's
// fabric port.
func NewMonitor(config Config, broker *events.Broker, newChecker func(addr string) Checker) *Monitor {
	return &Monitor{
		config:     config,
		broker:     broker,
		logger:     log.WithComponent("health"),
		newChecker: newChecker,
		statuses:   make(map[string]*Status),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins probing peers on config.Interval in its own goroutine.
func (m *Monitor) Start(peers []string) {
	go m.run(peers)
}

// Stop signals the monitor to exit and waits for it to do so.
func (m *Monitor) Stop() {
	close(m.stopCh)
	<-m.doneCh
}

// Status returns the current health status for a peer, or nil if the peer
// has not been probed yet.
func (m *Monitor) Status(addr string) *Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[addr]
}

func (m *Monitor) run(peers []string) {
	defer close(m.doneCh)
	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	m.probeAll(peers)
	for {
		select {
		case <-ticker.C:
			m.probeAll(peers)
		case <-m.stopCh:
			return
		}
	}
}

func (m *Monitor) probeAll(peers []string) {
	var wg sync.WaitGroup
	for _, addr := range peers {
		wg.Add(1)
		go func(addr string) {
			defer wg.Done()
			m.probeOne(addr)
		}(addr)
	}
	wg.Wait()
}

func (m *Monitor) probeOne(addr string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.config.Timeout)
	defer cancel()

	checker := m.newChecker(addr)
	result := checker.Check(ctx)

	m.mu.Lock()
	status, ok := m.statuses[addr]
	if !ok {
		status = NewStatus()
		m.statuses[addr] = status
	}
	wasHealthy := status.Healthy
	status.Update(result, m.config)
	nowHealthy := status.Healthy
	m.mu.Unlock()

	if nowHealthy {
		metrics.PeerHealthy.WithLabelValues(addr).Set(1)
	} else {
		metrics.PeerHealthy.WithLabelValues(addr).Set(0)
	}

	if wasHealthy && !nowHealthy {
		m.logger.Warn().Str("peer", addr).Str("reason", result.Message).Msg("peer liveness probe failed, marking down")
		if m.broker != nil {
			m.broker.Publish(&events.Event{
				ID:      uuid.New().String(),
				Type:    events.EventNodeDown,
				Message: result.Message,
				Metadata: map[string]string{
					"peer": addr,
				},
			})
		}
	} else if !wasHealthy && nowHealthy {
		m.logger.Info().Str("peer", addr).Msg("peer liveness probe recovered")
	}
}
