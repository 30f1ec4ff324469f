/*
Package health provides peer liveness probing for keyspace clusters.

Checker is the common interface for HTTP and TCP probes; Monitor runs a
Checker against a fixed set of peer addresses on an interval, applies
hysteresis (a peer only flips unhealthy after Retries consecutive
failures, matching Status.Update), and publishes events.EventNodeDown on
the healthy→unhealthy transition.

This is a local, faster-than-Raft liveness signal, not a replacement for
Raft's own membership view: pkg/cluster still owns who is a voting member
of the cluster. Monitor exists so the rebalancer and fabric layer can react
to a peer going dark well before a Raft leader election timeout would
notice — a TCPChecker against each peer's fabric port is the intended use.

# Usage

	checker := func(addr string) health.Checker { return health.NewTCPChecker(addr) }
	monitor := health.NewMonitor(health.DefaultConfig(), broker, checker)
	monitor.Start([]string{"10.0.1.11:7946", "10.0.1.12:7946"})
	defer monitor.Stop()

	status := monitor.Status("10.0.1.11:7946")
	if status != nil && !status.Healthy {
		// peer considered down
	}
*/
package health
