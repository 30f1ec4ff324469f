package health

import (
	"context"
	"testing"
	"time"

	"github.com/keyspacedb/keyspace/pkg/events"
)

func testConfig() Config {
	return Config{
		Interval: time.Hour, // never fires during the test; probeAll is called directly
		Timeout:  time.Second,
		Retries:  2,
	}
}

type fakeChecker struct {
	result Result
}

func (f fakeChecker) Check(ctx context.Context) Result { return f.result }
func (f fakeChecker) Type() CheckType                  { return CheckTypeTCP }

func TestMonitorPublishesNodeDownAfterRetries(t *testing.T) {
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()
	sub := broker.Subscribe()

	m := NewMonitor(testConfig(), broker, func(addr string) Checker {
		return fakeChecker{result: Result{Healthy: false, Message: "dial failed"}}
	})

	m.probeAll([]string{"peer-a"})
	select {
	case <-sub:
		t.Fatal("should not publish node.down before Retries consecutive failures")
	case <-time.After(50 * time.Millisecond):
	}

	m.probeAll([]string{"peer-a"})
	select {
	case ev := <-sub:
		if ev.Type != events.EventNodeDown {
			t.Fatalf("expected EventNodeDown, got %s", ev.Type)
		}
		if ev.Metadata["peer"] != "peer-a" {
			t.Fatalf("expected peer metadata peer-a, got %v", ev.Metadata)
		}
	case <-time.After(time.Second):
		t.Fatal("expected node.down event after reaching retry threshold")
	}
}

func TestMonitorStatusReportsHealthy(t *testing.T) {
	m := NewMonitor(testConfig(), nil, func(addr string) Checker {
		return fakeChecker{result: Result{Healthy: true, Message: "ok"}}
	})

	m.probeAll([]string{"peer-a"})

	status := m.Status("peer-a")
	if status == nil || !status.Healthy {
		t.Fatalf("expected peer-a to be healthy, got %+v", status)
	}
}

func TestMonitorStatusNilForUnprobedPeer(t *testing.T) {
	m := NewMonitor(testConfig(), nil, func(addr string) Checker {
		return fakeChecker{result: Result{Healthy: true}}
	})

	if status := m.Status("never-probed"); status != nil {
		t.Fatalf("expected nil status for unprobed peer, got %+v", status)
	}
}

func TestMonitorStartStop(t *testing.T) {
	m := NewMonitor(testConfig(), nil, func(addr string) Checker {
		return fakeChecker{result: Result{Healthy: true}}
	})
	m.Start([]string{"peer-a"})
	time.Sleep(10 * time.Millisecond)
	m.Stop()

	if status := m.Status("peer-a"); status == nil {
		t.Fatal("expected peer-a to have been probed once on Start")
	}
}
