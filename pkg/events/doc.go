/*
Package events provides an in-memory event broker for keyspace's pub/sub
messaging.

The broker broadcasts node and partition lifecycle events to whoever
subscribes, without coupling the publishers to any particular consumer. No
package in this module subscribes today; the event types below are the
catalogue the broker carries.

# Architecture

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  Publisher → Event Channel (buffer: 100)                  │
	│       ↓                                                    │
	│  Broadcast Loop                                            │
	│       ↓                                                    │
	│  Subscriber Channels (buffer: 50 each)                     │
	└────────────────────────────────────────────────────────────┘

# Event Types Catalog

Node events:
  - EventNodeDown (published by pkg/health's Monitor when a peer fails
    its probes)
  - EventNodeJoined, EventNodeLeft (defined; no package publishes them)

Partition events (published by pkg/partition as its state machine moves a
replica between ABSENT/DESYNC/SYNC/ZOMBIE):
  - EventPartitionSynced — a replica finished immigrating and is now SYNC
  - EventPartitionDesynced — a replica started immigrating
  - EventPartitionZombied — a replica was displaced by a newer owner
  - EventPartitionDropped — a ZOMBIE replica's data was reaped

Migration events (defined; pkg/migrate does not publish them):
  - EventMigrationStarted, EventMigrationCompleted, EventMigrationFailed,
    EventMigrationCancelled (cluster-key change mid-flight)

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for event := range sub {
			switch event.Type {
			case events.EventPartitionSynced:
				handlePartitionSynced(event)
			case events.EventMigrationFailed:
				handleMigrationFailed(event)
			}
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventPartitionSynced,
		Message: "partition 7 of ns synced from node-2",
		Metadata: map[string]string{
			"namespace":    "ns",
			"partition_id": "7",
			"source_node":  "node-2",
		},
	})

# Design

Publish hands the event to a channel buffered for 100 events; it returns
at once while there is room, and otherwise waits until the broadcast loop
frees a slot or the broker is stopped. Broadcast fans an event out to every subscriber's own buffered
channel; a subscriber whose buffer is full skips that event rather than
blocking the broadcast loop for everyone else. There is no persistence, no
replay, and no delivery guarantee — this is a best-effort signal for
observability and reactive wiring, not a system of record. Migration
progress and partition state themselves live in pkg/migrate and
pkg/partition; this package only announces that they changed.

# See Also

  - pkg/partition for the partition state machine that emits the partition events
  - pkg/health for the peer monitor that emits EventNodeDown
*/
package events
