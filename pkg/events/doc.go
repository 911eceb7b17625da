/*
Package events provides the in-process notification broker of the hutch
engine.

The engine never waits on its listeners: every component depends on the
small Publisher interface, and delivery is fire-and-forget. A slow
subscriber loses events instead of slowing down provisioning.

# Channels

Notifications are published on four named channels, each keyed by the
object they describe:

	sessions     key: session id   Session records and SessionRemoved
	containers   key: session id   SessionContainer updates
	logs         key: session id   monitor.LogLine values
	pool         key: project id   pooled sessions becoming ready

# Deltas and Snapshots

PublishDelta sends an incremental update. PublishSnapshot sends the full
state of a key and also caches it: a subscriber that joins later first
receives the latest snapshot of every (channel, key) pair, then live
events.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for ev := range sub {
		fmt.Println(ev.Channel, ev.Key, ev.Kind)
	}

Forget drops the cached snapshots of a key. Session cleanup calls it so
that a deleted session does not reappear for new subscribers.

# Testing

Recorder is a Publisher that keeps every event in memory, for tests that
assert on what a component published.
*/
package events
