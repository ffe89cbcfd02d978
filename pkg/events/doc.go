/*
Package events provides a channel-based publish/subscribe broker for
cluster events.

The state store publishes an event after every successful mutation; the
broker fans events out to subscribers asynchronously. This is how the
"observers are notified asynchronously; re-read through the store for a
current snapshot" contract is satisfied: an event tells a consumer that
something changed and which entity it touched, never the current value.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		// re-read through the store if the current value matters
	}

Delivery is best-effort per subscriber: each subscriber has a bounded
buffer and a full buffer drops events rather than blocking publishers.
*/
package events
