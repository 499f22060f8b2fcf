/*
Package events provides the in-process event broker for Preempt's
observability surface.

Every externally visible state transition in the engine is published as an
Event: advisories raised by the estimator, every migration state-machine
transition, migration completion and abort, and failure preemption (a
server failing after its service has already been migrated away, the metric
proving proactive value).

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for event := range sub {
			fmt.Printf("[%s] %s\n", event.Type, event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:     events.EventAdvisoryRaised,
		ServerID: "server-3",
		Message:  "reliability crossed threshold",
	})

# Delivery Semantics

Delivery is best-effort fan-out: each subscriber has a bounded buffer and a
slow subscriber drops events rather than blocking the engine. Consumers that
need a complete record should read plan history from the store instead of
reconstructing it from the event stream.
*/
package events
