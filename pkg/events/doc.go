/*
Package events provides an in-memory event broker for FATE transaction
lifecycle notifications.

The broker implements non-blocking fan-out pub/sub: publishers never wait on
slow subscribers, and a full subscriber buffer simply drops the event rather
than blocking the executor. This is the same trade-off the original cluster
state broker makes — throughput over guaranteed delivery — since events here
feed dashboards and audit logs, not correctness-critical paths.

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	go func() {
		for ev := range sub {
			fmt.Println(ev.Type, ev.FateID, ev.Message)
		}
	}()

	broker.Publish(&events.Event{Type: events.EventTxSucceeded, FateID: id.String()})
*/
package events
