/*
Package events provides in-process publish/subscribe for model lifecycle
notifications.

The broker fans lifecycle events out to any number of subscribers without
ever blocking the publisher: the manager and reconciler publish transitions
(training complete, deployment stopped, job vanished) and listeners such as
the server's event logger consume them asynchronously. Events are advisory;
the store's audit trail is the durable record.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	go func() {
		for event := range sub {
			logger.Info().Str("type", string(event.Type)).Msg(event.Message)
		}
	}()

	broker.Publish(&events.Event{
		Type:    events.EventTrainComplete,
		ModelID: model.ID,
	})

Delivery is best-effort: a subscriber whose buffer is full misses events
rather than applying back-pressure to lifecycle operations.
*/
package events
