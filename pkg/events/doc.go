/*
Package events provides an in-process publish/subscribe broker for job
lifecycle notifications.

The broker is a latency optimization, not a source of truth. The store
remains authoritative: every consumer that waits on a broker event also
polls the store, so a missed or dropped event costs one poll interval,
never correctness. This is what lets delivery stay non-blocking - a
subscriber that cannot keep up has events dropped rather than stalling
the publisher.

# Event Types

	job.queued     a new job was submitted
	job.started    the controller started a job's container
	job.completed  a job finished successfully
	job.failed     a job finished unsuccessfully

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for event := range sub {
		// wake up, re-check the store
	}

The API's streaming handlers subscribe while waiting for queued jobs to
start; the controller publishes on every transition it makes.
*/
package events
