/*
Package events carries VM lifecycle events inside the labvm process and
migration alerts out of it.

# Broker

Broker is an in-memory pub/sub hub. The manager publishes one Event per
lifecycle transition (vm.created, vm.started, vm.deleted, ...) and the
reconciler publishes drift (vm.migrated, vm.status_changed, vm.lost).
Publish never blocks: a full queue or a slow subscriber drops events rather
than stalling a VM operation.

	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)
	for ev := range sub {
		...
	}

A nil *Broker is valid and discards everything, which keeps tests and tools
free of wiring.

# Audit

AuditRecorder is a subscriber that turns every event into a
types.AuditEntry row. Events are best effort, so the audit log can miss
entries under heavy load; it is a history for operators, not a ledger.

# Notifiers

Notifier delivers migration alerts. AMQPNotifier publishes them as JSON to
a topic exchange on RabbitMQ (alerts.exchange, routing key
alerts.routing_key). LogNotifier only logs them and is used when alerts
are disabled.
*/
package events
