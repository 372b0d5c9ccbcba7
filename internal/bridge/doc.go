// Package bridge lets several relay processes share one room through a
// message broker.
//
// A Bridge wraps the local hub. Messages published through the bridge go to
// the local hub and are forwarded to the broker in an envelope tagged with the
// bridge's origin id. Envelopes arriving from the broker with a different
// origin are published into the local hub only, so a message crosses the
// broker at most once. Forwarding is best effort: broker failures are logged
// and counted but never reach sessions.
//
// Two transports are provided: an AMQP fanout exchange (RabbitMQ) and Redis
// pub/sub. Dial picks one by kind.
package bridge
