// Package hub fans task events and system notifications out to live client
// connections over websocket and server-sent events.
//
// The hub consumes the progress_updates pub/sub stream and routes each event
// to the connections subscribed to its task id. Channel subscriptions
// (progress, system, alerts) carry cross-task traffic such as alert
// broadcasts. Both protocols share one Transport abstraction, one
// registration path, and one per-connection send queue.
//
// Delivery is best effort under backpressure: when a client's queue fills,
// the oldest droppable frame (progress_update, stage_update) is shed first.
// Terminal frames and alerts are never dropped short of the client stalling
// outright. A heartbeat monitor disconnects clients whose last activity is
// strictly older than the configured client timeout.
package hub
