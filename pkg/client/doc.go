// Package client is a Go client library for the Beacon HTTP API and its
// live stream.
//
// The HTTP methods mirror the read API one to one and decode into the
// shared types package. OpenStream dials the websocket endpoint, applies
// the initial subscriptions, and delivers frames on a channel until either
// side closes; SSEURL builds the equivalent one-way stream URL for callers
// that cannot hold a websocket.
package client
