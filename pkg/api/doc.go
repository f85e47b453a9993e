// Package api is the thin HTTP surface over the core engines: the JSON read
// API, the websocket and SSE stream endpoints, the Prometheus scrape
// handler, and the component health roll-up.
//
// Handlers delegate to the engines and own no domain state. The one
// exception is the dashboard composite, which is cached for a few seconds
// and invalidated by POST /refresh, plus a small ring of recently finished
// tasks collected from the progress event stream.
//
// Errors are returned as {"error": "<message>"} with a matching HTTP status.
package api
