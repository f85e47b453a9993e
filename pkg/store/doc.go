/*
Package store provides the gateway to the Redis backend.

The gateway is the single point every durable mutation in Beacon flows
through. It wraps the go-redis client with:

  - a typed command surface (strings with TTL, hashes, sets, sorted sets,
    lists with trim, scan, pub/sub, INFO, CONFIG, SLOWLOG, MEMORY USAGE)
  - bounded retry with exponential backoff for transport-class failures
    (up to redis.max_retries attempts, per-op timeout, total deadline)
  - a circuit breaker that fails fast after repeated transport failures
  - transactional pipelines with all-or-nothing commit semantics
  - a health probe returning healthy/degraded/unhealthy with measured RTT

Protocol errors from the backend (wrong type, malformed command) fail
immediately and never trip the breaker. Key absence is reported through a
found bool, not an error.
*/
package store
