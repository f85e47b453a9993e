package store

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/beaconhq/beacon/pkg/config"
	"github.com/beaconhq/beacon/pkg/log"
	"github.com/beaconhq/beacon/pkg/metrics"
)

var (
	// ErrPipelineAborted marks a transactional pipeline that left no state behind
	ErrPipelineAborted = errors.New("store: pipeline aborted")

	// ErrClosed is returned once the gateway has been shut down
	ErrClosed = errors.New("store: gateway closed")
)

// HealthState classifies the gateway's view of the backend
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// Health is the result of a health probe
type Health struct {
	Status HealthState   `json:"status"`
	RTT    time.Duration `json:"rtt"`
	Error  string        `json:"error,omitempty"`
}

// Stats exposes gateway command counters
type Stats struct {
	Ops    int64 `json:"ops"`
	Errors int64 `json:"errors"`
}

// Gateway is the typed adapter over the Redis command surface. All durable
// mutations in Beacon go through it; transport-class failures are retried
// with exponential backoff behind a circuit breaker.
type Gateway struct {
	client       *redis.Client
	breaker      *gobreaker.CircuitBreaker
	maxRetries   int
	opTimeout    time.Duration
	totalTimeout time.Duration
	logger       zerolog.Logger

	ops         atomic.Int64
	errs        atomic.Int64
	probeFails  atomic.Int32
	closed      atomic.Bool
}

// New builds a gateway from configuration. The connection is lazy; the first
// command or health probe dials the backend.
func New(cfg config.RedisConfig) *Gateway {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
		// Retries are owned by the gateway, not the driver.
		MaxRetries:   -1,
		DialTimeout:  cfg.OpTimeout,
		ReadTimeout:  cfg.OpTimeout,
		WriteTimeout: cfg.OpTimeout,
	})

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Protocol errors count as success for the breaker: the
			// backend answered, the command was just wrong.
			return err == nil || !IsTransient(err)
		},
	})

	return &Gateway{
		client:       client,
		breaker:      breaker,
		maxRetries:   cfg.MaxRetries,
		opTimeout:    cfg.OpTimeout,
		totalTimeout: cfg.TotalTimeout,
		logger:       log.WithComponent("store"),
	}
}

// NewWithClient wraps an existing client; used by tests against miniredis.
func NewWithClient(client *redis.Client) *Gateway {
	cfg := config.Default().Redis
	g := New(cfg)
	g.client.Close()
	g.client = client
	return g
}

// IsTransient reports whether an error is transport-class and worth retrying.
// Protocol replies from the backend (wrong type, bad command) are permanent.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, redis.Nil) || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return true
	}
	var redisErr redis.Error
	if errors.As(err, &redisErr) {
		return false
	}
	// Everything else is a dial, timeout, or pool failure.
	return true
}

// do runs one command with per-op timeout, breaker, and bounded retry.
func (g *Gateway) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.closed.Load() {
		return ErrClosed
	}

	start := time.Now()
	operation := func() (struct{}, error) {
		_, err := g.breaker.Execute(func() (interface{}, error) {
			opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
			defer cancel()
			return nil, fn(opCtx)
		})
		if err != nil && !IsTransient(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(g.maxRetries)),
		backoff.WithMaxElapsedTime(g.totalTimeout),
	)

	g.ops.Add(1)
	metrics.StoreOpsTotal.WithLabelValues(op).Inc()
	metrics.StoreOpDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err != nil {
		g.errs.Add(1)
		metrics.StoreErrorsTotal.WithLabelValues(op).Inc()
		return fmt.Errorf("store %s: %w", op, err)
	}
	return nil
}

// HealthCheck probes the backend and measures round-trip time. A single
// probe failure downgrades to degraded; repeated failures to unhealthy.
func (g *Gateway) HealthCheck(ctx context.Context) Health {
	start := time.Now()
	opCtx, cancel := context.WithTimeout(ctx, g.opTimeout)
	defer cancel()

	err := g.client.Ping(opCtx).Err()
	rtt := time.Since(start)

	if err != nil {
		fails := g.probeFails.Add(1)
		status := HealthDegraded
		if fails > 1 {
			status = HealthUnhealthy
		}
		return Health{Status: status, RTT: rtt, Error: err.Error()}
	}

	g.probeFails.Store(0)
	return Health{Status: HealthHealthy, RTT: rtt}
}

// Stats returns command counters since start
func (g *Gateway) Stats() Stats {
	return Stats{Ops: g.ops.Load(), Errors: g.errs.Load()}
}

// Close shuts the gateway down; all further commands fail with ErrClosed.
func (g *Gateway) Close() error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}
	return g.client.Close()
}
