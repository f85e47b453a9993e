package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Get reads a string key. The second return is false when the key is absent.
func (g *Gateway) Get(ctx context.Context, key string) (string, bool, error) {
	var val string
	var found bool
	err := g.do(ctx, "get", func(ctx context.Context) error {
		v, err := g.client.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

// Set writes a string key with an optional TTL (0 means no expiry)
func (g *Gateway) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return g.do(ctx, "set", func(ctx context.Context) error {
		return g.client.Set(ctx, key, value, ttl).Err()
	})
}

// Del removes keys; missing keys are not an error
func (g *Gateway) Del(ctx context.Context, keys ...string) error {
	return g.do(ctx, "del", func(ctx context.Context) error {
		return g.client.Del(ctx, keys...).Err()
	})
}

// Exists reports whether a key is present
func (g *Gateway) Exists(ctx context.Context, key string) (bool, error) {
	var n int64
	err := g.do(ctx, "exists", func(ctx context.Context) error {
		v, err := g.client.Exists(ctx, key).Result()
		n = v
		return err
	})
	return n > 0, err
}

// Expire sets a TTL on an existing key
func (g *Gateway) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.do(ctx, "expire", func(ctx context.Context) error {
		return g.client.Expire(ctx, key, ttl).Err()
	})
}

// HSet writes hash fields
func (g *Gateway) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	return g.do(ctx, "hset", func(ctx context.Context) error {
		return g.client.HSet(ctx, key, fields).Err()
	})
}

// HGet reads one hash field; false when the field or key is absent
func (g *Gateway) HGet(ctx context.Context, key, field string) (string, bool, error) {
	var val string
	var found bool
	err := g.do(ctx, "hget", func(ctx context.Context) error {
		v, err := g.client.HGet(ctx, key, field).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		val, found = v, true
		return nil
	})
	return val, found, err
}

// HGetAll reads all hash fields; an empty map means the key is absent
func (g *Gateway) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	var fields map[string]string
	err := g.do(ctx, "hgetall", func(ctx context.Context) error {
		v, err := g.client.HGetAll(ctx, key).Result()
		fields = v
		return err
	})
	return fields, err
}

// HIncrBy atomically increments a hash field
func (g *Gateway) HIncrBy(ctx context.Context, key, field string, incr int64) error {
	return g.do(ctx, "hincrby", func(ctx context.Context) error {
		return g.client.HIncrBy(ctx, key, field, incr).Err()
	})
}

// SAdd adds members to a set
func (g *Gateway) SAdd(ctx context.Context, key string, members ...interface{}) error {
	return g.do(ctx, "sadd", func(ctx context.Context) error {
		return g.client.SAdd(ctx, key, members...).Err()
	})
}

// SRem removes members from a set
func (g *Gateway) SRem(ctx context.Context, key string, members ...interface{}) error {
	return g.do(ctx, "srem", func(ctx context.Context) error {
		return g.client.SRem(ctx, key, members...).Err()
	})
}

// SMembers lists set members
func (g *Gateway) SMembers(ctx context.Context, key string) ([]string, error) {
	var members []string
	err := g.do(ctx, "smembers", func(ctx context.Context) error {
		v, err := g.client.SMembers(ctx, key).Result()
		members = v
		return err
	})
	return members, err
}

// SCard returns set cardinality
func (g *Gateway) SCard(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.do(ctx, "scard", func(ctx context.Context) error {
		v, err := g.client.SCard(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

// SIsMember reports set membership
func (g *Gateway) SIsMember(ctx context.Context, key string, member interface{}) (bool, error) {
	var ok bool
	err := g.do(ctx, "sismember", func(ctx context.Context) error {
		v, err := g.client.SIsMember(ctx, key, member).Result()
		ok = v
		return err
	})
	return ok, err
}

// ZAdd adds a scored member to a sorted set
func (g *Gateway) ZAdd(ctx context.Context, key string, score float64, member string) error {
	return g.do(ctx, "zadd", func(ctx context.Context) error {
		return g.client.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	})
}

// ZRangeByScore returns members with scores in [min, max]
func (g *Gateway) ZRangeByScore(ctx context.Context, key, min, max string) ([]string, error) {
	var members []string
	err := g.do(ctx, "zrangebyscore", func(ctx context.Context) error {
		v, err := g.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: min, Max: max}).Result()
		members = v
		return err
	})
	return members, err
}

// LPush prepends values to a list
func (g *Gateway) LPush(ctx context.Context, key string, values ...interface{}) error {
	return g.do(ctx, "lpush", func(ctx context.Context) error {
		return g.client.LPush(ctx, key, values...).Err()
	})
}

// LRange reads list entries in [start, stop]
func (g *Gateway) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	var items []string
	err := g.do(ctx, "lrange", func(ctx context.Context) error {
		v, err := g.client.LRange(ctx, key, start, stop).Result()
		items = v
		return err
	})
	return items, err
}

// LTrim trims a list to [start, stop]
func (g *Gateway) LTrim(ctx context.Context, key string, start, stop int64) error {
	return g.do(ctx, "ltrim", func(ctx context.Context) error {
		return g.client.LTrim(ctx, key, start, stop).Err()
	})
}

// LLen returns list length
func (g *Gateway) LLen(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.do(ctx, "llen", func(ctx context.Context) error {
		v, err := g.client.LLen(ctx, key).Result()
		n = v
		return err
	})
	return n, err
}

// Scan iterates keys matching a pattern until the cursor is exhausted
func (g *Gateway) Scan(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	err := g.do(ctx, "scan", func(ctx context.Context) error {
		var cursor uint64
		keys = keys[:0]
		for {
			batch, next, err := g.client.Scan(ctx, cursor, pattern, 100).Result()
			if err != nil {
				return err
			}
			keys = append(keys, batch...)
			if next == 0 {
				return nil
			}
			cursor = next
		}
	})
	return keys, err
}

// Tx executes fn inside a transactional pipeline. Either every queued command
// commits or none does; a failure surfaces as ErrPipelineAborted and no state
// mutation is observable.
func (g *Gateway) Tx(ctx context.Context, fn func(pipe redis.Pipeliner) error) error {
	err := g.do(ctx, "tx", func(ctx context.Context) error {
		_, err := g.client.TxPipelined(ctx, fn)
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrPipelineAborted, err)
	}
	return nil
}

// Publish sends a payload on a pub/sub channel; fire-and-forget semantics
func (g *Gateway) Publish(ctx context.Context, channel string, payload []byte) error {
	return g.do(ctx, "publish", func(ctx context.Context) error {
		return g.client.Publish(ctx, channel, payload).Err()
	})
}

// Info fetches the backend INFO text for the given sections
func (g *Gateway) Info(ctx context.Context, sections ...string) (string, error) {
	var info string
	err := g.do(ctx, "info", func(ctx context.Context) error {
		v, err := g.client.Info(ctx, sections...).Result()
		info = v
		return err
	})
	return info, err
}

// InfoMap fetches INFO and parses it into key/value pairs
func (g *Gateway) InfoMap(ctx context.Context, sections ...string) (map[string]string, error) {
	raw, err := g.Info(ctx, sections...)
	if err != nil {
		return nil, err
	}
	return ParseInfo(raw), nil
}

// ParseInfo splits a Redis INFO reply into key/value pairs, skipping
// section headers and blank lines.
func ParseInfo(raw string) map[string]string {
	out := make(map[string]string)
	for _, line := range strings.Split(raw, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

// ConfigGet reads one backend configuration parameter
func (g *Gateway) ConfigGet(ctx context.Context, param string) (string, error) {
	var value string
	err := g.do(ctx, "config_get", func(ctx context.Context) error {
		m, err := g.client.ConfigGet(ctx, param).Result()
		if err != nil {
			return err
		}
		value = m[param]
		return nil
	})
	return value, err
}

// ConfigSet writes one backend configuration parameter
func (g *Gateway) ConfigSet(ctx context.Context, param, value string) error {
	return g.do(ctx, "config_set", func(ctx context.Context) error {
		return g.client.ConfigSet(ctx, param, value).Err()
	})
}

// SlowLog returns the most recent slow-log entries
func (g *Gateway) SlowLog(ctx context.Context, count int64) ([]redis.SlowLog, error) {
	var entries []redis.SlowLog
	err := g.do(ctx, "slowlog", func(ctx context.Context) error {
		v, err := g.client.SlowLogGet(ctx, count).Result()
		entries = v
		return err
	})
	return entries, err
}

// MemoryUsage samples the memory footprint of a key in bytes
func (g *Gateway) MemoryUsage(ctx context.Context, key string) (int64, error) {
	var n int64
	err := g.do(ctx, "memory_usage", func(ctx context.Context) error {
		v, err := g.client.MemoryUsage(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		n = v
		return err
	})
	return n, err
}
