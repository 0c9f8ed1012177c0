// Package redisstore implements the kv stores on Redis. Compare-and-swap is
// done with WATCH/MULTI; expiry is indexed in sorted sets scored by unix
// seconds.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
)

const (
	defaultPrefix = "sharepool"
	maxTxRetries  = 8

	// closedRetention keeps closed sessions readable after close-out.
	closedRetention = 24 * time.Hour
	// tokenGrace keeps expired tokens around long enough for the sweep to
	// see them in the expiry index.
	tokenGrace = time.Hour
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// Connect opens a client and pings it.
func Connect(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolTimeout:  4 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redisstore: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

type keys struct{ prefix string }

func newKeys(prefix string) keys {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return keys{prefix: prefix}
}

func (k keys) k(parts ...string) string {
	out := k.prefix
	for _, p := range parts {
		out += ":" + p
	}
	return out
}

func score(t time.Time) float64 { return float64(t.Unix()) }

func maxScore(t time.Time) string { return strconv.FormatInt(t.Unix(), 10) }

// retry runs a WATCH transaction until it commits or the retries run out.
func retry(ctx context.Context, client *redis.Client, fn func(*redis.Tx) error, watch ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := client.Watch(ctx, fn, watch...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("redisstore: transaction on %v kept conflicting", watch)
}

type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getJSON(ctx context.Context, c getter, key string, v any) error {
	raw, err := c.Get(ctx, key).Bytes()
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}

func ttlUntil(t time.Time, extra time.Duration) time.Duration {
	d := time.Until(t) + extra
	if d < time.Second {
		d = time.Second
	}
	return d
}
