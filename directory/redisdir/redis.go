// Package redisdir is the Redis-backed directory.Directory for multi-node
// deployments. Records are stored as JSON values under a common key prefix
// with Redis-side expiry carrying the lease.
package redisdir

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"

	"github.com/deskmux/deskmux/directory"
)

// Config for the Redis-backed directory. Defaults can be loaded via
// envdecode.
type Config struct {
	// RedisAddr like "localhost:6379". ENV: REDIS_ADDR
	RedisAddr string `env:"REDIS_ADDR,default=localhost:6379"`
	// KeyPrefix for all directory keys. ENV: DIRECTORY_KEY_PREFIX
	KeyPrefix string `env:"DIRECTORY_KEY_PREFIX,default=deskmux:sessions:"`
}

// Dir implements directory.Directory on a Redis client it owns.
type Dir struct {
	client    *redis.Client
	keyPrefix string
}

var _ directory.Directory = (*Dir)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Dir, error) {
	addr := cfg.RedisAddr
	if addr == "" {
		addr = "localhost:6379"
	}
	cl := redis.NewClient(&redis.Options{Addr: addr})
	if err := cl.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "deskmux:sessions:"
	}
	return &Dir{client: cl, keyPrefix: prefix}, nil
}

// NewFromEnv builds a Dir using envdecode to populate Config.
func NewFromEnv() (*Dir, error) {
	var cfg Config
	_ = envdecode.Decode(&cfg)
	return New(cfg)
}

// Close closes the Redis client.
func (d *Dir) Close() error { return d.client.Close() }

func (d *Dir) key(id string) string { return d.keyPrefix + id }

func (d *Dir) Publish(ctx context.Context, rec directory.Record, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = time.Minute
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding record: %w", err)
	}
	if err := d.client.Set(ctx, d.key(rec.ID), raw, ttl).Err(); err != nil {
		return fmt.Errorf("publishing %s: %w", rec.ID, err)
	}
	return nil
}

func (d *Dir) Lookup(ctx context.Context, id string) (directory.Record, error) {
	raw, err := d.client.Get(ctx, d.key(id)).Bytes()
	if err == redis.Nil {
		return directory.Record{}, directory.ErrNotFound
	}
	if err != nil {
		return directory.Record{}, fmt.Errorf("looking up %s: %w", id, err)
	}
	var rec directory.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return directory.Record{}, fmt.Errorf("decoding record for %s: %w", id, err)
	}
	return rec, nil
}

func (d *Dir) List(ctx context.Context) ([]directory.Record, error) {
	var recs []directory.Record
	iter := d.client.Scan(ctx, 0, d.keyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		raw, err := d.client.Get(ctx, iter.Val()).Bytes()
		if err == redis.Nil {
			// Expired between scan and get.
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("listing sessions: %w", err)
		}
		var rec directory.Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		recs = append(recs, rec)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scanning sessions: %w", err)
	}
	return recs, nil
}

func (d *Dir) Remove(ctx context.Context, id string) error {
	// Removal must land even when the caller is tearing down.
	c := context.WithoutCancel(ctx)
	if err := d.client.Del(c, d.key(id)).Err(); err != nil {
		return fmt.Errorf("removing %s: %w", id, err)
	}
	return nil
}
