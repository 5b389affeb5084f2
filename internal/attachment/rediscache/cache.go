// Package rediscache implements attachment.Cache against Redis, for
// multi-process hosts that want a shared attachment cache rather than
// each process keeping its own MemoryCache. Grounded on the teacher's
// internal/queue/message_queue.go redis.Client wiring (same
// context-per-call, same client injected rather than constructed
// internally).
package rediscache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache implements attachment.Cache on top of a redis.Client, storing
// blobs as plain string values under a namespaced key.
type Cache struct {
	client *redis.Client
	ctx    context.Context
	prefix string
	ttl    time.Duration
}

// New wraps client. ttl of zero means entries never expire.
func New(client *redis.Client, prefix string, ttl time.Duration) *Cache {
	return &Cache{client: client, ctx: context.Background(), prefix: prefix, ttl: ttl}
}

func (c *Cache) key(k string) string {
	return c.prefix + ":" + k
}

func (c *Cache) Get(key string) ([]byte, bool) {
	data, err := c.client.Get(c.ctx, c.key(key)).Bytes()
	if err != nil {
		return nil, false
	}
	return data, true
}

func (c *Cache) Set(key string, value []byte) {
	c.client.Set(c.ctx, c.key(key), value, c.ttl)
}

func (c *Cache) Delete(key string) {
	c.client.Del(c.ctx, c.key(key))
}
