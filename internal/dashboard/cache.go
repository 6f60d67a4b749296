package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	cacheVersionKey = "dashboard:version"
	bumpChannel     = "spicemill.bump"
)

// versionMaxAge bounds how long a remembered version is trusted, covering
// bumps published while the subscription was reconnecting.
const versionMaxAge = 5 * time.Second

// Cache stores read models in Redis under versioned keys. Bump moves every
// reader to a fresh version; stale entries expire through the TTL.
//
// While ListenForInvalidation runs, the version is remembered in process and
// refreshed from bump notifications instead of being read on every request.
type Cache struct {
	client *redis.Client
	ttl    time.Duration

	mu        sync.Mutex
	listening bool
	version   int64
	seenAt    time.Time
	now       func() time.Time
}

// NewCache instantiates the cache helper. A nil client disables caching.
func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl, now: time.Now}
}

// Version returns the current cache version, initialising when missing.
func (c *Cache) Version(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	if ver, ok := c.remembered(); ok {
		return ver, nil
	}
	ver, err := c.readVersion(ctx)
	if err != nil {
		return 0, err
	}
	c.store(ver)
	return ver, nil
}

func (c *Cache) readVersion(ctx context.Context) (int64, error) {
	ver, err := c.client.Get(ctx, cacheVersionKey).Int64()
	if errors.Is(err, redis.Nil) {
		if err := c.client.SetNX(ctx, cacheVersionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return c.client.Get(ctx, cacheVersionKey).Int64()
	}
	if err != nil {
		return 0, err
	}
	return max(ver, 1), nil
}

// BuildKey composes the cache key with the current version.
func (c *Cache) BuildKey(ctx context.Context, parts ...string) (string, error) {
	joined := strings.Join(parts, ":")
	if c == nil || c.client == nil {
		return joined, nil
	}
	ver, err := c.Version(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s:v%d", joined, ver), nil
}

// FetchJSON loads a cached value into dest or populates it using loader.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return errors.New("dashboard: cache loader required")
	}
	if c != nil && c.client != nil {
		payload, err := c.client.Get(ctx, key).Bytes()
		if err == nil {
			return json.Unmarshal(payload, dest)
		}
		if !errors.Is(err, redis.Nil) {
			return err
		}
	}
	value, err := loader(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if c != nil && c.client != nil {
		if err := c.client.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, dest)
}

// Bump invalidates cached read models by incrementing the version and
// announcing it to other instances.
func (c *Cache) Bump(ctx context.Context) error {
	if c == nil || c.client == nil {
		return nil
	}
	ver, err := c.client.Incr(ctx, cacheVersionKey).Result()
	if err != nil {
		return err
	}
	c.store(ver)
	return c.client.Publish(ctx, bumpChannel, strconv.FormatInt(ver, 10)).Err()
}

// ListenForInvalidation subscribes to bump notifications from every
// instance, worker included, until ctx ends. It returns once the
// subscription is confirmed.
func (c *Cache) ListenForInvalidation(ctx context.Context, logger *slog.Logger) error {
	if c == nil || c.client == nil {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	pubsub := c.client.Subscribe(ctx, bumpChannel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return fmt.Errorf("dashboard: subscribe %s: %w", bumpChannel, err)
	}
	c.setListening(true)
	go func() {
		defer func() {
			c.setListening(false)
			_ = pubsub.Close()
		}()
		ch := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				ver, err := strconv.ParseInt(msg.Payload, 10, 64)
				if err != nil {
					logger.Warn("dashboard bump payload", slog.String("payload", msg.Payload))
					c.forget()
					continue
				}
				c.remember(ver)
			}
		}
	}()
	return nil
}

func (c *Cache) setListening(on bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listening = on
	c.version = 0
}

func (c *Cache) remembered() (int64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening || c.version == 0 || c.now().Sub(c.seenAt) > versionMaxAge {
		return 0, false
	}
	return c.version, true
}

// remember applies a notification. It never moves the version backwards, so
// a late message cannot undo a newer bump.
func (c *Cache) remember(ver int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening || ver <= c.version {
		return
	}
	c.version = ver
	c.seenAt = c.now()
}

// store records a version read from Redis, which is authoritative.
func (c *Cache) store(ver int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.listening {
		return
	}
	c.version = ver
	c.seenAt = c.now()
}

func (c *Cache) forget() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.version = 0
}
