package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vietddude/shopsync/internal/core/domain"
	"github.com/vietddude/shopsync/internal/engine/metrics"
)

// Client wraps Redis for the shared entity cache and the persisted
// preference store.
type Client struct {
	rdb *redis.Client
}

// Config holds Redis connection configuration.
type Config struct {
	URL      string        `yaml:"url"`
	Password string        `yaml:"password"`
	TTL      time.Duration `yaml:"ttl"` // cache entry TTL, 0 = no expiry
}

// NewClient connects and verifies the connection.
func NewClient(cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &Client{rdb: rdb}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.rdb.Close()
}

const entityKeyPattern = "entity:*"

func entityKey(id string) string { return "entity:" + id }
func prefKey(key string) string  { return "pref:" + key }

// cachedEntity is the wire form of a cached entity.
type cachedEntity struct {
	ID        string         `json:"id"`
	Kind      string         `json:"kind"`
	Fields    map[string]any `json:"fields"`
	Version   uint64         `json:"version"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Cache is a Redis-backed cache.Cache for entity lookups shared across
// processes. Invalidation is a synchronous DEL, so by the time it returns a
// Get misses.
type Cache struct {
	client *Client
	ttl    time.Duration
}

// NewCache wraps a client as a cache.Cache.
func NewCache(client *Client, ttl time.Duration) *Cache {
	return &Cache{client: client, ttl: ttl}
}

func (c *Cache) Get(id string) (*domain.Entity, bool) {
	ctx, cancel := opCtx()
	defer cancel()
	raw, err := c.client.rdb.Get(ctx, entityKey(id)).Bytes()
	if err != nil {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	var ce cachedEntity
	if err := json.Unmarshal(raw, &ce); err != nil {
		metrics.CacheMisses.Inc()
		return nil, false
	}
	metrics.CacheHits.Inc()
	return &domain.Entity{
		ID:        ce.ID,
		Kind:      domain.Kind(ce.Kind),
		Fields:    ce.Fields,
		Version:   ce.Version,
		CreatedAt: ce.CreatedAt,
		UpdatedAt: ce.UpdatedAt,
	}, true
}

func (c *Cache) Set(id string, value *domain.Entity) {
	raw, err := json.Marshal(cachedEntity{
		ID:        value.ID,
		Kind:      string(value.Kind),
		Fields:    value.Fields,
		Version:   value.Version,
		CreatedAt: value.CreatedAt,
		UpdatedAt: value.UpdatedAt,
	})
	if err != nil {
		return
	}
	ctx, cancel := opCtx()
	defer cancel()
	_ = c.client.rdb.Set(ctx, entityKey(id), raw, c.ttl).Err()
}

func (c *Cache) Invalidate(id string) {
	ctx, cancel := opCtx()
	defer cancel()
	_ = c.client.rdb.Del(ctx, entityKey(id)).Err()
}

func (c *Cache) InvalidateAll() {
	ctx, cancel := opCtx()
	defer cancel()
	iter := c.client.rdb.Scan(ctx, 0, entityKeyPattern, 0).Iterator()
	for iter.Next(ctx) {
		_ = c.client.rdb.Del(ctx, iter.Val()).Err()
	}
}

// Prefs persists UI display settings (theme, column visibility). Display
// state only — entity data never goes through here.
type Prefs struct {
	client *Client
}

// NewPrefs wraps a client as a preference store.
func NewPrefs(client *Client) *Prefs {
	return &Prefs{client: client}
}

// Get reads a preference, returning fallback when unset.
func (p *Prefs) Get(ctx context.Context, key, fallback string) string {
	val, err := p.client.rdb.Get(ctx, prefKey(key)).Result()
	if err != nil {
		return fallback
	}
	return val
}

// Set writes a preference.
func (p *Prefs) Set(ctx context.Context, key, value string) error {
	return p.client.rdb.Set(ctx, prefKey(key), value, 0).Err()
}

func opCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 2*time.Second)
}
