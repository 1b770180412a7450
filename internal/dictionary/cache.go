package dictionary

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// ResponseCache memoizes getData responses in Redis, keyed by endpoint and
// range. Historical catch-up re-derives the same ranges across restarts
// and rewinds, so a cache hit avoids a round trip to the dictionary
// service entirely.
type ResponseCache struct {
	client *redis.Client
	log    *logger.Logger
	ttl    time.Duration

	hits   prometheus.Counter
	misses prometheus.Counter
}

// NewResponseCache connects to addr (host:port). Connection is lazy — the
// first Get/Set call establishes it.
func NewResponseCache(addr, password string, db int, ttl time.Duration, log *logger.Logger) *ResponseCache {
	return &ResponseCache{
		client: redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db}),
		log:    log,
		ttl:    ttl,
		hits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "indexer_dictionary_cache_hits_total",
			Help: "Dictionary response cache hits.",
		}),
		misses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "indexer_dictionary_cache_misses_total",
			Help: "Dictionary response cache misses.",
		}),
	}
}

func cacheKey(endpoint string, start, end uint64) string {
	return fmt.Sprintf("dictionary:%s:%d:%d", endpoint, start, end)
}

// Get returns a cached Result for [start, end], or nil if absent.
func (c *ResponseCache) Get(ctx context.Context, endpoint string, start, end uint64) (*Result, error) {
	raw, err := c.client.Get(ctx, cacheKey(endpoint, start, end)).Bytes()
	if err == redis.Nil {
		c.misses.Inc()
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dictionary cache get: %w", err)
	}
	c.hits.Inc()

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("decoding cached dictionary result: %w", err)
	}
	return &result, nil
}

// Set stores a Result for [start, end] with the configured TTL.
func (c *ResponseCache) Set(ctx context.Context, endpoint string, start, end uint64, result *Result) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encoding dictionary result: %w", err)
	}
	if err := c.client.Set(ctx, cacheKey(endpoint, start, end), raw, c.ttl).Err(); err != nil {
		return fmt.Errorf("dictionary cache set: %w", err)
	}
	return nil
}

// Close releases the underlying Redis connection pool.
func (c *ResponseCache) Close() error {
	return c.client.Close()
}
