package dictionary

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/paw-chain/chain-indexer/internal/ixerr"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// Result is what a successful getData call returns: the matching heights
// within [start, queryEnd] and the dictionary's own progress metadata.
// Payloads carries the full block body keyed by height when the source
// protocol returns it inline (v2's subql_filterBlocks); v1 leaves it nil,
// since its GraphQL schema only ever returns heights.
// LastBufferedHeight is the height the scan actually covered — the query
// end clamped by the dictionary's own progress and the chain's finalized
// tip. Client.GetData fills it in; sources leave it zero.
type Result struct {
	Heights             []uint64
	Payloads            map[uint64]json.RawMessage
	LastBufferedHeight  uint64
	LastProcessedHeight uint64
	StartHeight         uint64
	GenesisHash         string
}

// Source is one protocol-version-specific endpoint implementation. v1
// speaks GraphQL, v2 speaks subql_filterBlocks over JSON-RPC; both answer
// to the same shape so the Client can treat them interchangeably.
type Source interface {
	Version() int
	GetData(ctx context.Context, entry QueryEntry, start, end uint64, limit int) (*Result, error)
}

// Client wraps one negotiated Source plus the genesis-match check and the
// behind-the-chain bypass rule. One Client per configured dictionary
// endpoint.
type Client struct {
	source      Source
	endpoint    string
	genesisHash string
	log         *logger.Logger
	timeout     time.Duration
	cache       *ResponseCache

	// mu guards queries and the learned start height: the fetch driver
	// reads them every cycle while the dispatcher's commit path swaps the
	// query map when dynamic data sources appear.
	mu      sync.Mutex
	queries *QueryMap

	// startHeight is the dictionary's own first indexed height, learned
	// from response metadata. Once known, requests below it are rejected
	// locally without a round trip.
	startHeight      uint64
	startHeightKnown bool

	// addressLimit caps how many address conditions a single query may
	// carry; a query over it can't be served efficiently by the
	// dictionary, so the caller falls back to dense fetch. Zero means no
	// limit.
	addressLimit int
}

// New negotiates against endpoint: attempts a v2 connection first, falls
// back to v1 on failure. v2 endpoints are preferred in scheduling order by
// the caller that holds multiple Clients. genesisHash is the indexed
// chain's genesis block hash, checked against every response.
func New(ctx context.Context, endpoint, genesisHash string, log *logger.Logger, timeout time.Duration, dial Dialer) (*Client, error) {
	v2, err := dial.DialV2(ctx, endpoint)
	if err == nil {
		return &Client{source: v2, endpoint: endpoint, genesisHash: genesisHash, log: log, timeout: timeout}, nil
	}
	log.Warn("dictionary v2 unavailable, falling back to v1", "endpoint", endpoint, "error", err.Error())

	v1, err := dial.DialV1(ctx, endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: neither v2 nor v1 dictionary protocol available at %s: %v", ixerr.ErrDictionaryUnavailable, endpoint, err)
	}
	return &Client{source: v1, endpoint: endpoint, genesisHash: genesisHash, log: log, timeout: timeout}, nil
}

// SetResponseCache attaches a Redis-backed response cache. Call before
// the first GetData; not synchronized against concurrent queries.
func (c *Client) SetResponseCache(cache *ResponseCache) {
	c.cache = cache
}

// SetQueryAddressLimit caps the address conditions a single query may
// carry; zero (the default) disables the cap. Call before the first
// GetData.
func (c *Client) SetQueryAddressLimit(n int) {
	c.addressLimit = n
}

// Dialer constructs version-specific sources. Implemented concretely by
// HTTPDialer; tests supply a fake.
type Dialer interface {
	DialV2(ctx context.Context, endpoint string) (Source, error)
	DialV1(ctx context.Context, endpoint string) (Source, error)
}

// Version reports which protocol this client ended up negotiating.
func (c *Client) Version() int { return c.source.Version() }

// UpdateQueriesMap rebuilds the client's query map from the active
// data-source set. Must be called again whenever data sources change.
func (c *Client) UpdateQueriesMap(qm *QueryMap) {
	c.mu.Lock()
	c.queries = qm
	c.mu.Unlock()
}

// GetData fetches matching heights in [start, end], clamped by the
// dictionary's own lastProcessedHeight and the caller-supplied
// apiFinalizedHeight. Returns (nil, nil) — not an error — on timeout or
// when the query entry for this range is void; callers fall back to dense
// enumeration in both cases.
func (c *Client) GetData(ctx context.Context, start, end, apiFinalizedHeight uint64, limit int) (*Result, error) {
	c.mu.Lock()
	queries := c.queries
	startHeight, startHeightKnown := c.startHeight, c.startHeightKnown
	c.mu.Unlock()

	if queries == nil {
		return nil, nil
	}
	entry := queries.EntryAt(start)
	if entry.Void() {
		return nil, nil
	}
	if c.addressLimit > 0 && entry.AddressCount() > c.addressLimit {
		c.log.Warn("query entry exceeds address limit, falling back to dense fetch",
			"addresses", entry.AddressCount(), "limit", c.addressLimit)
		return nil, nil
	}
	if startHeightKnown && start < startHeight {
		return nil, fmt.Errorf("%w: dictionary starts at %d, requested %d", ixerr.ErrDictionaryBehind, startHeight, start)
	}

	queryEnd := end

	var result *Result
	if c.cache != nil {
		cached, err := c.cache.Get(ctx, c.endpoint, start, queryEnd)
		if err != nil {
			c.log.Warn("dictionary cache read failed", "error", err.Error())
		}
		result = cached
	}

	if result == nil {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		var err error
		result, err = c.source.GetData(callCtx, entry, start, queryEnd, limit)
		if err != nil {
			if callCtx.Err() != nil {
				c.log.Warn("dictionary query timed out", "start", start, "end", end)
				return nil, nil
			}
			return nil, fmt.Errorf("dictionary getData: %w", err)
		}
		if result == nil {
			return nil, nil
		}
		// Only fully covered historical windows are worth memoizing —
		// a window the dictionary hasn't finished indexing would pin a
		// partial answer for the TTL.
		if c.cache != nil && result.LastProcessedHeight >= queryEnd {
			if err := c.cache.Set(ctx, c.endpoint, start, queryEnd, result); err != nil {
				c.log.Warn("dictionary cache write failed", "error", err.Error())
			}
		}
	}

	if result.GenesisHash != "" && result.GenesisHash != c.genesisHash {
		return nil, fmt.Errorf("%w: dictionary genesis %s does not match chain genesis %s", ixerr.ErrDictionaryMalformed, result.GenesisHash, c.genesisHash)
	}
	c.mu.Lock()
	c.startHeight = result.StartHeight
	c.startHeightKnown = true
	c.mu.Unlock()
	if result.StartHeight > start {
		return nil, fmt.Errorf("%w: dictionary starts at %d, requested %d", ixerr.ErrDictionaryBehind, result.StartHeight, start)
	}
	if result.LastProcessedHeight < start {
		c.log.Warn("dictionary behind chain, bypassing for this cycle", "dictionary_height", result.LastProcessedHeight, "needed", start)
		return nil, fmt.Errorf("%w: lastProcessedHeight %d < start %d", ixerr.ErrDictionaryBehind, result.LastProcessedHeight, start)
	}

	clampedEnd := result.LastProcessedHeight
	if apiFinalizedHeight < clampedEnd {
		clampedEnd = apiFinalizedHeight
	}
	if queryEnd < clampedEnd {
		clampedEnd = queryEnd
	}

	filtered := result.Heights[:0:0]
	var filteredPayloads map[uint64]json.RawMessage
	if len(result.Payloads) > 0 {
		filteredPayloads = make(map[uint64]json.RawMessage, len(result.Payloads))
	}
	for _, h := range result.Heights {
		if h <= clampedEnd {
			filtered = append(filtered, h)
			if p, ok := result.Payloads[h]; ok {
				filteredPayloads[h] = p
			}
		}
	}
	result.Heights = filtered
	result.Payloads = filteredPayloads
	result.LastBufferedHeight = clampedEnd
	return result, nil
}

// StartHeight reports the dictionary's first indexed height as learned
// from response metadata; ok is false until at least one response has
// carried it.
func (c *Client) StartHeight() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startHeight, c.startHeightKnown
}
