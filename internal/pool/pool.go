// Package pool owns a set of rpcclient.Client connections, round-robins
// calls across the healthy ones, verifies chain identity on join, and
// fails over to the next connection (with background reconnect) when one
// goes unhealthy.
package pool

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/paw-chain/chain-indexer/internal/ixerr"
	"github.com/paw-chain/chain-indexer/internal/rpcclient"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// MaxReconnectAttempts bounds both the background reconnect loop and
// FetchBlocksFromFirstAvailable's walk across the pool before surfacing an
// error.
const MaxReconnectAttempts = 5

// Connection is one endpoint's client plus the chain-identity fields
// verified when it joined the pool.
type Connection struct {
	Endpoint     string
	Client       *rpcclient.Client
	ChainID      string
	GenesisHash  string
	RuntimeChain string

	mu      sync.RWMutex
	healthy bool
}

// Healthy reports whether the connection is currently routable.
func (c *Connection) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.healthy
}

func (c *Connection) setHealthy(h bool) {
	c.mu.Lock()
	c.healthy = h
	c.mu.Unlock()
}

// identity is what every joining connection must agree on with the first.
type identity struct {
	chainID      string
	genesisHash  string
	runtimeChain string
}

// Pool multiplexes calls over a set of connections.
type Pool struct {
	log *logger.Logger

	mu        sync.Mutex
	conns     []*Connection
	identity  *identity
	nextIndex int
}

// New constructs an empty pool.
func New(log *logger.Logger) *Pool {
	return &Pool{log: log}
}

// Join adds a connection to the pool after verifying its chain identity
// against the first-joined connection. A mismatch is a configuration error
// — callers should treat it as fatal at init and exit the process rather
// than silently running against two different chains.
func (p *Pool) Join(ctx context.Context, client *rpcclient.Client) (*Connection, error) {
	id, err := fetchIdentity(ctx, client)
	if err != nil {
		return nil, fmt.Errorf("pool: fetching identity from %s: %w", client.Endpoint(), err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.identity == nil {
		p.identity = id
	} else if *p.identity != *id {
		return nil, fmt.Errorf("%w: %s reports chainId=%s genesis=%s runtimeChain=%s, expected chainId=%s genesis=%s runtimeChain=%s",
			ixerr.ErrEndpointMismatch, client.Endpoint(),
			id.chainID, id.genesisHash, id.runtimeChain,
			p.identity.chainID, p.identity.genesisHash, p.identity.runtimeChain)
	}

	conn := &Connection{
		Endpoint:     client.Endpoint(),
		Client:       client,
		ChainID:      id.chainID,
		GenesisHash:  id.genesisHash,
		RuntimeChain: id.runtimeChain,
		healthy:      true,
	}
	p.conns = append(p.conns, conn)
	p.log.Info("connection joined pool", "endpoint", conn.Endpoint, "chain_id", conn.ChainID)
	return conn, nil
}

func fetchIdentity(ctx context.Context, client *rpcclient.Client) (*identity, error) {
	raw, err := client.Call(ctx, "eth_chainId")
	if err != nil {
		return nil, err
	}
	var chainID string
	if err := json.Unmarshal(raw, &chainID); err != nil {
		return nil, fmt.Errorf("decode chainId: %w", err)
	}

	genesisRaw, err := client.Call(ctx, "eth_getBlockByNumber", "0x0", false)
	if err != nil {
		return nil, err
	}
	var genesisBlock struct {
		Hash string `json:"hash"`
	}
	if err := json.Unmarshal(genesisRaw, &genesisBlock); err != nil {
		return nil, fmt.Errorf("decode genesis block: %w", err)
	}

	return &identity{chainID: chainID, genesisHash: genesisBlock.Hash, runtimeChain: chainID}, nil
}

// Next returns the next healthy connection, round-robin. Returns an error
// if no connection is currently healthy.
func (p *Pool) Next() (*Connection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.conns)
	if n == 0 {
		return nil, fmt.Errorf("%w: pool has no connections", ixerr.ErrEndpointUnhealthy)
	}
	for i := 0; i < n; i++ {
		idx := (p.nextIndex + i) % n
		if p.conns[idx].Healthy() {
			p.nextIndex = (idx + 1) % n
			return p.conns[idx], nil
		}
	}
	return nil, fmt.Errorf("%w: no healthy connections in pool", ixerr.ErrEndpointUnhealthy)
}

// MarkUnhealthy marks a connection unhealthy and schedules a background
// reconnect loop with exponential backoff, up to MaxReconnectAttempts
// before giving up (the connection then stays unhealthy; calling
// MarkUnhealthy on it again does not restart the loop).
func (p *Pool) MarkUnhealthy(conn *Connection) {
	if !conn.Healthy() {
		return
	}
	conn.setHealthy(false)
	p.log.Warn("connection marked unhealthy", "endpoint", conn.Endpoint)
	go p.reconnectLoop(conn)
}

func (p *Pool) reconnectLoop(conn *Connection) {
	backoff := 500 * time.Millisecond
	for attempt := 1; attempt <= MaxReconnectAttempts; attempt++ {
		time.Sleep(backoff)
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		_, err := conn.Client.Call(ctx, "eth_chainId")
		cancel()
		if err == nil {
			conn.setHealthy(true)
			p.log.Info("connection reconnected", "endpoint", conn.Endpoint, "attempt", attempt)
			return
		}
		p.log.Warn("reconnect attempt failed", "endpoint", conn.Endpoint, "attempt", attempt, "error", err.Error())
		backoff *= 2
	}
	p.log.Error("connection exhausted reconnect attempts", "endpoint", conn.Endpoint, "max_attempts", MaxReconnectAttempts)
}

// Call routes a single RPC call to the next healthy connection, failing
// over to subsequent connections (up to MaxReconnectAttempts) if the call
// errors.
func (p *Pool) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	var lastErr error
	for attempt := 0; attempt < MaxReconnectAttempts; attempt++ {
		conn, err := p.Next()
		if err != nil {
			return nil, err
		}
		raw, err := conn.Client.Call(ctx, method, params...)
		if err == nil {
			return raw, nil
		}
		lastErr = err
		p.MarkUnhealthy(conn)
	}
	return nil, fmt.Errorf("%w: exhausted failover after %d attempts: %v", ixerr.ErrEndpointUnhealthy, MaxReconnectAttempts, lastErr)
}

// FetchBlocksFromFirstAvailable fetches eth_getBlockByNumber for each
// height using whichever connection is first available, walking the pool
// on failure and retrying up to MaxReconnectAttempts before surfacing an
// error.
func (p *Pool) FetchBlocksFromFirstAvailable(ctx context.Context, heights []uint64) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(heights))
	for i, h := range heights {
		raw, err := p.Call(ctx, "eth_getBlockByNumber", heightHex(h), true)
		if err != nil {
			return nil, fmt.Errorf("fetching block %d: %w", h, err)
		}
		out[i] = raw
	}
	return out, nil
}

func heightHex(h uint64) string {
	return fmt.Sprintf("0x%x", h)
}

// Size returns the total number of connections, healthy or not.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// HealthyCount returns the number of currently healthy connections.
func (p *Pool) HealthyCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, c := range p.conns {
		if c.Healthy() {
			n++
		}
	}
	return n
}
