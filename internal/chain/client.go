package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/paw-chain/chain-indexer/internal/ixerr"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// caller is the subset of *pool.Pool the chain client needs. Kept narrow so
// the client can be tested against a fake without dragging in rpcclient.
type caller interface {
	Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error)
}

// Client is the Ethereum-semantics facade over a connection pool: block,
// log, and receipt retrieval in terms a data source never has to know the
// underlying JSON-RPC wire shape for.
type Client struct {
	pool caller
	log  *logger.Logger

	// finalizedTagUnsupported latches once an endpoint rejects the
	// "finalized" block tag (a pre-merge chain), so every subsequent call
	// goes straight to the best-minus-15 fallback instead of probing again.
	finalizedTagUnsupported int32

	abiMu    sync.Mutex
	abiCache map[string]ABI
}

// headMinusFallback is how far behind the best block a chain is assumed to
// be finalized once the "finalized" tag proves unsupported.
const headMinusFallback = 15

// NewClient wraps a pool (or any caller) in the chain facade.
func NewClient(p caller, log *logger.Logger) *Client {
	return &Client{pool: p, log: log, abiCache: make(map[string]ABI)}
}

func (c *Client) usingFinalizedTag() bool {
	return atomic.LoadInt32(&c.finalizedTagUnsupported) == 0
}

func (c *Client) disableFinalizedTag() {
	atomic.StoreInt32(&c.finalizedTagUnsupported, 1)
}

// GetFinalizedBlockHeight returns the chain's finalized height, preferring
// the "finalized" block tag and permanently falling back to
// best-height-minus-15 the first time an endpoint rejects it.
func (c *Client) GetFinalizedBlockHeight(ctx context.Context) (uint64, error) {
	if c.usingFinalizedTag() {
		raw, err := c.pool.Call(ctx, "eth_getBlockByNumber", "finalized", false)
		if err == nil {
			var header struct {
				Number string `json:"number"`
			}
			if decErr := json.Unmarshal(raw, &header); decErr == nil && header.Number != "" {
				return parseHexUint(header.Number)
			}
		}
		if !isUnsupportedTagError(err) {
			if err != nil {
				return 0, fmt.Errorf("fetching finalized block: %w", err)
			}
		}
		c.log.Warn("finalized tag unsupported, falling back to best-15", "error", errString(err))
		c.disableFinalizedTag()
	}

	best, err := c.GetBestBlockHeight(ctx)
	if err != nil {
		return 0, err
	}
	if best < headMinusFallback {
		return 0, nil
	}
	return best - headMinusFallback, nil
}

// GetFinalizedHead returns the full finalized block header, which the
// unfinalized-blocks tracker needs for its hash comparisons. Same tag
// preference and best-15 fallback as GetFinalizedBlockHeight.
func (c *Client) GetFinalizedHead(ctx context.Context) (*Header, error) {
	if c.usingFinalizedTag() {
		raw, err := c.pool.Call(ctx, "eth_getBlockByNumber", "finalized", false)
		if err == nil {
			var wire wireHeader
			if decErr := json.Unmarshal(raw, &wire); decErr == nil && wire.Number != "" {
				return wire.toHeader()
			}
		}
		if !isUnsupportedTagError(err) {
			if err != nil {
				return nil, fmt.Errorf("fetching finalized block: %w", err)
			}
		}
		c.log.Warn("finalized tag unsupported, falling back to best-15", "error", errString(err))
		c.disableFinalizedTag()
	}

	height, err := c.GetFinalizedBlockHeight(ctx)
	if err != nil {
		return nil, err
	}
	return c.GetBlockByHeightOrHash(ctx, height)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// isUnsupportedTagError reports whether err looks like a node rejecting an
// unknown block tag (pre-merge chains reject "finalized"/"safe").
func isUnsupportedTagError(err error) bool {
	if err == nil {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "invalid") || strings.Contains(msg, "unknown block") || strings.Contains(msg, "not found")
}

// GetBestBlockHeight returns the chain's current head height.
func (c *Client) GetBestBlockHeight(ctx context.Context) (uint64, error) {
	raw, err := c.pool.Call(ctx, "eth_blockNumber")
	if err != nil {
		return 0, fmt.Errorf("fetching best block height: %w", err)
	}
	var hex string
	if err := json.Unmarshal(raw, &hex); err != nil {
		return 0, fmt.Errorf("decoding eth_blockNumber result: %w", err)
	}
	return parseHexUint(hex)
}

// GetBlockByHeightOrHash fetches a block header (without transaction
// bodies) identified either by height or by hash.
func (c *Client) GetBlockByHeightOrHash(ctx context.Context, heightOrHash interface{}) (*Header, error) {
	param, err := blockTag(heightOrHash)
	if err != nil {
		return nil, err
	}

	method := "eth_getBlockByNumber"
	if _, ok := heightOrHash.(Hash); ok {
		method = "eth_getBlockByHash"
	}

	raw, err := c.pool.Call(ctx, method, param, false)
	if err != nil {
		return nil, fmt.Errorf("fetching block %v: %w", heightOrHash, err)
	}
	var wire wireHeader
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding block header: %w", err)
	}
	return wire.toHeader()
}

// GetLogs fetches logs in the inclusive [from, to] height range.
func (c *Client) GetLogs(ctx context.Context, from, to uint64) ([]Log, error) {
	raw, err := c.pool.Call(ctx, "eth_getLogs", map[string]interface{}{
		"fromBlock": heightHex(from),
		"toBlock":   heightHex(to),
	})
	if err != nil {
		return nil, fmt.Errorf("fetching logs [%d,%d]: %w", from, to, err)
	}
	var wireLogs []wireLog
	if err := json.Unmarshal(raw, &wireLogs); err != nil {
		return nil, fmt.Errorf("decoding logs: %w", err)
	}
	logs := make([]Log, 0, len(wireLogs))
	for _, wl := range wireLogs {
		l, err := wl.toLog()
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, nil
}

// GetTransactionReceipt fetches a single transaction's receipt.
func (c *Client) GetTransactionReceipt(ctx context.Context, txHash Hash) (*Receipt, error) {
	raw, err := c.pool.Call(ctx, "eth_getTransactionReceipt", txHash.String())
	if err != nil {
		return nil, fmt.Errorf("fetching receipt %s: %w", txHash, err)
	}
	var wire wireReceipt
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decoding receipt: %w", err)
	}
	return wire.toReceipt()
}

// FetchBlock retrieves height n's header, transactions (if includeTx), and
// logs, composing eth_getBlockByNumber and eth_getLogs concurrently. The
// returned Block's transactions carry a lazily memoized receipt fetcher —
// no receipt round trip happens until a handler asks for one.
func (c *Client) FetchBlock(ctx context.Context, n uint64, includeTx bool) (*Block, error) {
	var (
		wg                sync.WaitGroup
		header            *Header
		wireTxs           []wireTransaction
		logs              []Log
		headerErr, logErr error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		raw, err := c.pool.Call(ctx, "eth_getBlockByNumber", heightHex(n), includeTx)
		if err != nil {
			headerErr = fmt.Errorf("fetching block %d: %w", n, err)
			return
		}
		var wire wireBlock
		if err := json.Unmarshal(raw, &wire); err != nil {
			headerErr = fmt.Errorf("decoding block %d: %w", n, err)
			return
		}
		header, headerErr = wire.toHeader()
		wireTxs = wire.Transactions
	}()
	go func() {
		defer wg.Done()
		logs, logErr = c.GetLogs(ctx, n, n)
	}()
	wg.Wait()

	if headerErr != nil {
		return nil, headerErr
	}
	if logErr != nil {
		return nil, logErr
	}

	block := &Block{Header: *header, Logs: logs, fetchReceipt: c.GetTransactionReceipt}
	if includeTx {
		txs := make([]*Transaction, 0, len(wireTxs))
		for _, wt := range wireTxs {
			tx, err := wt.toTransaction()
			if err != nil {
				return nil, err
			}
			attachReceiptFetcher(tx, block.fetchReceipt)
			txs = append(txs, tx)
		}
		block.Transactions = txs
	}
	return block, nil
}

// BlockFromPayload assembles a Block from a dictionary-supplied v2 block
// payload, skipping the eth_getBlockByNumber/eth_getLogs round trip
// FetchBlock would otherwise make for the same height.
func (c *Client) BlockFromPayload(payload json.RawMessage, includeTx bool) (*Block, error) {
	var env rawBlockEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decoding dictionary block payload: %w", err)
	}
	header, err := env.Block.toHeader()
	if err != nil {
		return nil, err
	}
	logs := make([]Log, 0, len(env.Logs))
	for _, wl := range env.Logs {
		l, err := wl.toLog()
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}

	block := &Block{Header: *header, Logs: logs, fetchReceipt: c.GetTransactionReceipt}
	if includeTx {
		txs := make([]*Transaction, 0, len(env.Block.Transactions))
		for _, wt := range env.Block.Transactions {
			tx, err := wt.toTransaction()
			if err != nil {
				return nil, err
			}
			attachReceiptFetcher(tx, block.fetchReceipt)
			txs = append(txs, tx)
		}
		block.Transactions = txs
	}
	return block, nil
}

func blockTag(heightOrHash interface{}) (interface{}, error) {
	switch v := heightOrHash.(type) {
	case uint64:
		return heightHex(v), nil
	case Hash:
		return v.String(), nil
	case string:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unsupported block identifier type %T", ixerr.ErrInvariantViolation, heightOrHash)
	}
}

func heightHex(h uint64) string {
	return "0x" + strconv.FormatUint(h, 16)
}

func parseHexUint(hex string) (uint64, error) {
	hex = strings.TrimPrefix(hex, "0x")
	v, err := strconv.ParseUint(hex, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing hex height %q: %w", hex, err)
	}
	return v, nil
}
