package dictionary

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/paw-chain/chain-indexer/internal/rpcclient"
)

// v2Source speaks the JSON-RPC subql_filterBlocks protocol. It carries its
// own capability flags so a server that rejects an argument the first
// time doesn't get asked for it again.
type v2Source struct {
	client *rpcclient.Client

	distinctDisabled    int32
	startHeightDisabled int32
}

func newV2Source(client *rpcclient.Client) *v2Source {
	return &v2Source{client: client}
}

func (s *v2Source) Version() int { return 2 }

type filterBlocksParams struct {
	FromBlock    uint64         `json:"fromBlock"`
	ToBlock      uint64         `json:"toBlock"`
	Limit        int            `json:"limit"`
	Distinct     *bool          `json:"distinct,omitempty"`
	StartHeight  *uint64        `json:"startHeight,omitempty"`
	Logs         []LogCondition `json:"logs,omitempty"`
	Transactions []TxCondition  `json:"transactions,omitempty"`
}

type filterBlocksResponse struct {
	Blocks   []json.RawMessage `json:"blocks"`
	Metadata struct {
		LastProcessedHeight uint64 `json:"lastProcessedHeight"`
		StartHeight         uint64 `json:"startHeight"`
		GenesisHash         string `json:"genesisHash"`
		Chain               string `json:"chain"`
	} `json:"metadata"`
}

func (s *v2Source) GetData(ctx context.Context, entry QueryEntry, start, end uint64, limit int) (*Result, error) {
	params := filterBlocksParams{
		FromBlock:    start,
		ToBlock:      end,
		Limit:        limit,
		Logs:         entry.Logs,
		Transactions: entry.Transactions,
	}
	if atomic.LoadInt32(&s.distinctDisabled) == 0 {
		distinct := true
		params.Distinct = &distinct
	}
	if atomic.LoadInt32(&s.startHeightDisabled) == 0 {
		params.StartHeight = &start
	}

	raw, err := s.client.Call(ctx, "subql_filterBlocks", params)
	if err != nil {
		if s.disableUnsupportedArg(err) {
			return s.GetData(ctx, entry, start, end, limit)
		}
		return nil, fmt.Errorf("subql_filterBlocks: %w", err)
	}

	var resp filterBlocksResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decoding subql_filterBlocks response: %w", err)
	}

	heights := make([]uint64, 0, len(resp.Blocks))
	payloads := make(map[uint64]json.RawMessage, len(resp.Blocks))
	for _, raw := range resp.Blocks {
		var id struct {
			BlockHeight uint64 `json:"blockHeight"`
		}
		if err := json.Unmarshal(raw, &id); err != nil {
			return nil, fmt.Errorf("decoding subql_filterBlocks block entry: %w", err)
		}
		heights = append(heights, id.BlockHeight)
		payloads[id.BlockHeight] = raw
	}
	genesis := resp.Metadata.GenesisHash
	if genesis == "" {
		genesis = resp.Metadata.Chain
	}
	return &Result{
		Heights:             heights,
		Payloads:            payloads,
		LastProcessedHeight: resp.Metadata.LastProcessedHeight,
		StartHeight:         resp.Metadata.StartHeight,
		GenesisHash:         genesis,
	}, nil
}

// disableUnsupportedArg inspects err for an unknown-argument complaint
// mentioning "distinct" or "startHeight" and disables the corresponding
// feature for the rest of this source's life, reporting true if a retry
// is now worthwhile.
func (s *v2Source) disableUnsupportedArg(err error) bool {
	msg := strings.ToLower(err.Error())
	if !strings.Contains(msg, "unknown argument") && !strings.Contains(msg, "unexpected argument") {
		return false
	}
	changed := false
	if strings.Contains(msg, "distinct") && atomic.CompareAndSwapInt32(&s.distinctDisabled, 0, 1) {
		changed = true
	}
	if strings.Contains(msg, "startheight") && atomic.CompareAndSwapInt32(&s.startHeightDisabled, 0, 1) {
		changed = true
	}
	return changed
}
