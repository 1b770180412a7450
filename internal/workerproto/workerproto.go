// Package workerproto defines the value-only message contract exchanged
// across the user-handler worker boundary. No subprocess sandbox lives
// here — only the request/response shapes, so both sides of that boundary
// (wherever it ends up being implemented) agree on what crosses it.
// Handles (pointers into the chain client, pool connections, the
// dictionary client) never cross this boundary; only plain values do.
package workerproto

import (
	"context"

	"github.com/paw-chain/chain-indexer/internal/chain"
)

// FetchBlockRequest asks the worker side to process one already-fetched
// block against a specific data-source set.
type FetchBlockRequest struct {
	Height      uint64
	DataSources []string // data source names active at Height
}

// ProcessBlockRequest carries the fetched block payload plus the active
// data source names whose handlers should run against it.
type ProcessBlockRequest struct {
	Height      uint64
	Block       BlockPayload
	DataSources []string
}

// ProcessBlockResponse is what the worker reports back after running
// handlers: the parent hash it observed (for C5's fork bookkeeping) and
// any dynamically created data sources a handler registered mid-run.
type ProcessBlockResponse struct {
	Height        uint64
	Hash          chain.Hash
	ParentHash    chain.Hash
	DynamicDS     []DynamicDataSource
	HandlerErrors []string
}

// DynamicDataSource is a data source a handler created while processing
// a block — e.g. a factory contract deploying a new pool to track.
type DynamicDataSource struct {
	Kind       string
	StartBlock uint64
	Address    string
}

// BlockPayload is the value-only projection of chain.Block that crosses
// the worker boundary: no receipt fetcher closures, no pointers.
type BlockPayload struct {
	Height     uint64
	Hash       chain.Hash
	ParentHash chain.Hash
	Timestamp  uint64
	Logs       []LogPayload
	Txs        []TxPayload
}

// LogPayload is the value-only projection of chain.Log.
type LogPayload struct {
	Address  chain.Address
	Topics   [][32]byte
	Data     []byte
	TxHash   chain.Hash
	LogIndex uint32
}

// TxPayload is the value-only projection of chain.Transaction (no
// receipt — the worker requests it separately if a handler needs it).
type TxPayload struct {
	Hash     chain.Hash
	From     chain.Address
	To       *chain.Address
	Input    []byte
	Value    []byte
	Nonce    uint64
	GasLimit uint64
	Index    uint32
}

// HandlerRunner executes user handlers against one fetched block and
// reports what they did: the parent hash they observed and any data
// sources they registered dynamically. The sandboxed subprocess that
// actually runs handler code is out of scope here — this interface is the
// seam it plugs into.
type HandlerRunner interface {
	Run(ctx context.Context, req ProcessBlockRequest) (ProcessBlockResponse, error)
}

// NoopRunner is the default HandlerRunner wired until a real handler
// execution boundary is configured: it echoes the request's identity
// fields back and reports no dynamic data sources or handler errors.
type NoopRunner struct{}

// Run implements HandlerRunner.
func (NoopRunner) Run(ctx context.Context, req ProcessBlockRequest) (ProcessBlockResponse, error) {
	return ProcessBlockResponse{
		Height:     req.Height,
		Hash:       req.Block.Hash,
		ParentHash: req.Block.ParentHash,
	}, nil
}

// ToBlockResponse projects a fetched chain.Block into its worker-boundary
// value form.
func ToBlockResponse(b *chain.Block) BlockPayload {
	payload := BlockPayload{
		Height:     b.Header.Height,
		Hash:       b.Header.Hash,
		ParentHash: b.Header.ParentHash,
		Timestamp:  b.Header.Timestamp,
	}
	for _, l := range b.Logs {
		payload.Logs = append(payload.Logs, LogPayload{
			Address:  l.Address,
			Topics:   l.Topics,
			Data:     l.Data,
			TxHash:   l.TxHash,
			LogIndex: l.LogIndex,
		})
	}
	for _, tx := range b.Transactions {
		payload.Txs = append(payload.Txs, TxPayload{
			Hash:     tx.Hash,
			From:     tx.From,
			To:       tx.To,
			Input:    tx.Input,
			Value:    tx.Value,
			Nonce:    tx.Nonce,
			GasLimit: tx.GasLimit,
			Index:    tx.Index,
		})
	}
	return payload
}
