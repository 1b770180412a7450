// Package chain is the Ethereum-semantics facade over the connection pool:
// it exposes block/log/receipt retrieval and owns the data model those
// calls return.
package chain

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
)

// Hash is a 32-byte block or transaction hash.
type Hash [32]byte

// String renders a hash as a 0x-prefixed hex string.
func (h Hash) String() string {
	return fmt.Sprintf("0x%x", [32]byte(h))
}

// IsZero reports whether h is the zero hash.
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// MarshalJSON renders the hash as its 0x-prefixed hex string, matching
// the wire and persisted representations everywhere else in this codebase.
func (h Hash) MarshalJSON() ([]byte, error) {
	return json.Marshal(h.String())
}

// UnmarshalJSON parses a 0x-prefixed hex string into the hash.
func (h *Hash) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	s = strings.TrimPrefix(s, "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return fmt.Errorf("decoding hash %q: %w", s, err)
	}
	if len(b) != 32 {
		return fmt.Errorf("hash %q is %d bytes, want 32", s, len(b))
	}
	copy(h[:], b)
	return nil
}

// Address is a 20-byte account or contract address.
type Address [20]byte

// String renders an address as a 0x-prefixed hex string.
func (a Address) String() string {
	return fmt.Sprintf("0x%x", [20]byte(a))
}

// Header is a block's identity and parent linkage. It is immutable once
// constructed — nothing in the indexing core mutates a Header in place.
type Header struct {
	Height     uint64
	Hash       Hash
	ParentHash Hash
	Timestamp  uint64
	StateRoot  Hash
	LogsBloom  []byte
	GasUsed    uint64
	GasLimit   uint64
}

// Transaction is a full transaction body. Receipts are not part of the
// transaction body itself — they are lazily fetched and memoized through
// the Receipt method.
type Transaction struct {
	Hash     Hash
	From     Address
	To       *Address // nil means contract creation
	Input    []byte
	Value    []byte // big-endian encoded uint256, avoids pulling in math/big at this layer
	Nonce    uint64
	GasLimit uint64
	GasPrice []byte
	Index    uint32

	receipt *receiptMemo
}

// Log is an event log emitted during transaction execution. LogRef is a
// logical back-reference to the owning transaction (tx hash + log index),
// not a pointer — logs never hold a strong reference back to their block,
// matching the spec's "logical index, not ownership" rule.
type Log struct {
	Address     Address
	Topics      [][32]byte
	Data        []byte
	BlockHeight uint64
	TxHash      Hash
	LogIndex    uint32
}

// Ref returns the logical (tx hash, log index) back-reference for l.
func (l Log) Ref() LogRef {
	return LogRef{TxHash: l.TxHash, LogIndex: l.LogIndex}
}

// LogRef identifies a log by its owning transaction and position within it.
type LogRef struct {
	TxHash   Hash
	LogIndex uint32
}

// Block is a fully fetched block: header plus its complete transaction and
// log lists. It owns its logs and transactions; they reference it only
// logically (by height/hash), never by pointer, so Block can be dropped
// without untangling a reference cycle.
type Block struct {
	Header       Header
	Transactions []*Transaction
	Logs         []Log

	fetchReceipt ReceiptFetchFunc
}

// ReceiptFetchFunc retrieves a transaction's receipt from the chain. It is
// supplied by the Client that produced the Block and is shared by every
// Transaction's memoized receipt producer.
type ReceiptFetchFunc func(ctx context.Context, txHash Hash) (*Receipt, error)

// Receipt is a transaction's execution outcome.
type Receipt struct {
	TxHash            Hash
	Status            uint64
	GasUsed           uint64
	CumulativeGasUsed uint64
	ContractAddress   *Address
	Logs              []Log
}

// receiptMemo is a one-shot memoized producer: the first call to Get
// performs the RPC round trip, every subsequent call returns the cached
// result (or error). Concurrent callers share a single in-flight fetch.
type receiptMemo struct {
	once    sync.Once
	fetch   ReceiptFetchFunc
	txHash  Hash
	receipt *Receipt
	err     error
}

// Receipt returns the transaction's receipt, fetching and memoizing it on
// first access. Safe for concurrent use.
func (tx *Transaction) Receipt(ctx context.Context) (*Receipt, error) {
	if tx.receipt == nil {
		return nil, fmt.Errorf("transaction %s has no receipt fetcher attached", tx.Hash)
	}
	tx.receipt.once.Do(func() {
		tx.receipt.receipt, tx.receipt.err = tx.receipt.fetch(ctx, tx.receipt.txHash)
	})
	return tx.receipt.receipt, tx.receipt.err
}

// attachReceiptFetcher wires the lazy, memoized receipt producer onto a
// freshly constructed transaction. Called once by fetchBlock when
// assembling a Block.
func attachReceiptFetcher(tx *Transaction, fetch ReceiptFetchFunc) {
	tx.receipt = &receiptMemo{fetch: fetch, txHash: tx.Hash}
}
