// Package metadata defines the key/value durability contract the
// indexing core uses for cursor state, unfinalized-block records, and
// dictionary capability flags, plus two implementations: a Postgres
// adapter for production and an in-memory double for tests.
package metadata

import "context"

// Tx is an opaque transaction handle. Callers never inspect it; they pass
// it between Begin and Commit/Rollback and into Upsert calls that must
// land atomically together.
type Tx interface{}

// Store is the metadata persistence contract: a flat key/value space with
// transactional multi-key upserts. Every key used by the indexing core is
// a plain string; values are opaque strings (callers JSON-encode
// structured state themselves).
type Store interface {
	// Begin starts a transaction. Multiple Upsert calls against the
	// returned Tx must commit atomically together.
	Begin(ctx context.Context) (Tx, error)
	Commit(ctx context.Context, tx Tx) error
	Rollback(ctx context.Context, tx Tx) error

	// Upsert writes key=value, optionally inside tx (tx == nil commits
	// immediately as its own single-key transaction).
	Upsert(ctx context.Context, tx Tx, key, value string) error

	// Get reads key's current value. Returns ("", false, nil) if absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
}

// Well-known keys used by the unfinalized-blocks tracker, the dispatcher's
// commit path, and the chain-identity stamp written at init.
const (
	KeyUnfinalizedBlocks      = "unfinalizedBlocks"
	KeyLastFinalizedVerified  = "lastFinalizedVerifiedHeight"
	KeyLastProcessedHeight    = "lastProcessedHeight"
	KeyDictionaryCapabilities = "dictionaryCapabilities"
	KeyGenesisHash            = "genesisHash"
	KeyChain                  = "chain"
	KeySpecName               = "specName"
)
