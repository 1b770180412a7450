// Package unfinalized tracks blocks between the finalized tip and the
// chain head, detects forks affecting that range by comparing persisted
// hashes against the canonical chain, and computes a safe rewind height
// when one is found.
package unfinalized

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/paw-chain/chain-indexer/internal/chain"
	"github.com/paw-chain/chain-indexer/internal/ixerr"
	"github.com/paw-chain/chain-indexer/internal/metadata"
	"github.com/paw-chain/chain-indexer/internal/metrics"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// forkWalkLimit bounds the backward parentHash walk used to find the
// canonical hash at a given height; beyond this many blocks, jumping
// straight to the height via the chain API is cheaper than walking.
const forkWalkLimit = 200

// Record is one (height, hash) pair in the unfinalized ledger. It
// persists as a two-element JSON array — [height, "0xhash"] — so the
// stored ledger is a compact array of pairs rather than keyed objects.
type Record struct {
	Height uint64
	Hash   chain.Hash
}

// MarshalJSON encodes the record as its [height, hash] pair form.
func (r Record) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{r.Height, r.Hash.String()})
}

// UnmarshalJSON decodes the [height, hash] pair form.
func (r *Record) UnmarshalJSON(data []byte) error {
	var pair [2]json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decoding unfinalized record pair: %w", err)
	}
	if err := json.Unmarshal(pair[0], &r.Height); err != nil {
		return fmt.Errorf("decoding unfinalized record height: %w", err)
	}
	if err := json.Unmarshal(pair[1], &r.Hash); err != nil {
		return fmt.Errorf("decoding unfinalized record hash: %w", err)
	}
	return nil
}

// headerFetcher is the subset of the chain facade the tracker needs —
// narrow on purpose so tests can supply a fake.
type headerFetcher interface {
	GetBlockByHeightOrHash(ctx context.Context, heightOrHash interface{}) (*chain.Header, error)
}

// Tracker owns the unfinalized ledger and the fork-detection algorithm
// over it. One Tracker per indexed chain.
type Tracker struct {
	mu sync.Mutex

	unfinalized            []Record
	finalizedHeader        *chain.Header
	lastCheckedBlockHeight uint64

	chain headerFetcher
	store metadata.Store
	log   *logger.Logger
}

// New constructs a Tracker. Call LoadFromStore to restore persisted state
// before normal indexing resumes.
func New(chainAPI headerFetcher, store metadata.Store, log *logger.Logger) *Tracker {
	return &Tracker{chain: chainAPI, store: store, log: log}
}

// LoadFromStore restores the ledger from the metadata store, if present.
// Cold-start init calls this, then ProcessUnfinalizedBlocks(nil, ...) to
// replay fork detection before normal indexing resumes.
func (t *Tracker) LoadFromStore(ctx context.Context) error {
	raw, ok, err := t.store.Get(ctx, metadata.KeyUnfinalizedBlocks)
	if err != nil {
		return fmt.Errorf("loading unfinalized ledger: %w", err)
	}
	var records []Record
	if ok {
		if err := json.Unmarshal([]byte(raw), &records); err != nil {
			return fmt.Errorf("decoding unfinalized ledger: %w", err)
		}
	}

	var lastVerified uint64
	if raw, ok, err := t.store.Get(ctx, metadata.KeyLastFinalizedVerified); err != nil {
		return fmt.Errorf("loading last finalized verified height: %w", err)
	} else if ok {
		if _, err := fmt.Sscanf(raw, "%d", &lastVerified); err != nil {
			return fmt.Errorf("decoding last finalized verified height %q: %w", raw, err)
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.unfinalized = records
	t.lastCheckedBlockHeight = lastVerified
	return nil
}

// RegisterUnfinalized appends a new record. The invariant is that height
// equals the last record's height + 1, or the ledger is empty; a
// violation indicates an upstream ordering bug and is fatal. Heights at or
// below the last-known finalized height are silently dropped — they can
// no longer fork.
func (t *Tracker) RegisterUnfinalized(ctx context.Context, height uint64, hash chain.Hash, tx metadata.Tx) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalizedHeader != nil && height <= t.finalizedHeader.Height {
		return nil
	}
	if len(t.unfinalized) > 0 {
		last := t.unfinalized[len(t.unfinalized)-1]
		if height != last.Height+1 {
			return fmt.Errorf("%w: registering unfinalized height %d after %d (expected %d)",
				ixerr.ErrInvariantViolation, height, last.Height, last.Height+1)
		}
	}
	t.unfinalized = append(t.unfinalized, Record{Height: height, Hash: hash})
	return t.persistLocked(ctx, tx)
}

// RegisterFinalized updates the finalized header, ignored unless
// strictly newer than the current one.
func (t *Tracker) RegisterFinalized(header *chain.Header) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finalizedHeader != nil && header.Height <= t.finalizedHeader.Height {
		return
	}
	t.finalizedHeader = header
}

// ProcessUnfinalizedBlocks is the main fork-detection entry point. If
// newBlock is non-nil it's registered first. It returns a non-nil rewind
// height only when a fork was detected; the caller must flush its
// dispatch queue and rewind its fetch cursor to that height.
func (t *Tracker) ProcessUnfinalizedBlocks(ctx context.Context, newBlock *Record, tx metadata.Tx) (*uint64, error) {
	if newBlock != nil {
		if err := t.RegisterUnfinalized(ctx, newBlock.Height, newBlock.Hash, tx); err != nil {
			return nil, err
		}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.finalizedHeader == nil {
		return nil, nil
	}

	forked, err := t.hasForkedLocked(ctx)
	if err != nil {
		return nil, err
	}

	if !forked {
		t.deleteFinalizedLocked()
		t.lastCheckedBlockHeight = t.finalizedHeader.Height
		if err := t.persistLocked(ctx, tx); err != nil {
			return nil, err
		}
		return nil, nil
	}

	depth := t.finalizedHeader.Height
	rewind, err := t.findRewindHeightLocked(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RewindsTotal.Inc()
	if depth > rewind {
		metrics.ReorgDepth.Observe(float64(depth - rewind))
	}
	t.log.Warn("fork detected, rewinding", "rewind_height", rewind)

	// Everything above the rewind target belongs to the abandoned chain;
	// the heights will be re-registered as the dispatcher reprocesses them.
	t.truncateAboveLocked(rewind)
	if err := t.persistLocked(ctx, tx); err != nil {
		return nil, err
	}
	return &rewind, nil
}

// truncateAboveLocked drops every ledger record strictly above height.
func (t *Tracker) truncateAboveLocked(height uint64) {
	kept := t.unfinalized[:0]
	for _, r := range t.unfinalized {
		if r.Height <= height {
			kept = append(kept, r)
		}
	}
	t.unfinalized = kept
}

// hasForkedLocked finds the largest unfinalized record at or below the
// finalized height (the "verifiable" block) and compares it against the
// canonical chain.
func (t *Tracker) hasForkedLocked(ctx context.Context) (bool, error) {
	verifiable, ok := t.largestVerifiableLocked()
	if !ok {
		return false, nil
	}

	if verifiable.Height == t.finalizedHeader.Height {
		return verifiable.Hash != t.finalizedHeader.Hash, nil
	}

	canonicalHash, err := t.canonicalHashAtLocked(ctx, verifiable.Height)
	if err != nil {
		return false, err
	}
	return verifiable.Hash != canonicalHash, nil
}

func (t *Tracker) largestVerifiableLocked() (Record, bool) {
	var best Record
	found := false
	for _, r := range t.unfinalized {
		if r.Height <= t.finalizedHeader.Height && (!found || r.Height > best.Height) {
			best = r
			found = true
		}
	}
	return best, found
}

// canonicalHashAtLocked returns the canonical chain's hash at height,
// walking backward from the finalized header via parentHash when the gap
// is small, or jumping directly via the chain API when it exceeds
// forkWalkLimit.
func (t *Tracker) canonicalHashAtLocked(ctx context.Context, height uint64) (chain.Hash, error) {
	gap := t.finalizedHeader.Height - height
	if gap > forkWalkLimit {
		header, err := t.chain.GetBlockByHeightOrHash(ctx, height)
		if err != nil {
			return chain.Hash{}, fmt.Errorf("fetching canonical header at %d: %w", height, err)
		}
		return header.Hash, nil
	}

	current := t.finalizedHeader
	for current.Height > height {
		header, err := t.chain.GetBlockByHeightOrHash(ctx, current.ParentHash)
		if err != nil {
			return chain.Hash{}, fmt.Errorf("walking parentHash chain at %d: %w", current.Height-1, err)
		}
		current = header
	}
	return current.Hash, nil
}

// findRewindHeightLocked walks the unfinalized ledger in reverse looking
// for the highest record whose hash still matches the canonical chain.
// If nothing matches, lastCheckedBlockHeight is returned as a
// best-effort safe point.
func (t *Tracker) findRewindHeightLocked(ctx context.Context) (uint64, error) {
	sorted := make([]Record, len(t.unfinalized))
	copy(sorted, t.unfinalized)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Height > sorted[j].Height })

	for _, r := range sorted {
		if r.Height > t.finalizedHeader.Height {
			continue
		}
		// The finalized header's own parentHash vouches for the record
		// directly below it, no extra round trip needed.
		if r.Height == t.finalizedHeader.Height-1 && r.Hash == t.finalizedHeader.ParentHash {
			return r.Height, nil
		}
		canonicalHash, err := t.canonicalHashAtLocked(ctx, r.Height)
		if err != nil {
			return 0, err
		}
		if r.Hash == canonicalHash {
			return r.Height, nil
		}
	}
	return t.lastCheckedBlockHeight, nil
}

// deleteFinalizedLocked drops every unfinalized record at or below the
// finalized height — they're now confirmed and can't fork.
func (t *Tracker) deleteFinalizedLocked() {
	kept := t.unfinalized[:0]
	for _, r := range t.unfinalized {
		if r.Height > t.finalizedHeader.Height {
			kept = append(kept, r)
		}
	}
	t.unfinalized = kept
}

// persistLocked writes the ledger and the verified-height watermark under
// their own keys; the caller's tx keeps the two writes atomic.
func (t *Tracker) persistLocked(ctx context.Context, tx metadata.Tx) error {
	records := t.unfinalized
	if records == nil {
		records = []Record{}
	}
	raw, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("encoding unfinalized ledger: %w", err)
	}
	if err := t.store.Upsert(ctx, tx, metadata.KeyUnfinalizedBlocks, string(raw)); err != nil {
		return fmt.Errorf("persisting unfinalized ledger: %w", err)
	}
	if err := t.store.Upsert(ctx, tx, metadata.KeyLastFinalizedVerified, fmt.Sprintf("%d", t.lastCheckedBlockHeight)); err != nil {
		return fmt.Errorf("persisting last finalized verified height: %w", err)
	}
	return nil
}

// Records returns a snapshot of the current unfinalized ledger.
func (t *Tracker) Records() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, len(t.unfinalized))
	copy(out, t.unfinalized)
	return out
}
