package unfinalized

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paw-chain/chain-indexer/internal/chain"
	"github.com/paw-chain/chain-indexer/internal/metadata"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

func testLogger() *logger.Logger { return logger.NewLogger("unfinalized_test") }

func hashOf(b byte) chain.Hash {
	var h chain.Hash
	h[0] = b
	return h
}

// fakeChain answers GetBlockByHeightOrHash from a canonical height->header
// map and a parentHash->header map, letting tests script a specific
// canonical chain shape without spinning up a real RPC endpoint.
type fakeChain struct {
	byHeight map[uint64]*chain.Header
	byHash   map[chain.Hash]*chain.Header
}

func newFakeChain() *fakeChain {
	return &fakeChain{byHeight: map[uint64]*chain.Header{}, byHash: map[chain.Hash]*chain.Header{}}
}

func (f *fakeChain) addHeader(h *chain.Header) {
	f.byHeight[h.Height] = h
	f.byHash[h.Hash] = h
}

func (f *fakeChain) GetBlockByHeightOrHash(ctx context.Context, heightOrHash interface{}) (*chain.Header, error) {
	switch v := heightOrHash.(type) {
	case uint64:
		return f.byHeight[v], nil
	case chain.Hash:
		return f.byHash[v], nil
	default:
		panic("unsupported identifier in test fake")
	}
}

func TestRegisterUnfinalizedEnforcesSequentialHeights(t *testing.T) {
	tr := New(newFakeChain(), metadata.NewMemStore(), testLogger())
	ctx := context.Background()

	require.NoError(t, tr.RegisterUnfinalized(ctx, 10, hashOf(1), nil))
	require.NoError(t, tr.RegisterUnfinalized(ctx, 11, hashOf(2), nil))
	err := tr.RegisterUnfinalized(ctx, 13, hashOf(3), nil)
	require.Error(t, err, "skipping a height must be fatal")
}

func TestProcessUnfinalizedBlocksNoForkDropsConfirmed(t *testing.T) {
	tr := New(newFakeChain(), metadata.NewMemStore(), testLogger())
	ctx := context.Background()

	require.NoError(t, tr.RegisterUnfinalized(ctx, 10, hashOf(1), nil))
	require.NoError(t, tr.RegisterUnfinalized(ctx, 11, hashOf(2), nil))
	tr.RegisterFinalized(&chain.Header{Height: 10, Hash: hashOf(1)})

	rewind, err := tr.ProcessUnfinalizedBlocks(ctx, nil, nil)
	require.NoError(t, err)
	require.Nil(t, rewind)

	records := tr.Records()
	require.Len(t, records, 1)
	require.Equal(t, uint64(11), records[0].Height)
}

func TestProcessUnfinalizedBlocksDetectsForkAtFinalizedHeight(t *testing.T) {
	tr := New(newFakeChain(), metadata.NewMemStore(), testLogger())
	ctx := context.Background()

	require.NoError(t, tr.RegisterUnfinalized(ctx, 10, hashOf(1), nil))
	require.NoError(t, tr.RegisterUnfinalized(ctx, 11, hashOf(2), nil))
	// Finalized header at height 10 has a DIFFERENT hash than what we
	// registered: the canonical chain diverged.
	tr.RegisterFinalized(&chain.Header{Height: 10, Hash: hashOf(99)})

	rewind, err := tr.ProcessUnfinalizedBlocks(ctx, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, rewind)
}

func TestForkRecoveryFallsBackToLastVerifiedHeight(t *testing.T) {
	fc := newFakeChain()
	tr := New(fc, metadata.NewMemStore(), testLogger())
	ctx := context.Background()

	// A clean pass at finalized height 99 establishes the verified
	// watermark before any of the forked records are registered.
	tr.RegisterFinalized(&chain.Header{Height: 99, Hash: hashOf(99)})
	rewind, err := tr.ProcessUnfinalizedBlocks(ctx, nil, nil)
	require.NoError(t, err)
	require.Nil(t, rewind)

	require.NoError(t, tr.RegisterUnfinalized(ctx, 100, hashOf(1), nil))
	require.NoError(t, tr.RegisterUnfinalized(ctx, 101, hashOf(2), nil))
	require.NoError(t, tr.RegisterUnfinalized(ctx, 102, hashOf(3), nil))

	// The canonical chain diverged below every record we hold: height 100
	// is some third hash and 101's finalized header points at it.
	canonical100 := &chain.Header{Height: 100, Hash: hashOf(150), ParentHash: hashOf(99)}
	fc.addHeader(canonical100)
	tr.RegisterFinalized(&chain.Header{Height: 101, Hash: hashOf(151), ParentHash: hashOf(150)})

	rewind, err = tr.ProcessUnfinalizedBlocks(ctx, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, rewind)
	require.Equal(t, uint64(99), *rewind, "no record matches canonical, fall back to the verified watermark")
	require.Empty(t, tr.Records(), "abandoned-chain records must be truncated")
}

func TestLedgerPersistenceRoundTrip(t *testing.T) {
	store := metadata.NewMemStore()
	tr := New(newFakeChain(), store, testLogger())
	ctx := context.Background()

	require.NoError(t, tr.RegisterUnfinalized(ctx, 10, hashOf(1), nil))
	require.NoError(t, tr.RegisterUnfinalized(ctx, 11, hashOf(2), nil))

	restored := New(newFakeChain(), store, testLogger())
	require.NoError(t, restored.LoadFromStore(ctx))
	require.Equal(t, tr.Records(), restored.Records())
}

func TestProcessUnfinalizedBlocksWalksBackToMatchingHeight(t *testing.T) {
	fc := newFakeChain()
	// Canonical chain: 8 -> 9 -> 10, all with hash byte = height.
	h8 := &chain.Header{Height: 8, Hash: hashOf(8), ParentHash: hashOf(7)}
	h9 := &chain.Header{Height: 9, Hash: hashOf(9), ParentHash: hashOf(8)}
	h10 := &chain.Header{Height: 10, Hash: hashOf(10), ParentHash: hashOf(9)}
	fc.addHeader(h8)
	fc.addHeader(h9)
	fc.addHeader(h10)

	tr := New(fc, metadata.NewMemStore(), testLogger())
	ctx := context.Background()

	// We registered height 8 correctly (matches canonical) but our
	// record of height 9 is wrong (forked locally).
	require.NoError(t, tr.RegisterUnfinalized(ctx, 8, hashOf(8), nil))
	require.NoError(t, tr.RegisterUnfinalized(ctx, 9, hashOf(250), nil))
	tr.RegisterFinalized(h10)

	rewind, err := tr.ProcessUnfinalizedBlocks(ctx, nil, nil)
	require.NoError(t, err)
	require.NotNil(t, rewind)
	require.Equal(t, uint64(8), *rewind, "rewind should land on the last record matching canonical chain")
}
