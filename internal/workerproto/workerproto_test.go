package workerproto

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paw-chain/chain-indexer/internal/chain"
)

func TestNoopRunnerEchoesIdentity(t *testing.T) {
	req := ProcessBlockRequest{
		Height: 42,
		Block: BlockPayload{
			Hash:       chain.Hash{1},
			ParentHash: chain.Hash{2},
		},
	}
	resp, err := NoopRunner{}.Run(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, uint64(42), resp.Height)
	require.Equal(t, req.Block.Hash, resp.Hash)
	require.Equal(t, req.Block.ParentHash, resp.ParentHash)
	require.Empty(t, resp.DynamicDS)
	require.Empty(t, resp.HandlerErrors)
}

func TestToBlockResponseProjectsLogsAndTxs(t *testing.T) {
	to := chain.Address{9}
	block := &chain.Block{
		Header: chain.Header{Height: 10, Hash: chain.Hash{1}, ParentHash: chain.Hash{2}, Timestamp: 1000},
		Logs: []chain.Log{
			{Address: chain.Address{3}, TxHash: chain.Hash{4}, LogIndex: 1},
		},
		Transactions: []*chain.Transaction{
			{Hash: chain.Hash{5}, From: chain.Address{6}, To: &to, Index: 0},
		},
	}
	payload := ToBlockResponse(block)
	require.Equal(t, uint64(10), payload.Height)
	require.Len(t, payload.Logs, 1)
	require.Equal(t, block.Logs[0].Address, payload.Logs[0].Address)
	require.Len(t, payload.Txs, 1)
	require.Equal(t, &to, payload.Txs[0].To)
}
