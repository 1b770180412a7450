package chain

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

// fakeCaller is a direct in-memory stand-in for the connection pool,
// keyed by RPC method name so tests can script exact responses without
// spinning up an HTTP server.
type fakeCaller struct {
	responses map[string]json.RawMessage
	errors    map[string]error
	calls     []string
}

func (f *fakeCaller) Call(ctx context.Context, method string, params ...interface{}) (json.RawMessage, error) {
	f.calls = append(f.calls, method)
	if err, ok := f.errors[method]; ok {
		return nil, err
	}
	return f.responses[method], nil
}

func TestGetBestBlockHeight(t *testing.T) {
	f := &fakeCaller{responses: map[string]json.RawMessage{
		"eth_blockNumber": json.RawMessage(`"0x64"`),
	}}
	c := NewClient(f, testLogger())

	height, err := c.GetBestBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100), height)
}

func TestGetFinalizedBlockHeightPrefersTag(t *testing.T) {
	f := &fakeCaller{responses: map[string]json.RawMessage{
		"eth_getBlockByNumber": json.RawMessage(`{"number":"0x5a"}`),
	}}
	c := NewClient(f, testLogger())

	height, err := c.GetFinalizedBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0x5a), height)
}

func TestGetFinalizedBlockHeightFallsBackOnUnsupportedTag(t *testing.T) {
	f := &fakeCaller{
		responses: map[string]json.RawMessage{
			"eth_blockNumber": json.RawMessage(`"0x64"`),
		},
		errors: map[string]error{
			"eth_getBlockByNumber": errUnsupportedTag{},
		},
	}
	c := NewClient(f, testLogger())

	height, err := c.GetFinalizedBlockHeight(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(100-headMinusFallback), height)
	require.False(t, c.usingFinalizedTag())

	// Second call should skip the tag probe entirely, since it's now
	// disabled for the life of the client.
	callsBefore := len(f.calls)
	_, err = c.GetFinalizedBlockHeight(context.Background())
	require.NoError(t, err)
	for _, call := range f.calls[callsBefore:] {
		require.NotEqual(t, "eth_getBlockByNumber", call)
	}
}

type errUnsupportedTag struct{}

func (errUnsupportedTag) Error() string { return "invalid block tag" }

func TestGetFinalizedHeadReturnsFullHeader(t *testing.T) {
	headerJSON := `{
		"number":"0x5a",
		"hash":"0x0300000000000000000000000000000000000000000000000000000000000000",
		"parentHash":"0x0200000000000000000000000000000000000000000000000000000000000000",
		"timestamp":"0x10",
		"stateRoot":"0x0000000000000000000000000000000000000000000000000000000000000000",
		"logsBloom":"0x",
		"gasUsed":"0x1",
		"gasLimit":"0x2"
	}`
	f := &fakeCaller{responses: map[string]json.RawMessage{
		"eth_getBlockByNumber": json.RawMessage(headerJSON),
	}}
	c := NewClient(f, testLogger())

	header, err := c.GetFinalizedHead(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0x5a), header.Height)
	require.Equal(t, Hash{0x03}, header.Hash)
	require.Equal(t, Hash{0x02}, header.ParentHash)
}

func TestFetchBlockComposesHeaderAndLogs(t *testing.T) {
	blockJSON := `{
		"number":"0x1",
		"hash":"0x0100000000000000000000000000000000000000000000000000000000000000",
		"parentHash":"0x0000000000000000000000000000000000000000000000000000000000000000",
		"timestamp":"0x5",
		"stateRoot":"0x0000000000000000000000000000000000000000000000000000000000000000",
		"logsBloom":"0x",
		"gasUsed":"0x10",
		"gasLimit":"0x20",
		"transactions":[{
			"hash":"0x0200000000000000000000000000000000000000000000000000000000000000",
			"from":"0x0000000000000000000000000000000000000001",
			"to":"0x0000000000000000000000000000000000000002",
			"input":"0x",
			"value":"0x0",
			"nonce":"0x1",
			"gas":"0x5208",
			"gasPrice":"0x1",
			"transactionIndex":"0x0"
		}]
	}`
	f := &fakeCaller{responses: map[string]json.RawMessage{
		"eth_getBlockByNumber": json.RawMessage(blockJSON),
		"eth_getLogs":          json.RawMessage(`[]`),
	}}
	c := NewClient(f, testLogger())

	block, err := c.FetchBlock(context.Background(), 1, true)
	require.NoError(t, err)
	require.Equal(t, uint64(1), block.Header.Height)
	require.Len(t, block.Transactions, 1)
	require.Empty(t, block.Logs)

	receipt, err := block.Transactions[0].Receipt(context.Background())
	_ = receipt
	require.Error(t, err, "no receipt registered in fakeCaller should surface a decode error")
}
