package dictionary

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paw-chain/chain-indexer/internal/rpcclient"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

func newV2TestSource(t *testing.T, handler http.HandlerFunc) *v2Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := rpcclient.New(rpcclient.Config{Endpoint: srv.URL, HTTPClient: srv.Client()}, logger.NewLogger("v2_test"))
	require.NoError(t, err)
	return newV2Source(client)
}

func TestV2SourceDecodesBlockPayloads(t *testing.T) {
	src := newV2TestSource(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "subql_filterBlocks", req.Method)

		fmt.Fprintf(w, `{"id":%d,"result":{
			"blocks": [
				{"blockHeight": 5, "block": {"number": "0x5"}},
				{"blockHeight": 9, "block": {"number": "0x9"}}
			],
			"metadata": {"lastProcessedHeight": 100, "startHeight": 1, "genesisHash": "0xgenesis"}
		}}`, req.ID)
	})

	result, err := src.GetData(context.Background(), QueryEntry{Logs: []LogCondition{{}}}, 1, 10, 50)
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 9}, result.Heights)
	require.Len(t, result.Payloads, 2)
	require.Contains(t, string(result.Payloads[5]), `"0x5"`)
	require.Equal(t, uint64(100), result.LastProcessedHeight)
	require.Equal(t, uint64(1), result.StartHeight)
	require.Equal(t, "0xgenesis", result.GenesisHash)
}

func TestV2SourceDisablesUnsupportedArgsAndRetries(t *testing.T) {
	var sawDistinct, sawStartHeight int
	src := newV2TestSource(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     uint64            `json:"id"`
			Params []json.RawMessage `json:"params"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Params, 1)
		params := string(req.Params[0])

		if len(params) > 0 && containsField(params, "distinct") {
			sawDistinct++
			fmt.Fprintf(w, `{"id":%d,"error":{"code":-32602,"message":"unknown argument: distinct"}}`, req.ID)
			return
		}
		if containsField(params, "startHeight") {
			sawStartHeight++
			fmt.Fprintf(w, `{"id":%d,"error":{"code":-32602,"message":"unknown argument: startHeight"}}`, req.ID)
			return
		}
		fmt.Fprintf(w, `{"id":%d,"result":{"blocks":[],"metadata":{"lastProcessedHeight":100,"genesisHash":"0xgenesis"}}}`, req.ID)
	})

	result, err := src.GetData(context.Background(), QueryEntry{Logs: []LogCondition{{}}}, 1, 10, 50)
	require.NoError(t, err)
	require.Empty(t, result.Heights)
	require.Equal(t, 1, sawDistinct, "distinct disabled after the first rejection")
	require.Equal(t, 1, sawStartHeight, "startHeight disabled after the first rejection")

	// Subsequent queries go straight through without the disabled args.
	_, err = src.GetData(context.Background(), QueryEntry{Logs: []LogCondition{{}}}, 1, 10, 50)
	require.NoError(t, err)
	require.Equal(t, 1, sawDistinct)
	require.Equal(t, 1, sawStartHeight)
}

func containsField(params, field string) bool {
	var m map[string]json.RawMessage
	if err := json.Unmarshal([]byte(params), &m); err != nil {
		return false
	}
	_, ok := m[field]
	return ok
}
