package dictionary

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBuildV1QueryIncludesConditionFilters(t *testing.T) {
	entry := QueryEntry{
		Logs: []LogCondition{
			{Address: []string{"0xabc"}, Topics: [4][]string{{"0xtopic"}, anyValue, nil, nil}},
		},
		Transactions: []TxCondition{
			{To: []string{"0xcontract"}, Function: []string{"0xa9059cbb"}},
		},
	}
	query := (&v1Source{}).buildQuery(entry)

	require.Contains(t, query, "logs0: logs(filter:")
	require.Contains(t, query, "distinct: BLOCK_HEIGHT")
	require.Contains(t, query, "startHeight")
	require.Contains(t, query, `address: {in: ["0xabc"]}`)
	require.Contains(t, query, `topics0: {in: ["0xtopic"]}`)
	require.Contains(t, query, "topics1: {isNull: false}")
	require.NotContains(t, query, "topics2")
	require.Contains(t, query, "tx0: transactions(filter:")
	require.Contains(t, query, `to: {in: ["0xcontract"]}`)
	require.Contains(t, query, `func: {in: ["0xa9059cbb"]}`)
}

func TestV1SourceGetDataFiltersByCondition(t *testing.T) {
	entry := QueryEntry{Logs: []LogCondition{{Address: []string{"0xabc"}}}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.True(t, strings.Contains(req.Query, "logs0"))

		_, _ = w.Write([]byte(`{
			"data": {
				"_metadata": {"lastProcessedHeight": 100, "startHeight": 0, "genesisHash": "0xgenesis"},
				"logs0": {"nodes": [{"blockHeight": 5}, {"blockHeight": 7}, {"blockHeight": 5}]}
			}
		}`))
	}))
	defer srv.Close()

	src := newV1Source(srv.URL, srv.Client())
	result, err := src.GetData(context.Background(), entry, 0, 10, 50)
	require.NoError(t, err)
	require.Equal(t, []uint64{5, 7}, result.Heights)
	require.Equal(t, uint64(100), result.LastProcessedHeight)
	require.Equal(t, "0xgenesis", result.GenesisHash)
}

func TestV1SourceDisablesUnsupportedFeaturesAndRetries(t *testing.T) {
	var queries []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req graphqlRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		queries = append(queries, req.Query)

		if strings.Contains(req.Query, "distinct") {
			_, _ = w.Write([]byte(`{"errors": [{"message": "Unknown argument \"distinct\" on field \"logs\""}]}`))
			return
		}
		if strings.Contains(req.Query, "startHeight") {
			_, _ = w.Write([]byte(`{"errors": [{"message": "Cannot query field \"startHeight\" on type \"_Metadata\""}]}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"data": {
				"_metadata": {"lastProcessedHeight": 100, "genesisHash": "0xgenesis"},
				"logs0": {"nodes": [{"blockHeight": 5}]}
			}
		}`))
	}))
	defer srv.Close()

	src := newV1Source(srv.URL, srv.Client())
	result, err := src.GetData(context.Background(), QueryEntry{Logs: []LogCondition{{}}}, 0, 10, 50)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, result.Heights)
	require.Len(t, queries, 3, "one probe per disabled feature, then the working query")

	// The disabled features stay off for subsequent queries.
	queries = nil
	_, err = src.GetData(context.Background(), QueryEntry{Logs: []LogCondition{{}}}, 0, 10, 50)
	require.NoError(t, err)
	require.Len(t, queries, 1)
	require.NotContains(t, queries[0], "distinct")
	require.NotContains(t, queries[0], "startHeight")
}

func TestV1SourceGetDataPropagatesGraphQLErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"errors": [{"message": "boom"}]}`))
	}))
	defer srv.Close()

	src := newV1Source(srv.URL, srv.Client())
	_, err := src.GetData(context.Background(), QueryEntry{Logs: []LogCondition{{}}}, 0, 10, 50)
	require.Error(t, err)
}
