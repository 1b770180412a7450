package rpcclient

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/paw-chain/chain-indexer/pkg/logger"
)

func testLogger() *logger.Logger {
	return logger.NewLogger("rpcclient_test")
}

func TestCallSingleRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req jsonrpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Equal(t, "eth_blockNumber", req.Method)
		resp := jsonrpcResponse{ID: req.ID, Result: json.RawMessage(`"0x10"`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL}, testLogger())
	require.NoError(t, err)

	raw, err := c.Call(context.Background(), "eth_blockNumber")
	require.NoError(t, err)
	require.JSONEq(t, `"0x10"`, string(raw))
}

func TestCoalescesConcurrentCalls(t *testing.T) {
	var mu sync.Mutex
	var maxBatch int

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var reqs []jsonrpcRequest
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		if err := json.Unmarshal(body, &reqs); err != nil {
			var single jsonrpcRequest
			require.NoError(t, json.Unmarshal(body, &single))
			reqs = []jsonrpcRequest{single}
		}

		mu.Lock()
		if len(reqs) > maxBatch {
			maxBatch = len(reqs)
		}
		mu.Unlock()

		resps := make([]jsonrpcResponse, len(reqs))
		for i, req := range reqs {
			resps[i] = jsonrpcResponse{ID: req.ID, Result: json.RawMessage(`"ok"`)}
		}
		require.NoError(t, json.NewEncoder(w).Encode(resps))
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, MaxBatchSize: 20}, testLogger())
	require.NoError(t, err)
	// Seed the adaptive batch size above 1 so concurrent calls actually batch.
	c.batch.size = 8

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.Call(context.Background(), "eth_getBlockByNumber", "0x1", true)
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Greater(t, maxBatch, 1, "expected concurrent calls to coalesce into a batch")
}

func TestAdaptiveBatchSizeShrinksOnMalformedResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Non-array response to a multi-request batch: the downgrade signal.
		resp := jsonrpcResponse{ID: 1, Result: json.RawMessage(`"only one"`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL}, testLogger())
	require.NoError(t, err)
	c.batch.size = 4
	c.batch.determined = 0

	calls := []Request{{Method: "a"}, {Method: "b"}, {Method: "c"}}
	_, err = c.BatchCall(context.Background(), calls)
	require.Error(t, err)
	require.Equal(t, 3, c.BatchSize())
	require.Equal(t, int32(1), c.batch.determined)
}

func TestRateLimitHonorsRetryAfter(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		if attempts == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		var req jsonrpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		resp := jsonrpcResponse{ID: req.ID, Result: json.RawMessage(`"ok"`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL, SlotInterval: time.Millisecond}, testLogger())
	require.NoError(t, err)

	raw, err := c.Call(context.Background(), "eth_chainId", true)
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(raw))
	require.GreaterOrEqual(t, attempts, 2)
}

func TestProcessorRequestedThrottleRetries(t *testing.T) {
	var attempts int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		attempts++
		var req jsonrpcRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if attempts == 1 {
			// Some providers report rate limiting as a 200 with a marker
			// body; the processor hook turns it into the 429 path.
			resp := jsonrpcResponse{ID: req.ID, Result: json.RawMessage(`"capacity exceeded"`)}
			require.NoError(t, json.NewEncoder(w).Encode(resp))
			return
		}
		resp := jsonrpcResponse{ID: req.ID, Result: json.RawMessage(`"ok"`)}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer srv.Close()

	c, err := New(Config{
		Endpoint:     srv.URL,
		SlotInterval: time.Millisecond,
		Processor: func(status int, body []byte) bool {
			return strings.Contains(string(body), "capacity exceeded")
		},
	}, testLogger())
	require.NoError(t, err)

	raw, err := c.Call(context.Background(), "eth_chainId", true)
	require.NoError(t, err)
	require.JSONEq(t, `"ok"`, string(raw))
	require.GreaterOrEqual(t, attempts, 2)
}

func TestCallPassThroughReturnsErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"reason":"archive access required"}`))
	}))
	defer srv.Close()

	c, err := New(Config{Endpoint: srv.URL}, testLogger())
	require.NoError(t, err)

	raw, err := c.CallPassThrough(context.Background(), "eth_getBlockByNumber", "0x1", true)
	require.NoError(t, err)
	require.JSONEq(t, `{"reason":"archive access required"}`, string(raw))
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, time.Duration(0), parseRetryAfter(""))
	require.Equal(t, time.Duration(0), parseRetryAfter("not-a-number"))
	require.Equal(t, 5*time.Second, parseRetryAfter("5"))
}
