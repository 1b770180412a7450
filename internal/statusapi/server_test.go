package statusapi

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paw-chain/chain-indexer/internal/dispatcher"
	"github.com/paw-chain/chain-indexer/internal/fetcher"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

type fakeStatusSource struct {
	state  fetcher.State
	height uint64
}

func (f fakeStatusSource) State() fetcher.State { return f.state }
func (f fakeStatusSource) NextHeight() uint64   { return f.height }

func TestHealthzReportsOK(t *testing.T) {
	srv := NewServer(9090, fakeStatusSource{state: fetcher.StateIdle, height: 10}, nil, logger.NewLogger("statusapi_test"))
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestStatusReportsFetcherState(t *testing.T) {
	disp := dispatcher.New(10, 1, 5, nil, nil, logger.NewLogger("statusapi_test"))
	srv := NewServer(9090, fakeStatusSource{state: fetcher.StateFetching, height: 42}, disp, logger.NewLogger("statusapi_test"))
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "fetching")
	require.Contains(t, rec.Body.String(), "42")
}

func TestNewServerDisabledWhenPortZero(t *testing.T) {
	srv := NewServer(0, fakeStatusSource{}, nil, logger.NewLogger("statusapi_test"))
	require.Nil(t, srv)
	require.NoError(t, srv.Start())
	require.NoError(t, srv.Stop(nil))
}
