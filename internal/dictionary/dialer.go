package dictionary

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/paw-chain/chain-indexer/internal/rpcclient"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// HTTPDialer is the concrete Dialer used outside of tests: v2 probes the
// endpoint with subql_filterBlocks against a zero-width range (cheap,
// side-effect-free) to confirm the method exists before committing to it.
type HTTPDialer struct {
	HTTPClient *http.Client
	Log        *logger.Logger
}

func (d HTTPDialer) DialV2(ctx context.Context, endpoint string) (Source, error) {
	client, err := rpcclient.New(rpcclient.Config{Endpoint: endpoint, Timeout: 10 * time.Second, HTTPClient: d.HTTPClient}, d.Log)
	if err != nil {
		return nil, fmt.Errorf("constructing v2 rpc client: %w", err)
	}
	v2 := newV2Source(client)
	if _, err := v2.GetData(ctx, QueryEntry{}, 0, 0, 1); err != nil {
		return nil, fmt.Errorf("probing subql_filterBlocks: %w", err)
	}
	return v2, nil
}

func (d HTTPDialer) DialV1(ctx context.Context, endpoint string) (Source, error) {
	v1 := newV1Source(endpoint, d.HTTPClient)
	if _, err := v1.GetData(ctx, QueryEntry{}, 0, 0, 1); err != nil {
		return nil, fmt.Errorf("probing graphql endpoint: %w", err)
	}
	return v1, nil
}
