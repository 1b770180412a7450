// Command indexer is the CLI entry point for the indexing core: it loads
// configuration, wires the connection pool, chain facade, dictionary
// clients, unfinalized-blocks tracker, dispatcher, and fetch service
// together, and runs until an interrupt or fatal error stops it.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/paw-chain/chain-indexer/config"
	"github.com/paw-chain/chain-indexer/internal/chain"
	"github.com/paw-chain/chain-indexer/internal/datasource"
	"github.com/paw-chain/chain-indexer/internal/dictionary"
	"github.com/paw-chain/chain-indexer/internal/dispatcher"
	"github.com/paw-chain/chain-indexer/internal/fetcher"
	"github.com/paw-chain/chain-indexer/internal/ixerr"
	"github.com/paw-chain/chain-indexer/internal/metadata"
	"github.com/paw-chain/chain-indexer/internal/metrics"
	"github.com/paw-chain/chain-indexer/internal/pool"
	"github.com/paw-chain/chain-indexer/internal/rpcclient"
	"github.com/paw-chain/chain-indexer/internal/statusapi"
	"github.com/paw-chain/chain-indexer/internal/unfinalized"
	"github.com/paw-chain/chain-indexer/internal/workerproto"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

var (
	configPath = flag.String("config", "config/config.yaml", "path to configuration file")
	version    = "1.0.0"
	buildTime  = "unknown"
)

func main() {
	flag.Parse()

	log := logger.NewLogger("indexer")
	log.Info("starting chain indexer", "version", version, "build_time", buildTime)

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Error("failed to load configuration", "error", err.Error())
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		log.Error("invalid configuration", "error", err.Error())
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsServer.Start(); err != nil {
				log.Error("metrics server failed", "error", err.Error())
			}
		}()
	}

	store, err := metadata.NewPostgresStore(metadata.PostgresConfig{
		URL:            cfg.Database.GetConnectionString(),
		MaxConnections: cfg.Database.MaxOpenConns,
		MaxIdle:        cfg.Database.MaxIdleConns,
	}, log.With("metadata"))
	if err != nil {
		log.Error("failed to connect metadata store", "error", err.Error())
		os.Exit(1)
	}
	defer store.Close()

	if err := store.InitSchema(ctx); err != nil {
		log.Error("failed to initialize metadata schema", "error", err.Error())
		os.Exit(1)
	}

	connPool := pool.New(log.With("pool"))
	for _, endpoint := range cfg.Chain.NetworkEndpoint {
		client, err := rpcclient.New(rpcclient.Config{
			Endpoint:      endpoint,
			Timeout:       cfg.Chain.RequestTimeout,
			ThrottleLimit: cfg.Chain.ThrottleLimit,
			SlotInterval:  cfg.Chain.SlotInterval,
			MaxBatchSize:  cfg.Chain.MaxBatchSize,
		}, log.With("rpcclient"))
		if err != nil {
			log.Error("failed to construct rpc client", "endpoint", endpoint, "error", err.Error())
			os.Exit(1)
		}
		if _, err := connPool.Join(ctx, client); err != nil {
			if ixerr.Fatal(err) {
				log.Error("endpoint chain identity mismatch, exiting", "endpoint", endpoint, "error", err.Error())
				os.Exit(1)
			}
			log.Error("failed to join endpoint to pool", "endpoint", endpoint, "error", err.Error())
			os.Exit(1)
		}
	}
	if connPool.Size() == 0 {
		log.Error("no endpoints configured")
		os.Exit(1)
	}

	chainAPI := chain.NewClient(connPool, log.With("chain"))

	for _, wsURL := range cfg.Chain.NetworkWS {
		sub := pool.NewTipSubscriber(wsURL, log.With("tipsub"))
		if err := sub.Start(ctx); err != nil {
			log.Warn("tip subscriber unavailable, falling back to polling only", "url", wsURL, "error", err.Error())
			continue
		}
		go func() {
			for ev := range sub.Events() {
				metrics.ObservedTipHeight.Set(float64(ev.Height))
			}
		}()
		go func() {
			<-ctx.Done()
			sub.Stop()
		}()
		break // one accelerant subscription is enough; the fetch service still polls as the source of truth.
	}

	genesisHash := ""
	if genesis, err := chainAPI.GetBlockByHeightOrHash(ctx, uint64(0)); err == nil {
		genesisHash = genesis.Hash.String()
	}
	stampChainIdentity(ctx, store, genesisHash, cfg.Chain.ChainID, cfg.Chain.SpecName, log)

	bypass, err := config.ParseBypassBlocks(cfg.Indexer.BypassBlocks)
	if err != nil {
		log.Error("invalid bypass blocks", "error", err.Error())
		os.Exit(1)
	}

	dsMap := datasource.NewBlockHeightMap(nil)

	var dictClient *dictionary.Client
	var dictEndpoint string
	dialer := dictionary.HTTPDialer{Log: log.With("dictionary")}
	for _, endpoint := range cfg.Dictionary.NetworkDictionary {
		c, err := dictionary.New(ctx, endpoint, genesisHash, log.With("dictionary"), cfg.Dictionary.DictionaryTimeout, dialer)
		if err != nil {
			log.Warn("dictionary endpoint unavailable, skipping", "endpoint", endpoint, "error", err.Error())
			continue
		}
		if dictClient == nil || (dictClient.Version() < 2 && c.Version() >= 2) {
			dictClient, dictEndpoint = c, endpoint
		}
		if c.Version() >= 2 {
			break // the first reachable v2 endpoint wins over any v1 endpoint listed before it.
		}
	}
	if dictClient != nil {
		dictClient.UpdateQueriesMap(dictionary.UpdateQueriesMap(dsMap, log.With("dictionary")))
		dictClient.SetQueryAddressLimit(cfg.Dictionary.QueryAddressLimit)
		log.Info("dictionary negotiated", "endpoint", dictEndpoint, "version", dictClient.Version())
		caps := fmt.Sprintf(`{"endpoint":%q,"version":%d}`, dictEndpoint, dictClient.Version())
		if err := store.Upsert(ctx, nil, metadata.KeyDictionaryCapabilities, caps); err != nil {
			log.Warn("failed to persist dictionary capabilities", "error", err.Error())
		}
	}

	if cfg.Cache.Enabled && dictClient != nil {
		respCache := dictionary.NewResponseCache(cfg.Cache.GetRedisAddr(), cfg.Cache.Password, cfg.Cache.DB, cfg.Cache.TTL, log.With("dictionary_cache"))
		dictClient.SetResponseCache(respCache)
		defer respCache.Close()
	}

	tracker := unfinalized.New(chainAPI, store, log.With("unfinalized"))
	if err := tracker.LoadFromStore(ctx); err != nil {
		log.Error("failed to restore unfinalized ledger", "error", err.Error())
		os.Exit(1)
	}
	var finalizedSink fetcher.FinalizedSink
	if cfg.Indexer.UnfinalizedBlocks {
		finalizedSink = tracker
	}

	startHeight := cfg.Indexer.StartHeight
	if raw, ok, err := store.Get(ctx, metadata.KeyLastProcessedHeight); err == nil && ok {
		if parsed, err := parseUint(raw); err == nil {
			startHeight = parsed + 1
		}
	}

	reindex := func(height uint64) {
		log.Warn("reindex requested by fork rewind", "height", height)
	}

	var handlerRunner workerproto.HandlerRunner = workerproto.NoopRunner{}

	var disp *dispatcher.Dispatcher
	var fetchSvc *fetcher.Service
	process := func(ctx context.Context, height uint64, payload json.RawMessage) (dispatcher.Result, error) {
		var block *chain.Block
		var err error
		if payload != nil {
			block, err = chainAPI.BlockFromPayload(payload, true)
		} else {
			block, err = chainAPI.FetchBlock(ctx, height, true)
		}
		if err != nil {
			return dispatcher.Result{}, fmt.Errorf("fetching block %d: %w", height, err)
		}

		active := dsMap.ActiveAt(height)
		names := make([]string, 0, len(active))
		for _, ds := range active {
			names = append(names, ds.Kind)
		}

		req := workerproto.ProcessBlockRequest{Height: height, Block: workerproto.ToBlockResponse(block), DataSources: names}
		resp, err := handlerRunner.Run(ctx, req)
		if err != nil {
			return dispatcher.Result{}, fmt.Errorf("running handlers for block %d: %w", height, err)
		}
		if len(resp.HandlerErrors) > 0 {
			return dispatcher.Result{}, fmt.Errorf("handler errors at height %d: %v", height, resp.HandlerErrors)
		}

		return dispatcher.Result{
			Hash:       block.Header.Hash,
			ParentHash: block.Header.ParentHash,
			DynamicDS:  resp.DynamicDS,
		}, nil
	}

	commit := func(ctx context.Context, height uint64, result dispatcher.Result) error {
		tx, err := store.Begin(ctx)
		if err != nil {
			return fmt.Errorf("beginning commit transaction: %w", err)
		}

		var rewind *uint64
		if cfg.Indexer.UnfinalizedBlocks {
			rewind, err = tracker.ProcessUnfinalizedBlocks(ctx, &unfinalized.Record{Height: height, Hash: result.Hash}, tx)
			if err != nil {
				_ = store.Rollback(ctx, tx)
				return fmt.Errorf("processing unfinalized blocks: %w", err)
			}
		}

		if err := store.Upsert(ctx, tx, metadata.KeyLastProcessedHeight, fmt.Sprintf("%d", height)); err != nil {
			_ = store.Rollback(ctx, tx)
			return fmt.Errorf("persisting last processed height: %w", err)
		}

		if err := store.Commit(ctx, tx); err != nil {
			return fmt.Errorf("committing height %d: %w", height, err)
		}

		if rewind != nil {
			disp.FlushQueue(*rewind)
			fetchSvc.Rewind(*rewind + 1)
			reindex(*rewind)
		}

		// Dynamic data sources are applied here, in the serialized commit
		// path, rather than inside process: workers run concurrently, and
		// dsMap/dictClient must only ever be mutated by one goroutine at a
		// time to honor the single-writer rule the fetch driver relies on.
		if len(result.DynamicDS) > 0 {
			lowest := height
			for _, dds := range result.DynamicDS {
				dsMap.Add(&datasource.DataSource{
					Kind:       dds.Kind,
					StartBlock: dds.StartBlock,
					Options:    datasource.Options{Address: dds.Address},
				})
				if dds.StartBlock < lowest {
					lowest = dds.StartBlock
				}
			}
			if dictClient != nil {
				dictClient.UpdateQueriesMap(dictionary.UpdateQueriesMap(dsMap, log.With("dictionary")))
			}
			if fetchSvc != nil {
				fetchSvc.ResetForNewDS(lowest)
			}
		}
		return nil
	}

	capacity := cfg.Indexer.BatchSize * 2
	disp = dispatcher.New(capacity, cfg.Indexer.Workers, startHeight, process, commit, log.With("dispatcher"))
	disp.Start(ctx)
	defer disp.Stop()

	fetchSvc = fetcher.New(fetcher.Config{
		DictionaryQuerySize: cfg.Dictionary.DictionaryQuerySize,
		BatchSize:           uint64(cfg.Indexer.BatchSize),
		BypassBlocks:        bypass,
		Moduli:              cfg.Indexer.ModuloBlocks,
		TrackUnfinalized:    cfg.Indexer.UnfinalizedBlocks,
	}, chainAPI, dictClient, disp, finalizedSink, startHeight, log.With("fetcher"))
	if cfg.Indexer.UnfinalizedBlocks {
		if rewind := reconcileOnStartup(ctx, chainAPI, tracker, store, log); rewind != nil {
			fetchSvc.Rewind(*rewind + 1)
			reindex(*rewind)
		}
	}

	var statusServer *statusapi.Server
	if cfg.Status.Enabled {
		statusServer = statusapi.NewServer(cfg.Status.Port, fetchSvc, disp, log.With("statusapi"))
		go func() {
			if err := statusServer.Start(); err != nil {
				log.Error("status server failed", "error", err.Error())
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- fetchSvc.Run(ctx)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info("received interrupt signal, shutting down gracefully")
		cancel()
	case err := <-errCh:
		if err != nil && !errors.Is(err, ixerr.ErrShutdown) {
			log.Error("fetch service stopped unexpectedly", "error", err.Error())
		}
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	disp.Stop()

	if statusServer != nil {
		if err := statusServer.Stop(shutdownCtx); err != nil {
			log.Error("failed to stop status server gracefully", "error", err.Error())
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(shutdownCtx); err != nil {
			log.Error("failed to stop metrics server gracefully", "error", err.Error())
		}
	}

	log.Info("chain indexer stopped")
}

// reconcileOnStartup replays fork detection against the restored
// unfinalized ledger before normal indexing resumes: a fork that happened
// while the process was down must still trigger a reindex.
func reconcileOnStartup(ctx context.Context, chainAPI *chain.Client, tracker *unfinalized.Tracker, store metadata.Store, log *logger.Logger) *uint64 {
	head, err := chainAPI.GetFinalizedHead(ctx)
	if err != nil {
		log.Error("failed to fetch finalized head for startup reconciliation", "error", err.Error())
		return nil
	}
	tracker.RegisterFinalized(head)

	tx, err := store.Begin(ctx)
	if err != nil {
		log.Error("failed to begin startup reconciliation transaction", "error", err.Error())
		return nil
	}
	rewind, err := tracker.ProcessUnfinalizedBlocks(ctx, nil, tx)
	if err != nil {
		log.Error("startup fork reconciliation failed", "error", err.Error())
		_ = store.Rollback(ctx, tx)
		return nil
	}
	if err := store.Commit(ctx, tx); err != nil {
		log.Error("failed to commit startup reconciliation", "error", err.Error())
		return nil
	}
	return rewind
}

// stampChainIdentity records which chain this store belongs to, so a
// restart against a different network or spec is detectable.
func stampChainIdentity(ctx context.Context, store metadata.Store, genesisHash, chainID, specName string, log *logger.Logger) {
	stamps := map[string]string{
		metadata.KeyGenesisHash: genesisHash,
		metadata.KeyChain:       chainID,
		metadata.KeySpecName:    specName,
	}
	for key, value := range stamps {
		if value == "" {
			continue
		}
		if err := store.Upsert(ctx, nil, key, value); err != nil {
			log.Warn("failed to stamp chain identity", "key", key, "error", err.Error())
		}
	}
}

func parseUint(s string) (uint64, error) {
	var v uint64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}
