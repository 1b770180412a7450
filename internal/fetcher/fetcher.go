// Package fetcher is the single-threaded driver loop that turns chain
// progress into dispatcher work: it watches the chain tip, asks the
// dictionary (or falls back to dense enumeration) for matching heights,
// and enqueues batches onto the dispatcher while respecting backpressure.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/paw-chain/chain-indexer/internal/chain"
	"github.com/paw-chain/chain-indexer/internal/dictionary"
	"github.com/paw-chain/chain-indexer/internal/dispatcher"
	"github.com/paw-chain/chain-indexer/internal/ixerr"
	"github.com/paw-chain/chain-indexer/internal/metrics"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// State is the fetch service's current lifecycle phase, exposed for
// status reporting.
type State int

const (
	StateIdle State = iota
	StateFetching
	StateEnqueuing
	StateShutdown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFetching:
		return "fetching"
	case StateEnqueuing:
		return "enqueuing"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

const blockTimeVariance = 5 * time.Second

// chainTip is the subset of the chain facade the fetch service needs for
// tip monitoring.
type chainTip interface {
	GetFinalizedHead(ctx context.Context) (*chain.Header, error)
	GetBestBlockHeight(ctx context.Context) (uint64, error)
}

// FinalizedSink receives every new finalized header the tip monitor
// observes — the unfinalized-blocks tracker in normal operation, nil when
// unfinalized-block tracking is disabled.
type FinalizedSink interface {
	RegisterFinalized(header *chain.Header)
}

// Config controls batch sizing, the bypass/modulo overlays, and whether
// the loop indexes past the finalized tip. With TrackUnfinalized the
// target is the chain's best height and everything above finalized goes
// through the unfinalized-blocks ledger; without it the loop stops at the
// finalized tip and reorgs can never affect indexed state.
type Config struct {
	DictionaryQuerySize uint64
	BatchSize           uint64
	BypassBlocks        map[uint64]struct{}
	Moduli              []uint64
	TrackUnfinalized    bool
}

// Service is the fetch driver. One per indexed chain.
type Service struct {
	cfg        Config
	chain      chainTip
	dictionary *dictionary.Client
	dispatcher *dispatcher.Dispatcher
	finalized  FinalizedSink
	log        *logger.Logger

	// mu guards the cursor and lifecycle fields: Rewind and ResetForNewDS
	// are called from the dispatcher's commit goroutine while the Run loop
	// owns everything else.
	mu                    sync.Mutex
	state                 State
	nextHeight            uint64
	finalizedHeight       uint64
	bestHeight            uint64
	measuredBlockInterval time.Duration
	dictionaryBehind      bool
}

// New constructs a fetch Service starting at startHeight. finalized may
// be nil when no unfinalized-block tracking is configured.
func New(cfg Config, chainAPI chainTip, dict *dictionary.Client, disp *dispatcher.Dispatcher, finalized FinalizedSink, startHeight uint64, log *logger.Logger) *Service {
	return &Service{
		cfg:                   cfg,
		chain:                 chainAPI,
		dictionary:            dict,
		dispatcher:            disp,
		finalized:             finalized,
		log:                   log,
		nextHeight:            startHeight,
		measuredBlockInterval: 12 * time.Second,
	}
}

// State reports the current lifecycle phase.
func (s *Service) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// NextHeight reports the cursor the next iteration will fetch from.
func (s *Service) NextHeight() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextHeight
}

// Rewind resets the cursor to height — called after a fork rewind.
func (s *Service) Rewind(height uint64) {
	s.mu.Lock()
	s.nextHeight = height
	s.mu.Unlock()
}

// Run drives the loop until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	tipInterval := blockTimeVariance
	if measured := time.Duration(float64(s.measuredBlockInterval) * 0.9); measured < tipInterval {
		tipInterval = measured
	}
	ticker := time.NewTicker(tipInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.setState(StateShutdown)
			return fmt.Errorf("%w: %v", ixerr.ErrShutdown, ctx.Err())
		case <-s.dispatcher.Fatal():
			s.setState(StateShutdown)
			return s.dispatcher.Err()
		case <-ticker.C:
			if err := s.updateTip(ctx); err != nil {
				s.log.Warn("chain-tip monitor failed", "error", err.Error())
			}
		default:
		}

		if s.NextHeight() > s.target() {
			s.setState(StateIdle)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ixerr.ErrShutdown, ctx.Err())
			case <-ticker.C:
				if err := s.updateTip(ctx); err != nil {
					s.log.Warn("chain-tip monitor failed", "error", err.Error())
				}
				continue
			}
		}

		if s.dispatcher.FreeSize() == 0 {
			s.setState(StateIdle)
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ixerr.ErrShutdown, ctx.Err())
			case <-time.After(time.Second):
				continue
			}
		}

		if err := s.runIteration(ctx); err != nil {
			return err
		}
	}
}

func (s *Service) finalizedTarget() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.finalizedHeight
}

// target is the height the loop indexes toward: the best height when
// unfinalized-block tracking is on, the finalized tip otherwise.
func (s *Service) target() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cfg.TrackUnfinalized && s.bestHeight > s.finalizedHeight {
		return s.bestHeight
	}
	return s.finalizedHeight
}

func (s *Service) updateTip(ctx context.Context) error {
	header, err := s.chain.GetFinalizedHead(ctx)
	if err != nil {
		return err
	}

	var best uint64
	if s.cfg.TrackUnfinalized {
		if best, err = s.chain.GetBestBlockHeight(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	advanced := header.Height > s.finalizedHeight
	if advanced {
		s.finalizedHeight = header.Height
	}
	if best > s.bestHeight {
		s.bestHeight = best
	}
	s.mu.Unlock()
	if advanced && s.finalized != nil {
		s.finalized.RegisterFinalized(header)
	}
	metrics.FinalizedHeight.Set(float64(header.Height))
	return nil
}

// runIteration performs exactly one batch-computation-and-enqueue cycle.
func (s *Service) runIteration(ctx context.Context) error {
	s.setState(StateFetching)

	start := s.NextHeight()
	target := s.target()
	end := start + s.cfg.DictionaryQuerySize
	if target < end {
		end = target
	}

	matched, lastBuffered, payloads, err := s.fetchMatched(ctx, start, end, target)
	if err != nil {
		return err
	}

	// The modulo overlay spans the whole queried window, not just as far
	// as the dictionary buffered: a sparse dictionary result must not
	// starve "every Mth block" handlers of heights past its last match.
	modulo := computeModuloHeights(s.cfg.Moduli, start, end)
	matched = mergeSortedUnique(matched, modulo)
	matched = subtractBypass(matched, s.cfg.BypassBlocks)

	limit := s.dispatcher.FreeSize()
	if int(s.cfg.BatchSize) < limit {
		limit = int(s.cfg.BatchSize)
	}
	kept, deferred := truncateToFreeSize(matched, limit)
	upTo := lastBuffered
	if len(kept) > 0 && kept[len(kept)-1] > upTo {
		upTo = kept[len(kept)-1]
	}
	if deferred {
		// Only as far as we actually enqueued; the remainder is picked
		// up again next iteration from the new nextHeight.
		if len(kept) > 0 {
			upTo = kept[len(kept)-1]
		} else {
			upTo = start - 1
		}
	}

	s.setState(StateEnqueuing)
	if err := s.dispatcher.EnqueueBlocks(kept, payloads, upTo); err != nil {
		return err
	}
	metrics.BatchSize.Set(float64(len(kept)))
	metrics.DispatcherFreeSize.Set(float64(s.dispatcher.FreeSize()))
	metrics.NextCommitHeight.Set(float64(s.dispatcher.NextCommitHeight()))

	s.Rewind(upTo + 1)
	return nil
}

// fetchMatched asks the dictionary for matching heights in [start, end];
// on unavailability, timeout, or "behind" it falls back to dense
// enumeration of the next batchSize heights. The returned payloads map
// carries the dictionary's inline block body (v2 only) keyed by height, so
// the worker can skip its own fetchBlock round trip when one is present.
func (s *Service) fetchMatched(ctx context.Context, start, end, target uint64) ([]uint64, uint64, map[uint64]json.RawMessage, error) {
	s.mu.Lock()
	s.dictionaryBehind = false
	s.mu.Unlock()

	if s.dictionary != nil && s.dictionaryUsableAt(start) {
		// The dictionary only ever serves finalized data; its results are
		// clamped to the finalized tip even when the loop targets best.
		result, err := s.dictionary.GetData(ctx, start, end, s.finalizedTarget(), int(s.cfg.BatchSize))
		if err == nil && result != nil {
			return result.Heights, result.LastBufferedHeight, result.Payloads, nil
		}
		if err != nil {
			s.log.Warn("dictionary unavailable this cycle, falling back to dense fetch", "error", err.Error())
			s.mu.Lock()
			s.dictionaryBehind = true
			s.mu.Unlock()
			if errors.Is(err, ixerr.ErrDictionaryMalformed) {
				s.log.Warn("dropping malformed dictionary response")
			}
		}
	}
	metrics.DictionaryFallbacksTotal.Inc()

	denseEnd := start + s.cfg.BatchSize - 1
	if target < denseEnd {
		denseEnd = target
	}
	return s.denseRange(start, denseEnd), denseEnd, nil, nil
}

// dictionaryUsableAt applies the start-height gate: once the dictionary's
// own first indexed height is known, requests below it skip the round
// trip entirely.
func (s *Service) dictionaryUsableAt(start uint64) bool {
	if sh, known := s.dictionary.StartHeight(); known && start < sh {
		return false
	}
	return true
}

func (s *Service) denseRange(start, end uint64) []uint64 {
	if end < start {
		return nil
	}
	out := make([]uint64, 0, end-start+1)
	for h := start; h <= end; h++ {
		out = append(out, h)
	}
	return out
}

// ResetForNewDS flushes the dispatcher and rewinds the cursor to the
// lowest start block among newly created data sources, called after a
// batch completes if dynamic data sources were registered.
func (s *Service) ResetForNewDS(height uint64) {
	s.dispatcher.FlushQueue(height)
	s.Rewind(height)
}
