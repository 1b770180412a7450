// Package dispatcher owns the bounded work queue that feeds user-handler
// workers: a capacity-limited queue of pending heights, a worker pool that
// fetches and processes each one, and the in-order commit discipline that
// keeps "last processed height" strictly monotonic even though workers
// finish out of order.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/paw-chain/chain-indexer/internal/chain"
	"github.com/paw-chain/chain-indexer/internal/ixerr"
	"github.com/paw-chain/chain-indexer/internal/workerproto"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// Result is what processing one height produces: the header identity
// needed for the unfinalized-blocks ledger, plus any data sources a
// handler registered dynamically while processing this height.
type Result struct {
	Hash       chain.Hash
	ParentHash chain.Hash
	DynamicDS  []workerproto.DynamicDataSource
}

// ProcessFunc fetches and runs handlers for one height. payload is the
// dictionary-supplied block body when the fetch driver had one available
// (v2 acceleration), or nil when the worker must fetch the block itself.
// A non-nil error is always treated as fatal — the worker cannot skip a
// height.
type ProcessFunc func(ctx context.Context, height uint64, payload json.RawMessage) (Result, error)

// CommitFunc persists the outcome of one height, strictly in enqueue
// order across calls: registers the unfinalized record and advances "last
// processed height" in one metadata transaction. It runs with no
// dispatcher lock held, so it may call FlushQueue on a fork rewind.
type CommitFunc func(ctx context.Context, height uint64, result Result) error

// Dispatcher is a bounded queue plus a fixed worker pool.
type Dispatcher struct {
	capacity int
	workers  int
	process  ProcessFunc
	commit   CommitFunc
	log      *logger.Logger

	mu       sync.Mutex
	cond     *sync.Cond
	pending  []pendingItem // ascending by Height
	upTo     uint64
	shutdown bool

	// Commit bookkeeping, guarded by mu. commitOrder holds every enqueued
	// height that hasn't committed yet, in enqueue order — heights are
	// sparse (dictionary and modulo skip blocks), so "next to commit" is
	// the queue head, never lastCommitted+1. epoch increments on every
	// FlushQueue; queued and in-flight work surviving the flush is
	// re-stamped to the new epoch, so a worker finishing a discarded
	// height can't deposit a result for a height later re-enqueued.
	epoch         uint64
	inflight      map[uint64]uint64 // height -> epoch stamp at dequeue
	commitOrder   []uint64
	completed     map[uint64]Result
	committing    bool
	lastCommitted uint64
	hasCommitted  bool
	startHeight   uint64

	fatalOnce sync.Once
	fatalErr  error
	fatalCh   chan struct{}

	wg sync.WaitGroup
}

// New builds a Dispatcher with the given queue capacity (spec guidance:
// ≈2×batchSize) and worker pool size. startHeight is the first height
// this dispatcher instance is responsible for committing in order.
func New(capacity, workers int, startHeight uint64, process ProcessFunc, commit CommitFunc, log *logger.Logger) *Dispatcher {
	d := &Dispatcher{
		capacity:    capacity,
		workers:     workers,
		process:     process,
		commit:      commit,
		log:         log,
		startHeight: startHeight,
		completed:   make(map[uint64]Result),
		inflight:    make(map[uint64]uint64),
		fatalCh:     make(chan struct{}),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Start spawns the worker pool. Call Stop to shut down.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx)
	}
}

// Stop signals every worker to exit once its current item finishes, and
// waits for them to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.shutdown = true
	d.cond.Broadcast()
	d.mu.Unlock()
	d.wg.Wait()
}

// Fatal returns a channel closed the moment a worker hits an
// unrecoverable error (handler failure or commit failure). Err reports
// what happened.
func (d *Dispatcher) Fatal() <-chan struct{} { return d.fatalCh }

// Err returns the fatal error. Only meaningful after Fatal's channel has
// closed — the channel close happens-before this read.
func (d *Dispatcher) Err() error {
	return d.fatalErr
}

func (d *Dispatcher) raiseFatal(err error) {
	d.fatalOnce.Do(func() {
		d.fatalErr = err
		close(d.fatalCh)
		d.log.Error("dispatcher encountered a fatal error", "error", err.Error())
	})
}

// FreeSize reports how many more heights can be enqueued right now.
func (d *Dispatcher) FreeSize() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.capacity - len(d.pending)
}

// pendingItem is one queued height plus the block payload the dictionary
// supplied for it, if any.
type pendingItem struct {
	Height  uint64
	Payload json.RawMessage
	Epoch   uint64
}

// EnqueueBlocks adds heights (already sorted ascending, deduped by the
// caller) to the pending queue and advances the "up to" cursor to upTo
// regardless of whether heights is empty — an empty batch still lets the
// fetch service's caller know how far the dictionary/dense scan reached.
// payloads supplies the dictionary-provided block body for any height
// that has one; heights without an entry are processed with a nil payload.
func (d *Dispatcher) EnqueueBlocks(heights []uint64, payloads map[uint64]json.RawMessage, upTo uint64) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(heights) > d.capacity-len(d.pending) {
		return fmt.Errorf("%w: enqueueBlocks with %d heights exceeds free size %d", ixerr.ErrInvariantViolation, len(heights), d.capacity-len(d.pending))
	}
	for _, h := range heights {
		d.pending = append(d.pending, pendingItem{Height: h, Payload: payloads[h], Epoch: d.epoch})
		d.commitOrder = append(d.commitOrder, h)
	}
	if upTo > d.upTo {
		d.upTo = upTo
	}
	d.cond.Broadcast()
	return nil
}

// FlushQueue drains pending work and discards any queued height strictly
// above height, resetting the commit bookkeeping to match. Used when C5
// reports a fork rewind and when dynamic data sources rewind the fetch
// cursor. Safe to call from inside a CommitFunc.
func (d *Dispatcher) FlushQueue(height uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.epoch++

	kept := d.pending[:0]
	for _, item := range d.pending {
		if item.Height <= height {
			item.Epoch = d.epoch
			kept = append(kept, item)
		}
	}
	d.pending = kept

	keptOrder := d.commitOrder[:0]
	for _, h := range d.commitOrder {
		if h <= height {
			keptOrder = append(keptOrder, h)
		}
	}
	d.commitOrder = keptOrder

	for h := range d.completed {
		if h > height {
			delete(d.completed, h)
		}
	}
	for h := range d.inflight {
		if h > height {
			delete(d.inflight, h)
		} else {
			d.inflight[h] = d.epoch
		}
	}
	if d.upTo > height {
		d.upTo = height
	}
}

func (d *Dispatcher) nextPending() (pendingItem, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.pending) == 0 && !d.shutdown {
		d.cond.Wait()
	}
	if d.shutdown {
		return pendingItem{}, false
	}
	item := d.pending[0]
	d.pending = d.pending[1:]
	d.inflight[item.Height] = item.Epoch
	return item, true
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-d.fatalCh:
			return
		default:
		}

		item, ok := d.nextPending()
		if !ok {
			return
		}

		result, err := d.process(ctx, item.Height, item.Payload)
		if err != nil {
			d.raiseFatal(fmt.Errorf("%w: processing height %d: %v", ixerr.ErrHandlerFailure, item.Height, err))
			return
		}

		if err := d.commitInOrder(ctx, item, result); err != nil {
			d.raiseFatal(err)
			return
		}
	}
}

// commitInOrder records result and then commits every contiguous run of
// already-finished heights from the head of the commit-order queue. Only
// one worker holds the committing baton at a time, which is what keeps
// commits strictly in enqueue order; the commit callback itself runs with
// no lock held so it can flush the queue on a fork rewind.
func (d *Dispatcher) commitInOrder(ctx context.Context, item pendingItem, result Result) error {
	d.mu.Lock()
	stamp, ok := d.inflight[item.Height]
	if !ok || stamp != d.epoch {
		// A flush discarded this height while it was in flight; its
		// result belongs to the abandoned chain segment.
		delete(d.inflight, item.Height)
		d.mu.Unlock()
		return nil
	}
	delete(d.inflight, item.Height)
	d.completed[item.Height] = result
	if d.committing {
		d.mu.Unlock()
		return nil
	}
	d.committing = true

	for len(d.commitOrder) > 0 {
		h := d.commitOrder[0]
		res, ok := d.completed[h]
		if !ok {
			break
		}
		d.commitOrder = d.commitOrder[1:]
		delete(d.completed, h)
		d.mu.Unlock()

		err := d.commit(ctx, h, res)

		d.mu.Lock()
		if err != nil {
			d.committing = false
			d.mu.Unlock()
			return fmt.Errorf("committing height %d: %w", h, err)
		}
		d.lastCommitted = h
		d.hasCommitted = true
	}

	d.committing = false
	d.mu.Unlock()
	return nil
}

// NextCommitHeight reports the next height this dispatcher still needs to
// commit — the fetch service's authoritative cursor after a restart. With
// nothing queued it falls back to one past the last committed height, or
// the configured start height before anything has committed.
func (d *Dispatcher) NextCommitHeight() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.commitOrder) > 0 {
		return d.commitOrder[0]
	}
	if d.hasCommitted {
		return d.lastCommitted + 1
	}
	return d.startHeight
}
