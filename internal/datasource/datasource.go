// Package datasource holds the user-supplied data source model: handlers,
// filters, and the height-indexed map that answers "what's active at
// height H" in O(log N), which both the dictionary client and the
// dispatcher's handler lookup depend on.
package datasource

import (
	"sort"
	"sync"
)

// HandlerKind is the trigger a handler fires on.
type HandlerKind int

const (
	HandlerBlock HandlerKind = iota
	HandlerCall
	HandlerEvent
)

// EventFilter matches logs. Topics[i] == nil means "don't filter this
// slot"; Topics[i] == []string{} (present but empty) means "any value
// accepted, slot must be present" — the encoded form of the user-facing
// '!null' literal.
type EventFilter struct {
	Topics [4][]string
}

// CallFilter matches transactions by sender, recipient, or 4-byte
// selector computed from Function.
type CallFilter struct {
	From     string
	To       string
	Function string // e.g. "transfer(address,uint256)"
}

// BlockFilter matches every Modulo-th block when Modulo > 0; Modulo == 0
// means every block.
type BlockFilter struct {
	Modulo uint64
}

// Handler is one mapping entry: a trigger kind, a name the dispatcher
// resolves to a callable in the worker boundary, and the kind-specific
// filter (exactly one of Event/Call/Block is meaningful for a given Kind).
type Handler struct {
	Kind  HandlerKind
	Name  string
	Event EventFilter
	Call  CallFilter
	Block BlockFilter
}

// Options carries optional per-data-source context: the ABI name used to
// decode its logs/calls, and a contract address that scopes its Log
// handlers and is used as To for its Call handlers (a handler's own To is
// then ignored, with a warning).
type Options struct {
	ABIName string
	Address string
}

// DataSource is one user-configured unit: an address/ABI scope, an active
// height range, and the handlers it registers.
type DataSource struct {
	Kind       string
	StartBlock uint64
	EndBlock   *uint64 // nil means open-ended
	Options    Options
	Handlers   []Handler
}

// Active reports whether ds is in scope at height h.
func (ds *DataSource) Active(h uint64) bool {
	if h < ds.StartBlock {
		return false
	}
	if ds.EndBlock != nil && h > *ds.EndBlock {
		return false
	}
	return true
}

// HasBlockHandler reports whether ds registers any Block-kind handler,
// which voids dictionary acceleration for any height it's active at.
func (ds *DataSource) HasBlockHandler() bool {
	for _, h := range ds.Handlers {
		if h.Kind == HandlerBlock {
			return true
		}
	}
	return false
}

// BlockHeightMap orders data sources by StartBlock and answers "what is
// the active data-source set at height H" in O(log N) via binary search
// over the sorted start-height boundaries. Add is called from the
// dispatcher's serialized commit path while ActiveAt is read concurrently
// from worker goroutines processing other heights, so the map guards
// itself with a mutex rather than relying on a single-writer convention.
type BlockHeightMap struct {
	mu      sync.RWMutex
	sources []*DataSource // sorted by StartBlock
}

// NewBlockHeightMap builds a map from an unordered slice of sources.
func NewBlockHeightMap(sources []*DataSource) *BlockHeightMap {
	sorted := make([]*DataSource, len(sources))
	copy(sorted, sources)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartBlock < sorted[j].StartBlock })
	return &BlockHeightMap{sources: sorted}
}

// Add inserts a new data source, keeping the set sorted by StartBlock.
// Used when handlers create dynamic data sources mid-run.
func (m *BlockHeightMap) Add(ds *DataSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx := sort.Search(len(m.sources), func(i int) bool { return m.sources[i].StartBlock >= ds.StartBlock })
	m.sources = append(m.sources, nil)
	copy(m.sources[idx+1:], m.sources[idx:])
	m.sources[idx] = ds
}

// ActiveAt returns every data source active at height h. Binary search
// finds the first index whose StartBlock exceeds h, then every candidate
// before it is scanned for EndBlock expiry (the scan is small in practice
// since most data sources are open-ended).
func (m *BlockHeightMap) ActiveAt(h uint64) []*DataSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	upper := sort.Search(len(m.sources), func(i int) bool { return m.sources[i].StartBlock > h })
	active := make([]*DataSource, 0, upper)
	for i := 0; i < upper; i++ {
		if m.sources[i].Active(h) {
			active = append(active, m.sources[i])
		}
	}
	return active
}

// LowestStartBlock returns the smallest StartBlock among all sources, or
// ok=false if the map is empty.
func (m *BlockHeightMap) LowestStartBlock() (height uint64, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.sources) == 0 {
		return 0, false
	}
	return m.sources[0].StartBlock, true
}

// All returns every registered data source, sorted by StartBlock.
func (m *BlockHeightMap) All() []*DataSource {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*DataSource, len(m.sources))
	copy(out, m.sources)
	return out
}
