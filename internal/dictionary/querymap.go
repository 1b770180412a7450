package dictionary

import (
	"sort"

	"github.com/paw-chain/chain-indexer/internal/datasource"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// rangeEntry is one contiguous height band sharing the same active
// data-source set, and therefore the same query entry.
type rangeEntry struct {
	start uint64 // inclusive
	entry QueryEntry
}

// QueryMap answers "what's the dictionary query entry at height H",
// rebuilt whenever the active data-source set changes.
type QueryMap struct {
	ranges []rangeEntry
}

// UpdateQueriesMap rebuilds the query map from the current active
// data-source set. Range boundaries are every distinct StartBlock and
// EndBlock+1 across all registered sources, so each band has a stable
// active set. log receives the filter/options.address conflict warnings
// BuildQueryEntry raises while building each band's entry.
func UpdateQueriesMap(m *datasource.BlockHeightMap, log *logger.Logger) *QueryMap {
	boundarySet := map[uint64]struct{}{0: {}}
	for _, ds := range m.All() {
		boundarySet[ds.StartBlock] = struct{}{}
		if ds.EndBlock != nil {
			boundarySet[*ds.EndBlock+1] = struct{}{}
		}
	}
	boundaries := make([]uint64, 0, len(boundarySet))
	for b := range boundarySet {
		boundaries = append(boundaries, b)
	}
	sort.Slice(boundaries, func(i, j int) bool { return boundaries[i] < boundaries[j] })

	qm := &QueryMap{}
	for _, start := range boundaries {
		active := m.ActiveAt(start)
		qm.ranges = append(qm.ranges, rangeEntry{start: start, entry: BuildQueryEntry(active, log)})
	}
	return qm
}

// EntryAt returns the query entry covering height h.
func (qm *QueryMap) EntryAt(h uint64) QueryEntry {
	idx := sort.Search(len(qm.ranges), func(i int) bool { return qm.ranges[i].start > h }) - 1
	if idx < 0 {
		return QueryEntry{}
	}
	return qm.ranges[idx].entry
}
