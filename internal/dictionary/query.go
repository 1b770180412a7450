// Package dictionary accelerates historical catch-up by asking a
// secondary indexing service which heights in a range actually contain
// blocks matching the active handler set, instead of densely fetching and
// decoding every block just to discard most of them.
package dictionary

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"golang.org/x/crypto/sha3"

	"github.com/paw-chain/chain-indexer/internal/datasource"
	"github.com/paw-chain/chain-indexer/pkg/logger"
)

// anyValue is the encoded form of the user-facing '!null' literal: the
// topic slot must be present, but any value satisfies it.
var anyValue = []string{}

// LogCondition is one log-matching clause within a query entry. A nil
// slice in any Topics slot means "don't filter this position"; a non-nil
// empty slice means "must be present, any value".
type LogCondition struct {
	Address []string
	Topics  [4][]string
}

// MarshalJSON renders the condition in the dictionary wire shape: an
// `address` key plus one `topicsN` key per constrained slot. Nil slots
// are omitted entirely — absent means "do not filter", while an empty
// array means "present, any value".
func (c LogCondition) MarshalJSON() ([]byte, error) {
	m := make(map[string]interface{}, 5)
	if c.Address != nil {
		m["address"] = c.Address
	}
	for i, t := range c.Topics {
		if t != nil {
			m[fmt.Sprintf("topics%d", i)] = t
		}
	}
	return json.Marshal(m)
}

// TxCondition is one transaction-matching clause within a query entry.
type TxCondition struct {
	From     []string `json:"from,omitempty"`
	To       []string `json:"to,omitempty"`
	Function []string `json:"function,omitempty"` // 4-byte selectors, hex-encoded, lowercased
}

// QueryEntry is the filter set the dictionary is asked to match for one
// height range. An empty entry (both slices nil) means "dictionary
// acceleration is void for this range" — every block must be delivered.
type QueryEntry struct {
	Logs         []LogCondition
	Transactions []TxCondition
}

// Void reports whether the entry carries no filters, which the caller
// must treat as "cannot accelerate this range".
func (q QueryEntry) Void() bool {
	return len(q.Logs) == 0 && len(q.Transactions) == 0
}

// AddressCount totals every address condition across the entry, used to
// enforce the operator's query-address-limit before a query is sent.
func (q QueryEntry) AddressCount() int {
	n := 0
	for _, c := range q.Logs {
		n += len(c.Address)
	}
	for _, c := range q.Transactions {
		n += len(c.From) + len(c.To)
	}
	return n
}

// BuildQueryEntry projects every active data source's handlers into one
// query entry. A Block-kind handler on any active source makes the whole
// entry void, since the dictionary has no way to express "every Nth
// block" or "every block" as a log/transaction filter. log receives the
// warnings documented for conflicting filter/options.address combinations;
// pass a silent logger when the caller doesn't care.
func BuildQueryEntry(sources []*datasource.DataSource, log *logger.Logger) QueryEntry {
	var entry QueryEntry

	for _, ds := range sources {
		if ds.HasBlockHandler() {
			return QueryEntry{}
		}
	}

	for _, ds := range sources {
		for _, h := range ds.Handlers {
			switch h.Kind {
			case datasource.HandlerEvent:
				entry.Logs = append(entry.Logs, buildLogCondition(ds, h.Event))
			case datasource.HandlerCall:
				entry.Transactions = append(entry.Transactions, buildTxCondition(ds, h.Call, log))
			}
		}
	}

	entry.Logs = dedupeLogConditions(entry.Logs)
	entry.Transactions = dedupeTxConditions(entry.Transactions)
	return entry
}

func buildLogCondition(ds *datasource.DataSource, f datasource.EventFilter) LogCondition {
	cond := LogCondition{}
	if ds.Options.Address != "" {
		cond.Address = []string{strings.ToLower(ds.Options.Address)}
	}
	for i, topics := range f.Topics {
		if topics == nil {
			continue // undefined/null slot: skip, don't filter
		}
		if len(topics) == 0 {
			cond.Topics[i] = anyValue // '!null': present, any value
			continue
		}
		lowered := make([]string, len(topics))
		for j, t := range topics {
			lowered[j] = strings.ToLower(t)
		}
		cond.Topics[i] = dedupeStrings(lowered)
	}
	return cond
}

func buildTxCondition(ds *datasource.DataSource, f datasource.CallFilter, log *logger.Logger) TxCondition {
	cond := TxCondition{}
	if f.From != "" {
		cond.From = []string{strings.ToLower(f.From)}
	}

	to := f.To
	if ds.Options.Address != "" {
		if to != "" && !strings.EqualFold(to, ds.Options.Address) {
			log.Warn("call filter.to conflicts with options.address, options.address wins",
				"filter_to", to, "options_address", ds.Options.Address)
		}
		to = ds.Options.Address
	}
	if to != "" {
		cond.To = []string{strings.ToLower(to)}
	}

	if f.Function != "" {
		cond.Function = []string{strings.ToLower(selectorHash(f.Function))}
	}
	return cond
}

// selectorHash returns the 0x-prefixed 4-byte function selector: the
// first 4 bytes of the Keccak-256 hash of the canonical Solidity
// signature, e.g. "transfer(address,uint256)".
func selectorHash(signature string) string {
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(signature))
	sum := h.Sum(nil)
	return "0x" + hex.EncodeToString(sum[:4])
}

func dedupeStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func dedupeLogConditions(in []LogCondition) []LogCondition {
	seen := make(map[string]struct{}, len(in))
	out := make([]LogCondition, 0, len(in))
	for _, c := range in {
		key := logConditionKey(c)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func dedupeTxConditions(in []TxCondition) []TxCondition {
	seen := make(map[string]struct{}, len(in))
	out := make([]TxCondition, 0, len(in))
	for _, c := range in {
		key := strings.Join(c.From, ",") + "|" + strings.Join(c.To, ",") + "|" + strings.Join(c.Function, ",")
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, c)
	}
	return out
}

func logConditionKey(c LogCondition) string {
	parts := make([]string, 0, 5)
	parts = append(parts, strings.Join(c.Address, ","))
	for _, t := range c.Topics {
		parts = append(parts, strings.Join(t, ","))
	}
	return strings.Join(parts, "|")
}
