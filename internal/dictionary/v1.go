package dictionary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
)

// v1Source speaks the original GraphQL dictionary protocol: one query
// returning matching heights plus metadata. No library in the dependency
// pack offers a GraphQL client (graph-gophers/graphql-go is server-only),
// so this issues the query as a plain POST with a JSON body, which is how
// every GraphQL HTTP client boils down regardless of library.
type v1Source struct {
	endpoint   string
	httpClient *http.Client

	// Older dictionary deployments predate the distinct argument and the
	// _metadata.startHeight field; the first unknown-argument error
	// mentioning either disables it for the rest of this source's life.
	distinctDisabled    int32
	startHeightDisabled int32
}

func newV1Source(endpoint string, httpClient *http.Client) *v1Source {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &v1Source{endpoint: endpoint, httpClient: httpClient}
}

func (s *v1Source) Version() int { return 1 }

type graphqlRequest struct {
	Query     string                 `json:"query"`
	Variables map[string]interface{} `json:"variables"`
}

type graphqlResponse struct {
	Data   map[string]json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type graphqlNodes struct {
	Nodes []struct {
		BlockHeight uint64 `json:"blockHeight"`
	} `json:"nodes"`
}

// GetData issues a dynamically built GraphQL query: one aliased entity
// selection per log/transaction condition in entry, each carrying that
// condition's own filter arguments, so the dictionary server does the
// matching instead of every height in range being returned wholesale.
// entry is never void here — Client.GetData filters that case out before
// calling the source.
func (s *v1Source) GetData(ctx context.Context, entry QueryEntry, start, end uint64, limit int) (*Result, error) {
	query := s.buildQuery(entry)
	body, err := json.Marshal(graphqlRequest{
		Query: query,
		Variables: map[string]interface{}{
			"start": start,
			"end":   end,
			"limit": limit,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("encoding graphql request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building graphql request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graphql request: %w", err)
	}
	defer resp.Body.Close()

	var parsed graphqlResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decoding graphql response: %w", err)
	}
	if len(parsed.Errors) > 0 {
		if s.disableUnsupportedFeature(parsed.Errors[0].Message) {
			return s.GetData(ctx, entry, start, end, limit)
		}
		return nil, fmt.Errorf("graphql error: %s", parsed.Errors[0].Message)
	}

	var meta struct {
		LastProcessedHeight uint64 `json:"lastProcessedHeight"`
		StartHeight         uint64 `json:"startHeight"`
		GenesisHash         string `json:"genesisHash"`
	}
	if raw, ok := parsed.Data["_metadata"]; ok {
		if err := json.Unmarshal(raw, &meta); err != nil {
			return nil, fmt.Errorf("decoding _metadata: %w", err)
		}
	}

	heightSet := make(map[uint64]struct{})
	for alias, raw := range parsed.Data {
		if alias == "_metadata" {
			continue
		}
		var nodes graphqlNodes
		if err := json.Unmarshal(raw, &nodes); err != nil {
			return nil, fmt.Errorf("decoding %s: %w", alias, err)
		}
		for _, n := range nodes.Nodes {
			heightSet[n.BlockHeight] = struct{}{}
		}
	}
	heights := make([]uint64, 0, len(heightSet))
	for h := range heightSet {
		heights = append(heights, h)
	}
	sort.Slice(heights, func(i, j int) bool { return heights[i] < heights[j] })

	return &Result{
		Heights:             heights,
		LastProcessedHeight: meta.LastProcessedHeight,
		StartHeight:         meta.StartHeight,
		GenesisHash:         meta.GenesisHash,
	}, nil
}

// disableUnsupportedFeature inspects a GraphQL error message for an
// unknown-argument/unknown-field complaint about distinct or startHeight
// and turns the feature off, reporting true when a retry is worthwhile.
func (s *v1Source) disableUnsupportedFeature(msg string) bool {
	lowered := strings.ToLower(msg)
	if !strings.Contains(lowered, "unknown argument") && !strings.Contains(lowered, "cannot query field") && !strings.Contains(lowered, "unknown field") {
		return false
	}
	changed := false
	if strings.Contains(lowered, "distinct") && atomic.CompareAndSwapInt32(&s.distinctDisabled, 0, 1) {
		changed = true
	}
	if strings.Contains(lowered, "startheight") && atomic.CompareAndSwapInt32(&s.startHeightDisabled, 0, 1) {
		changed = true
	}
	return changed
}

// buildQuery renders one GraphQL query selecting _metadata plus one
// aliased logs/transactions entity per condition in entry, each filtered
// by height range and that condition's own address/topic/from/to/selector
// clauses.
func (s *v1Source) buildQuery(entry QueryEntry) string {
	metaFields := "lastProcessedHeight genesisHash"
	if atomic.LoadInt32(&s.startHeightDisabled) == 0 {
		metaFields = "lastProcessedHeight startHeight genesisHash"
	}
	entityArgs := ", first: $limit"
	if atomic.LoadInt32(&s.distinctDisabled) == 0 {
		entityArgs = ", first: $limit, distinct: BLOCK_HEIGHT"
	}

	var sb strings.Builder
	sb.WriteString("query GetData($start: Int!, $end: Int!, $limit: Int!) {\n")
	fmt.Fprintf(&sb, "  _metadata { %s }\n", metaFields)
	for i, cond := range entry.Logs {
		fmt.Fprintf(&sb, "  logs%d: logs(filter: %s%s) { nodes { blockHeight } }\n", i, logFilterArgs(cond), entityArgs)
	}
	for i, cond := range entry.Transactions {
		fmt.Fprintf(&sb, "  tx%d: transactions(filter: %s%s) { nodes { blockHeight } }\n", i, txFilterArgs(cond), entityArgs)
	}
	sb.WriteString("}")
	return sb.String()
}

func logFilterArgs(cond LogCondition) string {
	parts := []string{"height: {greaterThanOrEqualTo: $start, lessThanOrEqualTo: $end}"}
	if len(cond.Address) > 0 {
		parts = append(parts, fmt.Sprintf("address: {in: %s}", quoteList(cond.Address)))
	}
	for i, t := range cond.Topics {
		if t == nil {
			continue // undefined slot: don't filter this position
		}
		field := fmt.Sprintf("topics%d", i)
		if len(t) == 0 {
			parts = append(parts, fmt.Sprintf("%s: {isNull: false}", field)) // anyValue: present, any value
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: {in: %s}", field, quoteList(t)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func txFilterArgs(cond TxCondition) string {
	parts := []string{"height: {greaterThanOrEqualTo: $start, lessThanOrEqualTo: $end}"}
	if len(cond.From) > 0 {
		parts = append(parts, fmt.Sprintf("from: {in: %s}", quoteList(cond.From)))
	}
	if len(cond.To) > 0 {
		parts = append(parts, fmt.Sprintf("to: {in: %s}", quoteList(cond.To)))
	}
	if len(cond.Function) > 0 {
		parts = append(parts, fmt.Sprintf("func: {in: %s}", quoteList(cond.Function)))
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func quoteList(in []string) string {
	quoted := make([]string, len(in))
	for i, s := range in {
		quoted[i] = strconv.Quote(s)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}
