package findexgo

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/findexgo/internal/encoding"
	"github.com/hupe1980/findexgo/store"
)

// DefaultMaxDepth bounds indirection resolution when the caller sets no
// explicit bound. NextKeyword graphs may contain cycles, so the bound is
// mandatory; this default is generous enough for any sane keyword graph.
const DefaultMaxDepth = 100

// SearchResult holds the resolved locations per requested keyword.
// A requested keyword that is not indexed maps to an empty slice;
// "not found" is a result, not an error.
type SearchResult struct {
	// Results maps each requested keyword to its locations, indirections
	// resolved. Locations appear in first-indexed order, deduplicated.
	Results map[Keyword][]Location

	// Truncated reports that some reachable results were not returned:
	// the depth bound was hit, a cycle was cut, a MaxResults cap was
	// reached, or the interrupt callback stopped the search.
	Truncated bool
}

// ProgressResults is handed to the interrupt callback after each
// resolution round: the values resolved this round, keyed by the keyword
// they were found under (which may be an intermediate keyword reached
// through indirection, not a requested one).
type ProgressResults map[Keyword][]IndexedValue

// Search creates a fluent search for the given keywords.
//
// Example:
//
//	result, err := idx.Search("alice", "bob").
//	    MaxDepth(10).
//	    MaxResults(1000).
//	    Execute(ctx)
func (i *Index) Search(keywords ...Keyword) *SearchBuilder {
	return &SearchBuilder{
		idx:      i,
		keywords: keywords,
		maxDepth: DefaultMaxDepth,
	}
}

// SearchBuilder is a fluent builder for constructing search queries.
type SearchBuilder struct {
	idx      *Index
	keywords []Keyword

	maxDepth   int
	maxResults int
	batchSize  int
	interrupt  func(ProgressResults) bool
}

// MaxDepth bounds the number of NextKeyword indirection rounds. Hitting
// the bound returns the results gathered so far with Truncated set.
func (sb *SearchBuilder) MaxDepth(depth int) *SearchBuilder {
	if depth > 0 {
		sb.maxDepth = depth
	}
	return sb
}

// MaxResults caps the number of locations returned per requested keyword.
// Reaching the cap sets Truncated. Zero means unlimited.
func (sb *SearchBuilder) MaxResults(n int) *SearchBuilder {
	sb.maxResults = n
	return sb
}

// BatchSize overrides the configured chain fetch batch size for this
// search only.
func (sb *SearchBuilder) BatchSize(n int) *SearchBuilder {
	if n > 0 {
		sb.batchSize = n
	}
	return sb
}

// Interrupt installs a callback invoked after each resolution round with
// the values found in that round. Returning true stops the search; the
// results gathered so far are returned with Truncated set.
func (sb *SearchBuilder) Interrupt(fn func(ProgressResults) bool) *SearchBuilder {
	sb.interrupt = fn
	return sb
}

// Execute runs the search.
func (sb *SearchBuilder) Execute(ctx context.Context) (*SearchResult, error) {
	start := time.Now()
	res, rounds, err := sb.execute(ctx)
	sb.idx.opts.metrics.RecordSearch(len(sb.keywords), rounds, time.Since(start), err)
	if err != nil {
		return res, err
	}
	sb.idx.opts.logger.Debug("search finished",
		"keywords", len(sb.keywords),
		"rounds", rounds,
		"truncated", res.Truncated,
		"elapsed", time.Since(start),
	)
	return res, nil
}

func (sb *SearchBuilder) execute(ctx context.Context) (*SearchResult, int, error) {
	roots := make([]Keyword, 0, len(sb.keywords))
	seen := make(map[Keyword]struct{}, len(sb.keywords))
	for _, k := range sb.keywords {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		roots = append(roots, k)
	}

	result := &SearchResult{Results: make(map[Keyword][]Location, len(roots))}
	for _, k := range roots {
		result.Results[k] = []Location{}
	}
	if len(roots) == 0 {
		return result, 0, nil
	}

	// Phase 1: batched breadth-first resolution. Each round fetches the
	// entry rows of the frontier, walks their chains, and queues newly
	// discovered NextKeyword targets. Every keyword is fetched once;
	// attribution to the requested roots happens in phase 2.
	resolved := make(map[Keyword][]IndexedValue, len(roots))
	kwErrs := make(KeywordErrors)
	frontier := roots
	rounds := 0

	for len(frontier) > 0 && rounds < sb.maxDepth {
		if err := ctx.Err(); err != nil {
			return nil, rounds, err
		}
		rounds++

		found, err := sb.resolveRound(ctx, frontier, resolved, kwErrs)
		if err != nil {
			return nil, rounds, err
		}

		var next []Keyword
		queued := make(map[Keyword]struct{})
		for _, values := range found {
			for _, v := range values {
				nk, ok := v.NextKeyword()
				if !ok {
					continue
				}
				if _, done := resolved[nk]; done {
					continue
				}
				if _, failed := kwErrs[nk]; failed {
					continue
				}
				if _, dup := queued[nk]; dup {
					continue
				}
				queued[nk] = struct{}{}
				next = append(next, nk)
			}
		}
		frontier = next

		if sb.interrupt != nil && len(found) > 0 && sb.interrupt(found) {
			result.Truncated = true
			frontier = nil
		}

		// Once every requested keyword already has MaxResults locations,
		// further rounds cannot change the outcome; stop fetching.
		if sb.maxResults > 0 && len(frontier) > 0 && sb.capsReached(roots, resolved) {
			frontier = nil
		}
	}
	if len(frontier) > 0 {
		result.Truncated = true
	}

	// Phase 2: attribute resolved locations to each requested keyword by
	// walking the indirection graph depth-first. A keyword revisited on
	// the current path is a cycle edge: cut it and report truncation.
	for _, root := range roots {
		w := &attributionWalk{
			resolved:   resolved,
			maxResults: sb.maxResults,
			visited:    make(map[Keyword]struct{}),
			onPath:     make(map[Keyword]struct{}),
			emitted:    make(map[string]struct{}),
		}
		w.walk(root, sb.maxDepth)
		result.Results[root] = w.locations
		if w.truncated {
			result.Truncated = true
		}
	}

	if len(kwErrs) > 0 {
		return result, rounds, kwErrs
	}
	return result, rounds, nil
}

// capsReached reports whether every requested keyword can already be
// served MaxResults locations from the resolved part of the graph.
func (sb *SearchBuilder) capsReached(roots []Keyword, resolved map[Keyword][]IndexedValue) bool {
	for _, root := range roots {
		w := &attributionWalk{
			resolved:   resolved,
			maxResults: sb.maxResults,
			visited:    make(map[Keyword]struct{}),
			onPath:     make(map[Keyword]struct{}),
			emitted:    make(map[string]struct{}),
		}
		w.walk(root, sb.maxDepth)
		if len(w.locations) < sb.maxResults {
			return false
		}
	}
	return true
}

// resolveRound fetches and decodes the chains of one frontier. Row-level
// failures (unreadable entry, missing or unreadable chain row) are
// recorded per keyword; only backend batch failures abort the search.
func (sb *SearchBuilder) resolveRound(ctx context.Context, frontier []Keyword, resolved map[Keyword][]IndexedValue, kwErrs KeywordErrors) (ProgressResults, error) {
	i := sb.idx

	tokens := make([]store.Token, len(frontier))
	byToken := make(map[store.Token]Keyword, len(frontier))
	for n, k := range frontier {
		tokens[n] = i.entryToken(k)
		byToken[tokens[n]] = k
	}

	rows, err := i.backend.FetchEntries(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("fetch entry rows: %w", err)
	}

	// Collect every frontier keyword's chain tokens before fetching, so
	// chain reads stay batched across keywords.
	type pending struct {
		keyword Keyword
		tokens  []store.Token
	}
	var (
		chains     []pending
		chainOrder []store.Token
	)
	for token, row := range rows {
		k := byToken[token]
		plain, err := i.keys.OpenEntry(token, row)
		if err != nil {
			kwErrs[k] = &CorruptRowError{Table: "entry", Token: token, cause: err}
			continue
		}
		value, err := encoding.DecodeEntryValue(plain)
		if err != nil {
			kwErrs[k] = &CorruptRowError{Table: "entry", Token: token, cause: err}
			continue
		}
		ct := value.ChainTokens()
		chains = append(chains, pending{keyword: k, tokens: ct})
		chainOrder = append(chainOrder, ct...)
	}

	chainRows, err := sb.fetchChains(ctx, chainOrder)
	if err != nil {
		return nil, err
	}

	found := make(ProgressResults, len(chains))
	for _, p := range chains {
		values, err := decodeChain(p.tokens, chainRows, i)
		if err != nil {
			kwErrs[p.keyword] = err
			continue
		}
		resolved[p.keyword] = values
		found[p.keyword] = values
	}

	// Frontier keywords without an entry row are simply not indexed.
	for _, k := range frontier {
		if _, ok := resolved[k]; ok {
			continue
		}
		if _, ok := kwErrs[k]; ok {
			continue
		}
		resolved[k] = nil
	}
	return found, nil
}

// fetchChains reads chain rows in batches of the configured size.
func (sb *SearchBuilder) fetchChains(ctx context.Context, tokens []store.Token) (map[store.Token][]byte, error) {
	batch := sb.batchSize
	if batch <= 0 {
		batch = sb.idx.opts.chainBatchSize
	}

	out := make(map[store.Token][]byte, len(tokens))
	for len(tokens) > 0 {
		n := min(batch, len(tokens))
		rows, err := sb.idx.backend.FetchChains(ctx, tokens[:n])
		if err != nil {
			return nil, fmt.Errorf("fetch chain rows: %w", err)
		}
		for t, v := range rows {
			out[t] = v
		}
		tokens = tokens[n:]
	}
	return out, nil
}

// decodeChain decrypts and replays one keyword's chain into its live
// values. A chain token reachable from the entry row but absent from
// storage means the index is corrupt.
func decodeChain(tokens []store.Token, rows map[store.Token][]byte, i *Index) ([]IndexedValue, error) {
	var records []encoding.Record
	for _, t := range tokens {
		row, ok := rows[t]
		if !ok {
			return nil, &CorruptRowError{Table: "chain", Token: t}
		}
		block, err := i.keys.OpenChain(t, row)
		if err != nil {
			return nil, &CorruptRowError{Table: "chain", Token: t, cause: err}
		}
		rs, err := encoding.DecodeBlock(block)
		if err != nil {
			return nil, &CorruptRowError{Table: "chain", Token: t, cause: err}
		}
		records = append(records, rs...)
	}

	live := encoding.Replay(records)
	values := make([]IndexedValue, 0, len(live))
	for _, r := range live {
		values = append(values, IndexedValue{kind: ValueKind(r.Kind), data: r.Data})
	}
	return values, nil
}

// attributionWalk collects the locations reachable from one requested
// keyword over the resolved indirection graph.
type attributionWalk struct {
	resolved   map[Keyword][]IndexedValue
	maxResults int

	visited   map[Keyword]struct{} // fully expanded keywords
	onPath    map[Keyword]struct{} // current DFS path, for cycle cuts
	emitted   map[string]struct{}  // dedups locations across indirections
	locations []Location
	truncated bool
}

func (w *attributionWalk) walk(k Keyword, depth int) {
	if depth <= 0 {
		w.truncated = true
		return
	}
	if _, ok := w.onPath[k]; ok {
		w.truncated = true // cycle edge
		return
	}
	if _, ok := w.visited[k]; ok {
		return
	}
	values, ok := w.resolved[k]
	if !ok {
		// Unresolved because the depth bound stopped phase 1 first.
		w.truncated = true
		return
	}
	w.visited[k] = struct{}{}
	w.onPath[k] = struct{}{}
	defer delete(w.onPath, k)

	for _, v := range values {
		if loc, ok := v.Location(); ok {
			if _, dup := w.emitted[string(loc)]; dup {
				continue
			}
			if w.maxResults > 0 && len(w.locations) >= w.maxResults {
				w.truncated = true
				return
			}
			w.emitted[string(loc)] = struct{}{}
			w.locations = append(w.locations, loc)
		}
	}
	for _, v := range values {
		if nk, ok := v.NextKeyword(); ok {
			w.walk(nk, depth-1)
		}
	}
}
