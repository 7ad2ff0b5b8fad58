package findexgo

// DefaultMinWordLen is the shortest prefix AutoCompletionGraph indexes.
const DefaultMinWordLen = 3

// AutoCompletionGraph builds the additions that make prefix search work:
// for every keyword, each prefix of at least minWordLen characters gets a
// NextKeyword edge to the prefix one character longer, so searching "mar"
// resolves through "mart", "marti", ... to whatever the full keyword
// indexes. Pass the result to Upsert or Add; the full keywords and their
// locations are indexed separately.
//
// minWordLen values below 1 fall back to DefaultMinWordLen. Prefixes are
// counted in runes, and shared prefixes of different keywords are emitted
// once.
func AutoCompletionGraph(keywords []Keyword, minWordLen int) map[Keyword][]IndexedValue {
	if minWordLen < 1 {
		minWordLen = DefaultMinWordLen
	}

	type edge struct{ from, to string }
	seen := make(map[edge]struct{})
	graph := make(map[Keyword][]IndexedValue)

	for _, k := range keywords {
		runes := []rune(string(k))
		for n := minWordLen; n < len(runes); n++ {
			e := edge{from: string(runes[:n]), to: string(runes[:n+1])}
			if _, ok := seen[e]; ok {
				continue
			}
			seen[e] = struct{}{}
			graph[Keyword(e.from)] = append(graph[Keyword(e.from)], NewNextKeyword(Keyword(e.to)))
		}
	}
	return graph
}
