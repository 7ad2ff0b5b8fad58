package findexgo

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/findexgo/store"
)

func newTestIndex(t *testing.T, optFns ...Option) (*Index, *store.Memory) {
	t.Helper()

	backend := store.NewMemory()
	key, err := NewRandomKey()
	require.NoError(t, err)

	idx, err := New(backend, key, []byte("test-label"), optFns...)
	require.NoError(t, err)
	return idx, backend
}

func locations(t *testing.T, res *SearchResult, k Keyword) []string {
	t.Helper()

	locs, ok := res.Results[k]
	require.True(t, ok, "keyword %q missing from results", k)
	out := make([]string, len(locs))
	for i, l := range locs {
		out[i] = string(l)
	}
	return out
}

func TestIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("RoundTrip", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1")), NewLocation([]byte("user:2"))},
		})
		require.NoError(t, err)

		res, err := idx.Search("alice").Execute(ctx)
		require.NoError(t, err)
		assert.False(t, res.Truncated)
		assert.ElementsMatch(t, []string{"user:1", "user:2"}, locations(t, res, "alice"))
	})

	t.Run("NotIndexedIsEmptyNotError", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		res, err := idx.Search("ghost").Execute(ctx)
		require.NoError(t, err)
		assert.Empty(t, res.Results["ghost"])
		assert.False(t, res.Truncated)
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		additions := map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1"))},
		}
		for range 3 {
			_, err := idx.Add(ctx, additions)
			require.NoError(t, err)
		}

		res, err := idx.Search("alice").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"user:1"}, locations(t, res, "alice"))
	})

	t.Run("UpsertReportsModifiedKeywordsSorted", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		modified, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"charlie": {NewLocation([]byte("3"))},
			"alice":   {NewLocation([]byte("1"))},
			"bob":     {NewLocation([]byte("2"))},
		})
		require.NoError(t, err)
		assert.Equal(t, []Keyword{"alice", "bob", "charlie"}, modified)
	})

	t.Run("DeleteTombstones", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1")), NewLocation([]byte("user:2"))},
		})
		require.NoError(t, err)

		_, err = idx.Delete(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1"))},
		})
		require.NoError(t, err)

		res, err := idx.Search("alice").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"user:2"}, locations(t, res, "alice"))
	})

	t.Run("ReAddAfterDeleteResurrects", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		v := map[Keyword][]IndexedValue{"alice": {NewLocation([]byte("user:1"))}}
		_, err := idx.Add(ctx, v)
		require.NoError(t, err)
		_, err = idx.Delete(ctx, v)
		require.NoError(t, err)
		_, err = idx.Add(ctx, v)
		require.NoError(t, err)

		res, err := idx.Search("alice").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"user:1"}, locations(t, res, "alice"))
	})

	t.Run("DeleteWinsWithinOneCall", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		_, err := idx.Upsert(ctx,
			map[Keyword][]IndexedValue{"alice": {NewLocation([]byte("user:1"))}},
			map[Keyword][]IndexedValue{"alice": {NewLocation([]byte("user:1"))}},
		)
		require.NoError(t, err)

		res, err := idx.Search("alice").Execute(ctx)
		require.NoError(t, err)
		assert.Empty(t, locations(t, res, "alice"))
	})

	t.Run("IndirectionExample", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("1")), NewLocation([]byte("2"))},
			"bob":   {NewNextKeyword("alice")},
		})
		require.NoError(t, err)

		res, err := idx.Search("bob").Execute(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"1", "2"}, locations(t, res, "bob"))

		res, err = idx.Search("alice", "bob").Execute(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"1", "2"}, locations(t, res, "alice"))
		assert.ElementsMatch(t, []string{"1", "2"}, locations(t, res, "bob"))
		assert.False(t, res.Truncated)
	})

	t.Run("SelfCycleTruncates", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"loop": {NewLocation([]byte("1")), NewNextKeyword("loop")},
		})
		require.NoError(t, err)

		res, err := idx.Search("loop").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, locations(t, res, "loop"))
		assert.True(t, res.Truncated)
	})

	t.Run("TwoNodeCycleTruncates", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"a": {NewLocation([]byte("1")), NewNextKeyword("b")},
			"b": {NewLocation([]byte("2")), NewNextKeyword("a")},
		})
		require.NoError(t, err)

		res, err := idx.Search("a").Execute(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"1", "2"}, locations(t, res, "a"))
		assert.True(t, res.Truncated)
	})

	t.Run("DiamondIsNotACycle", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"root":  {NewNextKeyword("left"), NewNextKeyword("right")},
			"left":  {NewNextKeyword("leaf")},
			"right": {NewNextKeyword("leaf")},
			"leaf":  {NewLocation([]byte("1"))},
		})
		require.NoError(t, err)

		res, err := idx.Search("root").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"1"}, locations(t, res, "root"))
		assert.False(t, res.Truncated)
	})

	t.Run("MaxDepthTruncates", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		additions := make(map[Keyword][]IndexedValue)
		for n := range 10 {
			additions[Keyword(fmt.Sprintf("k%d", n))] = []IndexedValue{
				NewNextKeyword(Keyword(fmt.Sprintf("k%d", n+1))),
			}
		}
		additions["k10"] = []IndexedValue{NewLocation([]byte("deep"))}
		_, err := idx.Add(ctx, additions)
		require.NoError(t, err)

		res, err := idx.Search("k0").MaxDepth(3).Execute(ctx)
		require.NoError(t, err)
		assert.Empty(t, locations(t, res, "k0"))
		assert.True(t, res.Truncated)

		res, err = idx.Search("k0").MaxDepth(11).Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"deep"}, locations(t, res, "k0"))
		assert.False(t, res.Truncated)
	})

	t.Run("MaxResultsTruncates", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		values := make([]IndexedValue, 10)
		for n := range values {
			values[n] = NewLocation([]byte(fmt.Sprintf("user:%d", n)))
		}
		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{"alice": values})
		require.NoError(t, err)

		res, err := idx.Search("alice").MaxResults(4).Execute(ctx)
		require.NoError(t, err)
		assert.Len(t, res.Results["alice"], 4)
		assert.True(t, res.Truncated)
	})

	t.Run("MaxResultsStopsFetching", func(t *testing.T) {
		backend := &fetchCounter{Memory: store.NewMemory()}
		key, err := NewRandomKey()
		require.NoError(t, err)
		idx, err := New(backend, key, []byte("test-label"))
		require.NoError(t, err)

		// k0 -> k1 -> ... -> k5, one location per hop.
		adds := make(map[Keyword][]IndexedValue)
		for n := range 6 {
			k := Keyword(fmt.Sprintf("k%d", n))
			adds[k] = []IndexedValue{NewLocation([]byte(fmt.Sprintf("loc:%d", n)))}
			if n < 5 {
				adds[k] = append(adds[k], NewNextKeyword(Keyword(fmt.Sprintf("k%d", n+1))))
			}
		}
		_, err = idx.Add(ctx, adds)
		require.NoError(t, err)

		// The cap is met after the first round, so the remaining hops
		// must never be fetched.
		before := backend.entryFetches
		res, err := idx.Search("k0").MaxResults(1).Execute(ctx)
		require.NoError(t, err)
		assert.True(t, res.Truncated)
		assert.Len(t, res.Results["k0"], 1)
		assert.Equal(t, 1, backend.entryFetches-before)
	})

	t.Run("InterruptStopsSearch", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"a": {NewLocation([]byte("1")), NewNextKeyword("b")},
			"b": {NewLocation([]byte("2"))},
		})
		require.NoError(t, err)

		var rounds int
		res, err := idx.Search("a").
			Interrupt(func(pr ProgressResults) bool {
				rounds++
				return true
			}).
			Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, rounds)
		assert.Equal(t, []string{"1"}, locations(t, res, "a"))
		assert.True(t, res.Truncated)
	})

	t.Run("ConcurrentDisjointUpserts", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		var wg sync.WaitGroup
		for w := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
					Keyword(fmt.Sprintf("kw%d", w)): {NewLocation([]byte(fmt.Sprintf("loc%d", w)))},
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		for w := range 8 {
			res, err := idx.Search(Keyword(fmt.Sprintf("kw%d", w))).Execute(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{fmt.Sprintf("loc%d", w)}, locations(t, res, Keyword(fmt.Sprintf("kw%d", w))))
		}
	})

	t.Run("ConcurrentUpsertsSameKeyword", func(t *testing.T) {
		// Every lost race burns one attempt, so the budget must exceed the
		// writer count.
		idx, _ := newTestIndex(t, WithRetryPolicy(RetryPolicy{
			MaxAttempts: 20,
			BaseDelay:   time.Millisecond,
			MaxDelay:    10 * time.Millisecond,
		}))

		var wg sync.WaitGroup
		for w := range 8 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
					"shared": {NewLocation([]byte(fmt.Sprintf("loc%d", w)))},
				})
				assert.NoError(t, err)
			}()
		}
		wg.Wait()

		res, err := idx.Search("shared").Execute(ctx)
		require.NoError(t, err)

		want := make([]string, 8)
		for w := range want {
			want[w] = fmt.Sprintf("loc%d", w)
		}
		assert.ElementsMatch(t, want, locations(t, res, "shared"))
	})

	t.Run("WrongKeySeesNothing", func(t *testing.T) {
		backend := store.NewMemory()
		key1, err := NewRandomKey()
		require.NoError(t, err)
		key2, err := NewRandomKey()
		require.NoError(t, err)

		idx1, err := New(backend, key1, []byte("test-label"))
		require.NoError(t, err)
		_, err = idx1.Add(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1"))},
		})
		require.NoError(t, err)

		// Same label, different key: the entry token differs too, so the
		// row is simply not found.
		idx2, err := New(backend, key2, []byte("test-label"))
		require.NoError(t, err)
		res, err := idx2.Search("alice").Execute(ctx)
		require.NoError(t, err)
		assert.Empty(t, res.Results["alice"])
	})

	t.Run("DifferentLabelSeesNothing", func(t *testing.T) {
		backend := store.NewMemory()
		key, err := NewRandomKey()
		require.NoError(t, err)

		idx1, err := New(backend, key, []byte("label-1"))
		require.NoError(t, err)
		_, err = idx1.Add(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1"))},
		})
		require.NoError(t, err)

		idx2, err := New(backend, key, []byte("label-2"))
		require.NoError(t, err)
		res, err := idx2.Search("alice").Execute(ctx)
		require.NoError(t, err)
		assert.Empty(t, res.Results["alice"])
	})

	t.Run("ValueTooLargeForBlock", func(t *testing.T) {
		idx, _ := newTestIndex(t, WithBlockSize(64))

		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation(make([]byte, 128))},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValueTooLarge)
	})

	t.Run("NilBackendRejected", func(t *testing.T) {
		key, err := NewRandomKey()
		require.NoError(t, err)
		_, err = New(nil, key, []byte("l"))
		require.Error(t, err)
	})
}

func TestSearchCorruption(t *testing.T) {
	ctx := context.Background()

	// seed indexes "bad" alone first so its rows can be singled out, then
	// adds "good" to prove the failure stays keyword-granular.
	seed := func(t *testing.T) (*Index, *store.Memory, store.Token) {
		t.Helper()

		idx, backend := newTestIndex(t)
		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"bad": {NewLocation([]byte("user:1"))},
		})
		require.NoError(t, err)

		chains, err := backend.DumpChainTokens(ctx)
		require.NoError(t, err)
		require.Len(t, chains, 1)

		_, err = idx.Add(ctx, map[Keyword][]IndexedValue{
			"good": {NewLocation([]byte("user:2"))},
		})
		require.NoError(t, err)
		return idx, backend, chains[0]
	}

	// The search must report "bad" as a corrupt row, keep "good" intact
	// and leave "bad" empty rather than pretending it is not indexed.
	assertKeywordError := func(t *testing.T, idx *Index, table string) {
		t.Helper()

		res, err := idx.Search("good", "bad").Execute(ctx)
		require.Error(t, err)

		var kwErrs KeywordErrors
		require.ErrorAs(t, err, &kwErrs)
		require.Contains(t, kwErrs, Keyword("bad"))
		require.NotContains(t, kwErrs, Keyword("good"))

		var corrupt *CorruptRowError
		require.ErrorAs(t, kwErrs["bad"], &corrupt)
		assert.Equal(t, table, corrupt.Table)

		require.NotNil(t, res)
		assert.Equal(t, []string{"user:2"}, locations(t, res, "good"))
		assert.Empty(t, res.Results["bad"])
	}

	t.Run("TamperedChainRow", func(t *testing.T) {
		idx, backend, chain := seed(t)

		rows, err := backend.FetchChains(ctx, []store.Token{chain})
		require.NoError(t, err)
		sealed := rows[chain]
		sealed[len(sealed)/2] ^= 0xff
		require.NoError(t, backend.DeleteChains(ctx, []store.Token{chain}))
		require.NoError(t, backend.InsertChains(ctx, map[store.Token][]byte{chain: sealed}))

		assertKeywordError(t, idx, "chain")
	})

	t.Run("MissingChainRow", func(t *testing.T) {
		idx, backend, chain := seed(t)

		require.NoError(t, backend.DeleteChains(ctx, []store.Token{chain}))

		assertKeywordError(t, idx, "chain")
	})

	t.Run("TamperedEntryRow", func(t *testing.T) {
		idx, backend, _ := seed(t)

		entry := idx.entryToken("bad")
		rows, err := backend.FetchEntries(ctx, []store.Token{entry})
		require.NoError(t, err)
		sealed := rows[entry]
		sealed[len(sealed)/2] ^= 0xff
		require.NoError(t, backend.DeleteEntries(ctx, []store.Token{entry}))
		require.NoError(t, backend.InsertEntries(ctx, map[store.Token][]byte{entry: sealed}))

		assertKeywordError(t, idx, "entry")
	})
}

func TestCompact(t *testing.T) {
	ctx := context.Background()

	seed := func(t *testing.T) (*Index, *store.Memory) {
		t.Helper()
		idx, backend := newTestIndex(t)
		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1")), NewLocation([]byte("user:2"))},
			"bob":   {NewNextKeyword("alice"), NewLocation([]byte("user:3"))},
		})
		require.NoError(t, err)
		return idx, backend
	}

	t.Run("KeepAllPreservesSemantics", func(t *testing.T) {
		idx, _ := seed(t)

		before, err := idx.Search("alice", "bob").Execute(ctx)
		require.NoError(t, err)

		newKey, err := NewRandomKey()
		require.NoError(t, err)
		idx2, stats, err := idx.Compact(ctx, newKey, []byte("rotated"), nil)
		require.NoError(t, err)
		assert.Equal(t, 2, stats.Keywords)
		assert.Zero(t, stats.DroppedLocations)

		after, err := idx2.Search("alice", "bob").Execute(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, locations(t, before, "alice"), locations(t, after, "alice"))
		assert.ElementsMatch(t, locations(t, before, "bob"), locations(t, after, "bob"))
	})

	t.Run("OldHandleIsStale", func(t *testing.T) {
		idx, _ := seed(t)

		newKey, err := NewRandomKey()
		require.NoError(t, err)
		_, _, err = idx.Compact(ctx, newKey, []byte("rotated"), nil)
		require.NoError(t, err)

		res, err := idx.Search("alice").Execute(ctx)
		require.NoError(t, err)
		assert.Empty(t, res.Results["alice"])
	})

	t.Run("FilterDropsLocations", func(t *testing.T) {
		idx, _ := seed(t)

		newKey, err := NewRandomKey()
		require.NoError(t, err)
		idx2, stats, err := idx.Compact(ctx, newKey, []byte("rotated"), func(loc Location) bool {
			return string(loc) != "user:1"
		})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.DroppedLocations)

		res, err := idx2.Search("alice", "bob").Execute(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user:2"}, locations(t, res, "alice"))
		assert.ElementsMatch(t, []string{"user:2", "user:3"}, locations(t, res, "bob"))
	})

	t.Run("PurgesTombstones", func(t *testing.T) {
		idx, backend := newTestIndex(t)

		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1"))},
		})
		require.NoError(t, err)
		_, err = idx.Delete(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1"))},
		})
		require.NoError(t, err)

		newKey, err := NewRandomKey()
		require.NoError(t, err)
		_, stats, err := idx.Compact(ctx, newKey, []byte("rotated"), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.DroppedKeywords)

		entries, chains := backend.Len()
		assert.Zero(t, entries)
		assert.Zero(t, chains)
	})

	t.Run("CollectsOrphans", func(t *testing.T) {
		idx, backend := seed(t)

		// Fake a crashed upsert: chain rows with no entry row pointing at
		// them.
		orphan := store.Token{0xde, 0xad}
		require.NoError(t, backend.InsertChains(ctx, map[store.Token][]byte{
			orphan: []byte("stranded"),
		}))

		newKey, err := NewRandomKey()
		require.NoError(t, err)
		_, stats, err := idx.Compact(ctx, newKey, []byte("rotated"), nil)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.OrphansDeleted)
	})

	// interrupted compaction: the crash lands between the rebuild (new
	// rows inserted) and the swap (old rows deleted), leaving entry rows
	// only the new key can read next to the still-live old index.
	interrupted := func(t *testing.T) (*Index, *store.Memory) {
		t.Helper()

		backend := store.NewMemory()
		key, err := NewRandomKey()
		require.NoError(t, err)
		idx, err := New(&crashOnDelete{Memory: backend, failures: 1}, key, []byte("test-label"))
		require.NoError(t, err)

		_, err = idx.Add(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1"))},
		})
		require.NoError(t, err)

		newKey, err := NewRandomKey()
		require.NoError(t, err)
		_, _, err = idx.Compact(ctx, newKey, []byte("rotated"), nil)
		require.Error(t, err)
		return idx, backend
	}

	t.Run("InterruptedRunKeepsOldIndexReadable", func(t *testing.T) {
		idx, _ := interrupted(t)

		res, err := idx.Search("alice").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"user:1"}, locations(t, res, "alice"))
	})

	t.Run("InterruptedRunWedgesPlainRetry", func(t *testing.T) {
		idx, _ := interrupted(t)

		retryKey, err := NewRandomKey()
		require.NoError(t, err)
		_, _, err = idx.Compact(ctx, retryKey, []byte("rotated-again"), nil)

		var corrupt *CorruptRowError
		require.ErrorAs(t, err, &corrupt)
		assert.Equal(t, "entry", corrupt.Table)
	})

	t.Run("RecoversFromInterruptedRun", func(t *testing.T) {
		idx, backend := interrupted(t)

		retryKey, err := NewRandomKey()
		require.NoError(t, err)
		idx2, stats, err := idx.Compact(ctx, retryKey, []byte("rotated-again"), nil,
			CompactDropUnreadable())
		require.NoError(t, err)
		assert.Equal(t, 1, stats.UnreadableRows)
		assert.Equal(t, 1, stats.Keywords)

		res, err := idx2.Search("alice").Execute(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"user:1"}, locations(t, res, "alice"))

		// The stranded rows are gone: one entry row and one chain row
		// remain, both belonging to the rebuilt index.
		entries, chains := backend.Len()
		assert.Equal(t, 1, entries)
		assert.Equal(t, 1, chains)
	})

	t.Run("SameLabelRejected", func(t *testing.T) {
		idx, _ := seed(t)

		newKey, err := NewRandomKey()
		require.NoError(t, err)
		_, _, err = idx.Compact(ctx, newKey, []byte("test-label"), nil)
		require.Error(t, err)
	})

	t.Run("NeedsChainDump", func(t *testing.T) {
		key, err := NewRandomKey()
		require.NoError(t, err)
		idx, err := New(noDump{store.NewMemory()}, key, []byte("test-label"))
		require.NoError(t, err)

		_, _, err = idx.Compact(ctx, key, []byte("rotated"), nil)
		assert.ErrorIs(t, err, ErrCompactNeedsChainDump)
	})
}

// noDump narrows a backend to the plain Backend interface so the promoted
// ChainDumper method disappears.
type noDump struct {
	store.Backend
}

func TestAutoCompletionGraph(t *testing.T) {
	ctx := context.Background()

	t.Run("BuildsPrefixEdges", func(t *testing.T) {
		graph := AutoCompletionGraph([]Keyword{"martin"}, 3)

		assert.Equal(t, map[Keyword][]IndexedValue{
			"mar":   {NewNextKeyword("mart")},
			"mart":  {NewNextKeyword("marti")},
			"marti": {NewNextKeyword("martin")},
		}, graph)
	})

	t.Run("SharedPrefixesEmittedOnce", func(t *testing.T) {
		graph := AutoCompletionGraph([]Keyword{"martin", "martial"}, 3)

		assert.ElementsMatch(t, []IndexedValue{
			NewNextKeyword("marti"),
		}, graph["mart"])
		assert.ElementsMatch(t, []IndexedValue{
			NewNextKeyword("martin"),
			NewNextKeyword("martia"),
		}, graph["marti"])
	})

	t.Run("PrefixSearchFindsFullKeywords", func(t *testing.T) {
		idx, _ := newTestIndex(t)

		_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
			"martin":  {NewLocation([]byte("user:martin"))},
			"martial": {NewLocation([]byte("user:martial"))},
			"wilkins": {NewLocation([]byte("user:wilkins"))},
		})
		require.NoError(t, err)
		_, err = idx.Add(ctx, AutoCompletionGraph([]Keyword{"martin", "martial", "wilkins"}, 3))
		require.NoError(t, err)

		res, err := idx.Search("mar", "wil").Execute(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"user:martin", "user:martial"}, locations(t, res, "mar"))
		assert.ElementsMatch(t, []string{"user:wilkins"}, locations(t, res, "wil"))
	})
}

func TestConflictRetry(t *testing.T) {
	ctx := context.Background()

	t.Run("RetriesExhaustedSurfacesConflictError", func(t *testing.T) {
		backend := &alwaysConflict{Memory: store.NewMemory()}
		key, err := NewRandomKey()
		require.NoError(t, err)
		idx, err := New(backend, key, []byte("l"), WithRetryPolicy(RetryPolicy{MaxAttempts: 2}))
		require.NoError(t, err)

		_, err = idx.Add(ctx, map[Keyword][]IndexedValue{
			"alice": {NewLocation([]byte("user:1"))},
		})
		require.Error(t, err)

		var kwErrs KeywordErrors
		require.ErrorAs(t, err, &kwErrs)
		var conflict *ConflictError
		require.ErrorAs(t, kwErrs["alice"], &conflict)
		assert.Equal(t, 2, conflict.Attempts)
	})
}

// alwaysConflict rejects every entry upsert, as if a faster writer kept
// winning the race.
type alwaysConflict struct {
	*store.Memory
}

func (b *alwaysConflict) UpsertEntries(ctx context.Context, updates map[store.Token]store.EntryUpdate) (map[store.Token][]byte, error) {
	rejected := make(map[store.Token][]byte, len(updates))
	for t, u := range updates {
		// Hand back the writer's own previous value so the retry loop
		// keeps spinning without ever succeeding.
		rejected[t] = u.Previous
	}
	return rejected, nil
}

// crashOnDelete simulates a compaction crash between the rebuild and the
// swap by failing the first DeleteEntries calls.
type crashOnDelete struct {
	*store.Memory
	failures int
}

func (b *crashOnDelete) DeleteEntries(ctx context.Context, tokens []store.Token) error {
	if b.failures > 0 {
		b.failures--
		return fmt.Errorf("simulated crash")
	}
	return b.Memory.DeleteEntries(ctx, tokens)
}

// fetchCounter counts entry-row fetches to observe how far a search walks.
type fetchCounter struct {
	*store.Memory
	entryFetches int
}

func (b *fetchCounter) FetchEntries(ctx context.Context, tokens []store.Token) (map[store.Token][]byte, error) {
	b.entryFetches++
	return b.Memory.FetchEntries(ctx, tokens)
}

func TestMetricsCollection(t *testing.T) {
	ctx := context.Background()

	metrics := &BasicMetricsCollector{}
	idx, _ := newTestIndex(t, WithMetricsCollector(metrics))

	_, err := idx.Add(ctx, map[Keyword][]IndexedValue{
		"alice": {NewLocation([]byte("user:1"))},
	})
	require.NoError(t, err)

	_, err = idx.Search("alice").Execute(ctx)
	require.NoError(t, err)

	assert.Equal(t, int64(1), metrics.UpsertCount.Load())
	assert.Equal(t, int64(1), metrics.UpsertKeywords.Load())
	assert.Equal(t, int64(1), metrics.SearchCount.Load())
	assert.Zero(t, metrics.SearchErrors.Load())
}
