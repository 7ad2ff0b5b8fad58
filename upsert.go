package findexgo

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/findexgo/internal/crypto"
	"github.com/hupe1980/findexgo/internal/encoding"
	"github.com/hupe1980/findexgo/store"
)

// Upsert indexes additions and tombstones deletions in one call and returns
// the keywords actually modified, sorted.
//
// Per keyword, the new records are packed into chain blocks, written under a
// fresh chain segment, and committed by a conditional update of the entry
// row. A concurrent writer that advances the entry row first makes the
// update lose its version check; the keyword is then retried from the
// re-read row, bounded by the configured RetryPolicy. Failures are
// keyword-granular: the returned error is a KeywordErrors map and all other
// keywords commit normally.
//
// Upsert never rewrites existing chain rows, so concurrent searches keep
// observing a consistent point-in-time chain per keyword. Chain rows
// stranded by a writer that died before its entry update are orphans,
// invisible to searches and collected by Compact.
func (i *Index) Upsert(ctx context.Context, additions, deletions map[Keyword][]IndexedValue) ([]Keyword, error) {
	start := time.Now()

	work := buildRecords(additions, deletions)
	if len(work) == 0 {
		return nil, nil
	}

	// One batched read covers every keyword's entry row up front; retries
	// re-read individual rows through the rejected-value channel instead.
	keywords := make([]Keyword, 0, len(work))
	tokens := make([]store.Token, 0, len(work))
	for k := range work {
		keywords = append(keywords, k)
		tokens = append(tokens, i.entryToken(k))
	}
	fetched, err := i.backend.FetchEntries(ctx, tokens)
	if err != nil {
		return nil, fmt.Errorf("fetch entry rows: %w", err)
	}

	var (
		mu       sync.Mutex
		modified []Keyword
		kwErrs   = make(KeywordErrors)
		retries  atomic.Int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(i.opts.concurrency)

	for idx, k := range keywords {
		token := tokens[idx]
		records := work[k]
		current := fetched[token]

		g.Go(func() error {
			n, err := i.upsertKeyword(gctx, k, token, current, records)
			retries.Add(int64(n))

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				kwErrs[k] = err
				return nil
			}
			modified = append(modified, k)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	sort.Slice(modified, func(a, b int) bool { return modified[a] < modified[b] })

	i.opts.metrics.RecordUpsert(len(work), len(kwErrs), int(retries.Load()), time.Since(start))
	i.opts.logger.Debug("upsert finished",
		"keywords", len(work),
		"failed", len(kwErrs),
		"conflict_retries", retries.Load(),
		"elapsed", time.Since(start),
	)

	if len(kwErrs) > 0 {
		return modified, kwErrs
	}
	return modified, nil
}

// Add indexes additions only.
func (i *Index) Add(ctx context.Context, additions map[Keyword][]IndexedValue) ([]Keyword, error) {
	return i.Upsert(ctx, additions, nil)
}

// Delete tombstones the given associations. The values disappear from
// search results immediately and from storage at the next compaction.
func (i *Index) Delete(ctx context.Context, deletions map[Keyword][]IndexedValue) ([]Keyword, error) {
	return i.Upsert(ctx, nil, deletions)
}

// upsertKeyword runs the read-modify-write loop for one keyword. It returns
// the number of version-conflict retries it burned.
func (i *Index) upsertKeyword(ctx context.Context, k Keyword, token store.Token, current []byte, records []encoding.Record) (int, error) {
	blocks, err := encoding.EncodeBlocks(records, i.opts.blockSize)
	if err != nil {
		return 0, err
	}

	kwHash := crypto.HashKeyword([]byte(k))

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, err
		}

		var value *encoding.EntryValue
		if current == nil {
			value = &encoding.EntryValue{KeywordHash: kwHash}
		} else {
			plain, err := i.keys.OpenEntry(token, current)
			if err != nil {
				return attempt - 1, &CorruptRowError{Table: "entry", Token: token, cause: err}
			}
			if value, err = encoding.DecodeEntryValue(plain); err != nil {
				return attempt - 1, &CorruptRowError{Table: "entry", Token: token, cause: err}
			}
		}

		// Fresh segment per attempt: chain tokens can never collide with a
		// concurrent writer's, and a lost race strands at worst a few
		// orphan rows for Compact to sweep.
		seed, err := crypto.NewSegmentSeed()
		if err != nil {
			return attempt - 1, err
		}
		rows := make(map[store.Token][]byte, len(blocks))
		for pos, block := range blocks {
			ct := crypto.ChainToken(seed, uint32(pos))
			sealed, err := i.keys.SealChain(ct, block)
			if err != nil {
				return attempt - 1, err
			}
			rows[ct] = sealed
		}
		if err := i.backend.InsertChains(ctx, rows); err != nil {
			return attempt - 1, fmt.Errorf("insert chain rows: %w", err)
		}

		value.Segments = append(value.Segments, encoding.Segment{Seed: seed, Count: uint32(len(blocks))})
		plain, err := value.Encode()
		if err != nil {
			return attempt - 1, err
		}
		sealed, err := i.keys.SealEntry(token, plain)
		if err != nil {
			return attempt - 1, err
		}

		rejected, err := i.backend.UpsertEntries(ctx, map[store.Token]store.EntryUpdate{
			token: {Previous: current, Value: sealed},
		})
		if err != nil {
			return attempt - 1, fmt.Errorf("upsert entry row: %w", err)
		}
		cur, conflicted := rejected[token]
		if !conflicted {
			return attempt - 1, nil
		}

		if attempt >= i.opts.retry.MaxAttempts {
			return attempt, &ConflictError{Keyword: k, Attempts: attempt}
		}
		i.opts.logger.Debug("entry row conflict, retrying",
			"keyword_token", token,
			"attempt", attempt,
		)
		current = cur

		if delay := i.opts.retry.backoff(attempt + 1); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return attempt, ctx.Err()
			case <-timer.C:
			}
		}
	}
}

// buildRecords flattens the caller's additions and deletions into one
// deduplicated record list per keyword; deletions are appended after
// additions so that deleting a value passed in the same call wins.
func buildRecords(additions, deletions map[Keyword][]IndexedValue) map[Keyword][]encoding.Record {
	work := make(map[Keyword][]encoding.Record, len(additions)+len(deletions))

	appendRecords := func(m map[Keyword][]IndexedValue, op encoding.Op) {
		for k, values := range m {
			seen := make(map[string]struct{}, len(values))
			for _, v := range values {
				if v.kind != KindLocation && v.kind != KindNextKeyword {
					continue
				}
				id := string(append([]byte{byte(v.kind)}, v.data...))
				if _, ok := seen[id]; ok {
					continue
				}
				seen[id] = struct{}{}
				work[k] = append(work[k], encoding.Record{
					Op:   op,
					Kind: encoding.Kind(v.kind),
					Data: v.data,
				})
			}
		}
	}

	appendRecords(additions, encoding.OpAdd)
	appendRecords(deletions, encoding.OpDelete)

	for k, records := range work {
		if len(records) == 0 {
			delete(work, k)
		}
	}
	return work
}
