package findexgo

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/RoaringBitmap/roaring/v2/roaring64"
	"github.com/google/uuid"

	"github.com/hupe1980/findexgo/internal/crypto"
	"github.com/hupe1980/findexgo/internal/encoding"
	"github.com/hupe1980/findexgo/store"
)

// CompactFilter is the caller's liveness check: it returns true when the
// location should be kept, false when compaction should drop it (for
// example because the referenced upstream record no longer exists).
// A nil filter keeps everything.
type CompactFilter func(loc Location) bool

// CompactOption configures a single compaction run.
type CompactOption func(*compactOptions)

type compactOptions struct {
	dropUnreadable bool
}

// CompactDropUnreadable makes the run skip entry rows it cannot decrypt
// instead of aborting. A run interrupted between writing the new rows and
// deleting the old ones strands entry rows that only the new key can read,
// and a plain retry from the still-valid old handle trips over them. With
// this option the retry treats every unreadable entry row as such a
// leftover: the row is removed in the swap phase and its chain rows are
// collected by the orphan sweep. Set it only when the master key is known
// to be correct, since under a wrong key every row is unreadable.
func CompactDropUnreadable() CompactOption {
	return func(o *compactOptions) {
		o.dropUnreadable = true
	}
}

// CompactStats summarizes one compaction run.
type CompactStats struct {
	// Keywords is the number of live keywords rewritten.
	Keywords int
	// DroppedKeywords is the number of keywords whose chains compacted
	// away entirely (all values tombstoned or filtered out).
	DroppedKeywords int
	// DroppedLocations is the number of location records removed by the
	// filter, not counting tombstoned ones.
	DroppedLocations int
	// ChainRowsWritten and ChainRowsDeleted count the rewrite volume.
	ChainRowsWritten int
	ChainRowsDeleted int
	// OrphansDeleted counts chain rows that were unreachable from any
	// entry row (stranded by lost upsert races or earlier crashes).
	OrphansDeleted int
	// UnreadableRows counts entry rows skipped because they could not be
	// decrypted. Nonzero only when CompactDropUnreadable is set.
	UnreadableRows int
}

// Compact rewrites the whole index under a fresh master key and label:
// chains are replayed, tombstones and filtered locations are physically
// removed, every surviving block is re-encrypted under fresh seeds, and
// unreachable chain rows are collected. NextKeyword indirections are
// preserved as edges, never expanded.
//
// Compact must run exclusively: no concurrent Upsert, Search or Compact
// against the same index. The new label must differ from the current one
// so that rewritten entry tokens cannot collide with live ones; the swap
// is insert-new-then-delete-old, which keeps the old index fully readable
// up to the moment the old rows are deleted. Orphan collection requires
// the backend to enumerate chain tokens (store.ChainDumper); on backends
// that cannot, Compact fails with ErrCompactNeedsChainDump before
// touching anything.
//
// A run that crashes between the rebuild and the swap leaves the old index
// intact but strands entry rows encrypted under the new key. Retry from
// the old handle with a fresh key and label, passing CompactDropUnreadable
// so the stranded rows are swept instead of aborting the retry.
//
// On success it returns a new Index handle bound to the new key and
// label; the receiver is stale afterwards.
func (i *Index) Compact(ctx context.Context, newKey Key, newLabel []byte, filter CompactFilter, optFns ...CompactOption) (*Index, *CompactStats, error) {
	var co compactOptions
	for _, fn := range optFns {
		fn(&co)
	}

	start := time.Now()
	next, stats, err := i.compact(ctx, newKey, newLabel, filter, co)
	i.opts.metrics.RecordCompact(time.Since(start), err)
	return next, stats, err
}

func (i *Index) compact(ctx context.Context, newKey Key, newLabel []byte, filter CompactFilter, co compactOptions) (*Index, *CompactStats, error) {
	if bytes.Equal(newLabel, i.label) {
		return nil, nil, fmt.Errorf("compact: new label must differ from the current label")
	}
	dumper, ok := i.backend.(store.ChainDumper)
	if !ok {
		return nil, nil, fmt.Errorf("compact: %w", ErrCompactNeedsChainDump)
	}

	newKeys, err := crypto.DeriveKeys(newKey[:])
	if err != nil {
		return nil, nil, fmt.Errorf("compact: derive keys: %w", err)
	}

	runID := uuid.NewString()
	log := i.opts.logger.With("compact_run", runID)
	log.Info("compaction started")

	oldEntryTokens, err := i.backend.DumpEntryTokens(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("compact: dump entry tokens: %w", err)
	}

	stats := &CompactStats{}
	reachable := roaring64.New()
	var oldChainTokens []store.Token

	// Phase 1: rebuild. Old rows are only read here; every write goes to
	// fresh tokens, so a crash anywhere in this phase leaves the old
	// index untouched plus some orphans for the next run.
	for batch := range batchTokens(oldEntryTokens, i.opts.chainBatchSize) {
		if err := ctx.Err(); err != nil {
			return nil, nil, err
		}
		rows, err := i.backend.FetchEntries(ctx, batch)
		if err != nil {
			return nil, nil, fmt.Errorf("compact: fetch entry rows: %w", err)
		}
		for token, row := range rows {
			value, records, err := i.loadChain(ctx, token, row)
			if err != nil {
				var corrupt *CorruptRowError
				if co.dropUnreadable && errors.As(err, &corrupt) {
					// Leftover of an interrupted run: the token stays in
					// oldEntryTokens so the swap removes it, and its chain
					// rows fall to the orphan sweep.
					stats.UnreadableRows++
					log.Warn("dropping unreadable row",
						"table", corrupt.Table, "token", corrupt.Token)
					continue
				}
				return nil, nil, fmt.Errorf("compact: %w", err)
			}
			chainTokens := value.ChainTokens()
			for _, ct := range chainTokens {
				reachable.Add(tokenPrefix(ct))
			}
			oldChainTokens = append(oldChainTokens, chainTokens...)

			live := encoding.Replay(records)
			kept := live[:0]
			for _, r := range live {
				if r.Kind == encoding.KindLocation && filter != nil && !filter(Location(r.Data)) {
					stats.DroppedLocations++
					continue
				}
				kept = append(kept, r)
			}
			if len(kept) == 0 {
				stats.DroppedKeywords++
				continue
			}

			written, err := i.writeRebuilt(ctx, newKeys, newLabel, value.KeywordHash, kept, reachable)
			if err != nil {
				return nil, nil, err
			}
			stats.Keywords++
			stats.ChainRowsWritten += written
		}
	}

	// Phase 2: swap. New entry rows become visible, then the old index
	// is torn down. A crash between the two deletes leaves orphans only.
	if err := i.backend.DeleteEntries(ctx, oldEntryTokens); err != nil {
		return nil, nil, fmt.Errorf("compact: delete old entry rows: %w", err)
	}
	if err := i.deleteChainsBatched(ctx, oldChainTokens); err != nil {
		return nil, nil, fmt.Errorf("compact: delete old chain rows: %w", err)
	}
	stats.ChainRowsDeleted = len(oldChainTokens)

	// Phase 3: orphan sweep. Everything the backend still holds that was
	// neither reachable from an old entry row nor written by this run is
	// garbage from lost races or earlier crashes.
	allChains, err := dumper.DumpChainTokens(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("compact: dump chain tokens: %w", err)
	}
	var orphans []store.Token
	for _, ct := range allChains {
		if !reachable.Contains(tokenPrefix(ct)) {
			orphans = append(orphans, ct)
		}
	}
	if err := i.deleteChainsBatched(ctx, orphans); err != nil {
		return nil, nil, fmt.Errorf("compact: delete orphan chain rows: %w", err)
	}
	stats.OrphansDeleted = len(orphans)

	log.Info("compaction finished",
		"keywords", stats.Keywords,
		"dropped_keywords", stats.DroppedKeywords,
		"dropped_locations", stats.DroppedLocations,
		"chain_rows_written", stats.ChainRowsWritten,
		"chain_rows_deleted", stats.ChainRowsDeleted,
		"orphans_deleted", stats.OrphansDeleted,
		"unreadable_rows", stats.UnreadableRows,
	)

	next := &Index{
		backend: i.backend,
		keys:    newKeys,
		label:   append([]byte(nil), newLabel...),
		opts:    i.opts,
	}
	return next, stats, nil
}

// loadChain decrypts one entry row and replays its full chain into records.
func (i *Index) loadChain(ctx context.Context, token store.Token, row []byte) (*encoding.EntryValue, []encoding.Record, error) {
	plain, err := i.keys.OpenEntry(token, row)
	if err != nil {
		return nil, nil, &CorruptRowError{Table: "entry", Token: token, cause: err}
	}
	value, err := encoding.DecodeEntryValue(plain)
	if err != nil {
		return nil, nil, &CorruptRowError{Table: "entry", Token: token, cause: err}
	}

	tokens := value.ChainTokens()
	var records []encoding.Record
	for batch := range batchTokens(tokens, i.opts.chainBatchSize) {
		rows, err := i.backend.FetchChains(ctx, batch)
		if err != nil {
			return nil, nil, fmt.Errorf("fetch chain rows: %w", err)
		}
		for _, ct := range batch {
			sealed, ok := rows[ct]
			if !ok {
				return nil, nil, &CorruptRowError{Table: "chain", Token: ct}
			}
			block, err := i.keys.OpenChain(ct, sealed)
			if err != nil {
				return nil, nil, &CorruptRowError{Table: "chain", Token: ct, cause: err}
			}
			rs, err := encoding.DecodeBlock(block)
			if err != nil {
				return nil, nil, &CorruptRowError{Table: "chain", Token: ct, cause: err}
			}
			records = append(records, rs...)
		}
	}
	return value, records, nil
}

// writeRebuilt encodes the surviving records into a single fresh segment
// under the new keys and inserts the chain and entry rows. It returns the
// number of chain rows written and registers them as reachable.
func (i *Index) writeRebuilt(ctx context.Context, newKeys *crypto.Keys, newLabel []byte, kwHash [32]byte, records []encoding.Record, reachable *roaring64.Bitmap) (int, error) {
	blocks, err := encoding.EncodeBlocks(records, i.opts.blockSize)
	if err != nil {
		return 0, fmt.Errorf("compact: encode chain: %w", err)
	}
	seed, err := crypto.NewSegmentSeed()
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}

	rows := make(map[store.Token][]byte, len(blocks))
	for pos, block := range blocks {
		ct := crypto.ChainToken(seed, uint32(pos))
		sealed, err := newKeys.SealChain(ct, block)
		if err != nil {
			return 0, fmt.Errorf("compact: seal chain row: %w", err)
		}
		rows[ct] = sealed
		reachable.Add(tokenPrefix(ct))
	}
	if err := i.backend.InsertChains(ctx, rows); err != nil {
		return 0, fmt.Errorf("compact: insert chain rows: %w", err)
	}

	value := encoding.EntryValue{
		KeywordHash: kwHash,
		Segments:    []encoding.Segment{{Seed: seed, Count: uint32(len(blocks))}},
	}
	plain, err := value.Encode()
	if err != nil {
		return 0, fmt.Errorf("compact: %w", err)
	}
	entryToken := newKeys.EntryToken(kwHash, newLabel)
	sealed, err := newKeys.SealEntry(entryToken, plain)
	if err != nil {
		return 0, fmt.Errorf("compact: seal entry row: %w", err)
	}
	if err := i.backend.InsertEntries(ctx, map[store.Token][]byte{entryToken: sealed}); err != nil {
		return 0, fmt.Errorf("compact: insert entry row: %w", err)
	}
	return len(blocks), nil
}

func (i *Index) deleteChainsBatched(ctx context.Context, tokens []store.Token) error {
	for batch := range batchTokens(tokens, i.opts.chainBatchSize) {
		if err := i.backend.DeleteChains(ctx, batch); err != nil {
			return err
		}
	}
	return nil
}

// batchTokens yields the token slice in chunks of at most size.
func batchTokens(tokens []store.Token, size int) func(yield func([]store.Token) bool) {
	return func(yield func([]store.Token) bool) {
		for len(tokens) > 0 {
			n := min(size, len(tokens))
			if !yield(tokens[:n]) {
				return
			}
			tokens = tokens[n:]
		}
	}
}

// tokenPrefix folds a token into the 64-bit key used by the reachability
// bitmap. A prefix collision can only keep an orphan alive for one more
// run, never delete a live row.
func tokenPrefix(t store.Token) uint64 {
	return binary.BigEndian.Uint64(t[:8])
}
