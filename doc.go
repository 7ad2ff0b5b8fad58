// Package findexgo provides an encrypted, searchable keyword index for Go.
//
// Findexgo lets an application run keyword searches over data held by a
// storage backend it does not trust. The backend only ever sees two tables
// of fixed-width pseudorandom tokens mapping to AEAD ciphertexts; keywords,
// locations and the search pattern stay on the client, up to unavoidable
// access-pattern leakage.
//
// # Quick Start
//
//	ctx := context.Background()
//	key, _ := findexgo.NewRandomKey()
//	idx, _ := findexgo.New(store.NewMemory(), key, []byte("2026-q3"))
//
//	idx.Add(ctx, map[findexgo.Keyword][]findexgo.IndexedValue{
//	    "alice": {findexgo.NewLocation([]byte("user:1"))},
//	    "bob":   {findexgo.NewNextKeyword("alice")},
//	})
//
//	result, _ := idx.Search("bob").Execute(ctx)
//	// result.Results["bob"] == [user:1]
//
// # Storage Backends
//
// Any backend implementing store.Backend works: the store package ships an
// in-memory map, store/sqlite persists to a local SQLite file, and
// store/dynamo targets DynamoDB. store.NewCaching wraps any backend with an
// LRU over the immutable chain rows.
//
// # Deletes and Compaction
//
// Delete tombstones associations; they vanish from results immediately but
// stay in storage until Compact physically rewrites the index:
//
//	idx.Delete(ctx, map[findexgo.Keyword][]findexgo.IndexedValue{
//	    "alice": {findexgo.NewLocation([]byte("user:1"))},
//	})
//	newKey, _ := findexgo.NewRandomKey()
//	idx, _, _ = idx.Compact(ctx, newKey, []byte("2026-q4"), nil)
//
// Compact also rotates the master key and label and takes an optional
// liveness filter to purge locations whose upstream records are gone.
//
// # Prefix Search
//
// AutoCompletionGraph builds NextKeyword edges between keyword prefixes so
// that searching "mar" finds everything indexed under "martin":
//
//	idx.Add(ctx, findexgo.AutoCompletionGraph([]findexgo.Keyword{"martin"}, 3))
//
// # Key Features
//
//   - Keyword and prefix search over encrypted tokens
//   - Pluggable storage (in-memory, SQLite, DynamoDB)
//   - Concurrent writers via optimistic per-keyword version checks
//   - Compaction with key and label rotation plus orphan collection
//   - Snapshot export/import to any blob store (local, S3, MinIO)
package findexgo
