// Package store defines the storage backend contract of the index.
//
// A backend persists two logical tables, each a mapping from a fixed-width
// token to an opaque encrypted byte blob. The engine never relies on any
// structure beyond that, so a Go map, an embedded SQL database and a remote
// key-value service are all structurally adequate backends.
//
// Backends must treat values as opaque: every byte they hold is ciphertext
// produced by the engine.
package store

import (
	"context"
	"encoding/hex"
	"errors"
)

// TokenSize is the width of every storage token.
const TokenSize = 32

// Token is the opaque fixed-width lookup key of both tables.
type Token [TokenSize]byte

// String returns an abbreviated hex form for log output.
func (t Token) String() string {
	return hex.EncodeToString(t[:4]) + "…"
}

// ErrTokenExists is returned by the create-only insert operations when a
// token is already present. Chain tokens are globally unique by
// construction, so hitting this during normal operation indicates a corrupt
// or misused index.
var ErrTokenExists = errors.New("token already exists")

// ErrChainDumpUnsupported is returned when an operation needs the
// ChainDumper capability and the backend does not provide it.
var ErrChainDumpUnsupported = errors.New("backend cannot enumerate chain tokens")

// EntryUpdate is a conditional write of one entry row. Previous is the row
// value observed by the reader (nil for a row believed absent) and acts as
// the version token: the write only applies if the stored value still equals
// Previous.
type EntryUpdate struct {
	Previous []byte
	Value    []byte
}

// Backend is the capability set every storage backend must implement.
//
// All operations are batch-oriented; implementations may be called
// concurrently and must be safe for concurrent use. Fetches return the
// present subset: an absent token is simply missing from the result map,
// never an error.
type Backend interface {
	// FetchEntries batch-reads entry rows.
	FetchEntries(ctx context.Context, tokens []Token) (map[Token][]byte, error)

	// FetchChains batch-reads chain rows.
	FetchChains(ctx context.Context, tokens []Token) (map[Token][]byte, error)

	// UpsertEntries conditionally writes entry rows. Rows whose stored value
	// no longer matches EntryUpdate.Previous are left untouched and returned
	// with their current values so the caller can retry.
	UpsertEntries(ctx context.Context, updates map[Token]EntryUpdate) (rejected map[Token][]byte, err error)

	// InsertEntries creates entry rows. Used only by compaction, which writes
	// rows under a fresh label where no token can pre-exist.
	InsertEntries(ctx context.Context, rows map[Token][]byte) error

	// InsertChains creates chain rows. Tokens are globally unique by
	// construction, so this write is unconditional; an implementation that
	// detects an existing token should fail with ErrTokenExists.
	InsertChains(ctx context.Context, rows map[Token][]byte) error

	// DeleteEntries removes entry rows. Used only by compaction.
	DeleteEntries(ctx context.Context, tokens []Token) error

	// DeleteChains removes chain rows. Used only by compaction.
	DeleteChains(ctx context.Context, tokens []Token) error

	// DumpEntryTokens enumerates every entry token. Used only by compaction.
	DumpEntryTokens(ctx context.Context) ([]Token, error)
}

// ChainDumper is an optional capability. Backends that can enumerate chain
// tokens enable compaction to garbage-collect orphaned chain rows left
// behind by interrupted writers.
type ChainDumper interface {
	DumpChainTokens(ctx context.Context) ([]Token, error)
}
