package findexgo

import (
	"fmt"

	"github.com/hupe1980/findexgo/internal/crypto"
	"github.com/hupe1980/findexgo/store"
)

// Index is a handle on one encrypted index: a master key, a public label
// and a storage backend. It holds no index state of its own — the backend
// is the single source of truth and every operation is a pure function of
// its inputs and the backend's responses, so an Index is safe for
// concurrent use.
type Index struct {
	backend store.Backend
	keys    *crypto.Keys
	label   []byte
	opts    options
}

// New opens an index on the given backend under a master key and a public
// label. The label salts entry-token derivation; rotating it at compaction
// time unlinks new tokens from old ones.
func New(backend store.Backend, key Key, label []byte, optFns ...Option) (*Index, error) {
	if backend == nil {
		return nil, fmt.Errorf("backend must not be nil")
	}

	keys, err := crypto.DeriveKeys(key[:])
	if err != nil {
		return nil, fmt.Errorf("derive keys: %w", err)
	}

	opts := defaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	return &Index{
		backend: backend,
		keys:    keys,
		label:   append([]byte(nil), label...),
		opts:    opts,
	}, nil
}

// entryToken derives the entry token of a keyword under the index label.
func (i *Index) entryToken(k Keyword) store.Token {
	return i.keys.EntryToken(crypto.HashKeyword([]byte(k)), i.label)
}
