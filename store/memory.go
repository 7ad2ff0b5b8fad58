package store

import (
	"bytes"
	"context"
	"fmt"
	"sync"
)

// Memory is an in-process Backend backed by two maps.
//
// It implements the full capability set including ChainDumper and is safe
// for concurrent use, which makes it the reference backend for tests and a
// practical choice for indexes that fit in memory.
type Memory struct {
	mu      sync.RWMutex
	entries map[Token][]byte
	chains  map[Token][]byte
}

// NewMemory creates an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[Token][]byte),
		chains:  make(map[Token][]byte),
	}
}

var (
	_ Backend     = (*Memory)(nil)
	_ ChainDumper = (*Memory)(nil)
)

// FetchEntries returns the present subset of the requested entry rows.
func (m *Memory) FetchEntries(_ context.Context, tokens []Token) (map[Token][]byte, error) {
	return m.fetch(m.entries, tokens), nil
}

// FetchChains returns the present subset of the requested chain rows.
func (m *Memory) FetchChains(_ context.Context, tokens []Token) (map[Token][]byte, error) {
	return m.fetch(m.chains, tokens), nil
}

func (m *Memory) fetch(table map[Token][]byte, tokens []Token) map[Token][]byte {
	m.mu.RLock()
	defer m.mu.RUnlock()

	res := make(map[Token][]byte, len(tokens))
	for _, t := range tokens {
		if v, ok := table[t]; ok {
			res[t] = clone(v)
		}
	}
	return res
}

// UpsertEntries conditionally writes entry rows, returning the rejected
// subset with current values.
func (m *Memory) UpsertEntries(_ context.Context, updates map[Token]EntryUpdate) (map[Token][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rejected := make(map[Token][]byte)
	for t, u := range updates {
		cur, ok := m.entries[t]
		switch {
		case !ok && len(u.Previous) == 0:
			m.entries[t] = clone(u.Value)
		case ok && bytes.Equal(cur, u.Previous):
			m.entries[t] = clone(u.Value)
		case ok:
			rejected[t] = clone(cur)
		default:
			// Row vanished under the writer; only compaction deletes entry
			// rows, and compaction runs exclusively.
			rejected[t] = nil
		}
	}
	return rejected, nil
}

// InsertEntries creates entry rows, failing on any existing token.
func (m *Memory) InsertEntries(_ context.Context, rows map[Token][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for t := range rows {
		if _, ok := m.entries[t]; ok {
			return fmt.Errorf("entry table: %w: %s", ErrTokenExists, t)
		}
	}
	for t, v := range rows {
		m.entries[t] = clone(v)
	}
	return nil
}

// InsertChains creates chain rows, failing on any existing token.
func (m *Memory) InsertChains(_ context.Context, rows map[Token][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for t := range rows {
		if _, ok := m.chains[t]; ok {
			return fmt.Errorf("chain table: %w: %s", ErrTokenExists, t)
		}
	}
	for t, v := range rows {
		m.chains[t] = clone(v)
	}
	return nil
}

// DeleteEntries removes entry rows. Absent tokens are ignored.
func (m *Memory) DeleteEntries(_ context.Context, tokens []Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tokens {
		delete(m.entries, t)
	}
	return nil
}

// DeleteChains removes chain rows. Absent tokens are ignored.
func (m *Memory) DeleteChains(_ context.Context, tokens []Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tokens {
		delete(m.chains, t)
	}
	return nil
}

// DumpEntryTokens enumerates all entry tokens.
func (m *Memory) DumpEntryTokens(_ context.Context) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tokens := make([]Token, 0, len(m.entries))
	for t := range m.entries {
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// DumpChainTokens enumerates all chain tokens.
func (m *Memory) DumpChainTokens(_ context.Context) ([]Token, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tokens := make([]Token, 0, len(m.chains))
	for t := range m.chains {
		tokens = append(tokens, t)
	}
	return tokens, nil
}

// Len reports the number of rows per table. Intended for tests and
// operational introspection.
func (m *Memory) Len() (entries, chains int) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries), len(m.chains)
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
