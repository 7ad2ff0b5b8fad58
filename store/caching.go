package store

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Caching wraps a Backend with an LRU read cache for chain rows.
//
// Chain rows are immutable once written, which makes them safely cacheable
// across concurrent readers and writers. Entry rows are the index's only
// mutation point and are never cached: a stale entry row would defeat the
// version-conflict check.
type Caching struct {
	inner Backend
	cache *lru.Cache[Token, []byte]
}

// NewCaching wraps inner with a chain-row cache holding up to size rows.
func NewCaching(inner Backend, size int) (*Caching, error) {
	c, err := lru.New[Token, []byte](size)
	if err != nil {
		return nil, err
	}
	return &Caching{inner: inner, cache: c}, nil
}

var _ Backend = (*Caching)(nil)

// FetchEntries always hits the inner backend.
func (c *Caching) FetchEntries(ctx context.Context, tokens []Token) (map[Token][]byte, error) {
	return c.inner.FetchEntries(ctx, tokens)
}

// FetchChains serves cached rows and fetches only the misses.
func (c *Caching) FetchChains(ctx context.Context, tokens []Token) (map[Token][]byte, error) {
	res := make(map[Token][]byte, len(tokens))
	var misses []Token
	for _, t := range tokens {
		if v, ok := c.cache.Get(t); ok {
			res[t] = v
		} else {
			misses = append(misses, t)
		}
	}
	if len(misses) == 0 {
		return res, nil
	}

	fetched, err := c.inner.FetchChains(ctx, misses)
	if err != nil {
		return nil, err
	}
	for t, v := range fetched {
		c.cache.Add(t, v)
		res[t] = v
	}
	return res, nil
}

// UpsertEntries passes through unchanged.
func (c *Caching) UpsertEntries(ctx context.Context, updates map[Token]EntryUpdate) (map[Token][]byte, error) {
	return c.inner.UpsertEntries(ctx, updates)
}

// InsertEntries passes through unchanged.
func (c *Caching) InsertEntries(ctx context.Context, rows map[Token][]byte) error {
	return c.inner.InsertEntries(ctx, rows)
}

// InsertChains writes through and warms the cache.
func (c *Caching) InsertChains(ctx context.Context, rows map[Token][]byte) error {
	if err := c.inner.InsertChains(ctx, rows); err != nil {
		return err
	}
	for t, v := range rows {
		c.cache.Add(t, v)
	}
	return nil
}

// DeleteEntries passes through unchanged.
func (c *Caching) DeleteEntries(ctx context.Context, tokens []Token) error {
	return c.inner.DeleteEntries(ctx, tokens)
}

// DeleteChains invalidates before deleting so a failed delete can only
// cause a re-fetch, never a stale hit.
func (c *Caching) DeleteChains(ctx context.Context, tokens []Token) error {
	for _, t := range tokens {
		c.cache.Remove(t)
	}
	return c.inner.DeleteChains(ctx, tokens)
}

// DumpEntryTokens passes through unchanged.
func (c *Caching) DumpEntryTokens(ctx context.Context) ([]Token, error) {
	return c.inner.DumpEntryTokens(ctx)
}

// DumpChainTokens delegates when the inner backend supports it.
func (c *Caching) DumpChainTokens(ctx context.Context) ([]Token, error) {
	if d, ok := c.inner.(ChainDumper); ok {
		return d.DumpChainTokens(ctx)
	}
	return nil, ErrChainDumpUnsupported
}

// Purge drops every cached chain row.
func (c *Caching) Purge() {
	c.cache.Purge()
}
