package findexgo

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/hupe1980/findexgo/internal/encoding"
	"github.com/hupe1980/findexgo/store"
)

var (
	// ErrKeyLength is returned when a master key is not KeySize bytes.
	ErrKeyLength = errors.New("master key must be 32 bytes")

	// ErrValueTooLarge is returned when a single indexed value cannot fit
	// in one chain block.
	ErrValueTooLarge = encoding.ErrValueTooLarge

	// ErrCompactNeedsChainDump aliases the store capability error: orphan
	// collection during compaction requires chain-token enumeration.
	ErrCompactNeedsChainDump = store.ErrChainDumpUnsupported
)

// CorruptRowError reports a fetched row that is unreadable: it failed
// authentication, failed to parse, or is reachable from a live entry row
// but missing from storage. This always means index corruption or a key
// mismatch and is never silently skipped.
type CorruptRowError struct {
	Table string // "entry" or "chain"
	Token store.Token
	cause error
}

func (e *CorruptRowError) Error() string {
	if e.cause == nil {
		return fmt.Sprintf("%s row %s: reachable but missing", e.Table, e.Token)
	}
	return fmt.Sprintf("%s row %s: %v", e.Table, e.Token, e.cause)
}

func (e *CorruptRowError) Unwrap() error { return e.cause }

// ConflictError reports a keyword whose entry-row update kept losing the
// version check until the retry budget ran out.
type ConflictError struct {
	Keyword  Keyword
	Attempts int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("keyword %q: entry row conflict persisted after %d attempts", e.Keyword, e.Attempts)
}

// KeywordErrors aggregates per-keyword failures of a batch operation.
// The operation is keyword-granular: keywords absent from the map
// succeeded.
type KeywordErrors map[Keyword]error

func (e KeywordErrors) Error() string {
	keywords := make([]string, 0, len(e))
	for k := range e {
		keywords = append(keywords, string(k))
	}
	sort.Strings(keywords)

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d keyword(s) failed:", len(e))
	for _, k := range keywords {
		fmt.Fprintf(&sb, " %q: %v;", k, e[Keyword(k)])
	}
	return strings.TrimSuffix(sb.String(), ";")
}

// Unwrap exposes the underlying errors to errors.Is and errors.As.
func (e KeywordErrors) Unwrap() []error {
	errs := make([]error, 0, len(e))
	for _, err := range e {
		errs = append(errs, err)
	}
	return errs
}
