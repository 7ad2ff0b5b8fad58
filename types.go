package findexgo

import (
	"fmt"
)

// Keyword is an opaque byte string under which values are indexed. It is
// never stored in plaintext; the index only ever sees its keyed derivations.
type Keyword string

// String implements fmt.Stringer.
func (k Keyword) String() string { return string(k) }

// Location is an opaque identifier the caller resolves to real data
// (a database row ID, an object key, a document number).
type Location []byte

// String implements fmt.Stringer.
func (l Location) String() string { return string(l) }

// ValueKind discriminates the two indexed value variants.
type ValueKind byte

const (
	// KindLocation marks a caller-meaningful identifier.
	KindLocation ValueKind = iota + 1
	// KindNextKeyword marks an indirection to another keyword.
	KindNextKeyword
)

// IndexedValue is what a keyword points at: either a Location, or a
// NextKeyword indirection that makes searches recurse into another
// keyword's results.
type IndexedValue struct {
	kind ValueKind
	data []byte
}

// NewLocation builds an IndexedValue holding a Location.
func NewLocation(loc []byte) IndexedValue {
	return IndexedValue{kind: KindLocation, data: append([]byte(nil), loc...)}
}

// NewNextKeyword builds an IndexedValue pointing at another keyword.
func NewNextKeyword(k Keyword) IndexedValue {
	return IndexedValue{kind: KindNextKeyword, data: []byte(k)}
}

// Kind returns the value variant.
func (v IndexedValue) Kind() ValueKind { return v.kind }

// Location returns the held Location, if any.
func (v IndexedValue) Location() (Location, bool) {
	if v.kind != KindLocation {
		return nil, false
	}
	return Location(v.data), true
}

// NextKeyword returns the pointed-at keyword, if any.
func (v IndexedValue) NextKeyword() (Keyword, bool) {
	if v.kind != KindNextKeyword {
		return "", false
	}
	return Keyword(v.data), true
}

// String implements fmt.Stringer.
func (v IndexedValue) String() string {
	switch v.kind {
	case KindLocation:
		return fmt.Sprintf("Location(%q)", string(v.data))
	case KindNextKeyword:
		return fmt.Sprintf("NextKeyword(%q)", string(v.data))
	default:
		return "IndexedValue(invalid)"
	}
}
