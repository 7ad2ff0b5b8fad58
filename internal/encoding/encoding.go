// Package encoding implements the plaintext wire formats of the two index
// tables: the entry row value and the chain block.
//
// An entry row carries the keyword hash and the list of chain segments
// (seed, block count) appended so far. A chain block is a fixed-width
// record sequence; fixed width means every chain ciphertext has the same
// length, so block boundaries reveal nothing about record sizes.
package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/hupe1980/findexgo/internal/crypto"
	"github.com/hupe1980/findexgo/store"
)

// DefaultBlockSize is the default chain block plaintext width.
const DefaultBlockSize = 512

// MinBlockSize is the smallest usable block width: one record header plus
// one byte of payload.
const MinBlockSize = recordHeaderSize + 1

const recordHeaderSize = 4 // op(1) kind(1) len(2)

var (
	// ErrValueTooLarge is returned when a single record cannot fit in one
	// chain block. Records never span blocks.
	ErrValueTooLarge = errors.New("indexed value too large for chain block")

	// ErrMalformed is returned when a decrypted value does not parse. Since
	// values are authenticated, this indicates an engine bug or a key/format
	// version mismatch, not tampering.
	ErrMalformed = errors.New("malformed index value")
)

// Op says whether a record adds or tombstones an indexed value.
type Op byte

const (
	opPadding Op = iota // zero byte terminates a block
	OpAdd
	OpDelete
)

// Kind is the indexed value variant carried by a record.
type Kind byte

const (
	KindLocation Kind = iota + 1
	KindNextKeyword
)

// Record is one keyword→value association event in a chain.
type Record struct {
	Op   Op
	Kind Kind
	Data []byte
}

// key returns the identity of the record's value, ignoring the operation.
func (r Record) key() string {
	return string(append([]byte{byte(r.Kind)}, r.Data...))
}

// EncodeBlocks packs records into fixed-width blocks in order, zero-padding
// the tail of each block. A record is never split across blocks.
func EncodeBlocks(records []Record, blockSize int) ([][]byte, error) {
	if blockSize < MinBlockSize {
		return nil, fmt.Errorf("block size %d below minimum %d", blockSize, MinBlockSize)
	}

	var blocks [][]byte
	cur := make([]byte, 0, blockSize)

	for _, r := range records {
		need := recordHeaderSize + len(r.Data)
		if need > blockSize {
			return nil, fmt.Errorf("%w: %d bytes, block size %d", ErrValueTooLarge, len(r.Data), blockSize)
		}
		if r.Op != OpAdd && r.Op != OpDelete {
			return nil, fmt.Errorf("%w: bad op %d", ErrMalformed, r.Op)
		}
		if len(cur)+need > blockSize {
			blocks = append(blocks, pad(cur, blockSize))
			cur = make([]byte, 0, blockSize)
		}
		cur = append(cur, byte(r.Op), byte(r.Kind))
		cur = binary.BigEndian.AppendUint16(cur, uint16(len(r.Data)))
		cur = append(cur, r.Data...)
	}
	if len(cur) > 0 {
		blocks = append(blocks, pad(cur, blockSize))
	}
	return blocks, nil
}

func pad(b []byte, blockSize int) []byte {
	return append(b, make([]byte, blockSize-len(b))...)
}

// DecodeBlock parses one block back into its records. Padding terminates
// the scan.
func DecodeBlock(block []byte) ([]Record, error) {
	var records []Record
	for off := 0; off < len(block); {
		op := Op(block[off])
		if op == opPadding {
			break
		}
		if op != OpAdd && op != OpDelete {
			return nil, fmt.Errorf("%w: bad op %d at offset %d", ErrMalformed, op, off)
		}
		if off+recordHeaderSize > len(block) {
			return nil, fmt.Errorf("%w: truncated record header", ErrMalformed)
		}
		kind := Kind(block[off+1])
		if kind != KindLocation && kind != KindNextKeyword {
			return nil, fmt.Errorf("%w: bad kind %d at offset %d", ErrMalformed, kind, off)
		}
		n := int(binary.BigEndian.Uint16(block[off+2 : off+4]))
		off += recordHeaderSize
		if off+n > len(block) {
			return nil, fmt.Errorf("%w: truncated record payload", ErrMalformed)
		}
		data := make([]byte, n)
		copy(data, block[off:off+n])
		off += n
		records = append(records, Record{Op: op, Kind: kind, Data: data})
	}
	return records, nil
}

// Replay applies records in chain order and returns the surviving value set
// in first-added order: OpAdd inserts, OpDelete removes. Re-adding a deleted
// value resurrects it.
func Replay(records []Record) []Record {
	live := make(map[string]int, len(records))
	var out []Record

	for _, r := range records {
		k := r.key()
		switch r.Op {
		case OpAdd:
			if _, ok := live[k]; !ok {
				live[k] = len(out)
				out = append(out, Record{Op: OpAdd, Kind: r.Kind, Data: r.Data})
			}
		case OpDelete:
			if i, ok := live[k]; ok {
				delete(live, k)
				out[i].Op = opPadding // mark dead, compacted below
			}
		}
	}

	survivors := out[:0]
	for _, r := range out {
		if r.Op == OpAdd {
			survivors = append(survivors, r)
		}
	}
	return survivors
}

// Segment is one append run of a keyword's chain: Count blocks whose tokens
// derive from Seed.
type Segment struct {
	Seed  []byte
	Count uint32
}

// EntryValue is the decrypted content of an entry row.
type EntryValue struct {
	KeywordHash [32]byte
	Segments    []Segment
}

// BlockCount returns the total chain length in blocks.
func (v *EntryValue) BlockCount() int {
	var n int
	for _, s := range v.Segments {
		n += int(s.Count)
	}
	return n
}

// ChainTokens derives every chain token of the entry, in chain order.
func (v *EntryValue) ChainTokens() []store.Token {
	tokens := make([]store.Token, 0, v.BlockCount())
	for _, s := range v.Segments {
		for i := uint32(0); i < s.Count; i++ {
			tokens = append(tokens, crypto.ChainToken(s.Seed, i))
		}
	}
	return tokens
}

// Encode serializes the entry value:
// keywordHash(32) || segCount(2 be) || {seed(16) || count(4 be)}*
func (v *EntryValue) Encode() ([]byte, error) {
	if len(v.Segments) > 0xFFFF {
		return nil, fmt.Errorf("%w: too many segments", ErrMalformed)
	}
	out := make([]byte, 0, 32+2+len(v.Segments)*(crypto.SeedSize+4))
	out = append(out, v.KeywordHash[:]...)
	out = binary.BigEndian.AppendUint16(out, uint16(len(v.Segments)))
	for _, s := range v.Segments {
		if len(s.Seed) != crypto.SeedSize {
			return nil, fmt.Errorf("%w: bad segment seed length %d", ErrMalformed, len(s.Seed))
		}
		out = append(out, s.Seed...)
		out = binary.BigEndian.AppendUint32(out, s.Count)
	}
	return out, nil
}

// DecodeEntryValue parses an entry row plaintext.
func DecodeEntryValue(b []byte) (*EntryValue, error) {
	if len(b) < 34 {
		return nil, fmt.Errorf("%w: entry value too short", ErrMalformed)
	}
	var v EntryValue
	copy(v.KeywordHash[:], b[:32])
	n := int(binary.BigEndian.Uint16(b[32:34]))
	off := 34
	if len(b) != off+n*(crypto.SeedSize+4) {
		return nil, fmt.Errorf("%w: entry value length %d does not match %d segments", ErrMalformed, len(b), n)
	}
	v.Segments = make([]Segment, n)
	for i := range v.Segments {
		seed := make([]byte, crypto.SeedSize)
		copy(seed, b[off:off+crypto.SeedSize])
		off += crypto.SeedSize
		v.Segments[i] = Segment{Seed: seed, Count: binary.BigEndian.Uint32(b[off : off+4])}
		off += 4
	}
	return &v, nil
}
