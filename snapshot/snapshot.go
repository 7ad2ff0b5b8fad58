// Package snapshot exports and imports whole encrypted indexes.
//
// A snapshot is a single checksummed blob holding every entry and chain row
// as stored — ciphertext in, ciphertext out. No index key is required to
// take or restore one, so backups and backend migrations can be operated by
// parties that cannot read the index.
//
// Layout:
//
//	magic "FXSNAP01"
//	u32 header length, JSON header (version, compression, row counts)
//	compressed row stream: token(32) || u32 value length || value
//	u32 CRC32-C over everything above
package snapshot

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/hupe1980/findexgo/blobstore"
	"github.com/hupe1980/findexgo/store"
)

var magic = []byte("FXSNAP01")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Compression selects the row-stream codec.
type Compression string

const (
	Zstd Compression = "zstd"
	LZ4  Compression = "lz4"
	None Compression = "none"
)

var (
	// ErrMalformed is returned when a blob does not parse as a snapshot.
	ErrMalformed = errors.New("malformed snapshot")

	// ErrChecksum is returned when a snapshot fails its integrity check.
	ErrChecksum = errors.New("snapshot checksum mismatch")

	// ErrNotEmpty is returned when importing into a non-empty backend
	// without Force.
	ErrNotEmpty = errors.New("backend is not empty")
)

type header struct {
	Version     int         `json:"version"`
	Compression Compression `json:"compression"`
	EntryCount  int         `json:"entry_count"`
	ChainCount  int         `json:"chain_count"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Options tunes export and import.
type Options struct {
	// Compression is the row-stream codec used on export. Defaults to Zstd.
	Compression Compression

	// Force lets Import write into a non-empty backend.
	Force bool

	// BatchSize is the number of rows per insert call on import.
	// Defaults to 1000.
	BatchSize int
}

// Stats summarizes a snapshot operation.
type Stats struct {
	EntryRows int
	ChainRows int
	Bytes     int
}

func applyOptions(optFns []func(*Options)) Options {
	opts := Options{Compression: Zstd, BatchSize: 1000}
	for _, fn := range optFns {
		fn(&opts)
	}
	return opts
}

// Export streams every row of the backend into a snapshot blob. The backend
// must support chain-token enumeration.
func Export(ctx context.Context, b store.Backend, dst blobstore.Store, name string, optFns ...func(*Options)) (*Stats, error) {
	opts := applyOptions(optFns)

	dumper, ok := b.(store.ChainDumper)
	if !ok {
		return nil, fmt.Errorf("export: %w", store.ErrChainDumpUnsupported)
	}

	entryTokens, err := b.DumpEntryTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: dump entry tokens: %w", err)
	}
	chainTokens, err := dumper.DumpChainTokens(ctx)
	if err != nil {
		return nil, fmt.Errorf("export: dump chain tokens: %w", err)
	}

	var body bytes.Buffer
	w, closeWriter, err := compressor(&body, opts.Compression)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	write := func(tokens []store.Token, fetch func(context.Context, []store.Token) (map[store.Token][]byte, error), count *int) error {
		for start := 0; start < len(tokens); start += opts.BatchSize {
			end := min(start+opts.BatchSize, len(tokens))
			rows, err := fetch(ctx, tokens[start:end])
			if err != nil {
				return err
			}
			for _, t := range tokens[start:end] {
				v, ok := rows[t]
				if !ok {
					continue // deleted between dump and fetch
				}
				if _, err := w.Write(t[:]); err != nil {
					return err
				}
				var n [4]byte
				binary.BigEndian.PutUint32(n[:], uint32(len(v)))
				if _, err := w.Write(n[:]); err != nil {
					return err
				}
				if _, err := w.Write(v); err != nil {
					return err
				}
				*count++
			}
		}
		return nil
	}

	if err := write(entryTokens, b.FetchEntries, &stats.EntryRows); err != nil {
		return nil, fmt.Errorf("export entry rows: %w", err)
	}
	if err := write(chainTokens, b.FetchChains, &stats.ChainRows); err != nil {
		return nil, fmt.Errorf("export chain rows: %w", err)
	}
	if err := closeWriter(); err != nil {
		return nil, fmt.Errorf("finish compression: %w", err)
	}

	hdr, err := json.Marshal(header{
		Version:     1,
		Compression: opts.Compression,
		EntryCount:  stats.EntryRows,
		ChainCount:  stats.ChainRows,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode snapshot header: %w", err)
	}

	var blob bytes.Buffer
	blob.Write(magic)
	var hlen [4]byte
	binary.BigEndian.PutUint32(hlen[:], uint32(len(hdr)))
	blob.Write(hlen[:])
	blob.Write(hdr)
	blob.Write(body.Bytes())

	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.Checksum(blob.Bytes(), castagnoli))
	blob.Write(sum[:])

	if err := dst.Put(ctx, name, blob.Bytes()); err != nil {
		return nil, fmt.Errorf("store snapshot: %w", err)
	}
	stats.Bytes = blob.Len()
	return stats, nil
}

// Import restores a snapshot into the backend. The backend must be empty
// unless Force is set.
func Import(ctx context.Context, src blobstore.Store, name string, b store.Backend, optFns ...func(*Options)) (*Stats, error) {
	opts := applyOptions(optFns)

	if !opts.Force {
		existing, err := b.DumpEntryTokens(ctx)
		if err != nil {
			return nil, fmt.Errorf("import: inspect backend: %w", err)
		}
		if len(existing) > 0 {
			return nil, fmt.Errorf("import: %w", ErrNotEmpty)
		}
	}

	blob, err := src.Get(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if len(blob) < len(magic)+4+4 || !bytes.Equal(blob[:len(magic)], magic) {
		return nil, fmt.Errorf("%w: bad magic", ErrMalformed)
	}

	payload, trailer := blob[:len(blob)-4], blob[len(blob)-4:]
	if binary.BigEndian.Uint32(trailer) != crc32.Checksum(payload, castagnoli) {
		return nil, ErrChecksum
	}

	off := len(magic)
	hlen := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	if off+hlen > len(payload) {
		return nil, fmt.Errorf("%w: truncated header", ErrMalformed)
	}
	var hdr header
	if err := json.Unmarshal(payload[off:off+hlen], &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	off += hlen

	body, err := decompress(payload[off:], hdr.Compression)
	if err != nil {
		return nil, err
	}

	readRows := func(count int) (map[store.Token][]byte, error) {
		rows := make(map[store.Token][]byte, count)
		for i := 0; i < count; i++ {
			if len(body) < store.TokenSize+4 {
				return nil, fmt.Errorf("%w: truncated row", ErrMalformed)
			}
			var t store.Token
			copy(t[:], body[:store.TokenSize])
			n := int(binary.BigEndian.Uint32(body[store.TokenSize : store.TokenSize+4]))
			body = body[store.TokenSize+4:]
			if len(body) < n {
				return nil, fmt.Errorf("%w: truncated row value", ErrMalformed)
			}
			rows[t] = append([]byte(nil), body[:n]...)
			body = body[n:]
		}
		return rows, nil
	}

	entries, err := readRows(hdr.EntryCount)
	if err != nil {
		return nil, err
	}
	chains, err := readRows(hdr.ChainCount)
	if err != nil {
		return nil, err
	}
	if len(body) != 0 {
		return nil, fmt.Errorf("%w: trailing bytes after rows", ErrMalformed)
	}

	if err := insertBatched(ctx, entries, opts.BatchSize, b.InsertEntries); err != nil {
		return nil, fmt.Errorf("restore entry rows: %w", err)
	}
	if err := insertBatched(ctx, chains, opts.BatchSize, b.InsertChains); err != nil {
		return nil, fmt.Errorf("restore chain rows: %w", err)
	}

	return &Stats{EntryRows: len(entries), ChainRows: len(chains), Bytes: len(blob)}, nil
}

func insertBatched(ctx context.Context, rows map[store.Token][]byte, batchSize int, insert func(context.Context, map[store.Token][]byte) error) error {
	batch := make(map[store.Token][]byte, batchSize)
	for t, v := range rows {
		batch[t] = v
		if len(batch) >= batchSize {
			if err := insert(ctx, batch); err != nil {
				return err
			}
			batch = make(map[store.Token][]byte, batchSize)
		}
	}
	if len(batch) > 0 {
		return insert(ctx, batch)
	}
	return nil
}

func compressor(dst io.Writer, c Compression) (io.Writer, func() error, error) {
	switch c {
	case Zstd:
		enc, err := zstd.NewWriter(dst)
		if err != nil {
			return nil, nil, fmt.Errorf("init zstd: %w", err)
		}
		return enc, enc.Close, nil
	case LZ4:
		enc := lz4.NewWriter(dst)
		return enc, enc.Close, nil
	case None:
		return dst, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown compression %q", c)
	}
}

func decompress(data []byte, c Compression) ([]byte, error) {
	switch c {
	case Zstd:
		dec, err := zstd.NewReader(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("init zstd: %w", err)
		}
		defer dec.Close()
		out, err := io.ReadAll(dec)
		if err != nil {
			return nil, fmt.Errorf("decompress rows: %w", err)
		}
		return out, nil
	case LZ4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("decompress rows: %w", err)
		}
		return out, nil
	case None:
		return data, nil
	default:
		return nil, fmt.Errorf("unknown compression %q", c)
	}
}
