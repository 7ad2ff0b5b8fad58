// Package sqlite implements the store.Backend contract on a single-file
// embedded SQLite database using the pure-Go modernc.org/sqlite driver.
//
// Both tables use the minimal schema the contract allows:
//
//	CREATE TABLE entry_table (uid BLOB PRIMARY KEY, value BLOB NOT NULL)
//	CREATE TABLE chain_table (uid BLOB PRIMARY KEY, value BLOB NOT NULL)
//
// The conditional entry upsert maps onto an INSERT .. ON CONFLICT DO UPDATE
// guarded by the previous value, so the version check happens inside the
// database without any advisory locking.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite" // pure Go SQLite driver (no CGO)

	"github.com/hupe1980/findexgo/store"
)

// SQLite limits bound parameters per statement; stay well below it.
const maxBatchParams = 512

// Store is a store.Backend persisted in a SQLite database file.
type Store struct {
	db *sql.DB
}

var (
	_ store.Backend     = (*Store)(nil)
	_ store.ChainDumper = (*Store)(nil)
)

// Open opens (creating if needed) the index database at path. Use ":memory:"
// for an ephemeral database.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Single writer: SQLite serializes writes anyway, and one connection
	// avoids SQLITE_BUSY churn under concurrent upserts.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Pragmas must be issued as statements; DSN params are not reliable
	// with modernc.org/sqlite.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set pragma: %w", err)
		}
	}

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entry_table (
		uid   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	);
	CREATE TABLE IF NOT EXISTS chain_table (
		uid   BLOB PRIMARY KEY,
		value BLOB NOT NULL
	);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("initialize schema: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// FetchEntries returns the present subset of the requested entry rows.
func (s *Store) FetchEntries(ctx context.Context, tokens []store.Token) (map[store.Token][]byte, error) {
	return s.fetch(ctx, "entry_table", tokens)
}

// FetchChains returns the present subset of the requested chain rows.
func (s *Store) FetchChains(ctx context.Context, tokens []store.Token) (map[store.Token][]byte, error) {
	return s.fetch(ctx, "chain_table", tokens)
}

func (s *Store) fetch(ctx context.Context, table string, tokens []store.Token) (map[store.Token][]byte, error) {
	res := make(map[store.Token][]byte, len(tokens))

	for start := 0; start < len(tokens); start += maxBatchParams {
		end := min(start+maxBatchParams, len(tokens))
		batch := tokens[start:end]

		query := fmt.Sprintf("SELECT uid, value FROM %s WHERE uid IN (%s)",
			table, placeholders(len(batch)))
		args := make([]any, len(batch))
		for i, t := range batch {
			args[i] = t[:]
		}

		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, fmt.Errorf("fetch %s: %w", table, err)
		}
		for rows.Next() {
			var uid, value []byte
			if err := rows.Scan(&uid, &value); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan %s row: %w", table, err)
			}
			var t store.Token
			copy(t[:], uid)
			res[t] = value
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate %s rows: %w", table, err)
		}
		rows.Close()
	}
	return res, nil
}

// UpsertEntries conditionally writes entry rows inside one transaction and
// returns the rejected subset with current values.
func (s *Store) UpsertEntries(ctx context.Context, updates map[store.Token]store.EntryUpdate) (map[store.Token][]byte, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin upsert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	rejected := make(map[store.Token][]byte)
	for t, u := range updates {
		var (
			res sql.Result
			err error
		)
		if len(u.Previous) == 0 {
			// Fresh row: create only if absent.
			res, err = tx.ExecContext(ctx,
				"INSERT INTO entry_table(uid, value) VALUES(?, ?) ON CONFLICT(uid) DO NOTHING",
				t[:], u.Value)
		} else {
			// Version check: only replace the exact value the writer read.
			res, err = tx.ExecContext(ctx,
				"UPDATE entry_table SET value = ? WHERE uid = ? AND value = ?",
				u.Value, t[:], u.Previous)
		}
		if err != nil {
			return nil, fmt.Errorf("upsert entry: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("upsert entry rowcount: %w", err)
		}
		if n < 1 {
			var cur []byte
			err := tx.QueryRowContext(ctx,
				"SELECT value FROM entry_table WHERE uid = ?", t[:]).Scan(&cur)
			if err != nil && err != sql.ErrNoRows {
				return nil, fmt.Errorf("read rejected entry: %w", err)
			}
			rejected[t] = cur
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit upsert: %w", err)
	}
	return rejected, nil
}

// InsertEntries creates entry rows, failing on existing tokens.
func (s *Store) InsertEntries(ctx context.Context, rows map[store.Token][]byte) error {
	return s.insert(ctx, "entry_table", rows)
}

// InsertChains creates chain rows, failing on existing tokens.
func (s *Store) InsertChains(ctx context.Context, rows map[store.Token][]byte) error {
	return s.insert(ctx, "chain_table", rows)
}

func (s *Store) insert(ctx context.Context, table string, rows map[store.Token][]byte) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		fmt.Sprintf("INSERT INTO %s(uid, value) VALUES(?, ?)", table))
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for t, v := range rows {
		if _, err := stmt.ExecContext(ctx, t[:], v); err != nil {
			if strings.Contains(err.Error(), "UNIQUE constraint") {
				return fmt.Errorf("%s: %w: %s", table, store.ErrTokenExists, t)
			}
			return fmt.Errorf("insert into %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert: %w", err)
	}
	return nil
}

// DeleteEntries removes entry rows.
func (s *Store) DeleteEntries(ctx context.Context, tokens []store.Token) error {
	return s.delete(ctx, "entry_table", tokens)
}

// DeleteChains removes chain rows.
func (s *Store) DeleteChains(ctx context.Context, tokens []store.Token) error {
	return s.delete(ctx, "chain_table", tokens)
}

func (s *Store) delete(ctx context.Context, table string, tokens []store.Token) error {
	for start := 0; start < len(tokens); start += maxBatchParams {
		end := min(start+maxBatchParams, len(tokens))
		batch := tokens[start:end]

		query := fmt.Sprintf("DELETE FROM %s WHERE uid IN (%s)",
			table, placeholders(len(batch)))
		args := make([]any, len(batch))
		for i, t := range batch {
			args[i] = t[:]
		}
		if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("delete from %s: %w", table, err)
		}
	}
	return nil
}

// DumpEntryTokens enumerates all entry tokens.
func (s *Store) DumpEntryTokens(ctx context.Context) ([]store.Token, error) {
	return s.dump(ctx, "entry_table")
}

// DumpChainTokens enumerates all chain tokens.
func (s *Store) DumpChainTokens(ctx context.Context) ([]store.Token, error) {
	return s.dump(ctx, "chain_table")
}

func (s *Store) dump(ctx context.Context, table string) ([]store.Token, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("SELECT uid FROM %s", table))
	if err != nil {
		return nil, fmt.Errorf("dump %s: %w", table, err)
	}
	defer rows.Close()

	var tokens []store.Token
	for rows.Next() {
		var uid []byte
		if err := rows.Scan(&uid); err != nil {
			return nil, fmt.Errorf("scan %s uid: %w", table, err)
		}
		var t store.Token
		copy(t[:], uid)
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s uids: %w", table, err)
	}
	return tokens, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
