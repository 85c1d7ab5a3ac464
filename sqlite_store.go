package signedlog

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite" // Import SQLite driver for database/sql
)

type sqliteStore struct{ db *sql.DB }

// OpenSQLiteStore opens/creates a SQLite DB and ensures schema + PRAGMAs.
func OpenSQLiteStore(dsn string) (Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	st := &sqliteStore{db: db}
	for _, p := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA wal_autocheckpoint=1000;",
	} {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("set %s: %w", p, err)
		}
	}
	schema := `
CREATE TABLE IF NOT EXISTS entries (
  idx       INTEGER PRIMARY KEY,
  block     BLOB    NOT NULL,
  digest    BLOB    NOT NULL,
  signature BLOB                -- NULL for entries fetched through a proof
);
CREATE TABLE IF NOT EXISTS nodes (
  id    INTEGER PRIMARY KEY,    -- flat-tree node id
  hash  BLOB    NOT NULL
);
`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

// Commit stores the nodes and the entry in one transaction. Rows that
// already exist are left untouched.
func (s *sqliteStore) Commit(e *Entry, nodes []Node) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, n := range nodes {
		if n.ID > math.MaxInt64 {
			return fmt.Errorf("node %d out of range", n.ID)
		}
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO nodes(id, hash) VALUES(?, ?)`,
			int64(n.ID), n.Hash); err != nil {
			return fmt.Errorf("insert node %d: %w", n.ID, err)
		}
	}

	if e != nil {
		if e.Index > math.MaxInt64 {
			return fmt.Errorf("entry %d out of range", e.Index)
		}
		block := e.Block
		if block == nil {
			block = []byte{}
		}
		var sig any
		if len(e.Signature) > 0 {
			sig = e.Signature
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO entries(idx, block, digest, signature) VALUES(?, ?, ?, ?)`,
			int64(e.Index), block, e.Digest, sig); err != nil {
			return fmt.Errorf("insert entry %d: %w", e.Index, err)
		}
	}

	return tx.Commit()
}

// Iter returns a channel that streams entries starting from startIdx in ascending order.
func (s *sqliteStore) Iter(startIdx uint64) (<-chan Entry, func() error, error) {
	if startIdx > math.MaxInt64 {
		startIdx = math.MaxInt64
	}
	ctx, cancel := context.WithCancel(context.Background())
	query := `SELECT idx, block, digest, signature FROM entries WHERE idx >= ? ORDER BY idx ASC`
	rows, err := s.db.QueryContext(ctx, query, int64(startIdx))
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out, stop := stream(func(emit func(Entry) bool) error {
		defer rows.Close()
		for rows.Next() {
			var idx int64
			var block, digest, sig []byte
			if err := rows.Scan(&idx, &block, &digest, &sig); err != nil {
				return err
			}
			if block == nil {
				block = []byte{}
			}
			if len(sig) == 0 {
				sig = nil
			}
			if !emit(Entry{Index: uint64(idx), Block: block, Digest: digest, Signature: sig}) {
				return nil
			}
		}
		return rows.Err()
	})
	return out, func() error { defer cancel(); return stop() }, nil
}

// Nodes returns a channel that streams every stored forest value.
func (s *sqliteStore) Nodes() (<-chan Node, func() error, error) {
	ctx, cancel := context.WithCancel(context.Background())
	rows, err := s.db.QueryContext(ctx, `SELECT id, hash FROM nodes ORDER BY id ASC`)
	if err != nil {
		cancel()
		return nil, nil, err
	}
	out, stop := stream(func(emit func(Node) bool) error {
		defer rows.Close()
		for rows.Next() {
			var id int64
			var hash []byte
			if err := rows.Scan(&id, &hash); err != nil {
				return err
			}
			if !emit(Node{ID: uint64(id), Hash: hash}) {
				return nil
			}
		}
		return rows.Err()
	})
	return out, func() error { defer cancel(); return stop() }, nil
}

// Close closes the underlying database.
func (s *sqliteStore) Close() error {
	return s.db.Close()
}
