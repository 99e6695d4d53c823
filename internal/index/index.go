// Package index keeps a sqlite index of the documents stored on disk.
//
// The JSON document files are the source of truth. The index only records
// which documents exist, their tombstone state and the seqno of every
// property, so diffs can find changed documents without reading every file.
// It can always be rebuilt from the files (see directory.Populate).
//
// Architecture:
//   - Database file: <volume>/index.db
//   - WAL mode: concurrent readers during writes
//   - Schema: documents, properties, meta tables
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/sugar-network/node/internal/schema"
	"github.com/sugar-network/node/internal/sequence"
)

// DB wraps the sqlite connection.
type DB struct {
	conn *sql.DB
	path string
}

// Candidate is a document with at least one property in a diff window.
// K is the lowest in-window property seqno; diffs emit documents in K order.
type Candidate struct {
	GUID string
	K    uint64
}

// Stats summarizes one resource.
type Stats struct {
	Resource string
	Live     int
	Deleted  int
	Invalid  int
}

// Open opens (creating if needed) the index database at path.
//
// The caller MUST call Close() when done.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(8)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn, path: path}

	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return db, nil
}

// Path returns the database file location.
func (db *DB) Path() string {
	return db.path
}

// Close checkpoints the WAL and closes the connection.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	db.conn = nil
	return nil
}

// InitSchema creates the tables if they don't exist. Idempotent.
func (db *DB) InitSchema(ctx context.Context) error {
	ddl := `
	CREATE TABLE IF NOT EXISTS documents (
		resource TEXT NOT NULL,
		guid TEXT NOT NULL,
		seqno INTEGER NOT NULL DEFAULT 0,
		deleted INTEGER NOT NULL DEFAULT 0,
		invalid INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (resource, guid)
	);

	CREATE TABLE IF NOT EXISTS properties (
		resource TEXT NOT NULL,
		guid TEXT NOT NULL,
		name TEXT NOT NULL,
		seqno INTEGER NOT NULL,
		PRIMARY KEY (resource, guid, name)
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_properties_seqno ON properties(resource, seqno);
	CREATE INDEX IF NOT EXISTS idx_documents_live ON documents(resource, deleted, invalid);
	`
	if _, err := db.conn.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// bound converts a seqno to a sqlite integer, capping Inf.
func bound(n uint64) int64 {
	if n > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(n)
}

// UpsertDocument records the document and replaces its property rows.
// Properties with seqno 0 were never assigned a local seqno and are not
// offered to diffs.
func (db *DB) UpsertDocument(ctx context.Context, resource string, doc *schema.Document) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	deleted := 0
	if doc.Deleted() {
		deleted = 1
	}
	_, err = tx.ExecContext(ctx, `
	INSERT INTO documents (resource, guid, seqno, deleted, invalid)
	VALUES (?, ?, ?, ?, 0)
	ON CONFLICT(resource, guid) DO UPDATE SET
		seqno = excluded.seqno,
		deleted = excluded.deleted,
		invalid = 0
	`, resource, doc.GUID, bound(doc.Seqno), deleted)
	if err != nil {
		return fmt.Errorf("failed to upsert document %s/%s: %w", resource, doc.GUID, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM properties WHERE resource = ? AND guid = ?`, resource, doc.GUID); err != nil {
		return fmt.Errorf("failed to clear properties of %s/%s: %w", resource, doc.GUID, err)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO properties (resource, guid, name, seqno) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare property insert: %w", err)
	}
	defer stmt.Close()

	for name, p := range doc.Props {
		if p.Seqno == 0 {
			continue
		}
		if _, err := stmt.ExecContext(ctx, resource, doc.GUID, name, bound(p.Seqno)); err != nil {
			return fmt.Errorf("failed to index property %s of %s/%s: %w", name, resource, doc.GUID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkInvalid quarantines a document: it stays listed as invalid but none
// of its properties are offered to diffs.
func (db *DB) MarkInvalid(ctx context.Context, resource, guid string) error {
	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
	INSERT INTO documents (resource, guid, seqno, deleted, invalid)
	VALUES (?, ?, 0, 0, 1)
	ON CONFLICT(resource, guid) DO UPDATE SET invalid = 1
	`, resource, guid)
	if err != nil {
		return fmt.Errorf("failed to mark %s/%s invalid: %w", resource, guid, err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM properties WHERE resource = ? AND guid = ?`, resource, guid); err != nil {
		return fmt.Errorf("failed to clear properties of %s/%s: %w", resource, guid, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Candidates returns documents having a property whose seqno lies in
// window, ordered by their lowest such seqno. limit <= 0 means no limit.
func (db *DB) Candidates(ctx context.Context, resource string, window sequence.Sequence, limit int) ([]Candidate, error) {
	ranges := window.Ranges()
	if len(ranges) == 0 {
		return nil, nil
	}

	clauses := make([]string, len(ranges))
	args := make([]any, 0, 2+2*len(ranges))
	args = append(args, resource)
	for i, r := range ranges {
		clauses[i] = "seqno BETWEEN ? AND ?"
		args = append(args, bound(r.Start), bound(r.End))
	}
	if limit <= 0 {
		limit = -1
	}
	args = append(args, limit)

	query := `
	SELECT guid, MIN(seqno) AS k
	FROM properties
	WHERE resource = ? AND (` + strings.Join(clauses, " OR ") + `)
	GROUP BY guid
	ORDER BY k, guid
	LIMIT ?
	`

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query diff candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var k int64
		if err := rows.Scan(&c.GUID, &k); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		c.K = uint64(k)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candidates: %w", err)
	}
	return out, nil
}

// List returns guids of valid documents ordered by guid.
func (db *DB) List(ctx context.Context, resource string, includeDeleted bool) ([]string, error) {
	query := `SELECT guid FROM documents WHERE resource = ? AND invalid = 0`
	if !includeDeleted {
		query += ` AND deleted = 0`
	}
	query += ` ORDER BY guid`

	rows, err := db.conn.QueryContext(ctx, query, resource)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", resource, err)
	}
	defer rows.Close()

	var guids []string
	for rows.Next() {
		var guid string
		if err := rows.Scan(&guid); err != nil {
			return nil, fmt.Errorf("failed to scan guid: %w", err)
		}
		guids = append(guids, guid)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating documents: %w", err)
	}
	return guids, nil
}

// Count returns the number of live documents of a resource.
func (db *DB) Count(ctx context.Context, resource string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM documents WHERE resource = ? AND deleted = 0 AND invalid = 0`,
		resource).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", resource, err)
	}
	return count, nil
}

// Stats returns document counts per resource.
func (db *DB) Stats(ctx context.Context) ([]Stats, error) {
	rows, err := db.conn.QueryContext(ctx, `
	SELECT resource,
		SUM(CASE WHEN deleted = 0 AND invalid = 0 THEN 1 ELSE 0 END),
		SUM(CASE WHEN deleted = 1 AND invalid = 0 THEN 1 ELSE 0 END),
		SUM(invalid)
	FROM documents
	GROUP BY resource
	ORDER BY resource
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query stats: %w", err)
	}
	defer rows.Close()

	var out []Stats
	for rows.Next() {
		var s Stats
		if err := rows.Scan(&s.Resource, &s.Live, &s.Deleted, &s.Invalid); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// MaxSeqno returns the highest document seqno across all resources.
func (db *DB) MaxSeqno(ctx context.Context) (uint64, error) {
	var max sql.NullInt64
	if err := db.conn.QueryRowContext(ctx, `SELECT MAX(seqno) FROM documents`).Scan(&max); err != nil {
		return 0, fmt.Errorf("failed to query max seqno: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// Reset drops every row of a resource, ahead of a rebuild.
func (db *DB) Reset(ctx context.Context, resource string) error {
	for _, table := range []string{"documents", "properties"} {
		if _, err := db.conn.ExecContext(ctx,
			`DELETE FROM `+table+` WHERE resource = ?`, resource); err != nil {
			return fmt.Errorf("failed to reset %s of %s: %w", table, resource, err)
		}
	}
	return nil
}

const cleanKey = "clean"

// SetClean records whether the volume was closed cleanly.
func (db *DB) SetClean(ctx context.Context, clean bool) error {
	value := "0"
	if clean {
		value = "1"
	}
	_, err := db.conn.ExecContext(ctx, `
	INSERT INTO meta (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, cleanKey, value)
	if err != nil {
		return fmt.Errorf("failed to set clean flag: %w", err)
	}
	return nil
}

// IsClean reports whether the last session closed cleanly. A database that
// never recorded the flag is not clean.
func (db *DB) IsClean(ctx context.Context) (bool, error) {
	var value string
	err := db.conn.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, cleanKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read clean flag: %w", err)
	}
	return value == "1", nil
}
