// Package db is the sqlite storage of the reference document store: documents,
// their append-only update log, one compacted snapshot per document and
// per-user permissions.
package db

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

type Database struct {
	db *sql.DB
}

type Document struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Update is one entry of a document's log. Seq grows monotonically across
// all documents.
type Update struct {
	Seq       int64
	UserID    string
	Data      []byte
	CreatedAt time.Time
}

// Snapshot folds every update with seq <= Seq
type Snapshot struct {
	Data      []byte
	Seq       int64
	UpdatedAt time.Time
}

// MergeFunc combines a snapshot and the updates that follow it into a new
// snapshot. parts starts with the current snapshot when one exists.
type MergeFunc func(parts [][]byte) ([]byte, error)

func New(dbPath string) (*Database, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// One connection serializes writers; snapshot rewrites are read-modify-write
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := createTables(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Database{db: db}, nil
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS document_updates (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL DEFAULT '',
		update_data BLOB NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_document_updates_document ON document_updates(document_id, seq);

	CREATE TABLE IF NOT EXISTS document_snapshots (
		document_id TEXT PRIMARY KEY,
		snapshot_data BLOB NOT NULL,
		snapshot_seq INTEGER NOT NULL DEFAULT 0,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS document_permissions (
		document_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		role TEXT NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (document_id, user_id)
	);
	`

	_, err := db.Exec(schema)
	return err
}

func (d *Database) Close() error {
	return d.db.Close()
}

// Document operations

// CreateDocument creates id if missing. A non-empty title overwrites the
// stored one.
func (d *Database) CreateDocument(id, title string) error {
	_, err := d.db.Exec(`
		INSERT INTO documents (id, title) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = CASE WHEN excluded.title = '' THEN documents.title ELSE excluded.title END,
			updated_at = CURRENT_TIMESTAMP
	`, id, title)
	return err
}

func (d *Database) GetDocument(id string) (*Document, error) {
	row := d.db.QueryRow(
		"SELECT id, title, created_at, updated_at FROM documents WHERE id = ?",
		id,
	)

	var doc Document
	err := row.Scan(&doc.ID, &doc.Title, &doc.CreatedAt, &doc.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (d *Database) ListDocuments(limit, offset int) ([]Document, error) {
	rows, err := d.db.Query(
		"SELECT id, title, created_at, updated_at FROM documents ORDER BY updated_at DESC, id LIMIT ? OFFSET ?",
		limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		var doc Document
		if err := rows.Scan(&doc.ID, &doc.Title, &doc.CreatedAt, &doc.UpdatedAt); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// DeleteDocument removes the document with its log, snapshot and permissions
func (d *Database) DeleteDocument(id string) error {
	tx, err := d.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, stmt := range []string{
		"DELETE FROM document_updates WHERE document_id = ?",
		"DELETE FROM document_snapshots WHERE document_id = ?",
		"DELETE FROM document_permissions WHERE document_id = ?",
		"DELETE FROM documents WHERE id = ?",
	} {
		if _, err := tx.Exec(stmt, id); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// Update log operations

// AppendUpdate stores update and returns its seq
func (d *Database) AppendUpdate(documentID, userID string, update []byte) (int64, error) {
	if err := d.CreateDocument(documentID, ""); err != nil {
		return 0, err
	}

	result, err := d.db.Exec(
		"INSERT INTO document_updates (document_id, user_id, update_data) VALUES (?, ?, ?)",
		documentID, userID, update,
	)
	if err != nil {
		return 0, err
	}
	return result.LastInsertId()
}

// UpdatesAfter returns the log entries with seq > afterSeq in seq order
func (d *Database) UpdatesAfter(documentID string, afterSeq int64) ([]Update, error) {
	return queryUpdates(d.db, `
		SELECT seq, user_id, update_data, created_at FROM document_updates
		WHERE document_id = ? AND seq > ? ORDER BY seq ASC
	`, documentID, afterSeq)
}

// PendingUpdateCount counts updates not yet folded into the snapshot
func (d *Database) PendingUpdateCount(documentID string) (int, error) {
	var count int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM document_updates
		WHERE document_id = ? AND seq > COALESCE((SELECT snapshot_seq FROM document_snapshots WHERE document_id = ?), 0)
	`, documentID, documentID).Scan(&count)
	return count, err
}

type querier interface {
	Query(query string, args ...any) (*sql.Rows, error)
}

func queryUpdates(q querier, query string, args ...any) ([]Update, error) {
	rows, err := q.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var updates []Update
	for rows.Next() {
		var u Update
		if err := rows.Scan(&u.Seq, &u.UserID, &u.Data, &u.CreatedAt); err != nil {
			return nil, err
		}
		updates = append(updates, u)
	}
	return updates, rows.Err()
}

// Snapshot operations

func (d *Database) GetSnapshot(documentID string) (*Snapshot, error) {
	return getSnapshot(d.db, documentID)
}

func getSnapshot(q interface {
	QueryRow(query string, args ...any) *sql.Row
}, documentID string) (*Snapshot, error) {
	var s Snapshot
	err := q.QueryRow(
		"SELECT snapshot_data, snapshot_seq, updated_at FROM document_snapshots WHERE document_id = ?",
		documentID,
	).Scan(&s.Data, &s.Seq, &s.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// RewriteSnapshot folds the snapshot and every update with seq <= throughSeq
// into a new snapshot using merge, then drops the folded updates. A negative
// throughSeq folds the whole log. extra parts are merged last.
func (d *Database) RewriteSnapshot(documentID string, throughSeq int64, merge MergeFunc, extra ...[]byte) (*Snapshot, error) {
	if err := d.CreateDocument(documentID, ""); err != nil {
		return nil, err
	}

	tx, err := d.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	current, err := getSnapshot(tx, documentID)
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	if throughSeq < 0 {
		if err := tx.QueryRow(
			"SELECT COALESCE(MAX(seq), 0) FROM document_updates WHERE document_id = ?",
			documentID,
		).Scan(&throughSeq); err != nil {
			return nil, fmt.Errorf("read last seq: %w", err)
		}
	}

	var parts [][]byte
	floor := int64(0)
	if current != nil {
		parts = append(parts, current.Data)
		floor = current.Seq
	}
	if throughSeq < floor {
		throughSeq = floor
	}

	updates, err := queryUpdates(tx, `
		SELECT seq, user_id, update_data, created_at FROM document_updates
		WHERE document_id = ? AND seq <= ? ORDER BY seq ASC
	`, documentID, throughSeq)
	if err != nil {
		return nil, fmt.Errorf("read updates: %w", err)
	}
	for _, u := range updates {
		parts = append(parts, u.Data)
	}
	parts = append(parts, extra...)

	data, err := merge(parts)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO document_snapshots (document_id, snapshot_data, snapshot_seq, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(document_id) DO UPDATE SET
			snapshot_data = excluded.snapshot_data,
			snapshot_seq = excluded.snapshot_seq,
			updated_at = CURRENT_TIMESTAMP
	`, documentID, data, throughSeq); err != nil {
		return nil, fmt.Errorf("save snapshot: %w", err)
	}
	if _, err := tx.Exec(
		"DELETE FROM document_updates WHERE document_id = ? AND seq <= ?",
		documentID, throughSeq,
	); err != nil {
		return nil, fmt.Errorf("drop folded updates: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Snapshot{Data: data, Seq: throughSeq, UpdatedAt: time.Now().UTC()}, nil
}

// Permission operations

func (d *Database) SetPermission(documentID, userID, role string) error {
	if err := d.CreateDocument(documentID, ""); err != nil {
		return err
	}
	_, err := d.db.Exec(`
		INSERT INTO document_permissions (document_id, user_id, role) VALUES (?, ?, ?)
		ON CONFLICT(document_id, user_id) DO UPDATE SET
			role = excluded.role,
			updated_at = CURRENT_TIMESTAMP
	`, documentID, userID, role)
	return err
}

// GetPermission returns the stored role name and whether one exists
func (d *Database) GetPermission(documentID, userID string) (string, bool, error) {
	var role string
	err := d.db.QueryRow(
		"SELECT role FROM document_permissions WHERE document_id = ? AND user_id = ?",
		documentID, userID,
	).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return role, true, nil
}

// Stats

type Stats struct {
	Documents   int `json:"documents"`
	Updates     int `json:"updates"`
	Snapshots   int `json:"snapshots"`
	Permissions int `json:"permissions"`
}

func (d *Database) GetStats() (Stats, error) {
	var s Stats
	for _, q := range []struct {
		table string
		dest  *int
	}{
		{"documents", &s.Documents},
		{"document_updates", &s.Updates},
		{"document_snapshots", &s.Snapshots},
		{"document_permissions", &s.Permissions},
	} {
		if err := d.db.QueryRow("SELECT COUNT(*) FROM " + q.table).Scan(q.dest); err != nil {
			return Stats{}, err
		}
	}
	return s, nil
}
