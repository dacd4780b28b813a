package db

import (
	"bytes"
	"path/filepath"
	"testing"
)

func setupTestDB(t *testing.T) *Database {
	t.Helper()

	db, err := New(filepath.Join(t.TempDir(), "nested", "test.db"))
	if err != nil {
		t.Fatalf("Failed to create database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// concat stands in for a real merge so the folded parts stay visible
func concat(parts [][]byte) ([]byte, error) {
	return bytes.Join(parts, []byte("|")), nil
}

func TestDocumentOperations(t *testing.T) {
	db := setupTestDB(t)

	if err := db.CreateDocument("42", "Notes"); err != nil {
		t.Fatalf("Failed to create document: %v", err)
	}
	// an empty title keeps the stored one
	if err := db.CreateDocument("42", ""); err != nil {
		t.Fatalf("Failed to upsert document: %v", err)
	}

	doc, err := db.GetDocument("42")
	if err != nil {
		t.Fatalf("Failed to get document: %v", err)
	}
	if doc == nil || doc.Title != "Notes" {
		t.Fatalf("Expected document titled 'Notes', got %+v", doc)
	}

	doc, err = db.GetDocument("missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if doc != nil {
		t.Error("Missing document should return nil")
	}

	docs, err := db.ListDocuments(10, 0)
	if err != nil {
		t.Fatalf("Failed to list documents: %v", err)
	}
	if len(docs) != 1 {
		t.Errorf("Expected 1 document, got %d", len(docs))
	}
}

func TestUpdateLog(t *testing.T) {
	db := setupTestDB(t)

	var seqs []int64
	for _, u := range []string{"a", "b", "c"} {
		seq, err := db.AppendUpdate("1", "alice", []byte(u))
		if err != nil {
			t.Fatalf("Failed to append update: %v", err)
		}
		seqs = append(seqs, seq)
	}
	if _, err := db.AppendUpdate("2", "bob", []byte("other")); err != nil {
		t.Fatalf("Failed to append update: %v", err)
	}

	if !(seqs[0] < seqs[1] && seqs[1] < seqs[2]) {
		t.Fatalf("Expected increasing seqs, got %v", seqs)
	}

	updates, err := db.UpdatesAfter("1", seqs[0])
	if err != nil {
		t.Fatalf("Failed to read updates: %v", err)
	}
	if len(updates) != 2 {
		t.Fatalf("Expected 2 updates, got %d", len(updates))
	}
	if string(updates[0].Data) != "b" || updates[0].UserID != "alice" {
		t.Errorf("Unexpected first update %+v", updates[0])
	}

	count, err := db.PendingUpdateCount("1")
	if err != nil {
		t.Fatalf("Failed to count updates: %v", err)
	}
	if count != 3 {
		t.Errorf("Expected 3 pending updates, got %d", count)
	}

	doc, err := db.GetDocument("1")
	if err != nil || doc == nil {
		t.Fatalf("Appending should create the document: %v", err)
	}
}

func TestRewriteSnapshotFoldsLog(t *testing.T) {
	db := setupTestDB(t)

	var seqs []int64
	for _, u := range []string{"a", "b", "c", "d"} {
		seq, err := db.AppendUpdate("1", "", []byte(u))
		if err != nil {
			t.Fatalf("Failed to append update: %v", err)
		}
		seqs = append(seqs, seq)
	}

	snap, err := db.RewriteSnapshot("1", seqs[1], concat)
	if err != nil {
		t.Fatalf("Failed to rewrite snapshot: %v", err)
	}
	if string(snap.Data) != "a|b" || snap.Seq != seqs[1] {
		t.Errorf("Unexpected snapshot %q at %d", snap.Data, snap.Seq)
	}

	count, _ := db.PendingUpdateCount("1")
	if count != 2 {
		t.Errorf("Expected 2 pending updates, got %d", count)
	}

	// a full fold with an incoming state merges it last
	snap, err = db.RewriteSnapshot("1", -1, concat, []byte("live"))
	if err != nil {
		t.Fatalf("Failed to rewrite snapshot: %v", err)
	}
	if string(snap.Data) != "a|b|c|d|live" || snap.Seq != seqs[3] {
		t.Errorf("Unexpected snapshot %q at %d", snap.Data, snap.Seq)
	}

	stored, err := db.GetSnapshot("1")
	if err != nil || stored == nil {
		t.Fatalf("Failed to get snapshot: %v", err)
	}
	if !bytes.Equal(stored.Data, snap.Data) || stored.Seq != snap.Seq {
		t.Errorf("Stored snapshot differs: %+v", stored)
	}

	remaining, _ := db.UpdatesAfter("1", 0)
	if len(remaining) != 0 {
		t.Errorf("Folded updates should be dropped, %d left", len(remaining))
	}

	// a stale cut never moves the snapshot backwards
	snap, err = db.RewriteSnapshot("1", seqs[0], concat)
	if err != nil {
		t.Fatalf("Failed to rewrite snapshot: %v", err)
	}
	if snap.Seq != seqs[3] {
		t.Errorf("Snapshot seq moved back to %d", snap.Seq)
	}
}

func TestSnapshotOfUnknownDocument(t *testing.T) {
	db := setupTestDB(t)

	snap, err := db.GetSnapshot("missing")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if snap != nil {
		t.Error("Missing snapshot should return nil")
	}
}

func TestPermissions(t *testing.T) {
	db := setupTestDB(t)

	if _, ok, err := db.GetPermission("1", "alice"); err != nil || ok {
		t.Fatalf("Expected no permission, got ok=%v err=%v", ok, err)
	}

	if err := db.SetPermission("1", "alice", "viewer"); err != nil {
		t.Fatalf("Failed to set permission: %v", err)
	}
	if err := db.SetPermission("1", "alice", "owner"); err != nil {
		t.Fatalf("Failed to update permission: %v", err)
	}

	role, ok, err := db.GetPermission("1", "alice")
	if err != nil || !ok {
		t.Fatalf("Expected permission, got ok=%v err=%v", ok, err)
	}
	if role != "owner" {
		t.Errorf("Expected role 'owner', got '%s'", role)
	}
}

func TestDeleteDocument(t *testing.T) {
	db := setupTestDB(t)

	db.AppendUpdate("1", "", []byte("a"))
	db.RewriteSnapshot("1", -1, concat)
	db.AppendUpdate("1", "", []byte("b"))
	db.SetPermission("1", "alice", "editor")
	db.AppendUpdate("2", "", []byte("keep"))

	if err := db.DeleteDocument("1"); err != nil {
		t.Fatalf("Failed to delete document: %v", err)
	}

	stats, err := db.GetStats()
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	want := Stats{Documents: 1, Updates: 1}
	if stats != want {
		t.Errorf("Expected %+v, got %+v", want, stats)
	}
}
