package db

import (
	"errors"
	"testing"
	"time"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := New(t.TempDir() + "/test.db")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestWALModeWithFile(t *testing.T) {
	db := newTestDB(t)

	var journalMode string
	if err := db.conn.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatalf("Failed to query journal_mode: %v", err)
	}
	if journalMode != "wal" {
		t.Errorf("Expected journal_mode to be 'wal' for file database, got: %s", journalMode)
	}

	var busyTimeout int
	if err := db.conn.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatalf("Failed to query busy_timeout: %v", err)
	}
	if busyTimeout != 5000 {
		t.Errorf("Expected busy_timeout to be 5000, got: %d", busyTimeout)
	}
}

func TestSessionsSchema(t *testing.T) {
	db := newTestDB(t)

	var tableExists int
	err := db.conn.QueryRow(`
		SELECT COUNT(*) FROM sqlite_master
		WHERE type = 'table' AND name = 'sessions'
	`).Scan(&tableExists)
	if err != nil {
		t.Fatalf("Failed to inspect schema: %v", err)
	}
	if tableExists != 1 {
		t.Fatalf("Expected sessions table to exist")
	}

	if _, err := db.conn.Exec("INSERT INTO sessions (id, user_id, email, token) VALUES (2, 1, 'a', x'00')"); err == nil {
		t.Error("Expected a second session row to be rejected")
	}
}

func TestLoadSessionEmpty(t *testing.T) {
	db := newTestDB(t)

	if _, err := db.LoadSession(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Expected ErrNoSession, got: %v", err)
	}
}

func TestSaveAndLoadSession(t *testing.T) {
	db := newTestDB(t)

	expires := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := db.SaveSession(Session{UserID: 42, Email: "rostam@example.com", Token: []byte{1, 2, 3}, ExpiresAt: expires}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	s, err := db.LoadSession()
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if s.UserID != 42 || s.Email != "rostam@example.com" {
		t.Errorf("Unexpected session: %+v", s)
	}
	if string(s.Token) != string([]byte{1, 2, 3}) {
		t.Errorf("Token round trip mismatch: %v", s.Token)
	}
	if !s.ExpiresAt.Equal(expires) {
		t.Errorf("Expected expiry %v, got %v", expires, s.ExpiresAt)
	}

	// a second save replaces the row
	if err := db.SaveSession(Session{UserID: 7, Email: "shirin@example.com", Token: []byte{9}}); err != nil {
		t.Fatalf("SaveSession failed: %v", err)
	}

	var count int
	db.conn.QueryRow("SELECT COUNT(*) FROM sessions").Scan(&count)
	if count != 1 {
		t.Fatalf("Expected exactly one session row, got %d", count)
	}

	s, err = db.LoadSession()
	if err != nil {
		t.Fatalf("LoadSession failed: %v", err)
	}
	if s.UserID != 7 || !s.ExpiresAt.IsZero() {
		t.Errorf("Expected replaced session without expiry, got %+v", s)
	}
}

func TestDeleteSession(t *testing.T) {
	db := newTestDB(t)

	if err := db.DeleteSession(); err != nil {
		t.Fatalf("DeleteSession on empty table failed: %v", err)
	}

	db.SaveSession(Session{UserID: 1, Email: "a@example.com", Token: []byte{1}})
	if err := db.DeleteSession(); err != nil {
		t.Fatalf("DeleteSession failed: %v", err)
	}
	if _, err := db.LoadSession(); !errors.Is(err, ErrNoSession) {
		t.Fatalf("Expected ErrNoSession after delete, got: %v", err)
	}
}
