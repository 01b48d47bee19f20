package db

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var ErrNoSession = errors.New("no stored session")

type DB struct {
	conn *sql.DB
}

// Session is the signed-in user persisted between runs. Token is stored
// sealed; the db package never sees the plaintext.
type Session struct {
	UserID    int
	Email     string
	Token     []byte
	ExpiresAt time.Time
	CreatedAt time.Time
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// WAL lets the bridge read the session while the CLI rewrites it
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := conn.Exec("PRAGMA synchronous=NORMAL"); err != nil {
		return nil, fmt.Errorf("failed to set synchronous mode: %w", err)
	}

	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{conn: conn}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migration failed: %w", err)
	}

	return db, nil
}

func (db *DB) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		user_id INTEGER NOT NULL,
		email TEXT NOT NULL,
		token BLOB NOT NULL,
		expires_at INTEGER NOT NULL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);
	`

	_, err := db.conn.Exec(schema)
	return err
}

// SaveSession replaces the stored session.
func (db *DB) SaveSession(s Session) error {
	var expires int64
	if !s.ExpiresAt.IsZero() {
		expires = s.ExpiresAt.Unix()
	}

	_, err := db.conn.Exec(`
		INSERT INTO sessions (id, user_id, email, token, expires_at, created_at)
		VALUES (1, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			email = excluded.email,
			token = excluded.token,
			expires_at = excluded.expires_at,
			created_at = excluded.created_at
	`, s.UserID, s.Email, s.Token, expires)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

func (db *DB) LoadSession() (*Session, error) {
	var (
		s       Session
		expires int64
	)

	err := db.conn.QueryRow(
		"SELECT user_id, email, token, expires_at, created_at FROM sessions WHERE id = 1",
	).Scan(&s.UserID, &s.Email, &s.Token, &expires, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	if expires > 0 {
		s.ExpiresAt = time.Unix(expires, 0).UTC()
	}
	return &s, nil
}

func (db *DB) DeleteSession() error {
	if _, err := db.conn.Exec("DELETE FROM sessions"); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) GetConn() *sql.DB {
	return db.conn
}
