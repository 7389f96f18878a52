// Package store is the Postgres system of record for sequences,
// contacts, per-pair progress rows, tracking state, events, stats and
// OAuth accounts. All queries go through database/sql with lib/pq.
package store

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"

	_ "github.com/lib/pq"
)

// Store provides database operations for the sequence engine.
type Store struct {
	db *sql.DB
}

// NewStore creates a new store around an open connection pool.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying pool for transaction-scoped callers.
func (s *Store) DB() *sql.DB {
	return s.db
}

// NewTrackingHash returns a fresh opaque 32-hex-char tracking id.
func NewTrackingHash() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// Open connects to Postgres and verifies the connection.
func Open(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}
