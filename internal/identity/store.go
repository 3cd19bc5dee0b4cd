// Package identity implements the tunnel's persistent tunnel_id registry:
// crash-survivable allocation, reclaim on workstation reconnect, and
// online/offline presence. Persistence is grounded on the teacher's sibling
// module (desktop/d1-shim) which already reaches for modernc.org/sqlite for
// durable local state instead of a hand-rolled flat file — sqlite's own
// transaction commit (default rollback journal) is the atomic durability
// boundary.
package identity

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Record is the durable {tunnel_id, name, last_seen} tuple.
type Record struct {
	TunnelID string
	Name     string
	LastSeen time.Time
}

// Store persists Records in a local sqlite database.
type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if absent) the sqlite-backed identity store at
// path. Use ":memory:" for tests.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("identity: open store: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers anyway

	const schema = `
CREATE TABLE IF NOT EXISTS tunnel_identities (
	tunnel_id TEXT PRIMARY KEY,
	name      TEXT NOT NULL,
	last_seen INTEGER NOT NULL
);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("identity: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put upserts a record, its write committing atomically via sqlite's own
// transaction machinery.
func (s *Store) Put(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO tunnel_identities (tunnel_id, name, last_seen) VALUES (?, ?, ?)
ON CONFLICT(tunnel_id) DO UPDATE SET name = excluded.name, last_seen = excluded.last_seen`,
		rec.TunnelID, rec.Name, rec.LastSeen.Unix())
	if err != nil {
		return fmt.Errorf("identity: put %s: %w", rec.TunnelID, err)
	}
	return nil
}

// Get loads a record by tunnel_id. Returns (Record{}, false, nil) if absent.
func (s *Store) Get(ctx context.Context, tunnelID string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `SELECT tunnel_id, name, last_seen FROM tunnel_identities WHERE tunnel_id = ?`, tunnelID)
	var rec Record
	var lastSeen int64
	if err := row.Scan(&rec.TunnelID, &rec.Name, &lastSeen); err != nil {
		if err == sql.ErrNoRows {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("identity: get %s: %w", tunnelID, err)
	}
	rec.LastSeen = time.Unix(lastSeen, 0)
	return rec, true, nil
}
