// Package store provides the demo server's persistent state backed by an
// embedded SQLite database: its own server-name setting, and a directory
// of named peer devices that have connected at least once. The transport
// core itself stays storage-free (spec §6.4); this package exists only so
// cmd/streamserver can survive restarts with a stable identity.
//
// Migration design adapted from server/store/store.go: SQL statements are
// kept in the [migrations] slice as ordered strings, each applied exactly
// once, with the applied version tracked in schema_migrations. To add a
// migration, append a new string — never edit or reorder existing entries.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"

	_ "modernc.org/sqlite"
)

var migrations = []string{
	// v1 — settings key/value store
	`CREATE TABLE IF NOT EXISTS settings (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`,
	// v2 — named peer devices
	`CREATE TABLE IF NOT EXISTS peers (
		device_id   TEXT PRIMARY KEY,
		label       TEXT NOT NULL DEFAULT '',
		last_addr   TEXT NOT NULL DEFAULT '',
		last_seen   INTEGER NOT NULL DEFAULT (unixepoch())
	)`,
	// v3 — enable WAL mode
	`PRAGMA journal_mode=WAL`,
}

// Store wraps a SQLite database and exposes the demo server's state
// operations.
type Store struct {
	db *sql.DB
}

// New opens (or creates) the SQLite database at path and applies any
// pending migrations. Use ":memory:" for ephemeral in-process storage
// (tests).
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		slog.Default().Warn("store: busy_timeout", "err", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version    INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
	if err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(
		`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`,
	).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for i, stmt := range migrations {
		v := i + 1
		if v <= current {
			continue
		}
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migration %d: %w", v, err)
		}
		if _, err := s.db.Exec(
			`INSERT INTO schema_migrations(version) VALUES(?)`, v,
		); err != nil {
			return fmt.Errorf("record migration %d: %w", v, err)
		}
	}
	return nil
}

// GetSetting returns the value stored under key. The second return value
// is false when the key does not exist; an error is only returned for
// real I/O failures.
func (s *Store) GetSetting(key string) (string, bool, error) {
	var val string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&val)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

// SetSetting upserts key → value in the settings table.
func (s *Store) SetSetting(key, value string) error {
	_, err := s.db.Exec(
		`INSERT INTO settings(key, value) VALUES(?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, value,
	)
	return err
}

// Peer is a device that has completed the HELLO handshake at least once.
type Peer struct {
	DeviceID string
	Label    string
	LastAddr string
	LastSeen int64
}

// TouchPeer upserts a peer's last-known address and bumps last_seen to
// now, assigning deviceID as its own label on first contact.
func (s *Store) TouchPeer(deviceID, addr string) error {
	_, err := s.db.Exec(
		`INSERT INTO peers(device_id, label, last_addr, last_seen)
		 VALUES(?, ?, ?, unixepoch())
		 ON CONFLICT(device_id) DO UPDATE SET
		   last_addr = excluded.last_addr,
		   last_seen = excluded.last_seen`,
		deviceID, deviceID, addr,
	)
	return err
}

// RenamePeer sets a human-readable label for an already-known peer.
func (s *Store) RenamePeer(deviceID, label string) error {
	res, err := s.db.Exec(`UPDATE peers SET label = ? WHERE device_id = ?`, label, deviceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: no such peer %q", deviceID)
	}
	return nil
}

// ListPeers returns every known peer, most recently seen first.
func (s *Store) ListPeers() ([]Peer, error) {
	rows, err := s.db.Query(`SELECT device_id, label, last_addr, last_seen FROM peers ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Peer
	for rows.Next() {
		var p Peer
		if err := rows.Scan(&p.DeviceID, &p.Label, &p.LastAddr, &p.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// PeerCount reports how many distinct peers have ever connected.
func (s *Store) PeerCount() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM peers`).Scan(&n)
	return n, err
}

// GetAllSettings returns every key/value pair in the settings table.
func (s *Store) GetAllSettings() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// Optimize runs SQLite's query-planner optimizer; intended to be called
// periodically by a long-running server.
func (s *Store) Optimize() error {
	_, err := s.db.Exec(`PRAGMA optimize`)
	return err
}
