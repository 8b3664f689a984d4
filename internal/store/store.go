// Package store provides the embedded, crash-durable swap store: two
// keyspaces (swap/{swap_id}, active_peer/{peer_id}) backed by SQLite, with
// compare-and-swap event append so D can replay "have I already done this
// step?" without re-scanning the ledger.
package store

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/klingon-exchange/swapmaker/pkg/logging"
)

// Sentinel errors, part of the spec §7 taxonomy owned by this package.
var (
	ErrSwapNotFound      = errors.New("store: swap not found")
	ErrSwapHeaderMismatch = errors.New("store: swap already exists with a different header")
	ErrEventAlreadySet   = errors.New("store: event slot already populated")
	ErrStoreCorrupt      = errors.New("store: compare-and-swap mismatch, concurrent writer touched this swap")
)

// recordVersion is the CAS version a newly inserted swap row starts at;
// SaveEvent increments the row's version once per recorded event.
const recordVersion = 1

// Store is the embedded swap store.
type Store struct {
	db  *sql.DB
	mu  sync.Mutex // serializes CAS updates; SQLite itself only allows one writer anyway
	log *logging.Logger
}

// Config holds store configuration.
type Config struct {
	DataDir string
}

// New opens (creating if needed) the swap store under cfg.DataDir.
func New(cfg *Config) (*Store, error) {
	dataDir := expandPath(cfg.DataDir)
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("store: create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, "swapmaker.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping database: %w", err)
	}

	db.SetMaxOpenConns(1) // SQLite only supports one writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, log: logging.GetDefault().Component("store")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: init schema: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS swaps (
		swap_id TEXT PRIMARY KEY,
		header_json TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS swap_events (
		swap_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		event_json TEXT NOT NULL,
		recorded_at INTEGER NOT NULL,
		PRIMARY KEY (swap_id, event_type)
	);

	CREATE TABLE IF NOT EXISTS active_peers (
		peer_id TEXT PRIMARY KEY,
		added_at INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SwapHeader is the immutable portion of a swap record (spec §3).
type SwapHeader struct {
	SwapID              string          `json:"swap_id"`
	Role                string          `json:"role"` // "BtcForDai" | "DaiForBtc"
	HbitParams          json.RawMessage `json:"hbit_params"`
	Herc20Params        json.RawMessage `json:"herc20_params"`
	SecretHash          string          `json:"secret_hash"` // hex
	Secret              string          `json:"secret,omitempty"` // hex, only set for the secret-originating role
	StartOfSwapUnixNano int64           `json:"start_of_swap_unix_nano"`
	CounterpartyPeerID  string          `json:"counterparty_peer_id"`
}

// StartOfSwap returns the header's start time.
func (h SwapHeader) StartOfSwap() time.Time { return time.Unix(0, h.StartOfSwapUnixNano) }

// InsertSwap inserts a new swap header, idempotent on an identical header and
// erroring on re-insertion with a different one.
func (s *Store) InsertSwap(header SwapHeader) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("store: marshal header: %w", err)
	}

	var existing string
	err = s.db.QueryRow(`SELECT header_json FROM swaps WHERE swap_id = ?`, header.SwapID).Scan(&existing)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err := s.db.Exec(
			`INSERT INTO swaps (swap_id, header_json, version, created_at) VALUES (?, ?, ?, ?)`,
			header.SwapID, string(headerJSON), recordVersion, time.Now().Unix(),
		)
		return err
	case err != nil:
		return fmt.Errorf("store: query existing header: %w", err)
	default:
		if existing != string(headerJSON) {
			return ErrSwapHeaderMismatch
		}
		return nil // idempotent re-insertion of the same header
	}
}

// AllSwaps enumerates every persisted swap header, used on startup to
// respawn D instances.
func (s *Store) AllSwaps() ([]SwapHeader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.Query(`SELECT header_json FROM swaps ORDER BY created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var headers []SwapHeader
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var h SwapHeader
		if err := json.Unmarshal([]byte(raw), &h); err != nil {
			return nil, fmt.Errorf("store: unmarshal header: %w", err)
		}
		headers = append(headers, h)
	}
	return headers, rows.Err()
}

// RemoveSwap deletes a swap's header and event log, called by E after D's
// terminal event.
func (s *Store) RemoveSwap(swapID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM swap_events WHERE swap_id = ?`, swapID); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM swaps WHERE swap_id = ?`, swapID); err != nil {
		return err
	}
	return tx.Commit()
}

// SaveEvent appends a phase event to the swap's log. It fails with
// ErrEventAlreadySet if the slot is populated (monotone log) and with
// ErrStoreCorrupt if expectedVersion doesn't match the swap's current
// version (a concurrent writer touched the record).
func (s *Store) SaveEvent(swapID, eventType string, event any, expectedVersion int) (newVersion int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	eventJSON, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("store: marshal event: %w", err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.QueryRow(`SELECT version FROM swaps WHERE swap_id = ?`, swapID).Scan(&currentVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSwapNotFound
	}
	if err != nil {
		return 0, err
	}
	if currentVersion != expectedVersion {
		return 0, ErrStoreCorrupt
	}

	var exists int
	err = tx.QueryRow(`SELECT 1 FROM swap_events WHERE swap_id = ? AND event_type = ?`, swapID, eventType).Scan(&exists)
	if err == nil {
		return 0, ErrEventAlreadySet
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	if _, err := tx.Exec(
		`INSERT INTO swap_events (swap_id, event_type, event_json, recorded_at) VALUES (?, ?, ?, ?)`,
		swapID, eventType, string(eventJSON), time.Now().Unix(),
	); err != nil {
		return 0, err
	}

	res, err := tx.Exec(
		`UPDATE swaps SET version = version + 1 WHERE swap_id = ? AND version = ?`,
		swapID, expectedVersion,
	)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if affected == 0 {
		return 0, ErrStoreCorrupt
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return expectedVersion + 1, nil
}

// LoadEvent loads a previously recorded event into dst, reporting whether one
// was found. Used by do_once to check idempotency before touching the ledger.
func (s *Store) LoadEvent(swapID, eventType string, dst any) (found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var raw string
	err = s.db.QueryRow(
		`SELECT event_json FROM swap_events WHERE swap_id = ? AND event_type = ?`,
		swapID, eventType,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("store: unmarshal event: %w", err)
	}
	return true, nil
}

// SwapVersion returns the current CAS version for a swap, used by callers
// that need to seed expectedVersion before their first SaveEvent call.
func (s *Store) SwapVersion(swapID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var version int
	err := s.db.QueryRow(`SELECT version FROM swaps WHERE swap_id = ?`, swapID).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrSwapNotFound
	}
	return version, err
}

// InsertActivePeer marks peerID as having an in-flight swap with us.
func (s *Store) InsertActivePeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(
		`INSERT INTO active_peers (peer_id, added_at) VALUES (?, ?) ON CONFLICT(peer_id) DO NOTHING`,
		peerID, time.Now().Unix(),
	)
	return err
}

// RemoveActivePeer clears the active-peer marker for peerID.
func (s *Store) RemoveActivePeer(peerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec(`DELETE FROM active_peers WHERE peer_id = ?`, peerID)
	return err
}

// IsActivePeer reports whether peerID currently has an in-flight swap.
func (s *Store) IsActivePeer(peerID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exists int
	err := s.db.QueryRow(`SELECT 1 FROM active_peers WHERE peer_id = ?`, peerID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}
