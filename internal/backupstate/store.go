// Package backupstate is the durable key→record table of already-shipped
// bucket names (L2 in SPEC_FULL.md), plus the single-row crash-state record
// consumed at startup. It replaces TinyDB's backup_info / last_crash_info
// tables with two SQLite tables opened via database/sql, grounded on the
// teacher's mattn/go-sqlite3 usage in go/materialize/driver/sqlite.
package backupstate

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // registers the "sqlite3" driver.
)

// Record is a single backup bookkeeping row: {col_name, time} with upsert
// semantics keyed by col_name (spec.md §3, Backup record).
type Record struct {
	ColName string    `json:"col_name"`
	Time    time.Time `json:"time"`
}

// CrashState is the single row written at shutdown and consumed at startup
// if younger than five minutes (spec.md §3, Crash-state record).
type CrashState struct {
	Time              time.Time
	Sequence          map[string]*uint64
	LastMatchTradeID  map[string]*uint64
}

// Store owns both tables backing a single SQLite file.
type Store struct {
	db *sql.DB
}

// Open creates (if absent) the backup_info and last_crash_info tables in
// the SQLite database at path. Passing dropExisting true reproduces the
// original's non-production drop_table calls on startup.
func Open(path string, dropExisting bool) (*Store, error) {
	var db, err = sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("backupstate: opening %s: %w", path, err)
	}

	var s = &Store{db: db}
	if err := s.migrate(dropExisting); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(dropExisting bool) error {
	if dropExisting {
		if _, err := s.db.Exec(`DROP TABLE IF EXISTS backup_info`); err != nil {
			return fmt.Errorf("backupstate: dropping backup_info: %w", err)
		}
		if _, err := s.db.Exec(`DROP TABLE IF EXISTS last_crash_info`); err != nil {
			return fmt.Errorf("backupstate: dropping last_crash_info: %w", err)
		}
	}

	var stmts = []string{
		`CREATE TABLE IF NOT EXISTS backup_info (
			col_name TEXT PRIMARY KEY,
			time     TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS last_crash_info (
			id                   INTEGER PRIMARY KEY CHECK (id = 1),
			time                 TEXT NOT NULL,
			sequence             TEXT NOT NULL,
			last_match_trade_id  TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("backupstate: migrating schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

// Contains reports whether colName already has a backup_info row — the
// non-overwrite path's dedup check (spec.md §4.3 step 2).
func (s *Store) Contains(ctx context.Context, colName string) (bool, error) {
	var n int
	var err = s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM backup_info WHERE col_name = ?`, colName).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("backupstate: checking %s: %w", colName, err)
	}
	return n > 0, nil
}

// Get returns the backup_info row for colName, or ok=false if absent. Used
// by the overwrite path to test the one-hour re-ship window.
func (s *Store) Get(ctx context.Context, colName string) (record Record, ok bool, err error) {
	var timeStr string
	err = s.db.QueryRowContext(ctx, `SELECT col_name, time FROM backup_info WHERE col_name = ?`, colName).Scan(&record.ColName, &timeStr)
	if err == sql.ErrNoRows {
		return Record{}, false, nil
	}
	if err != nil {
		return Record{}, false, fmt.Errorf("backupstate: getting %s: %w", colName, err)
	}
	record.Time, err = time.Parse(time.RFC3339Nano, timeStr)
	if err != nil {
		return Record{}, false, fmt.Errorf("backupstate: parsing time for %s: %w", colName, err)
	}
	return record, true, nil
}

// Insert records a fresh shipment (non-overwrite path: insert-if-absent).
func (s *Store) Insert(ctx context.Context, r Record) error {
	var _, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO backup_info (col_name, time) VALUES (?, ?)`,
		r.ColName, r.Time.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("backupstate: inserting %s: %w", r.ColName, err)
	}
	return nil
}

// Upsert records a shipment, overwriting any existing row (overwrite path).
func (s *Store) Upsert(ctx context.Context, r Record) error {
	var _, err = s.db.ExecContext(ctx,
		`INSERT INTO backup_info (col_name, time) VALUES (?, ?)
		 ON CONFLICT(col_name) DO UPDATE SET time = excluded.time`,
		r.ColName, r.Time.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("backupstate: upserting %s: %w", r.ColName, err)
	}
	return nil
}

// SaveCrashState overwrites the single crash-state row.
func (s *Store) SaveCrashState(ctx context.Context, cs CrashState) error {
	var seqJSON, err = json.Marshal(cs.Sequence)
	if err != nil {
		return fmt.Errorf("backupstate: marshaling sequence map: %w", err)
	}
	var tradeJSON []byte
	tradeJSON, err = json.Marshal(cs.LastMatchTradeID)
	if err != nil {
		return fmt.Errorf("backupstate: marshaling last_match_trade_id map: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO last_crash_info (id, time, sequence, last_match_trade_id) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET time = excluded.time, sequence = excluded.sequence, last_match_trade_id = excluded.last_match_trade_id`,
		cs.Time.UTC().Format(time.RFC3339Nano), string(seqJSON), string(tradeJSON))
	if err != nil {
		return fmt.Errorf("backupstate: saving crash state: %w", err)
	}
	return nil
}

// LoadCrashState returns the persisted crash-state row, or ok=false if none
// has ever been written.
func (s *Store) LoadCrashState(ctx context.Context) (cs CrashState, ok bool, err error) {
	var timeStr, seqJSON, tradeJSON string
	err = s.db.QueryRowContext(ctx,
		`SELECT time, sequence, last_match_trade_id FROM last_crash_info WHERE id = 1`,
	).Scan(&timeStr, &seqJSON, &tradeJSON)
	if err == sql.ErrNoRows {
		return CrashState{}, false, nil
	}
	if err != nil {
		return CrashState{}, false, fmt.Errorf("backupstate: loading crash state: %w", err)
	}

	cs.Time, err = time.Parse(time.RFC3339Nano, timeStr)
	if err != nil {
		return CrashState{}, false, fmt.Errorf("backupstate: parsing crash state time: %w", err)
	}
	if err = json.Unmarshal([]byte(seqJSON), &cs.Sequence); err != nil {
		return CrashState{}, false, fmt.Errorf("backupstate: parsing crash state sequence: %w", err)
	}
	if err = json.Unmarshal([]byte(tradeJSON), &cs.LastMatchTradeID); err != nil {
		return CrashState{}, false, fmt.Errorf("backupstate: parsing crash state trade ids: %w", err)
	}
	return cs, true, nil
}
