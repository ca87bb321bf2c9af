package persist

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// LedgerRow records one persisted snapshot and the fingerprint it had.
type LedgerRow struct {
	Tick        uint64
	Fingerprint string
	Entities    int
	Projectiles int
	Path        string
	SavedAt     time.Time
}

// Ledger is an append-only SQLite index of persisted snapshots.
type Ledger struct {
	db *sql.DB
}

// OpenLedger opens (or creates) the ledger database at path.
func OpenLedger(path string) (*Ledger, error) {
	if path == "" {
		return nil, fmt.Errorf("empty ledger path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		`CREATE TABLE IF NOT EXISTS snapshots (
			tick INTEGER PRIMARY KEY,
			fingerprint TEXT NOT NULL,
			entities INTEGER NOT NULL,
			projectiles INTEGER NOT NULL,
			path TEXT NOT NULL,
			saved_at TEXT NOT NULL
		);`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return &Ledger{db: db}, nil
}

// Record upserts a row; persisting the same tick twice keeps the latest write.
func (l *Ledger) Record(ctx context.Context, row LedgerRow) error {
	if l == nil {
		return nil
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO snapshots (tick, fingerprint, entities, projectiles, path, saved_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tick) DO UPDATE SET
		   fingerprint=excluded.fingerprint,
		   entities=excluded.entities,
		   projectiles=excluded.projectiles,
		   path=excluded.path,
		   saved_at=excluded.saved_at`,
		int64(row.Tick), row.Fingerprint, row.Entities, row.Projectiles, row.Path,
		row.SavedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// Lookup returns the row recorded for tick.
func (l *Ledger) Lookup(ctx context.Context, tick uint64) (LedgerRow, bool, error) {
	if l == nil {
		return LedgerRow{}, false, nil
	}
	row := l.db.QueryRowContext(ctx,
		`SELECT tick, fingerprint, entities, projectiles, path, saved_at FROM snapshots WHERE tick = ?`, int64(tick))
	out, err := scanRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return LedgerRow{}, false, nil
	}
	if err != nil {
		return LedgerRow{}, false, err
	}
	return out, true, nil
}

// Recent returns up to limit rows, newest tick first.
func (l *Ledger) Recent(ctx context.Context, limit int) ([]LedgerRow, error) {
	if l == nil {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT tick, fingerprint, entities, projectiles, path, saved_at FROM snapshots ORDER BY tick DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []LedgerRow
	for rows.Next() {
		row, err := scanRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// Close releases the database handle.
func (l *Ledger) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRow(s scanner) (LedgerRow, error) {
	var (
		tick    int64
		savedAt string
		row     LedgerRow
	)
	if err := s.Scan(&tick, &row.Fingerprint, &row.Entities, &row.Projectiles, &row.Path, &savedAt); err != nil {
		return LedgerRow{}, err
	}
	row.Tick = uint64(tick)
	parsed, err := time.Parse(time.RFC3339Nano, savedAt)
	if err != nil {
		return LedgerRow{}, fmt.Errorf("parse saved_at: %w", err)
	}
	row.SavedAt = parsed
	return row, nil
}
