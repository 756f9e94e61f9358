// Package history keeps a persistent log of completed status exchanges.
package history

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/dxnetwork/dxd/internal/status"
)

// Entry is one recorded exchange.
type Entry struct {
	ID         int64
	Peer       string
	Digest     string
	Result     string
	ReportedAt time.Time
	RecordedAt time.Time
}

// Log is a SQLite-backed append-only exchange log.
type Log struct {
	db *sql.DB
}

// Open opens (creating if needed) the history database at dbPath.
func Open(dbPath string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	l := &Log{db: db}
	if err := l.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Log) initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS exchanges (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		peer_id TEXT NOT NULL,
		digest TEXT NOT NULL,
		result TEXT NOT NULL,
		reported_at TIMESTAMP NOT NULL,
		recorded_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_exchanges_peer ON exchanges(peer_id);
	CREATE INDEX IF NOT EXISTS idx_exchanges_recorded ON exchanges(recorded_at);
	`
	_, err := l.db.Exec(schema)
	return err
}

// Append records the outcome of a completed exchange.
func (l *Log) Append(out status.Outcome) error {
	_, err := l.db.Exec(`
		INSERT INTO exchanges (peer_id, digest, result, reported_at)
		VALUES (?, ?, ?, ?)
	`,
		out.Peer.String(),
		hex.EncodeToString(out.PeerDigest[:]),
		out.Result.String(),
		out.PeerReportedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("appending exchange: %w", err)
	}
	return nil
}

// Recent returns up to limit entries, newest first.
func (l *Log) Recent(limit int) ([]Entry, error) {
	rows, err := l.db.Query(`
		SELECT id, peer_id, digest, result, reported_at, recorded_at
		FROM exchanges
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Peer, &e.Digest, &e.Result, &e.ReportedAt, &e.RecordedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}
