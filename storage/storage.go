// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

// Package storage provides the append-only transfer-events store on top
// of PostgreSQL or SQLite. All reads go through database/sql with a
// small dialect shim; rows are never mutated once written.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
)

var ErrNotFound = errors.New("not found")

// TransferEvent is one row of the events table: a single token transfer
// submitted on-chain by a facilitator wallet.
type TransferEvent struct {
	ID           string    `json:"id"` // tx_hash:log_index
	TxHash       string    `json:"tx_hash"`
	LogIndex     int       `json:"log_index"`
	BlockNumber  uint64    `json:"block_number"`
	BlockTime    time.Time `json:"block_time"`
	TokenAddress string    `json:"token_address"`
	Facilitator  string    `json:"facilitator"` // tx sender wallet
	Sender       string    `json:"sender"`      // buyer
	Recipient    string    `json:"recipient"`   // seller
	Amount       string    `json:"amount"`      // base units, decimal string
}

// EventID builds the primary key for a transfer event.
func EventID(txHash string, logIndex int) string {
	return fmt.Sprintf("%s:%d", strings.ToLower(txHash), logIndex)
}

// Config for opening a store.
type Config struct {
	Backend Backend
	// URL is the Postgres connection string, or the SQLite file path.
	// ":memory:" opens an in-memory SQLite database.
	URL string
}

// Store wraps the SQL connection and its dialect.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the configured backend and verifies the connection.
func Open(cfg Config) (*Store, error) {
	dialect, err := DialectFor(cfg.Backend)
	if err != nil {
		return nil, err
	}

	var db *sql.DB
	switch cfg.Backend {
	case BackendPostgres:
		db, err = sql.Open("postgres", cfg.URL)
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	case BackendSQLite:
		dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_loc=UTC", cfg.URL)
		if cfg.URL == ":memory:" {
			dsn = "file::memory:?mode=memory&cache=shared&_loc=UTC"
		}
		db, err = sql.Open("sqlite3_decimal", dsn)
		if err == nil {
			// SQLite does not support concurrent writers.
			db.SetMaxOpenConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Backend, err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Backend, err)
	}

	return &Store{db: db, dialect: dialect}, nil
}

// DB exposes the underlying connection for read-only analytical queries.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Dialect returns the SQL dialect of the backing database.
func (s *Store) Dialect() Dialect {
	return s.dialect
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InitSchema creates the events table and its indexes if missing.
func (s *Store) InitSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS transfer_events (
			id            TEXT PRIMARY KEY,
			tx_hash       TEXT NOT NULL,
			log_index     INTEGER NOT NULL,
			block_number  BIGINT NOT NULL,
			block_time    TIMESTAMP NOT NULL,
			token_address TEXT NOT NULL,
			facilitator   TEXT NOT NULL,
			sender        TEXT NOT NULL,
			recipient     TEXT NOT NULL,
			amount        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_transfer_events_block_time ON transfer_events (block_time)`,
		`CREATE INDEX IF NOT EXISTS idx_transfer_events_facilitator ON transfer_events (facilitator)`,
		`CREATE INDEX IF NOT EXISTS idx_transfer_events_sender ON transfer_events (sender)`,
		`CREATE INDEX IF NOT EXISTS idx_transfer_events_recipient ON transfer_events (recipient)`,
		`CREATE INDEX IF NOT EXISTS idx_transfer_events_block_number ON transfer_events (block_number)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// InsertTransfer appends a transfer event. Inserting the same event
// twice is a no-op; the bool reports whether a new row was written.
func (s *Store) InsertTransfer(ctx context.Context, ev *TransferEvent) (bool, error) {
	if ev.ID == "" {
		ev.ID = EventID(ev.TxHash, ev.LogIndex)
	}

	var query string
	switch s.dialect.Backend() {
	case BackendSQLite:
		query = `INSERT OR IGNORE INTO transfer_events
			(id, tx_hash, log_index, block_number, block_time, token_address, facilitator, sender, recipient, amount)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	default:
		query = `INSERT INTO transfer_events
			(id, tx_hash, log_index, block_number, block_time, token_address, facilitator, sender, recipient, amount)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (id) DO NOTHING`
	}

	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(query),
		ev.ID, strings.ToLower(ev.TxHash), ev.LogIndex, ev.BlockNumber, ev.BlockTime.UTC(),
		strings.ToLower(ev.TokenAddress), strings.ToLower(ev.Facilitator),
		strings.ToLower(ev.Sender), strings.ToLower(ev.Recipient), ev.Amount,
	)
	if err != nil {
		return false, fmt.Errorf("insert transfer %s: %w", ev.ID, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// TransferFilter narrows transfer listings.
type TransferFilter struct {
	// FacilitatorAddrs restricts to transfers submitted by any of the
	// given (already normalized) addresses.
	FacilitatorAddrs []string
	// Address restricts to transfers where the address is the sender
	// or the recipient.
	Address string
}

// RecentTransfers returns transfers ordered newest first. It fetches
// limit+1 rows so callers can detect whether another page exists.
func (s *Store) RecentTransfers(ctx context.Context, limit, offset int, filter *TransferFilter) ([]TransferEvent, error) {
	query := `SELECT id, tx_hash, log_index, block_number, block_time, token_address, facilitator, sender, recipient, amount
		FROM transfer_events`
	var conds []string
	var args []interface{}

	if filter != nil {
		if len(filter.FacilitatorAddrs) > 0 {
			conds = append(conds, fmt.Sprintf("facilitator IN (%s)", Placeholders(len(filter.FacilitatorAddrs))))
			for _, a := range filter.FacilitatorAddrs {
				args = append(args, a)
			}
		}
		if filter.Address != "" {
			conds = append(conds, "(sender = ? OR recipient = ?)")
			args = append(args, filter.Address, filter.Address)
		}
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY block_number DESC, log_index DESC LIMIT ? OFFSET ?"
	args = append(args, limit+1, offset)

	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	var events []TransferEvent
	for rows.Next() {
		var ev TransferEvent
		if err := rows.Scan(&ev.ID, &ev.TxHash, &ev.LogIndex, &ev.BlockNumber, &ev.BlockTime,
			&ev.TokenAddress, &ev.Facilitator, &ev.Sender, &ev.Recipient, &ev.Amount); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		ev.BlockTime = ev.BlockTime.UTC()
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transfers: %w", err)
	}
	return events, nil
}

// GetTransfer returns a single event by id.
func (s *Store) GetTransfer(ctx context.Context, id string) (*TransferEvent, error) {
	query := s.dialect.Rebind(`SELECT id, tx_hash, log_index, block_number, block_time, token_address, facilitator, sender, recipient, amount
		FROM transfer_events WHERE id = ?`)

	var ev TransferEvent
	err := s.db.QueryRowContext(ctx, query, id).Scan(&ev.ID, &ev.TxHash, &ev.LogIndex, &ev.BlockNumber,
		&ev.BlockTime, &ev.TokenAddress, &ev.Facilitator, &ev.Sender, &ev.Recipient, &ev.Amount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transfer %s: %w", id, err)
	}
	ev.BlockTime = ev.BlockTime.UTC()
	return &ev, nil
}

// LatestBlock returns the highest indexed block number and its time.
// A store with no events returns (0, zero time, nil).
func (s *Store) LatestBlock(ctx context.Context) (uint64, time.Time, error) {
	// MAX() strips the declared column type on SQLite, so take the
	// epoch rather than scanning the timestamp directly.
	query := fmt.Sprintf(`SELECT MAX(block_number), MAX(%s) FROM transfer_events`,
		s.dialect.EpochExpr("block_time"))
	var number, epoch sql.NullInt64
	err := s.db.QueryRowContext(ctx, query).Scan(&number, &epoch)
	if err != nil && err != sql.ErrNoRows {
		return 0, time.Time{}, fmt.Errorf("latest block: %w", err)
	}
	if !number.Valid {
		return 0, time.Time{}, nil
	}
	return uint64(number.Int64), time.Unix(epoch.Int64, 0).UTC(), nil
}

// Placeholders returns n comma-separated ?-placeholders for IN clauses.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}
