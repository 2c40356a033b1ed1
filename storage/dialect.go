// Copyright (c) 2025 Joaquim Verges
// SPDX-License-Identifier: MIT

package storage

import (
	"database/sql"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// Backend identifies the SQL backend.
type Backend string

const (
	BackendSQLite   Backend = "sqlite"
	BackendPostgres Backend = "postgres"
)

// Dialect papers over the differences between Postgres and SQLite that
// the analytical queries care about: placeholder style and time
// bucketing.
type Dialect interface {
	Backend() Backend

	// Rebind rewrites ?-style placeholders into the backend's native
	// style. Queries in this repo are written with ?.
	Rebind(query string) string

	// BucketExpr returns a SQL expression that truncates the given
	// timestamp column to the start of its bucket, as a unix epoch
	// bigint. Both backends scan into int64.
	BucketExpr(column string, width time.Duration) string

	// EpochExpr returns a SQL expression converting the given
	// timestamp column to a unix epoch bigint. Needed because SQLite
	// loses the declared column type on expressions like MAX().
	EpochExpr(column string) string

	// SumExpr returns a SQL expression summing a decimal-string
	// column, scannable into a Go string on both backends.
	SumExpr(column string) string

	// SumOrderClause returns the descending ORDER BY keys ranking
	// groups by the summed column, largest first.
	SumOrderClause(column string) string
}

// decimalSum is a SQLite aggregate that sums decimal-string amounts
// with big.Int. SQLite's own SUM(CAST(... AS INTEGER)) saturates at 64
// bits, which an 18-decimal token exceeds in a single transfer.
type decimalSum struct {
	total big.Int
}

func (a *decimalSum) Step(amount string) {
	if v, ok := new(big.Int).SetString(amount, 10); ok {
		a.total.Add(&a.total, v)
	}
}

func (a *decimalSum) Done() string {
	return a.total.String()
}

func init() {
	sql.Register("sqlite3_decimal", &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			return conn.RegisterAggregator("decsum", func() *decimalSum { return &decimalSum{} }, true)
		},
	})
}

type sqliteDialect struct{}

func (sqliteDialect) Backend() Backend { return BackendSQLite }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) BucketExpr(column string, width time.Duration) string {
	secs := int64(width.Seconds())
	return fmt.Sprintf("(CAST(strftime('%%s', %s) AS INTEGER) / %d) * %d", column, secs, secs)
}

func (sqliteDialect) EpochExpr(column string) string {
	return fmt.Sprintf("CAST(strftime('%%s', %s) AS INTEGER)", column)
}

func (sqliteDialect) SumExpr(column string) string {
	// decsum is the big.Int aggregate registered on every connection;
	// it returns "0" for an empty group.
	return fmt.Sprintf("decsum(%s)", column)
}

func (sqliteDialect) SumOrderClause(column string) string {
	// decsum yields unsigned decimal text without leading zeros, so
	// length-then-lexicographic order is numeric order.
	return fmt.Sprintf("LENGTH(decsum(%[1]s)) DESC, decsum(%[1]s) DESC", column)
}

type postgresDialect struct{}

func (postgresDialect) Backend() Backend { return BackendPostgres }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (postgresDialect) BucketExpr(column string, width time.Duration) string {
	secs := int64(width.Seconds())
	return fmt.Sprintf("(FLOOR(EXTRACT(EPOCH FROM %s) / %d) * %d)::bigint", column, secs, secs)
}

func (postgresDialect) EpochExpr(column string) string {
	return fmt.Sprintf("FLOOR(EXTRACT(EPOCH FROM %s))::bigint", column)
}

func (postgresDialect) SumExpr(column string) string {
	return fmt.Sprintf("COALESCE(SUM(CAST(%s AS NUMERIC)), 0)::text", column)
}

func (postgresDialect) SumOrderClause(column string) string {
	return fmt.Sprintf("SUM(CAST(%s AS NUMERIC)) DESC", column)
}

// ParseBackend parses a backend name from config.
func ParseBackend(s string) (Backend, error) {
	switch strings.ToLower(s) {
	case "sqlite", "sqlite3":
		return BackendSQLite, nil
	case "postgres", "postgresql", "pg":
		return BackendPostgres, nil
	default:
		return "", fmt.Errorf("unknown backend %q", s)
	}
}

// DialectFor returns the dialect for a backend.
func DialectFor(backend Backend) (Dialect, error) {
	switch backend {
	case BackendSQLite:
		return sqliteDialect{}, nil
	case BackendPostgres:
		return postgresDialect{}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}
