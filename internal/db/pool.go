// Package db provides database connection management for the session store.
// It supports SQLite (default, single-node) and PostgreSQL.
package db

import "github.com/jmoiron/sqlx"

// Pool holds separate read and write connection pools.
//
// With SQLite in WAL mode the writer is limited to one connection so writes
// serialize without SQLITE_BUSY, while the reader pool serves concurrent
// SELECTs from WAL snapshots. With PostgreSQL both sides share one *sqlx.DB.
type Pool struct {
	writer *sqlx.DB
	reader *sqlx.DB
}

// NewPool creates a Pool from writer and reader connections. The two may be
// the same *sqlx.DB.
func NewPool(writer, reader *sqlx.DB) *Pool {
	return &Pool{writer: writer, reader: reader}
}

// Writer returns the pool used for INSERT, UPDATE, DELETE, and transactions.
func (p *Pool) Writer() *sqlx.DB { return p.writer }

// Reader returns the pool used for SELECT queries.
func (p *Pool) Reader() *sqlx.DB { return p.reader }

// DriverName reports the underlying sql driver ("sqlite3" or "pgx").
func (p *Pool) DriverName() string { return p.writer.DriverName() }

// Close closes both pools, avoiding a double close when they are shared.
func (p *Pool) Close() error {
	wErr := p.writer.Close()
	if p.reader != p.writer {
		if rErr := p.reader.Close(); rErr != nil && wErr == nil {
			return rErr
		}
	}
	return wErr
}
