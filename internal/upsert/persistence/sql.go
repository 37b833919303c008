// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package persistence

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"net"
	"regexp"
	"time"

	"github.com/lib/pq"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"kvupsert"
	"kvupsert/internal/upsert/core"
)

// Dialect selects SQL placeholders, column types and the driver.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DefaultSQLBatchSize bounds the rows written per transaction.
const DefaultSQLBatchSize = 500

// SQLConfig configures the SQL adapter.
type SQLConfig struct {
	DSN          string
	Table        string // "kv_records" when empty
	CreateTable  bool   // run EnsureSchema on open
	MaxBatch     int
	QueryTimeout time.Duration // applied when ctx has no deadline; 0 disables
}

// Schema (Postgres):
//
// CREATE TABLE IF NOT EXISTS kv_records (
//   "key" TEXT PRIMARY KEY,
//   "value" BYTEA,
//   updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
// );
//
// Upsert per record, one transaction per batch:
//   INSERT INTO kv_records("key", "value") VALUES ($1, $2)
//     ON CONFLICT ("key") DO UPDATE SET "value" = excluded."value", updated_at = now();

var tableNameRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore stores records in a single table keyed by record key.
type SQLStore struct {
	db       *sql.DB
	dialect  Dialect
	table    string
	maxBatch int
	timeout  time.Duration

	getSQL    string
	upsertSQL string
}

// OpenSQLStore opens a database with the driver matching dialect.
// SQLite pools are limited to one connection: an in-memory database is
// private to its connection and SQLite serializes writers anyway.
func OpenSQLStore(ctx context.Context, dialect Dialect, cfg SQLConfig) (*SQLStore, error) {
	if cfg.DSN == "" {
		return nil, errors.Errorf("%s dsn is required", dialect)
	}
	db, err := sql.Open(string(dialect), cfg.DSN)
	if err != nil {
		return nil, errors.Wrapf(err, "opening %s", dialect)
	}
	if dialect == DialectSQLite {
		db.SetMaxOpenConns(1)
	}
	s, err := NewSQLStore(db, dialect, cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if cfg.CreateTable {
		if err := s.EnsureSchema(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return s, nil
}

// NewSQLStore wraps an open database.
func NewSQLStore(db *sql.DB, dialect Dialect, cfg SQLConfig) (*SQLStore, error) {
	if db == nil {
		return nil, errors.New("sql db is nil")
	}
	if dialect != DialectPostgres && dialect != DialectSQLite {
		return nil, errors.Errorf("unsupported sql dialect %q", dialect)
	}
	if cfg.Table == "" {
		cfg.Table = "kv_records"
	}
	if !tableNameRE.MatchString(cfg.Table) {
		return nil, errors.Errorf("invalid table name %q", cfg.Table)
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = DefaultSQLBatchSize
	}
	s := &SQLStore{db: db, dialect: dialect, table: cfg.Table, maxBatch: cfg.MaxBatch, timeout: cfg.QueryTimeout}
	p1, p2, now := "$1", "$2", "now()"
	if dialect == DialectSQLite {
		p1, p2, now = "?", "?", "CURRENT_TIMESTAMP"
	}
	s.getSQL = fmt.Sprintf(`SELECT "value" FROM %s WHERE "key" = %s`, s.table, p1)
	s.upsertSQL = fmt.Sprintf(`INSERT INTO %s ("key", "value") VALUES (%s, %s) `+
		`ON CONFLICT ("key") DO UPDATE SET "value" = excluded."value", updated_at = %s`, s.table, p1, p2, now)
	return s, nil
}

// EnsureSchema creates the records table if it does not exist.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  "key" TEXT PRIMARY KEY,
  "value" BYTEA,
  updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`, s.table)
	if s.dialect == DialectSQLite {
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  "key" TEXT PRIMARY KEY,
  "value" BLOB,
  updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
)`, s.table)
	}
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return errors.Wrapf(err, "creating table %s", s.table)
	}
	return nil
}

func (s *SQLStore) MaxBatchSize() int { return s.maxBatch }

// DB exposes the underlying pool.
func (s *SQLStore) DB() *sql.DB { return s.db }

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Get(ctx context.Context, key string) (*kvupsert.Record, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	var value []byte
	err := s.db.QueryRowContext(ctx, s.getSQL, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classifySQL("get", errors.Wrapf(err, "select key=%s", key))
	}
	return &kvupsert.Record{Key: key, Value: value}, nil
}

func (s *SQLStore) Put(ctx context.Context, rec kvupsert.Record) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()
	if _, err := s.db.ExecContext(ctx, s.upsertSQL, rec.Key, []byte(rec.Value)); err != nil {
		return classifySQL("put", errors.Wrapf(err, "upsert key=%s", rec.Key))
	}
	return nil
}

// BatchPut writes all records in one transaction; any failure rolls the
// whole batch back.
func (s *SQLStore) BatchPut(ctx context.Context, recs []kvupsert.Record) error {
	if len(recs) == 0 {
		return nil
	}
	if len(recs) > s.maxBatch {
		return errors.Errorf("sql batch of %d exceeds limit %d", len(recs), s.maxBatch)
	}
	ctx, cancel := s.bound(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return classifySQL("batch_put", errors.Wrap(err, "begin"))
	}
	defer func() {
		_ = tx.Rollback()
	}()

	stmt, err := tx.PrepareContext(ctx, s.upsertSQL)
	if err != nil {
		return classifySQL("batch_put", errors.Wrap(err, "prepare upsert"))
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, rec.Key, []byte(rec.Value)); err != nil {
			return classifySQL("batch_put", errors.Wrapf(err, "upsert key=%s", rec.Key))
		}
	}
	if err := tx.Commit(); err != nil {
		return classifySQL("batch_put", errors.Wrap(err, "commit"))
	}
	return nil
}

// bound applies the default query timeout when ctx carries no deadline.
func (s *SQLStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

// classifySQL maps driver errors onto the engine taxonomy. Constraint and
// syntax errors stay unclassified.
func classifySQL(op string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "53": // insufficient_resources, e.g. too_many_connections
			return core.Throttled(op, err)
		case "08", "57": // connection_exception, operator_intervention
			return core.Connectivity(op, err)
		}
		return err
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return core.Throttled(op, err)
		case sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
			return core.Connectivity(op, err)
		}
		return err
	}
	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) ||
		errors.As(err, &netErr) {
		return core.Connectivity(op, err)
	}
	return err
}
