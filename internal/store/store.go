// Package store implements the local-first record store: keyed tables of
// JSON records with secondary indexes, atomic multi-table transactions and
// busy-aware retries.
package store

import (
	"context"
	"database/sql"
	"sort"
	"sync"
	"time"

	"github.com/kimhsiao/tasknexus/backend/internal/db"
	apperrors "github.com/kimhsiao/tasknexus/backend/internal/errors"
	"github.com/kimhsiao/tasknexus/backend/internal/logging"
	"github.com/kimhsiao/tasknexus/backend/internal/models"
)

// Mode selects the access mode of a transaction.
type Mode int

const (
	ReadOnly Mode = iota
	ReadWrite
)

func (m Mode) String() string {
	if m == ReadWrite {
		return "readwrite"
	}
	return "readonly"
}

// Options tunes busy handling.
type Options struct {
	BusyRetries int
	BusyBackoff time.Duration
	MaxBackoff  time.Duration
}

// DefaultOptions returns 5 retries from 50ms up to 2s.
func DefaultOptions() Options {
	return Options{
		BusyRetries: 5,
		BusyBackoff: 50 * time.Millisecond,
		MaxBackoff:  2 * time.Second,
	}
}

// Config configures Open.
type Config struct {
	DB    db.Options
	Store Options
}

// Store is the local record store.
type Store struct {
	db     *sql.DB
	handle *db.DB // owned handle, nil when built with New
	opts   Options
	locks  map[models.Table]*sync.Mutex
	now    func() time.Time
}

// New wraps an already migrated database.
func New(conn *sql.DB, opts Options) *Store {
	if opts.BusyBackoff <= 0 {
		opts.BusyBackoff = DefaultOptions().BusyBackoff
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = DefaultOptions().MaxBackoff
	}
	if opts.BusyRetries < 0 {
		opts.BusyRetries = 0
	}
	locks := make(map[models.Table]*sync.Mutex, len(models.AllTables))
	for _, t := range models.AllTables {
		locks[t] = &sync.Mutex{}
	}
	return &Store{
		db:    conn,
		opts:  opts,
		locks: locks,
		now:   time.Now,
	}
}

// Open opens the database under cfg.DB, retrying while another handle holds
// it, and runs every pending migration before returning.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	opts := cfg.Store
	if opts == (Options{}) {
		opts = DefaultOptions()
	}

	var handle *db.DB
	err := retryOnBusy(ctx, opts.BusyRetries, opts.BusyBackoff, opts.MaxBackoff, func() error {
		var err error
		handle, err = db.Open(ctx, cfg.DB)
		return err
	})
	if err != nil {
		return nil, err
	}

	version, err := db.Migrate(ctx, handle.DB)
	if err != nil {
		handle.Close()
		return nil, err
	}

	logging.Info("Local store opened", map[string]interface{}{
		"path":          handle.Path(),
		"driver":        handle.Driver(),
		"schemaVersion": version,
	})

	s := New(handle.DB, opts)
	s.handle = handle
	return s, nil
}

// DB returns the underlying connection for components sharing the file.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Handle returns the owned database handle, or nil.
func (s *Store) Handle() *db.DB {
	return s.handle
}

// Close releases the database when the store owns it.
func (s *Store) Close() error {
	if s.handle != nil {
		return s.handle.Close()
	}
	return nil
}

// Add inserts a new record and returns its id. A record without an id is
// given a temporary one.
func (s *Store) Add(ctx context.Context, table models.Table, rec models.Record) (string, error) {
	var id string
	err := s.Transaction(ctx, ReadWrite, []models.Table{table}, func(tx *Tx) error {
		var err error
		id, err = tx.Add(table, rec)
		return err
	})
	return id, err
}

// Get returns the record with id, or a NOT_FOUND DatabaseError.
func (s *Store) Get(ctx context.Context, table models.Table, id string) (models.Record, error) {
	var rec models.Record
	err := s.Transaction(ctx, ReadOnly, []models.Table{table}, func(tx *Tx) error {
		var err error
		rec, err = tx.Get(table, id)
		return err
	})
	return rec, err
}

// Put inserts or replaces a record.
func (s *Store) Put(ctx context.Context, table models.Table, rec models.Record) error {
	return s.Transaction(ctx, ReadWrite, []models.Table{table}, func(tx *Tx) error {
		return tx.Put(table, rec)
	})
}

// Delete removes a record. Deleting a missing record is not an error.
func (s *Store) Delete(ctx context.Context, table models.Table, id string) error {
	return s.Transaction(ctx, ReadWrite, []models.Table{table}, func(tx *Tx) error {
		return tx.Delete(table, id)
	})
}

// Query returns the records of table matching q.
func (s *Store) Query(ctx context.Context, table models.Table, q Query) ([]models.Record, error) {
	var out []models.Record
	err := s.Transaction(ctx, ReadOnly, []models.Table{table}, func(tx *Tx) error {
		var err error
		out, err = tx.Query(table, q)
		return err
	})
	return out, err
}

// Count returns how many records of table match q, ignoring pagination.
func (s *Store) Count(ctx context.Context, table models.Table, q Query) (int, error) {
	var n int
	err := s.Transaction(ctx, ReadOnly, []models.Table{table}, func(tx *Tx) error {
		var err error
		n, err = tx.Count(table, q)
		return err
	})
	return n, err
}

// Transaction runs fn atomically over tables. Writers take the per-table
// locks in sorted order, so transactions over disjoint tables proceed
// concurrently and overlapping ones cannot deadlock. fn may run more than
// once when the database is busy.
func (s *Store) Transaction(ctx context.Context, mode Mode, tables []models.Table, fn func(*Tx) error) error {
	scope, err := s.scope(tables)
	if err != nil {
		return err
	}

	if mode == ReadWrite {
		for _, t := range scope {
			s.locks[t].Lock()
		}
		defer func() {
			for i := len(scope) - 1; i >= 0; i-- {
				s.locks[scope[i]].Unlock()
			}
		}()
	}

	return retryOnBusy(ctx, s.opts.BusyRetries, s.opts.BusyBackoff, s.opts.MaxBackoff, func() error {
		return s.runTx(ctx, mode, scope, fn)
	})
}

func (s *Store) runTx(ctx context.Context, mode Mode, scope []models.Table, fn func(*Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return normalize(err, "begin transaction", map[string]interface{}{"mode": mode.String()})
	}

	tx := &Tx{
		ctx:    ctx,
		tx:     sqlTx,
		mode:   mode,
		tables: make(map[models.Table]bool, len(scope)),
		now:    s.now,
	}
	for _, t := range scope {
		tx.tables[t] = true
	}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return apperrors.Database(apperrors.TypeTransaction, apperrors.ErrDatabase, "commit transaction", err)
	}
	return nil
}

func (s *Store) scope(tables []models.Table) ([]models.Table, error) {
	seen := make(map[models.Table]bool, len(tables))
	var out []models.Table
	for _, t := range tables {
		if !t.Valid() {
			return nil, apperrors.Database(apperrors.TypeQuery, apperrors.ErrInvalid, "unknown table", nil).
				WithDetail("table", string(t))
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return nil, apperrors.Database(apperrors.TypeTransaction, apperrors.ErrInvalid, "transaction needs at least one table", nil)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
