package repository

import (
	"errors"
	"fmt"
	"sync"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

// ErrStoreClosed is returned by write operations on a closed store
var ErrStoreClosed = errors.New("rate store is closed")

// ErrSymbolNotFound is returned when a (provider, provider_symbol) pair is
// not in the catalog
var ErrSymbolNotFound = errors.New("symbol not found")

// RateStore is the embedded SQLite store for symbols, rates, favorites and
// metadata. Every operation runs under one store-wide mutex.
type RateStore struct {
	db     *sqlx.DB
	mu     sync.Mutex
	closed bool
	logger *zap.Logger
}

// OpenRateStore opens (or creates) the database file at path and migrates
// its schema to the current version before returning.
func OpenRateStore(path string, logger *zap.Logger) (*RateStore, error) {
	logger.Debug("Opening rate store", zap.String("path", path))

	dsn := path + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	db, err := sqlx.Connect("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Temp staging tables are per connection.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &RateStore{
		db:     db,
		logger: logger,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate schema: %w", err)
	}

	logger.Debug("Rate store initialized", zap.Int("schema_version", SchemaVersion))
	return s, nil
}

// Close flushes the write-ahead log and closes the database. Calls made
// after Close are no-ops.
func (s *RateStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if _, err := s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Warn("Failed to checkpoint WAL on close", zap.Error(err))
	}
	return s.db.Close()
}

// lock acquires the store mutex and reports whether the store is still open
func (s *RateStore) lock() bool {
	s.mu.Lock()
	return !s.closed
}

func (s *RateStore) unlock() {
	s.mu.Unlock()
}

// rollback is deferred after Beginx; it is a no-op once the tx committed
func rollback(tx *sqlx.Tx) {
	_ = tx.Rollback()
}
