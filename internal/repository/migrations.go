package repository

import (
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

// SchemaVersion is the schema version this build writes
const SchemaVersion = 7

const schemaVersionKey = "schema_version"

// migration upgrades the schema from one version to the next. Every step
// must be safe to re-run against a store already at its starting version.
type migration struct {
	from  int
	to    int
	name  string
	apply func(tx *sqlx.Tx) error
}

var migrations = []migration{
	{from: 0, to: 7, name: "create schema", apply: createSchema},
	{from: 2, to: 3, name: "add metadata table", apply: createMetadataTable},
	{from: 3, to: 4, name: "add favorites table", apply: createFavoritesTable},
	{from: 4, to: 5, name: "add provider_symbol column", apply: addProviderSymbol},
	{from: 5, to: 6, name: "key favorites by provider symbol", apply: favoritesByProviderSymbol},
	{from: 6, to: 7, name: "key favorites by symbol id", apply: favoritesBySymbolID},
}

func findMigration(from int) *migration {
	for i := range migrations {
		if migrations[i].from == from {
			return &migrations[i]
		}
	}
	return nil
}

// migrate walks the migration chain from the stored version to SchemaVersion.
// Each step commits together with its version bump.
func (s *RateStore) migrate() error {
	version, err := s.schemaVersion()
	if err != nil {
		return err
	}
	s.logger.Debug("Checking schema version",
		zap.Int("current", version),
		zap.Int("target", SchemaVersion))

	if version > SchemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported version %d", version, SchemaVersion)
	}

	for version < SchemaVersion {
		m := findMigration(version)
		if m == nil {
			return fmt.Errorf("no migration path from schema version %d", version)
		}

		s.logger.Info("Applying schema migration",
			zap.Int("from", m.from),
			zap.Int("to", m.to),
			zap.String("migration", m.name))

		tx, err := s.db.Beginx()
		if err != nil {
			return err
		}
		if err := m.apply(tx); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d->%d (%s): %w", m.from, m.to, m.name, err)
		}
		if err := setSchemaVersion(tx, m.to); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		version = m.to
	}

	return nil
}

func (s *RateStore) schemaVersion() (int, error) {
	exists, err := tableExists(s.db, "schema_version")
	if err != nil {
		return 0, err
	}
	if !exists {
		return 0, nil
	}

	var versions []int
	if err := s.db.Select(&versions, `SELECT version FROM schema_version`); err != nil {
		return 0, err
	}
	if len(versions) == 0 {
		return 0, nil
	}
	return versions[0], nil
}

func setSchemaVersion(tx *sqlx.Tx, version int) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER)`,
		`DELETE FROM schema_version`,
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	if _, err := tx.Exec(`INSERT INTO schema_version (version) VALUES (?)`, version); err != nil {
		return err
	}

	// Mirror into metadata once that table exists
	hasMetadata, err := tableExists(tx, "metadata")
	if err != nil {
		return err
	}
	if hasMetadata {
		_, err = tx.Exec(
			`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`,
			schemaVersionKey, fmt.Sprint(version),
		)
	}
	return err
}

func tableExists(q sqlx.Queryer, name string) (bool, error) {
	var count int
	err := sqlx.Get(q, &count,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name)
	return count > 0, err
}

func columnExists(q sqlx.Queryer, table, column string) (bool, error) {
	var count int
	err := sqlx.Get(q, &count,
		`SELECT COUNT(*) FROM pragma_table_info(?) WHERE name = ?`, table, column)
	return count > 0, err
}

func execAll(tx *sqlx.Tx, stmts ...string) error {
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func createSchema(tx *sqlx.Tx) error {
	err := execAll(tx,
		`CREATE TABLE IF NOT EXISTS symbols (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			symbol TEXT NOT NULL,
			provider_symbol TEXT NOT NULL,
			type TEXT NOT NULL CHECK (type IN ('forex', 'crypto')),
			name TEXT,
			UNIQUE(provider, provider_symbol)
		)`,
		`CREATE TABLE IF NOT EXISTS rates (
			date TEXT NOT NULL,
			symbol_id INTEGER NOT NULL REFERENCES symbols(id) ON DELETE CASCADE,
			rate REAL NOT NULL,
			PRIMARY KEY(date, symbol_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_provider ON symbols(provider)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_type ON symbols(type)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_symbol ON symbols(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_rates_date ON rates(date)`,
	)
	if err != nil {
		return err
	}
	if err := createFavoritesTable(tx); err != nil {
		return err
	}
	return createMetadataTable(tx)
}

func createMetadataTable(tx *sqlx.Tx) error {
	return execAll(tx, `CREATE TABLE IF NOT EXISTS metadata (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`)
}

func createFavoritesTable(tx *sqlx.Tx) error {
	return execAll(tx, `CREATE TABLE IF NOT EXISTS favorites (
		symbol_id INTEGER PRIMARY KEY REFERENCES symbols(id) ON DELETE CASCADE,
		created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`)
}

// addProviderSymbol splits the provider spelling from the normalized symbol.
// Older rows used one column for both, so provider_symbol starts as a copy.
func addProviderSymbol(tx *sqlx.Tx) error {
	has, err := columnExists(tx, "symbols", "provider_symbol")
	if err != nil {
		return err
	}
	if !has {
		if _, err := tx.Exec(`ALTER TABLE symbols ADD COLUMN provider_symbol TEXT`); err != nil {
			return err
		}
	}
	return execAll(tx,
		`UPDATE symbols SET provider_symbol = symbol WHERE provider_symbol IS NULL`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_symbols_provider_symbol ON symbols(provider, provider_symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_symbols_symbol ON symbols(symbol)`,
	)
}

type legacyFavorite struct {
	Provider       string `db:"provider"`
	ProviderSymbol string `db:"provider_symbol"`
	CreatedAt      string `db:"created_at"`
}

// readLegacyFavorites returns favorites from either favorites layout
func readLegacyFavorites(tx *sqlx.Tx) ([]legacyFavorite, error) {
	exists, err := tableExists(tx, "favorites")
	if err != nil || !exists {
		return nil, err
	}

	bySymbolID, err := columnExists(tx, "favorites", "symbol_id")
	if err != nil {
		return nil, err
	}

	var rows []legacyFavorite
	if bySymbolID {
		err = tx.Select(&rows, `
			SELECT s.provider, s.provider_symbol, f.created_at
			FROM favorites f
			JOIN symbols s ON f.symbol_id = s.id`)
	} else {
		err = tx.Select(&rows, `SELECT provider, provider_symbol, created_at FROM favorites`)
	}
	return rows, err
}

func favoritesByProviderSymbol(tx *sqlx.Tx) error {
	old, err := readLegacyFavorites(tx)
	if err != nil {
		return err
	}

	err = execAll(tx,
		`DROP TABLE IF EXISTS favorites`,
		`CREATE TABLE favorites (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			provider TEXT NOT NULL,
			provider_symbol TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(provider, provider_symbol)
		)`,
	)
	if err != nil {
		return err
	}

	for _, f := range old {
		_, err := tx.Exec(
			`INSERT OR IGNORE INTO favorites (provider, provider_symbol, created_at) VALUES (?, ?, ?)`,
			f.Provider, f.ProviderSymbol, f.CreatedAt)
		if err != nil {
			return err
		}
	}
	return nil
}

func favoritesBySymbolID(tx *sqlx.Tx) error {
	old, err := readLegacyFavorites(tx)
	if err != nil {
		return err
	}

	if _, err := tx.Exec(`DROP TABLE IF EXISTS favorites`); err != nil {
		return err
	}
	if err := createFavoritesTable(tx); err != nil {
		return err
	}

	for _, f := range old {
		_, err := tx.Exec(`
			INSERT OR IGNORE INTO favorites (symbol_id, created_at)
			SELECT id, ? FROM symbols WHERE provider = ? AND provider_symbol = ?`,
			f.CreatedAt, f.Provider, f.ProviderSymbol)
		if err != nil {
			return err
		}
	}
	return nil
}
