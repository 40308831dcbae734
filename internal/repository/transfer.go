package repository

import (
	"context"

	"github.com/yourorg/exchanger/internal/model"
	"go.uber.org/zap"
)

// Export and import work on denormalized rows keyed by provider and
// provider_symbol, never by internal ids, so backups survive re-creation
// of the database.

// ExportRates dumps every rate
func (s *RateStore) ExportRates(ctx context.Context) ([]model.RateRow, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	rows := []model.RateRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT r.date, s.provider, s.provider_symbol, r.rate
		FROM rates r
		JOIN symbols s ON r.symbol_id = s.id
		ORDER BY s.provider, s.provider_symbol, r.date`)
	if err != nil {
		s.logger.Error("Failed to export rates", zap.Error(err))
		return nil, err
	}
	return rows, nil
}

// ExportSymbols dumps every symbol
func (s *RateStore) ExportSymbols(ctx context.Context) ([]model.SymbolRow, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	rows := []model.SymbolRow{}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT provider, symbol, provider_symbol, type, name
		FROM symbols
		ORDER BY provider, provider_symbol`)
	if err != nil {
		s.logger.Error("Failed to export symbols", zap.Error(err))
		return nil, err
	}
	return rows, nil
}

// ExportMetadata dumps metadata except the schema version
func (s *RateStore) ExportMetadata(ctx context.Context) ([]model.MetadataRow, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	rows := []model.MetadataRow{}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT key, value FROM metadata WHERE key != ? ORDER BY key`, schemaVersionKey)
	if err != nil {
		s.logger.Error("Failed to export metadata", zap.Error(err))
		return nil, err
	}
	return rows, nil
}

// ExportFavorites dumps favorites with their creation timestamps
func (s *RateStore) ExportFavorites(ctx context.Context) ([]model.Favorite, error) {
	return s.ListFavorites(ctx)
}

// ImportSymbols replaces all symbols (and therefore all rates and favorites)
func (s *RateStore) ImportSymbols(ctx context.Context, rows []model.SymbolRow) (int, error) {
	if !s.lock() {
		s.unlock()
		return 0, ErrStoreClosed
	}
	defer s.unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	for _, stmt := range []string{`DELETE FROM rates`, `DELETE FROM favorites`, `DELETE FROM symbols`} {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return 0, err
		}
	}

	insert, err := tx.PreparexContext(ctx,
		`INSERT INTO symbols (provider, symbol, provider_symbol, type, name) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, err
	}
	defer insert.Close()

	for _, row := range rows {
		symbol, providerSymbol := row.Symbol, row.ProviderSymbol
		if providerSymbol == "" {
			// Older backups stored the provider spelling under "symbol"
			providerSymbol = row.Symbol
			if row.NormalizedSymbol != "" {
				symbol = row.NormalizedSymbol
			}
		}
		if _, err := insert.ExecContext(ctx, row.Provider, symbol, providerSymbol, string(row.Type), row.Name); err != nil {
			s.logger.Error("Failed to import symbol",
				zap.Error(err),
				zap.String("provider", row.Provider),
				zap.String("provider_symbol", providerSymbol))
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

// ImportRates replaces all rates. Rows for unknown symbols are skipped.
func (s *RateStore) ImportRates(ctx context.Context, rows []model.RateRow) (int, error) {
	if !s.lock() {
		s.unlock()
		return 0, ErrStoreClosed
	}
	defer s.unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM rates`); err != nil {
		return 0, err
	}

	insert, err := tx.PreparexContext(ctx, `
		INSERT OR REPLACE INTO rates (date, symbol_id, rate)
		SELECT ?, id, ? FROM symbols WHERE provider = ? AND provider_symbol = ?`)
	if err != nil {
		return 0, err
	}
	defer insert.Close()

	count := 0
	for _, row := range rows {
		providerSymbol := row.ProviderSymbol
		if providerSymbol == "" {
			providerSymbol = row.Symbol
		}
		result, err := insert.ExecContext(ctx, row.Date, row.Rate, row.Provider, providerSymbol)
		if err != nil {
			return 0, err
		}
		if n, _ := result.RowsAffected(); n > 0 {
			count++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// ImportMetadata replaces all metadata except the schema version
func (s *RateStore) ImportMetadata(ctx context.Context, rows []model.MetadataRow) (int, error) {
	if !s.lock() {
		s.unlock()
		return 0, ErrStoreClosed
	}
	defer s.unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM metadata WHERE key != ?`, schemaVersionKey); err != nil {
		return 0, err
	}

	count := 0
	for _, row := range rows {
		if row.Key == schemaVersionKey {
			continue
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, row.Key, row.Value); err != nil {
			return 0, err
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}

// ImportFavorites replaces all favorites. Rows for unknown symbols are skipped.
func (s *RateStore) ImportFavorites(ctx context.Context, rows []model.Favorite) (int, error) {
	if !s.lock() {
		s.unlock()
		return 0, ErrStoreClosed
	}
	defer s.unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx, `DELETE FROM favorites`); err != nil {
		return 0, err
	}

	count := 0
	for _, row := range rows {
		result, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO favorites (symbol_id, created_at)
			SELECT id, COALESCE(NULLIF(?, ''), `+nowMillis+`)
			FROM symbols WHERE provider = ? AND provider_symbol = ?`,
			row.CreatedAt, row.Provider, row.ProviderSymbol)
		if err != nil {
			return 0, err
		}
		if n, _ := result.RowsAffected(); n > 0 {
			count++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return count, nil
}
