package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/yourorg/exchanger/internal/model"
	"go.uber.org/zap"
)

const symbolColumns = `id, provider, symbol, provider_symbol, type, name`

// GetSymbol retrieves a symbol by its provider identity
func (s *RateStore) GetSymbol(ctx context.Context, providerSymbol, provider string) (*model.Symbol, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	var symbol model.Symbol
	err := s.db.GetContext(ctx, &symbol,
		`SELECT `+symbolColumns+` FROM symbols WHERE provider_symbol = ? AND provider = ?`,
		providerSymbol, provider)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		s.logger.Error("Failed to get symbol",
			zap.Error(err),
			zap.String("provider_symbol", providerSymbol),
			zap.String("provider", provider))
		return nil, err
	}
	return &symbol, nil
}

// ListSymbols retrieves symbols matching filter, ordered by name
func (s *RateStore) ListSymbols(ctx context.Context, filter model.SymbolFilter) ([]model.Symbol, error) {
	var conditions []string
	var args []interface{}

	if filter.Provider != "" {
		conditions = append(conditions, "provider = ?")
		args = append(args, filter.Provider)
	}
	if filter.Type != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Query != "" {
		like := "%" + filter.Query + "%"
		conditions = append(conditions, "(provider_symbol LIKE ? OR name LIKE ?)")
		args = append(args, like, like)
	}

	query := `SELECT ` + symbolColumns + ` FROM symbols`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY name, provider_symbol"

	if !s.lock() {
		s.unlock()
		return []model.Symbol{}, nil
	}
	defer s.unlock()

	symbols := []model.Symbol{}
	if err := s.db.SelectContext(ctx, &symbols, query, args...); err != nil {
		s.logger.Error("Failed to list symbols",
			zap.Error(err),
			zap.String("provider", filter.Provider),
			zap.String("type", string(filter.Type)),
			zap.String("query", filter.Query))
		return nil, err
	}
	return symbols, nil
}

// GetProvidersForSymbol lists providers that carry a normalized symbol
func (s *RateStore) GetProvidersForSymbol(ctx context.Context, symbol string) ([]string, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	providers := []string{}
	err := s.db.SelectContext(ctx, &providers,
		`SELECT DISTINCT provider FROM symbols WHERE symbol = ? ORDER BY provider`, symbol)
	if err != nil {
		s.logger.Error("Failed to get providers for symbol", zap.Error(err), zap.String("symbol", symbol))
		return nil, err
	}
	return providers, nil
}

// ListMultiProviderSymbols lists normalized symbols quoted by several providers
func (s *RateStore) ListMultiProviderSymbols(ctx context.Context) ([]model.MultiProviderSymbol, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	var rows []struct {
		Symbol    string `db:"symbol"`
		Providers string `db:"providers"`
	}
	err := s.db.SelectContext(ctx, &rows, `
		SELECT symbol, GROUP_CONCAT(DISTINCT provider) AS providers
		FROM symbols
		GROUP BY symbol
		HAVING COUNT(DISTINCT provider) > 1
		ORDER BY symbol`)
	if err != nil {
		s.logger.Error("Failed to list multi-provider symbols", zap.Error(err))
		return nil, err
	}

	result := make([]model.MultiProviderSymbol, 0, len(rows))
	for _, row := range rows {
		providers := strings.Split(row.Providers, ",")
		sort.Strings(providers)
		result = append(result, model.MultiProviderSymbol{Symbol: row.Symbol, Providers: providers})
	}
	return result, nil
}

// GetSymbolVariants returns every provider variant of a normalized symbol
func (s *RateStore) GetSymbolVariants(ctx context.Context, symbol string) ([]model.Symbol, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	variants := []model.Symbol{}
	err := s.db.SelectContext(ctx, &variants,
		`SELECT `+symbolColumns+` FROM symbols WHERE symbol = ? ORDER BY provider`, symbol)
	if err != nil {
		s.logger.Error("Failed to get symbol variants", zap.Error(err), zap.String("symbol", symbol))
		return nil, err
	}
	return variants, nil
}

// CountSymbols counts the catalog of a provider
func (s *RateStore) CountSymbols(ctx context.Context, provider string) (int, error) {
	if !s.lock() {
		s.unlock()
		return 0, nil
	}
	defer s.unlock()

	var count int
	err := s.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM symbols WHERE provider = ?`, provider)
	if err != nil {
		s.logger.Error("Failed to count symbols", zap.Error(err), zap.String("provider", provider))
		return 0, err
	}
	return count, nil
}

// CountSymbolsByType counts the catalog of a provider per symbol type
func (s *RateStore) CountSymbolsByType(ctx context.Context, provider string) (map[model.SymbolType]int, error) {
	if !s.lock() {
		s.unlock()
		return map[model.SymbolType]int{}, nil
	}
	defer s.unlock()

	var rows []struct {
		Type  model.SymbolType `db:"type"`
		Count int              `db:"cnt"`
	}
	err := s.db.SelectContext(ctx, &rows,
		`SELECT type, COUNT(*) AS cnt FROM symbols WHERE provider = ? GROUP BY type`, provider)
	if err != nil {
		s.logger.Error("Failed to count symbols by type", zap.Error(err), zap.String("provider", provider))
		return nil, err
	}

	counts := make(map[model.SymbolType]int, len(rows))
	for _, row := range rows {
		counts[row.Type] = row.Count
	}
	return counts, nil
}

// UpsertSymbols adds or updates symbols without removing any
func (s *RateStore) UpsertSymbols(ctx context.Context, provider string, symbols []model.Symbol) error {
	if !s.lock() {
		s.unlock()
		return ErrStoreClosed
	}
	defer s.unlock()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	stmt, err := tx.PreparexContext(ctx, `
		INSERT INTO symbols (provider, symbol, provider_symbol, type, name)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(provider, provider_symbol) DO UPDATE SET
			symbol = excluded.symbol,
			type = excluded.type,
			name = excluded.name`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sym := range symbols {
		if _, err := stmt.ExecContext(ctx, provider, sym.Symbol, sym.ProviderSymbol, string(sym.Type), sym.Name); err != nil {
			s.logger.Error("Failed to upsert symbol",
				zap.Error(err),
				zap.String("provider", provider),
				zap.String("provider_symbol", sym.ProviderSymbol))
			return err
		}
	}

	return tx.Commit()
}

// PopulateSymbols replaces the catalog of provider with incoming. Rows are
// staged in a temp table, then stale symbols (with their rates) are deleted,
// surviving ones updated and new ones inserted, all in one transaction.
// Readers never observe a half-synced catalog; on error nothing changes.
func (s *RateStore) PopulateSymbols(ctx context.Context, provider string, incoming []model.Symbol) error {
	if !s.lock() {
		s.unlock()
		return ErrStoreClosed
	}
	defer s.unlock()

	s.logger.Debug("Populating symbols",
		zap.String("provider", provider),
		zap.Int("incoming", len(incoming)))

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer rollback(tx)

	_, err = tx.ExecContext(ctx, `
		CREATE TEMP TABLE IF NOT EXISTS incoming_symbols (
			provider_symbol TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			type TEXT NOT NULL,
			name TEXT
		)`)
	if err != nil {
		return fmt.Errorf("failed to create staging table: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM incoming_symbols`); err != nil {
		return err
	}

	stage, err := tx.PreparexContext(ctx, `
		INSERT OR REPLACE INTO incoming_symbols (provider_symbol, symbol, type, name)
		VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stage.Close()

	for _, sym := range incoming {
		if _, err := stage.ExecContext(ctx, sym.ProviderSymbol, sym.Symbol, string(sym.Type), sym.Name); err != nil {
			return fmt.Errorf("failed to stage symbol %s: %w", sym.ProviderSymbol, err)
		}
	}

	var stale int
	err = tx.GetContext(ctx, &stale, `
		SELECT COUNT(*) FROM symbols
		WHERE provider = ?
		AND provider_symbol NOT IN (SELECT provider_symbol FROM incoming_symbols)`, provider)
	if err != nil {
		return err
	}
	if stale > 0 {
		s.logger.Debug("Removing stale symbols", zap.String("provider", provider), zap.Int("count", stale))
	}

	steps := []struct {
		name  string
		query string
		args  []interface{}
	}{
		{
			name: "delete stale rates",
			query: `
				DELETE FROM rates WHERE symbol_id IN (
					SELECT id FROM symbols
					WHERE provider = ?
					AND provider_symbol NOT IN (SELECT provider_symbol FROM incoming_symbols)
				)`,
			args: []interface{}{provider},
		},
		{
			name: "delete stale symbols",
			query: `
				DELETE FROM symbols
				WHERE provider = ?
				AND provider_symbol NOT IN (SELECT provider_symbol FROM incoming_symbols)`,
			args: []interface{}{provider},
		},
		{
			name: "update symbols",
			query: `
				UPDATE symbols SET
					symbol = (SELECT i.symbol FROM incoming_symbols i WHERE i.provider_symbol = symbols.provider_symbol),
					type = (SELECT i.type FROM incoming_symbols i WHERE i.provider_symbol = symbols.provider_symbol),
					name = (SELECT i.name FROM incoming_symbols i WHERE i.provider_symbol = symbols.provider_symbol)
				WHERE provider = ?
				AND provider_symbol IN (SELECT provider_symbol FROM incoming_symbols)`,
			args: []interface{}{provider},
		},
		{
			name: "insert symbols",
			query: `
				INSERT INTO symbols (provider, symbol, provider_symbol, type, name)
				SELECT ?, i.symbol, i.provider_symbol, i.type, i.name
				FROM incoming_symbols i
				WHERE NOT EXISTS (
					SELECT 1 FROM symbols s
					WHERE s.provider = ? AND s.provider_symbol = i.provider_symbol
				)`,
			args: []interface{}{provider, provider},
		},
		{
			name:  "clear staging table",
			query: `DELETE FROM incoming_symbols`,
		},
	}

	for _, step := range steps {
		if _, err := tx.ExecContext(ctx, step.query, step.args...); err != nil {
			s.logger.Error("Symbol sync failed, rolling back",
				zap.Error(err),
				zap.String("provider", provider),
				zap.String("step", step.name))
			return fmt.Errorf("symbol sync %s: %w", step.name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit symbol sync: %w", err)
	}

	s.logger.Debug("Symbols populated", zap.String("provider", provider))
	return nil
}

func uniqueSorted(values []string) []string {
	seen := make(map[string]bool, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Strings(out)
	return out
}
