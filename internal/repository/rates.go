package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/yourorg/exchanger/internal/model"
	"go.uber.org/zap"
)

// GetRate returns the cached rate for a provider symbol on date, or nil
func (s *RateStore) GetRate(ctx context.Context, date, providerSymbol, provider string) (*float64, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	query := `
		SELECT r.rate FROM rates r
		JOIN symbols s ON r.symbol_id = s.id
		WHERE r.date = ? AND s.provider_symbol = ? AND s.provider = ?
	`

	var rate float64
	err := s.db.GetContext(ctx, &rate, query, date, providerSymbol, provider)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		s.logger.Error("Failed to get rate",
			zap.Error(err),
			zap.String("date", date),
			zap.String("provider_symbol", providerSymbol),
			zap.String("provider", provider))
		return nil, err
	}

	return &rate, nil
}

// GetRatesForDate returns every cached rate on date, optionally for one provider
func (s *RateStore) GetRatesForDate(ctx context.Context, date, provider string) ([]model.DateRate, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	query := `
		SELECT s.symbol, s.provider_symbol, r.rate, s.provider, s.type
		FROM rates r
		JOIN symbols s ON r.symbol_id = s.id
		WHERE r.date = ?
	`
	args := []interface{}{date}
	if provider != "" {
		query += " AND s.provider = ?"
		args = append(args, provider)
	}
	query += " ORDER BY s.symbol ASC, s.provider ASC"

	rates := []model.DateRate{}
	if err := s.db.SelectContext(ctx, &rates, query, args...); err != nil {
		s.logger.Error("Failed to get rates for date", zap.Error(err), zap.String("date", date))
		return nil, err
	}
	return rates, nil
}

// UpsertRate inserts or replaces the rate of an existing symbol. It reports
// false, without creating anything, when the symbol is not in the catalog.
func (s *RateStore) UpsertRate(ctx context.Context, date, providerSymbol, provider string, rate float64) (bool, error) {
	if !s.lock() {
		s.unlock()
		return false, ErrStoreClosed
	}
	defer s.unlock()

	// Single statement so the symbol lookup and the write cannot race
	result, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO rates (date, symbol_id, rate)
		SELECT ?, id, ? FROM symbols WHERE provider_symbol = ? AND provider = ?`,
		date, rate, providerSymbol, provider)
	if err != nil {
		s.logger.Error("Failed to upsert rate",
			zap.Error(err),
			zap.String("date", date),
			zap.String("provider_symbol", providerSymbol),
			zap.String("provider", provider))
		return false, err
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	if affected == 0 {
		s.logger.Warn("Upsert skipped, symbol not found",
			zap.String("provider_symbol", providerSymbol),
			zap.String("provider", provider))
		return false, nil
	}
	return true, nil
}

// RangeQuery selects the symbol whose rates GetRatesRange returns.
// ProviderSymbol, when set, takes precedence over the normalized Symbol.
type RangeQuery struct {
	Symbol         string
	ProviderSymbol string
	Provider       string
	From           time.Time
	To             time.Time
}

// GetRatesRange returns one entry per calendar day between From and To
// inclusive. Days without a stored rate carry a nil rate.
func (s *RateStore) GetRatesRange(ctx context.Context, q RangeQuery) ([]model.DailyRate, error) {
	from := truncateDay(q.From)
	to := truncateDay(q.To)
	if from.After(to) {
		return []model.DailyRate{}, nil
	}

	if !s.lock() {
		s.unlock()
		return nil, nil
	}

	query := `
		SELECT r.date, r.rate
		FROM rates r
		JOIN symbols s ON r.symbol_id = s.id
		WHERE r.date BETWEEN ? AND ?
	`
	args := []interface{}{model.FormatDate(from), model.FormatDate(to)}
	if q.ProviderSymbol != "" {
		query += " AND s.provider_symbol = ?"
		args = append(args, q.ProviderSymbol)
	} else {
		query += " AND s.symbol = ?"
		args = append(args, q.Symbol)
	}
	if q.Provider != "" {
		query += " AND s.provider = ?"
		args = append(args, q.Provider)
	}
	query += " ORDER BY r.date ASC, s.provider ASC"

	var rows []struct {
		Date string  `db:"date"`
		Rate float64 `db:"rate"`
	}
	err := s.db.SelectContext(ctx, &rows, query, args...)
	s.unlock()
	if err != nil {
		s.logger.Error("Failed to get rates range",
			zap.Error(err),
			zap.String("symbol", q.Symbol),
			zap.String("provider_symbol", q.ProviderSymbol))
		return nil, err
	}

	byDate := make(map[string]float64, len(rows))
	for _, row := range rows {
		if _, seen := byDate[row.Date]; !seen {
			byDate[row.Date] = row.Rate
		}
	}

	days := int(to.Sub(from).Hours()/24) + 1
	series := make([]model.DailyRate, 0, days)
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		entry := model.DailyRate{Date: model.FormatDate(d)}
		if rate, ok := byDate[entry.Date]; ok {
			r := rate
			entry.Rate = &r
		}
		series = append(series, entry)
	}
	return series, nil
}

// GetCoverage counts stored rates per date of year
func (s *RateStore) GetCoverage(ctx context.Context, year int, provider string, symbols []string) (map[string]int, error) {
	query := `
		SELECT r.date AS date, COUNT(*) AS cnt
		FROM rates r
		JOIN symbols s ON r.symbol_id = s.id
		WHERE r.date BETWEEN ? AND ?
	`
	args := []interface{}{yearStart(year), yearEnd(year)}
	if provider != "" {
		query += " AND s.provider = ?"
		args = append(args, provider)
	}
	if len(symbols) > 0 {
		query += " AND s.symbol IN (?)"
		args = append(args, symbols)
	}
	query += " GROUP BY r.date ORDER BY r.date"

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}

	if !s.lock() {
		s.unlock()
		return map[string]int{}, nil
	}
	defer s.unlock()

	var rows []struct {
		Date  string `db:"date"`
		Count int    `db:"cnt"`
	}
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		s.logger.Error("Failed to get coverage", zap.Error(err), zap.Int("year", year))
		return nil, err
	}

	coverage := make(map[string]int, len(rows))
	for _, row := range rows {
		coverage[row.Date] = row.Count
	}
	return coverage, nil
}

// GetMissingSymbols lists, for each date of year that has any of symbols,
// the requested symbols that have no rate on that date.
func (s *RateStore) GetMissingSymbols(ctx context.Context, year int, symbols []string, provider string) (map[string][]string, error) {
	missing := map[string][]string{}
	if len(symbols) == 0 {
		return missing, nil
	}

	query := `
		SELECT r.date AS date, s.symbol AS symbol
		FROM rates r
		JOIN symbols s ON r.symbol_id = s.id
		WHERE r.date BETWEEN ? AND ?
		AND s.symbol IN (?)
	`
	args := []interface{}{yearStart(year), yearEnd(year), symbols}
	if provider != "" {
		query += " AND s.provider = ?"
		args = append(args, provider)
	}

	query, args, err := sqlx.In(query, args...)
	if err != nil {
		return nil, err
	}

	if !s.lock() {
		s.unlock()
		return missing, nil
	}
	var rows []struct {
		Date   string `db:"date"`
		Symbol string `db:"symbol"`
	}
	err = s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...)
	s.unlock()
	if err != nil {
		s.logger.Error("Failed to get missing symbols", zap.Error(err), zap.Int("year", year))
		return nil, err
	}

	present := map[string]map[string]bool{}
	for _, row := range rows {
		if present[row.Date] == nil {
			present[row.Date] = map[string]bool{}
		}
		present[row.Date][row.Symbol] = true
	}

	wanted := uniqueSorted(symbols)
	for date, have := range present {
		var absent []string
		for _, sym := range wanted {
			if !have[sym] {
				absent = append(absent, sym)
			}
		}
		if len(absent) > 0 {
			missing[date] = absent
		}
	}
	return missing, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func yearStart(year int) string {
	return fmt.Sprintf("%04d-01-01", year)
}

func yearEnd(year int) string {
	return fmt.Sprintf("%04d-12-31", year)
}
