package repository

import (
	"context"
	"database/sql"

	"github.com/yourorg/exchanger/internal/model"
	"go.uber.org/zap"
)

// favorites carry millisecond timestamps so ordering survives quick successive adds
const nowMillis = `strftime('%Y-%m-%d %H:%M:%f', 'now')`

func (s *RateStore) symbolID(ctx context.Context, provider, providerSymbol string) (int64, bool, error) {
	var id int64
	err := s.db.GetContext(ctx, &id,
		`SELECT id FROM symbols WHERE provider = ? AND provider_symbol = ?`, provider, providerSymbol)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, err
	}
	return id, true, nil
}

// AddFavorite pins a symbol. It reports false when the symbol does not exist.
func (s *RateStore) AddFavorite(ctx context.Context, provider, providerSymbol string) (bool, error) {
	if !s.lock() {
		s.unlock()
		return false, ErrStoreClosed
	}
	defer s.unlock()

	id, ok, err := s.symbolID(ctx, provider, providerSymbol)
	if err != nil {
		s.logger.Error("Failed to look up favorite symbol", zap.Error(err))
		return false, err
	}
	if !ok {
		s.logger.Warn("Favorite symbol not found",
			zap.String("provider", provider),
			zap.String("provider_symbol", providerSymbol))
		return false, nil
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO favorites (symbol_id, created_at) VALUES (?, `+nowMillis+`)`, id)
	if err != nil {
		s.logger.Error("Failed to add favorite", zap.Error(err), zap.Int64("symbol_id", id))
		return false, err
	}
	return true, nil
}

// RemoveFavorite unpins a symbol. It reports false when the symbol does not exist.
func (s *RateStore) RemoveFavorite(ctx context.Context, provider, providerSymbol string) (bool, error) {
	if !s.lock() {
		s.unlock()
		return false, ErrStoreClosed
	}
	defer s.unlock()

	id, ok, err := s.symbolID(ctx, provider, providerSymbol)
	if err != nil || !ok {
		return false, err
	}

	if _, err := s.db.ExecContext(ctx, `DELETE FROM favorites WHERE symbol_id = ?`, id); err != nil {
		s.logger.Error("Failed to remove favorite", zap.Error(err), zap.Int64("symbol_id", id))
		return false, err
	}
	return true, nil
}

// ListFavorites returns favorites, most recently added first
func (s *RateStore) ListFavorites(ctx context.Context) ([]model.Favorite, error) {
	if !s.lock() {
		s.unlock()
		return []model.Favorite{}, nil
	}
	defer s.unlock()

	favorites := []model.Favorite{}
	err := s.db.SelectContext(ctx, &favorites, `
		SELECT s.provider, s.provider_symbol, f.created_at
		FROM favorites f
		JOIN symbols s ON f.symbol_id = s.id
		ORDER BY f.created_at DESC, f.symbol_id DESC`)
	if err != nil {
		s.logger.Error("Failed to list favorites", zap.Error(err))
		return nil, err
	}
	return favorites, nil
}
