package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/yourorg/exchanger/internal/model"
	"go.uber.org/zap"
)

func symbolsPopulatedKey(provider string) string { return "symbols_populated:" + provider }
func backfillDoneKey(provider string) string     { return "backfill_done:" + provider }
func checkpointKey(provider string) string       { return "backfill_checkpoint:" + provider }

// getMeta reads a metadata value; callers hold the store lock
func (s *RateStore) getMeta(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.GetContext(ctx, &value, `SELECT value FROM metadata WHERE key = ?`, key)
	if err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		s.logger.Error("Failed to read metadata", zap.Error(err), zap.String("key", key))
		return "", false, err
	}
	return value, true, nil
}

func (s *RateStore) setMeta(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)`, key, value)
	if err != nil {
		s.logger.Error("Failed to write metadata", zap.Error(err), zap.String("key", key))
	}
	return err
}

func (s *RateStore) getTimestamp(ctx context.Context, key string) (*time.Time, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	value, ok, err := s.getMeta(ctx, key)
	if err != nil || !ok {
		return nil, err
	}

	ts, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		s.logger.Warn("Ignoring unparseable timestamp", zap.String("key", key), zap.String("value", value))
		return nil, nil
	}
	return &ts, nil
}

func (s *RateStore) setTimestamp(ctx context.Context, key string, ts time.Time) error {
	if !s.lock() {
		s.unlock()
		return ErrStoreClosed
	}
	defer s.unlock()

	return s.setMeta(ctx, key, ts.UTC().Format(time.RFC3339Nano))
}

// GetSymbolsPopulatedAt returns when the provider catalog was last synced
func (s *RateStore) GetSymbolsPopulatedAt(ctx context.Context, provider string) (*time.Time, error) {
	return s.getTimestamp(ctx, symbolsPopulatedKey(provider))
}

// SetSymbolsPopulatedAt records when the provider catalog was synced
func (s *RateStore) SetSymbolsPopulatedAt(ctx context.Context, provider string, ts time.Time) error {
	return s.setTimestamp(ctx, symbolsPopulatedKey(provider), ts)
}

// GetBackfillDoneAt returns when the provider backfill last completed
func (s *RateStore) GetBackfillDoneAt(ctx context.Context, provider string) (*time.Time, error) {
	return s.getTimestamp(ctx, backfillDoneKey(provider))
}

// SetBackfillDoneAt records a completed provider backfill
func (s *RateStore) SetBackfillDoneAt(ctx context.Context, provider string, ts time.Time) error {
	return s.setTimestamp(ctx, backfillDoneKey(provider), ts)
}

// GetBackfillCheckpoint returns the saved resume point, or nil when there is
// none or it cannot be decoded.
func (s *RateStore) GetBackfillCheckpoint(ctx context.Context, provider string) (*model.BackfillCheckpoint, error) {
	if !s.lock() {
		s.unlock()
		return nil, nil
	}
	defer s.unlock()

	value, ok, err := s.getMeta(ctx, checkpointKey(provider))
	if err != nil || !ok {
		return nil, err
	}

	var cp model.BackfillCheckpoint
	if err := json.Unmarshal([]byte(value), &cp); err != nil {
		s.logger.Warn("Ignoring corrupt backfill checkpoint",
			zap.String("provider", provider),
			zap.String("value", value))
		return nil, nil
	}
	return &cp, nil
}

// SetBackfillCheckpoint saves the resume point of a running backfill
func (s *RateStore) SetBackfillCheckpoint(ctx context.Context, provider string, cp model.BackfillCheckpoint) error {
	data, err := json.Marshal(cp)
	if err != nil {
		return err
	}

	if !s.lock() {
		s.unlock()
		return ErrStoreClosed
	}
	defer s.unlock()

	return s.setMeta(ctx, checkpointKey(provider), string(data))
}

// ClearBackfillCheckpoint removes the resume point of a finished backfill
func (s *RateStore) ClearBackfillCheckpoint(ctx context.Context, provider string) error {
	if !s.lock() {
		s.unlock()
		return ErrStoreClosed
	}
	defer s.unlock()

	_, err := s.db.ExecContext(ctx, `DELETE FROM metadata WHERE key = ?`, checkpointKey(provider))
	if err != nil {
		s.logger.Error("Failed to clear backfill checkpoint", zap.Error(err), zap.String("provider", provider))
	}
	return err
}
