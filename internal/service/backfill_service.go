package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/yourorg/exchanger/internal/client"
	"github.com/yourorg/exchanger/internal/metrics"
	"github.com/yourorg/exchanger/internal/model"
	"github.com/yourorg/exchanger/internal/repository"
	"github.com/yourorg/exchanger/internal/scheduler"

	"go.uber.org/zap"
)

// BackfillService ingests rate history per provider and decides when the
// daily backfill is due
type BackfillService struct {
	store    *repository.RateStore
	registry *client.Registry
	hour     int
	minute   int
	location *time.Location
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time
}

// NewBackfillService creates a backfill service. autoTime ("HH:MM") is the
// daily backfill time, evaluated in loc.
func NewBackfillService(store *repository.RateStore, registry *client.Registry, autoTime string, loc *time.Location, m *metrics.Metrics, logger *zap.Logger) (*BackfillService, error) {
	hour, minute, err := scheduler.ParseClock(autoTime)
	if err != nil {
		return nil, err
	}
	if loc == nil {
		loc = time.Local
	}

	return &BackfillService{
		store:    store,
		registry: registry,
		hour:     hour,
		minute:   minute,
		location: loc,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}, nil
}

// NeedsBackfill reports whether provider should be backfilled now.
// An interrupted run always resumes. Otherwise a backfill is due when none
// ran today, or when today's run happened before the scheduled time and
// that time has now passed.
func (s *BackfillService) NeedsBackfill(ctx context.Context, provider string) bool {
	checkpoint, err := s.store.GetBackfillCheckpoint(ctx, provider)
	if err != nil {
		s.logger.Warn("Failed to read backfill checkpoint", zap.String("provider", provider), zap.Error(err))
		return true
	}
	if checkpoint != nil {
		s.logger.Debug("Found interrupted backfill",
			zap.String("provider", provider),
			zap.Int("last_symbol_idx", checkpoint.LastSymbolIdx),
			zap.Int("length", checkpoint.Length))
		return true
	}

	doneAt, err := s.store.GetBackfillDoneAt(ctx, provider)
	if err != nil || doneAt == nil {
		return true
	}

	last := doneAt.In(s.location)
	now := s.now().In(s.location)

	ly, lm, ld := last.Date()
	ny, nm, nd := now.Date()
	if ly != ny || lm != nm || ld != nd {
		return true
	}

	scheduled := time.Date(ny, nm, nd, s.hour, s.minute, 0, 0, s.location)
	if !last.Before(scheduled) {
		return false
	}
	return !now.Before(scheduled)
}

// MarkDone records that provider finished a backfill now
func (s *BackfillService) MarkDone(ctx context.Context, provider string) error {
	return s.store.SetBackfillDoneAt(ctx, provider, s.now().UTC())
}

// CheckpointLength returns the length of an interrupted run of provider,
// or fallback when there is none
func (s *BackfillService) CheckpointLength(ctx context.Context, provider string, fallback int) int {
	checkpoint, err := s.store.GetBackfillCheckpoint(ctx, provider)
	if err != nil || checkpoint == nil || checkpoint.Length <= 0 {
		return fallback
	}
	return checkpoint.Length
}

// Backfill fetches days of history for symbols of provider ("all" for every
// provider) and stores them. An empty symbols list means every stored
// symbol of the provider. It returns rows written per "provider:symbol".
func (s *BackfillService) Backfill(ctx context.Context, provider string, symbols []string, days int, progress model.ProgressFunc) (map[string]int, error) {
	results := make(map[string]int)

	var sources []client.Source
	if provider == "all" {
		sources = s.registry.All()
	} else {
		source, ok := s.registry.Get(provider)
		if !ok {
			return results, unknownProvider(provider)
		}
		sources = []client.Source{source}
	}

	for _, source := range sources {
		sourceResults, err := s.backfillSource(ctx, source, symbols, days, progress)
		for k, v := range sourceResults {
			results[k] = v
		}
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// resolveSymbols returns the provider symbols to backfill in order, with
// their stored types. Symbols missing from the catalog are skipped.
func (s *BackfillService) resolveSymbols(ctx context.Context, provider string, requested []string) ([]string, map[string]model.SymbolType, error) {
	types := make(map[string]model.SymbolType)
	var ordered []string

	if len(requested) == 0 {
		stored, err := s.store.ListSymbols(ctx, model.SymbolFilter{Provider: provider})
		if err != nil {
			return nil, nil, err
		}
		for _, sym := range stored {
			if _, seen := types[sym.ProviderSymbol]; !seen {
				ordered = append(ordered, sym.ProviderSymbol)
			}
			types[sym.ProviderSymbol] = sym.Type
		}
		return ordered, types, nil
	}

	for _, name := range requested {
		sym, err := resolveProviderSymbol(ctx, s.store, provider, name)
		if err != nil {
			return nil, nil, err
		}
		if sym == nil {
			s.logger.Warn("Symbol not in catalog, skipping (populate symbols first)",
				zap.String("provider", provider),
				zap.String("symbol", name))
			continue
		}
		if _, seen := types[sym.ProviderSymbol]; seen {
			continue
		}
		types[sym.ProviderSymbol] = sym.Type
		ordered = append(ordered, sym.ProviderSymbol)
	}
	return ordered, types, nil
}

func (s *BackfillService) backfillSource(ctx context.Context, source client.Source, requested []string, days int, progress model.ProgressFunc) (map[string]int, error) {
	provider := source.ID()
	results := make(map[string]int)
	start := time.Now()
	// fetched rates and checkpoints are persisted even once ctx is cancelled
	storeCtx := context.WithoutCancel(ctx)

	symbols, types, err := s.resolveSymbols(ctx, provider, requested)
	if err != nil {
		return results, err
	}
	if len(symbols) == 0 {
		s.logger.Debug("No symbols to backfill", zap.String("provider", provider))
		return results, nil
	}

	startIdx := 0
	checkpoint, err := s.store.GetBackfillCheckpoint(ctx, provider)
	if err != nil {
		return results, err
	}
	if checkpoint != nil && checkpoint.Length == days {
		resume := checkpoint.LastSymbolIdx + 1
		if resume > 0 && resume < len(symbols) {
			startIdx = resume
			s.logger.Info("Resuming backfill",
				zap.String("provider", provider),
				zap.Int("symbol", startIdx+1),
				zap.Int("total", len(symbols)))
			progress.Message(fmt.Sprintf("Resuming from symbol %d/%d", startIdx+1, len(symbols)))
		}
	}

	totalUnits := source.EstimateWorkUnits(len(symbols)-startIdx, days)
	completedUnits := 0
	percent := func() *int {
		pct := 0
		if totalUnits > 0 {
			pct = completedUnits * 100 / totalUnits
			if pct > 100 {
				pct = 100
			}
		}
		return &pct
	}

	track := func(p model.Progress) {
		if !p.WorkUnitDone {
			progress.Report(p)
			return
		}
		completedUnits++
		msg := p.Message
		if msg == "" {
			msg = "Working..."
		}
		progress.Report(model.Progress{
			Message: msg,
			Percent: percent(),
			Detail:  fmt.Sprintf("%d/%d units", completedUnits, totalUnits),
		})
	}

	saveCheckpoint := func(idx int) error {
		return s.store.SetBackfillCheckpoint(storeCtx, provider, model.BackfillCheckpoint{LastSymbolIdx: idx, Length: days})
	}

	for i := startIdx; i < len(symbols); i++ {
		symbol := symbols[i]
		if err := ctx.Err(); err != nil {
			return results, err
		}

		progress.Report(model.Progress{
			Message: fmt.Sprintf("Fetching %s...", symbol),
			Percent: percent(),
			Detail:  fmt.Sprintf("%d/%d symbols", i+1, len(symbols)),
		})

		history, err := source.FetchHistory(ctx, []string{symbol}, days, track, types)
		if err != nil {
			// the current symbol stays pending so a resumed run retries it
			if errors.Is(err, client.ErrQuotaExceeded) || ctx.Err() != nil {
				s.logger.Warn("Backfill aborted",
					zap.String("provider", provider),
					zap.String("symbol", symbol),
					zap.Error(err))
				return results, err
			}

			s.logger.Warn("Failed to fetch history, skipping symbol",
				zap.String("provider", provider),
				zap.String("symbol", symbol),
				zap.Error(err))
			if err := saveCheckpoint(i); err != nil {
				return results, err
			}
			continue
		}

		rates := history[symbol]
		if len(rates) == 0 {
			s.logger.Debug("No history returned", zap.String("provider", provider), zap.String("symbol", symbol))
			if err := saveCheckpoint(i); err != nil {
				return results, err
			}
			continue
		}

		count, err := s.storeRates(storeCtx, provider, symbol, rates)
		if err != nil {
			return results, err
		}
		if err := saveCheckpoint(i); err != nil {
			return results, err
		}

		results[provider+":"+symbol] = count
		s.metrics.RecordRatesWritten(provider, count)
		s.logger.Debug("Stored rates", zap.String("provider", provider), zap.String("symbol", symbol), zap.Int("count", count))
	}

	if err := s.store.ClearBackfillCheckpoint(storeCtx, provider); err != nil {
		return results, err
	}

	s.metrics.ObserveBackfill(provider, time.Since(start))
	s.logger.Info("Backfill finished",
		zap.String("provider", provider),
		zap.Int("symbols", len(symbols)-startIdx),
		zap.Duration("duration", time.Since(start)))
	return results, nil
}

func (s *BackfillService) storeRates(ctx context.Context, provider, symbol string, rates map[string]float64) (int, error) {
	dates := make([]string, 0, len(rates))
	for date := range rates {
		dates = append(dates, date)
	}
	sort.Strings(dates)

	count := 0
	for _, date := range dates {
		ok, err := s.store.UpsertRate(ctx, date, symbol, provider, rates[date])
		if err != nil {
			return count, fmt.Errorf("failed to store %s rate for %s: %w", symbol, date, err)
		}
		if ok {
			count++
		}
	}
	return count, nil
}
