package service

import (
	"context"
	"sync"
	"time"

	"github.com/yourorg/exchanger/internal/client"
	"github.com/yourorg/exchanger/internal/metrics"
	"github.com/yourorg/exchanger/internal/model"
	"github.com/yourorg/exchanger/internal/repository"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// RateService serves cached rates and fetches missing ones on demand
type RateService struct {
	store    *repository.RateStore
	registry *client.Registry
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewRateService creates a new rate service
func NewRateService(store *repository.RateStore, registry *client.Registry, m *metrics.Metrics, logger *zap.Logger) *RateService {
	return &RateService{
		store:    store,
		registry: registry,
		metrics:  m,
		logger:   logger,
	}
}

// Providers lists registered provider ids
func (s *RateService) Providers() []string {
	return s.registry.IDs()
}

// HasProvider reports whether provider is registered
func (s *RateService) HasProvider(provider string) bool {
	_, ok := s.registry.Get(provider)
	return ok
}

// GetRate returns the rate of a provider symbol on date. A cache miss is
// fetched from the source and stored; a failing source yields nil.
func (s *RateService) GetRate(ctx context.Context, date time.Time, symbol, provider string) (*float64, error) {
	source, ok := s.registry.Get(provider)
	if !ok {
		return nil, unknownProvider(provider)
	}

	dateStr := model.FormatDate(date)
	cached, err := s.store.GetRate(ctx, dateStr, symbol, provider)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		s.metrics.RecordRateLookup(provider, "hit")
		return cached, nil
	}

	s.logger.Debug("Rate not cached, fetching on demand",
		zap.String("provider", provider),
		zap.String("symbol", symbol),
		zap.String("date", dateStr))

	rate, err := source.FetchRate(ctx, symbol, date)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("Source fetch failed", zap.String("provider", provider), zap.String("symbol", symbol), zap.Error(err))
		s.metrics.RecordRateLookup(provider, "error")
		return nil, nil
	}
	if rate == nil {
		s.metrics.RecordRateLookup(provider, "miss")
		return nil, nil
	}

	if _, err := s.store.UpsertRate(ctx, dateStr, symbol, provider, *rate); err != nil {
		s.logger.Warn("Failed to cache fetched rate", zap.String("provider", provider), zap.Error(err))
	}
	s.metrics.RecordRateLookup(provider, "fetched")
	return rate, nil
}

// GetRateAll looks the rate up at every provider concurrently
func (s *RateService) GetRateAll(ctx context.Context, date time.Time, symbol string) (map[string]*float64, error) {
	var mu sync.Mutex
	rates := make(map[string]*float64)

	g, gctx := errgroup.WithContext(ctx)
	for _, provider := range s.registry.IDs() {
		provider := provider
		g.Go(func() error {
			rate, err := s.GetRate(gctx, date, symbol, provider)
			if err != nil {
				return err
			}
			mu.Lock()
			rates[provider] = rate
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return rates, nil
}

// GetRatesForDate returns every cached rate of date
func (s *RateService) GetRatesForDate(ctx context.Context, date time.Time, provider string) ([]model.DateRate, error) {
	if provider != "" && !s.HasProvider(provider) {
		return nil, unknownProvider(provider)
	}
	return s.store.GetRatesForDate(ctx, model.FormatDate(date), provider)
}

// GetRatesRange returns a dense daily series
func (s *RateService) GetRatesRange(ctx context.Context, q repository.RangeQuery) ([]model.DailyRate, error) {
	if q.Provider != "" && !s.HasProvider(q.Provider) {
		return nil, unknownProvider(q.Provider)
	}
	if q.ProviderSymbol == "" {
		q.Symbol = client.NormalizeSymbol(q.Symbol)
	}
	return s.store.GetRatesRange(ctx, q)
}

// GetCoverage counts cached rates per date of year
func (s *RateService) GetCoverage(ctx context.Context, year int, provider string, symbols []string) (map[string]int, error) {
	return s.store.GetCoverage(ctx, year, provider, symbols)
}

// GetMissingSymbols lists, per date of year, which symbols have no rate
func (s *RateService) GetMissingSymbols(ctx context.Context, year int, symbols []string, provider string) (map[string][]string, error) {
	return s.store.GetMissingSymbols(ctx, year, symbols, provider)
}

// ChainRate prices from in to through via on date using provider
func (s *RateService) ChainRate(ctx context.Context, date time.Time, from, via, to, provider string) (*model.ChainRate, error) {
	if !s.HasProvider(provider) {
		return nil, unknownProvider(provider)
	}

	lookup := func(ctx context.Context, symbol string) (*float64, error) {
		// legs only resolve through cataloged symbols
		sym, err := resolveProviderSymbol(ctx, s.store, provider, symbol)
		if err != nil || sym == nil {
			return nil, err
		}
		return s.GetRate(ctx, date, sym.ProviderSymbol, provider)
	}

	first, err := ResolveLeg(ctx, from, via, lookup)
	if err != nil {
		return nil, err
	}
	second, err := ResolveLeg(ctx, via, to, lookup)
	if err != nil {
		return nil, err
	}

	return &model.ChainRate{
		Date: model.FormatDate(date),
		From: first.Base,
		Via:  first.Quote,
		To:   second.Quote,
		Legs: []model.ChainLeg{first, second},
		Rate: CombineLegs(first, second),
	}, nil
}
