package service

import (
	"context"
	"fmt"
	"time"

	"github.com/yourorg/exchanger/internal/client"
	"github.com/yourorg/exchanger/internal/model"
	"github.com/yourorg/exchanger/internal/repository"

	"go.uber.org/zap"
)

// DefaultSymbolsMaxAgeDays is how long a populated catalog stays fresh
const DefaultSymbolsMaxAgeDays = 30

// SymbolService keeps the stored symbol catalog in sync with each source
type SymbolService struct {
	store      *repository.RateStore
	registry   *client.Registry
	maxAgeDays int
	logger     *zap.Logger
	now        func() time.Time
}

// NewSymbolService creates a new symbol service
func NewSymbolService(store *repository.RateStore, registry *client.Registry, maxAgeDays int, logger *zap.Logger) *SymbolService {
	if maxAgeDays <= 0 {
		maxAgeDays = DefaultSymbolsMaxAgeDays
	}
	return &SymbolService{
		store:      store,
		registry:   registry,
		maxAgeDays: maxAgeDays,
		logger:     logger,
		now:        time.Now,
	}
}

// NeedsPopulation reports whether the provider catalog is empty or stale
func (s *SymbolService) NeedsPopulation(ctx context.Context, provider string) bool {
	count, err := s.store.CountSymbols(ctx, provider)
	if err != nil || count == 0 {
		return true
	}

	populatedAt, err := s.store.GetSymbolsPopulatedAt(ctx, provider)
	if err != nil || populatedAt == nil {
		return true
	}

	ageDays := int(s.now().Sub(*populatedAt).Hours() / 24)
	return ageDays >= s.maxAgeDays
}

// Populate refreshes the catalog of provider, or of every provider for "all".
// It returns the number of symbols stored per provider.
func (s *SymbolService) Populate(ctx context.Context, provider string, progress model.ProgressFunc) (map[string]int, error) {
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
		count, err := s.populateSource(ctx, source, progress)
		if err != nil {
			return results, err
		}
		results[source.ID()] = count
	}

	s.logger.Debug("Populate complete", zap.String("provider", provider), zap.Any("results", results))
	return results, nil
}

func (s *SymbolService) populateSource(ctx context.Context, source client.Source, progress model.ProgressFunc) (int, error) {
	provider := source.ID()
	progress.Message(fmt.Sprintf("Fetching symbols from %s...", provider))

	infos, err := source.ListSymbols(ctx, progress)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s symbols: %w", provider, err)
	}

	symbols := make([]model.Symbol, 0, len(infos))
	for _, info := range infos {
		symbols = append(symbols, info.ToSymbol(provider))
	}

	progress.Message(fmt.Sprintf("Saving %d symbols from %s...", len(symbols), provider))

	if err := s.store.PopulateSymbols(ctx, provider, symbols); err != nil {
		return 0, fmt.Errorf("failed to save %s symbols: %w", provider, err)
	}
	if err := s.store.SetSymbolsPopulatedAt(ctx, provider, s.now().UTC()); err != nil {
		return 0, err
	}

	if cacher, ok := source.(client.SymbolCacher); ok {
		cacher.SetSymbolCache(infos)
	}

	s.logger.Info("Symbols populated", zap.String("provider", provider), zap.Int("count", len(symbols)))
	return len(symbols), nil
}

// WarmSourceCaches loads stored catalogs into the sources that keep a type
// cache, so on-demand lookups work before the next population.
func (s *SymbolService) WarmSourceCaches(ctx context.Context) error {
	for _, source := range s.registry.All() {
		cacher, ok := source.(client.SymbolCacher)
		if !ok {
			continue
		}

		symbols, err := s.store.ListSymbols(ctx, model.SymbolFilter{Provider: source.ID()})
		if err != nil {
			return err
		}

		infos := make([]model.SymbolInfo, 0, len(symbols))
		for _, sym := range symbols {
			infos = append(infos, model.SymbolInfo{
				Symbol:         sym.Symbol,
				ProviderSymbol: sym.ProviderSymbol,
				Type:           sym.Type,
				Name:           sym.Name,
			})
		}
		cacher.SetSymbolCache(infos)
		s.logger.Debug("Source symbol cache warmed", zap.String("provider", source.ID()), zap.Int("count", len(infos)))
	}
	return nil
}

// ListSymbols retrieves symbols with filter parameters
func (s *SymbolService) ListSymbols(ctx context.Context, filter model.SymbolFilter) ([]model.Symbol, error) {
	return s.store.ListSymbols(ctx, filter)
}

// ListMultiProviderSymbols retrieves symbols quoted by more than one provider
func (s *SymbolService) ListMultiProviderSymbols(ctx context.Context) ([]model.MultiProviderSymbol, error) {
	return s.store.ListMultiProviderSymbols(ctx)
}

// GetSymbolVariants retrieves every provider variant of a normalized symbol
func (s *SymbolService) GetSymbolVariants(ctx context.Context, symbol string) ([]model.Symbol, error) {
	return s.store.GetSymbolVariants(ctx, client.NormalizeSymbol(symbol))
}

// ListFavorites retrieves favorites, most recent first
func (s *SymbolService) ListFavorites(ctx context.Context) ([]model.Favorite, error) {
	return s.store.ListFavorites(ctx)
}

// AddFavorite pins a symbol
func (s *SymbolService) AddFavorite(ctx context.Context, fav model.Favorite) error {
	ok, err := s.store.AddFavorite(ctx, fav.Provider, fav.ProviderSymbol)
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrSymbolNotFound
	}
	return nil
}

// RemoveFavorite unpins a symbol
func (s *SymbolService) RemoveFavorite(ctx context.Context, fav model.Favorite) error {
	ok, err := s.store.RemoveFavorite(ctx, fav.Provider, fav.ProviderSymbol)
	if err != nil {
		return err
	}
	if !ok {
		return repository.ErrSymbolNotFound
	}
	return nil
}

// resolveProviderSymbol maps a symbol as given by a user or config, either
// the provider spelling or the normalized name, to the stored catalog entry.
func resolveProviderSymbol(ctx context.Context, store *repository.RateStore, provider, symbol string) (*model.Symbol, error) {
	sym, err := store.GetSymbol(ctx, symbol, provider)
	if err != nil || sym != nil {
		return sym, err
	}

	variants, err := store.GetSymbolVariants(ctx, client.NormalizeSymbol(symbol))
	if err != nil {
		return nil, err
	}
	for i := range variants {
		if variants[i].Provider == provider {
			return &variants[i], nil
		}
	}
	return nil, nil
}
