package service

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/yourorg/exchanger/internal/client"
	"github.com/yourorg/exchanger/internal/model"
	"github.com/yourorg/exchanger/internal/repository"
	"go.uber.org/zap"
)

// fakeSource is an in-memory rate source
type fakeSource struct {
	id      string
	catalog []model.SymbolInfo
	listErr error

	// history is provider symbol -> date -> rate
	history    map[string]map[string]float64
	historyErr map[string]error

	// rates is "symbol|date" -> rate
	rates    map[string]float64
	rateErr  error
	cacheSet []model.SymbolInfo

	mu           sync.Mutex
	historyCalls []string
	rateCalls    int
}

func (f *fakeSource) ID() string { return f.id }

func (f *fakeSource) ListSymbols(ctx context.Context, progress model.ProgressFunc) ([]model.SymbolInfo, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.catalog, nil
}

func (f *fakeSource) FetchHistory(ctx context.Context, symbols []string, days int, progress model.ProgressFunc, symbolTypes map[string]model.SymbolType) (map[string]map[string]float64, error) {
	f.mu.Lock()
	f.historyCalls = append(f.historyCalls, symbols...)
	f.mu.Unlock()

	out := make(map[string]map[string]float64)
	for _, sym := range symbols {
		if err := f.historyErr[sym]; err != nil {
			return nil, err
		}
		progress.Report(model.Progress{Message: "Fetched " + sym, WorkUnitDone: true})
		out[sym] = f.history[sym]
	}
	return out, nil
}

func (f *fakeSource) FetchRate(ctx context.Context, symbol string, date time.Time) (*float64, error) {
	f.mu.Lock()
	f.rateCalls++
	f.mu.Unlock()

	if f.rateErr != nil {
		return nil, f.rateErr
	}
	if r, ok := f.rates[symbol+"|"+model.FormatDate(date)]; ok {
		return &r, nil
	}
	return nil, nil
}

func (f *fakeSource) GetSymbolInfo(ctx context.Context, symbol string) *model.SymbolInfo {
	for _, info := range f.catalog {
		if info.ProviderSymbol == symbol {
			return &info
		}
	}
	return nil
}

func (f *fakeSource) EstimateWorkUnits(symbolCount, days int) int { return symbolCount }

func (f *fakeSource) calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.historyCalls...)
}

// cachingSource also keeps a symbol type cache
type cachingSource struct {
	*fakeSource
}

func (c cachingSource) SetSymbolCache(symbols []model.SymbolInfo) {
	c.fakeSource.cacheSet = symbols
}

func newTestStore(t *testing.T) *repository.RateStore {
	t.Helper()
	store, err := repository.OpenRateStore(filepath.Join(t.TempDir(), "rates.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newRegistry(sources ...client.Source) *client.Registry {
	r := client.NewRegistry()
	for _, s := range sources {
		r.Register(s)
	}
	return r
}

func forexInfo(providerSymbol string) model.SymbolInfo {
	return model.SymbolInfo{
		Symbol:         client.NormalizeSymbol(providerSymbol),
		ProviderSymbol: providerSymbol,
		Type:           model.SymbolTypeForex,
	}
}

func seedSymbols(t *testing.T, store *repository.RateStore, provider string, providerSymbols ...string) {
	t.Helper()
	symbols := make([]model.Symbol, 0, len(providerSymbols))
	for _, ps := range providerSymbols {
		symbols = append(symbols, forexInfo(ps).ToSymbol(provider))
	}
	require.NoError(t, store.PopulateSymbols(context.Background(), provider, symbols))
}

func day(s string) time.Time {
	t, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return t
}
