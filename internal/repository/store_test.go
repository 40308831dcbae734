package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/exchanger/internal/model"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *RateStore {
	t.Helper()
	store, err := OpenRateStore(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

var checkpointFixture = model.BackfillCheckpoint{LastSymbolIdx: 4, Length: 30}

func forex(symbol, name string) model.Symbol {
	return model.Symbol{Symbol: symbol, ProviderSymbol: symbol, Type: model.SymbolTypeForex, Name: model.StringPtr(name)}
}

func date(s string) time.Time {
	d, err := model.ParseDate(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestPopulateSymbolsSync(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.PopulateSymbols(ctx, "fcs", []model.Symbol{
		forex("EURCZK", "Euro"),
		forex("USDCZK", "Dollar"),
	}))

	got, err := store.GetSymbol(ctx, "EURCZK", "fcs")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.SymbolTypeForex, got.Type)
	assert.Equal(t, "Euro", *got.Name)

	ok, err := store.UpsertRate(ctx, "2024-01-02", "USDCZK", "fcs", 22.5)
	require.NoError(t, err)
	require.True(t, ok)

	// Second sync drops USDCZK, renames EURCZK and adds GBPCZK
	require.NoError(t, store.PopulateSymbols(ctx, "fcs", []model.Symbol{
		forex("EURCZK", "Euro / Czech koruna"),
		forex("GBPCZK", "Pound"),
	}))

	gone, err := store.GetSymbol(ctx, "USDCZK", "fcs")
	require.NoError(t, err)
	assert.Nil(t, gone)

	rate, err := store.GetRate(ctx, "2024-01-02", "USDCZK", "fcs")
	require.NoError(t, err)
	assert.Nil(t, rate)

	rows, err := store.ExportRates(ctx)
	require.NoError(t, err)
	assert.Empty(t, rows)

	renamed, err := store.GetSymbol(ctx, "EURCZK", "fcs")
	require.NoError(t, err)
	assert.Equal(t, "Euro / Czech koruna", *renamed.Name)

	count, err := store.CountSymbols(ctx, "fcs")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestPopulateSymbolsIsolatedPerProvider(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.PopulateSymbols(ctx, "fcs", []model.Symbol{forex("EURCZK", "Euro")}))
	require.NoError(t, store.PopulateSymbols(ctx, "cnb", []model.Symbol{forex("EURCZK", "Euro")}))
	require.NoError(t, store.PopulateSymbols(ctx, "fcs", nil))

	cnb, err := store.GetSymbol(ctx, "EURCZK", "cnb")
	require.NoError(t, err)
	assert.NotNil(t, cnb)

	fcsCount, err := store.CountSymbols(ctx, "fcs")
	require.NoError(t, err)
	assert.Zero(t, fcsCount)
}

func TestPopulateSymbolsRollsBackOnFailure(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	require.NoError(t, store.PopulateSymbols(ctx, "fcs", []model.Symbol{
		forex("EURCZK", "Euro"),
		forex("USDCZK", "Dollar"),
	}))
	_, err := store.UpsertRate(ctx, "2024-01-02", "USDCZK", "fcs", 22.5)
	require.NoError(t, err)

	// The invalid type fails the insert step after stale rows were already deleted
	err = store.PopulateSymbols(ctx, "fcs", []model.Symbol{
		forex("EURCZK", "Euro v2"),
		{Symbol: "BTCUSD", ProviderSymbol: "BTCUSD", Type: "stock"},
	})
	require.Error(t, err)

	symbols, err := store.ListSymbols(ctx, model.SymbolFilter{Provider: "fcs"})
	require.NoError(t, err)
	require.Len(t, symbols, 2)

	eur, err := store.GetSymbol(ctx, "EURCZK", "fcs")
	require.NoError(t, err)
	assert.Equal(t, "Euro", *eur.Name)

	rate, err := store.GetRate(ctx, "2024-01-02", "USDCZK", "fcs")
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.Equal(t, 22.5, *rate)
}

func TestUpsertRate(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.PopulateSymbols(ctx, "cnb", []model.Symbol{forex("EURCZK", "Euro")}))

	t.Run("idempotent", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			ok, err := store.UpsertRate(ctx, "2024-03-01", "EURCZK", "cnb", 25.1)
			require.NoError(t, err)
			require.True(t, ok)
		}
		rows, err := store.ExportRates(ctx)
		require.NoError(t, err)
		assert.Len(t, rows, 1)
	})

	t.Run("replaces value", func(t *testing.T) {
		_, err := store.UpsertRate(ctx, "2024-03-01", "EURCZK", "cnb", 25.3)
		require.NoError(t, err)
		rate, err := store.GetRate(ctx, "2024-03-01", "EURCZK", "cnb")
		require.NoError(t, err)
		assert.Equal(t, 25.3, *rate)
	})

	t.Run("unknown symbol", func(t *testing.T) {
		ok, err := store.UpsertRate(ctx, "2024-03-01", "XXXCZK", "cnb", 1)
		require.NoError(t, err)
		assert.False(t, ok)

		sym, err := store.GetSymbol(ctx, "XXXCZK", "cnb")
		require.NoError(t, err)
		assert.Nil(t, sym)
	})
}

func TestGetRatesRangeIsDense(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.PopulateSymbols(ctx, "cnb", []model.Symbol{forex("EURCZK", "Euro")}))

	for d, r := range map[string]float64{"2024-01-01": 25.0, "2024-01-04": 25.4} {
		_, err := store.UpsertRate(ctx, d, "EURCZK", "cnb", r)
		require.NoError(t, err)
	}

	series, err := store.GetRatesRange(ctx, RangeQuery{
		Symbol: "EURCZK",
		From:   date("2024-01-01"),
		To:     date("2024-01-05"),
	})
	require.NoError(t, err)
	require.Len(t, series, 5)

	assert.Equal(t, "2024-01-01", series[0].Date)
	assert.Equal(t, 25.0, *series[0].Rate)
	assert.Nil(t, series[1].Rate)
	assert.Nil(t, series[2].Rate)
	assert.Equal(t, 25.4, *series[3].Rate)
	assert.Equal(t, "2024-01-05", series[4].Date)
	assert.Nil(t, series[4].Rate)

	empty, err := store.GetRatesRange(ctx, RangeQuery{Symbol: "EURCZK", From: date("2024-02-01"), To: date("2024-01-01")})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCoverageAndMissingSymbols(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.PopulateSymbols(ctx, "cnb", []model.Symbol{
		forex("EURCZK", "Euro"),
		forex("USDCZK", "Dollar"),
	}))

	_, _ = store.UpsertRate(ctx, "2024-05-01", "EURCZK", "cnb", 25)
	_, _ = store.UpsertRate(ctx, "2024-05-01", "USDCZK", "cnb", 23)
	_, _ = store.UpsertRate(ctx, "2024-05-02", "EURCZK", "cnb", 25.1)
	_, _ = store.UpsertRate(ctx, "2023-12-31", "EURCZK", "cnb", 24.9)

	coverage, err := store.GetCoverage(ctx, 2024, "cnb", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"2024-05-01": 2, "2024-05-02": 1}, coverage)

	filtered, err := store.GetCoverage(ctx, 2024, "", []string{"USDCZK"})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"2024-05-01": 1}, filtered)

	missing, err := store.GetMissingSymbols(ctx, 2024, []string{"EURCZK", "USDCZK"}, "cnb")
	require.NoError(t, err)
	assert.Equal(t, map[string][]string{"2024-05-02": {"USDCZK"}}, missing)
}

func TestCheckpointLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	cp, err := store.GetBackfillCheckpoint(ctx, "fcs")
	require.NoError(t, err)
	assert.Nil(t, cp)

	require.NoError(t, store.SetBackfillCheckpoint(ctx, "fcs", model.BackfillCheckpoint{LastSymbolIdx: 2, Length: 31}))
	require.NoError(t, store.SetBackfillCheckpoint(ctx, "fcs", model.BackfillCheckpoint{LastSymbolIdx: 3, Length: 31}))

	cp, err = store.GetBackfillCheckpoint(ctx, "fcs")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, model.BackfillCheckpoint{LastSymbolIdx: 3, Length: 31}, *cp)

	require.NoError(t, store.ClearBackfillCheckpoint(ctx, "fcs"))
	require.NoError(t, store.ClearBackfillCheckpoint(ctx, "fcs"))
	cp, err = store.GetBackfillCheckpoint(ctx, "fcs")
	require.NoError(t, err)
	assert.Nil(t, cp)

	done := time.Date(2024, 6, 1, 14, 30, 0, 0, time.UTC)
	require.NoError(t, store.SetBackfillDoneAt(ctx, "fcs", done))
	got, err := store.GetBackfillDoneAt(ctx, "fcs")
	require.NoError(t, err)
	assert.True(t, done.Equal(*got))
}

func TestFavorites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.PopulateSymbols(ctx, "cnb", []model.Symbol{
		forex("EURCZK", "Euro"),
		forex("USDCZK", "Dollar"),
	}))

	ok, err := store.AddFavorite(ctx, "cnb", "EURCZK")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.AddFavorite(ctx, "cnb", "NOPE")
	require.NoError(t, err)
	assert.False(t, ok)

	favorites, err := store.ListFavorites(ctx)
	require.NoError(t, err)
	require.Len(t, favorites, 1)
	assert.Equal(t, "EURCZK", favorites[0].ProviderSymbol)

	// Removing the symbol from the catalog drops the favorite
	require.NoError(t, store.PopulateSymbols(ctx, "cnb", []model.Symbol{forex("USDCZK", "Dollar")}))
	favorites, err = store.ListFavorites(ctx)
	require.NoError(t, err)
	assert.Empty(t, favorites)

	ok, err = store.RemoveFavorite(ctx, "cnb", "EURCZK")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExportImportRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := newTestStore(t)
	require.NoError(t, src.PopulateSymbols(ctx, "cnb", []model.Symbol{forex("EURCZK", "Euro")}))
	_, _ = src.UpsertRate(ctx, "2024-01-01", "EURCZK", "cnb", 25)
	_, _ = src.AddFavorite(ctx, "cnb", "EURCZK")
	require.NoError(t, src.SetBackfillDoneAt(ctx, "cnb", time.Now()))

	symbols, err := src.ExportSymbols(ctx)
	require.NoError(t, err)
	rates, err := src.ExportRates(ctx)
	require.NoError(t, err)
	metadata, err := src.ExportMetadata(ctx)
	require.NoError(t, err)
	favorites, err := src.ExportFavorites(ctx)
	require.NoError(t, err)

	for _, row := range metadata {
		assert.NotEqual(t, schemaVersionKey, row.Key)
	}

	dst := newTestStore(t)
	require.NoError(t, dst.PopulateSymbols(ctx, "fcs", []model.Symbol{forex("GBPCZK", "Pound")}))

	n, err := dst.ImportSymbols(ctx, symbols)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = dst.ImportRates(ctx, append(rates, model.RateRow{Date: "2024-01-01", Provider: "cnb", ProviderSymbol: "GONE", Rate: 1}))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = dst.ImportMetadata(ctx, append(metadata, model.MetadataRow{Key: schemaVersionKey, Value: "1"}))
	require.NoError(t, err)
	assert.Equal(t, len(metadata), n)

	n, err = dst.ImportFavorites(ctx, favorites)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	gone, err := dst.GetSymbol(ctx, "GBPCZK", "fcs")
	require.NoError(t, err)
	assert.Nil(t, gone)

	rate, err := dst.GetRate(ctx, "2024-01-01", "EURCZK", "cnb")
	require.NoError(t, err)
	assert.Equal(t, 25.0, *rate)

	version, err := dst.schemaVersion()
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, version)
}

func TestLegacySymbolImport(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.ImportSymbols(ctx, []model.SymbolRow{
		{Provider: "fcs", Symbol: "EURCZK.ONE", NormalizedSymbol: "EURCZK", Type: model.SymbolTypeForex},
	})
	require.NoError(t, err)

	sym, err := store.GetSymbol(ctx, "EURCZK.ONE", "fcs")
	require.NoError(t, err)
	require.NotNil(t, sym)
	assert.Equal(t, "EURCZK", sym.Symbol)
}

func TestSymbolQueries(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.PopulateSymbols(ctx, "fcs", []model.Symbol{
		{Symbol: "EURCZK", ProviderSymbol: "EURCZK.ONE", Type: model.SymbolTypeForex, Name: model.StringPtr("Euro Czech Koruna")},
		{Symbol: "BTCUSD", ProviderSymbol: "BTCUSD", Type: model.SymbolTypeCrypto, Name: model.StringPtr("Bitcoin")},
	}))
	require.NoError(t, store.PopulateSymbols(ctx, "cnb", []model.Symbol{forex("EURCZK", "Euro")}))

	crypto, err := store.ListSymbols(ctx, model.SymbolFilter{Type: model.SymbolTypeCrypto})
	require.NoError(t, err)
	require.Len(t, crypto, 1)
	assert.Equal(t, "BTCUSD", crypto[0].ProviderSymbol)

	byQuery, err := store.ListSymbols(ctx, model.SymbolFilter{Query: "koruna"})
	require.NoError(t, err)
	require.Len(t, byQuery, 1)
	assert.Equal(t, "fcs", byQuery[0].Provider)

	providers, err := store.GetProvidersForSymbol(ctx, "EURCZK")
	require.NoError(t, err)
	assert.Equal(t, []string{"cnb", "fcs"}, providers)

	multi, err := store.ListMultiProviderSymbols(ctx)
	require.NoError(t, err)
	assert.Equal(t, []model.MultiProviderSymbol{{Symbol: "EURCZK", Providers: []string{"cnb", "fcs"}}}, multi)

	variants, err := store.GetSymbolVariants(ctx, "EURCZK")
	require.NoError(t, err)
	assert.Len(t, variants, 2)

	byType, err := store.CountSymbolsByType(ctx, "fcs")
	require.NoError(t, err)
	assert.Equal(t, map[model.SymbolType]int{model.SymbolTypeForex: 1, model.SymbolTypeCrypto: 1}, byType)
}

func TestClosedStoreIsInert(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	rate, err := store.GetRate(ctx, "2024-01-01", "EURCZK", "cnb")
	assert.NoError(t, err)
	assert.Nil(t, rate)

	_, err = store.UpsertRate(ctx, "2024-01-01", "EURCZK", "cnb", 1)
	assert.ErrorIs(t, err, ErrStoreClosed)
}
