package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/exchanger/internal/model"
	"github.com/yourorg/exchanger/internal/repository"
	"go.uber.org/zap"
)

func TestPopulateStoresCatalog(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	fcs := cachingSource{&fakeSource{id: "fcs", catalog: []model.SymbolInfo{forexInfo("EUR/USD"), forexInfo("USD/CZK")}}}
	svc := NewSymbolService(store, newRegistry(fcs), 30, zap.NewNop())

	assert.True(t, svc.NeedsPopulation(ctx, "fcs"))

	var messages []string
	results, err := svc.Populate(ctx, "fcs", func(p model.Progress) { messages = append(messages, p.Message) })
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"fcs": 2}, results)
	assert.Contains(t, messages, "Saving 2 symbols from fcs...")
	assert.Len(t, fcs.cacheSet, 2)

	count, err := store.CountSymbols(ctx, "fcs")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
	assert.False(t, svc.NeedsPopulation(ctx, "fcs"))

	svc.now = func() time.Time { return time.Now().Add(31 * 24 * time.Hour) }
	assert.True(t, svc.NeedsPopulation(ctx, "fcs"))
}

func TestPopulateAllAndFailures(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	cnb := &fakeSource{id: "cnb", catalog: []model.SymbolInfo{forexInfo("EURCZK")}}
	broken := &fakeSource{id: "fcs", listErr: errors.New("catalog unavailable")}
	svc := NewSymbolService(store, newRegistry(cnb, broken), 30, zap.NewNop())

	results, err := svc.Populate(ctx, "all", nil)
	assert.Error(t, err)
	assert.Equal(t, map[string]int{"cnb": 1}, results)

	_, err = svc.Populate(ctx, "ecb", nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}

func TestWarmSourceCaches(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSymbols(t, store, "fcs", "EUR/USD")
	fcs := cachingSource{&fakeSource{id: "fcs"}}
	svc := NewSymbolService(store, newRegistry(fcs, &fakeSource{id: "cnb"}), 30, zap.NewNop())

	require.NoError(t, svc.WarmSourceCaches(ctx))
	require.Len(t, fcs.cacheSet, 1)
	assert.Equal(t, "EUR/USD", fcs.cacheSet[0].ProviderSymbol)
	assert.Equal(t, "EURUSD", fcs.cacheSet[0].Symbol)
}

func TestFavorites(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSymbols(t, store, "cnb", "EURCZK")
	svc := NewSymbolService(store, newRegistry(), 30, zap.NewNop())

	require.NoError(t, svc.AddFavorite(ctx, model.Favorite{Provider: "cnb", ProviderSymbol: "EURCZK"}))
	favorites, err := svc.ListFavorites(ctx)
	require.NoError(t, err)
	require.Len(t, favorites, 1)

	err = svc.AddFavorite(ctx, model.Favorite{Provider: "cnb", ProviderSymbol: "XXXCZK"})
	assert.ErrorIs(t, err, repository.ErrSymbolNotFound)
	err = svc.RemoveFavorite(ctx, model.Favorite{Provider: "fcs", ProviderSymbol: "EURCZK"})
	assert.ErrorIs(t, err, repository.ErrSymbolNotFound)

	require.NoError(t, svc.RemoveFavorite(ctx, model.Favorite{Provider: "cnb", ProviderSymbol: "EURCZK"}))
	favorites, err = svc.ListFavorites(ctx)
	require.NoError(t, err)
	assert.Empty(t, favorites)
}

func TestSymbolVariantsNormalizeInput(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSymbols(t, store, "fcs", "EUR/CZK")
	seedSymbols(t, store, "cnb", "EURCZK")
	svc := NewSymbolService(store, newRegistry(), 30, zap.NewNop())

	variants, err := svc.GetSymbolVariants(ctx, "eur/czk")
	require.NoError(t, err)
	require.Len(t, variants, 2)
	assert.Equal(t, "cnb", variants[0].Provider)
	assert.Equal(t, "fcs", variants[1].Provider)
}
