package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yourorg/exchanger/internal/client"
	"github.com/yourorg/exchanger/internal/model"
	"github.com/yourorg/exchanger/internal/repository"
	"go.uber.org/zap"
)

func newTestBackfill(t *testing.T, store *repository.RateStore, sources ...client.Source) *BackfillService {
	t.Helper()
	svc, err := NewBackfillService(store, newRegistry(sources...), "16:30", time.UTC, nil, zap.NewNop())
	require.NoError(t, err)
	return svc
}

func TestNewBackfillServiceRejectsBadTime(t *testing.T) {
	_, err := NewBackfillService(nil, client.NewRegistry(), "4pm", time.UTC, nil, zap.NewNop())
	assert.Error(t, err)
}

func TestNeedsBackfill(t *testing.T) {
	at := func(s string) time.Time {
		ts, err := time.Parse("2006-01-02 15:04", s)
		require.NoError(t, err)
		return ts
	}

	tests := []struct {
		name   string
		doneAt string
		now    string
		want   bool
	}{
		{"never ran", "", "2024-06-03 12:00", true},
		{"ran yesterday", "2024-06-02 17:00", "2024-06-03 09:00", true},
		{"ran after scheduled time today", "2024-06-03 16:45", "2024-06-03 20:00", false},
		{"ran before scheduled time, not yet due", "2024-06-03 08:00", "2024-06-03 12:00", false},
		{"ran before scheduled time, now due", "2024-06-03 08:00", "2024-06-03 16:30", true},
		{"ran exactly at scheduled time", "2024-06-03 16:30", "2024-06-03 18:00", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			store := newTestStore(t)
			svc := newTestBackfill(t, store)
			if tt.doneAt != "" {
				require.NoError(t, store.SetBackfillDoneAt(ctx, "cnb", at(tt.doneAt)))
			}
			svc.now = func() time.Time { return at(tt.now) }
			assert.Equal(t, tt.want, svc.NeedsBackfill(ctx, "cnb"))
		})
	}
}

func TestNeedsBackfillResumesCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	svc := newTestBackfill(t, store)

	require.NoError(t, svc.MarkDone(ctx, "cnb"))
	svc.now = func() time.Time { return time.Now() }
	require.NoError(t, store.SetBackfillCheckpoint(ctx, "cnb", model.BackfillCheckpoint{LastSymbolIdx: 2, Length: 31}))

	assert.True(t, svc.NeedsBackfill(ctx, "cnb"))
	assert.Equal(t, 31, svc.CheckpointLength(ctx, "cnb", 7))
	assert.Equal(t, 7, svc.CheckpointLength(ctx, "fcs", 7))
}

func TestBackfillStoresRatesAndClearsCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSymbols(t, store, "fcs", "EUR/USD", "USD/CZK")
	fcs := &fakeSource{id: "fcs", history: map[string]map[string]float64{
		"EUR/USD": {"2024-06-03": 1.08, "2024-06-04": 1.09},
		"USD/CZK": {"2024-06-03": 22.9},
	}}
	svc := newTestBackfill(t, store, fcs)

	var updates []model.Progress
	results, err := svc.Backfill(ctx, "fcs", nil, 30, func(p model.Progress) { updates = append(updates, p) })
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"fcs:EUR/USD": 2, "fcs:USD/CZK": 1}, results)

	rate, err := store.GetRate(ctx, "2024-06-04", "EUR/USD", "fcs")
	require.NoError(t, err)
	require.NotNil(t, rate)
	assert.Equal(t, 1.09, *rate)

	cp, err := store.GetBackfillCheckpoint(ctx, "fcs")
	require.NoError(t, err)
	assert.Nil(t, cp)

	last := updates[len(updates)-1]
	require.NotNil(t, last.Percent)
	assert.Equal(t, 100, *last.Percent)
	assert.Equal(t, "2/2 units", last.Detail)
}

func TestBackfillResolvesRequestedSymbols(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSymbols(t, store, "fcs", "EUR/USD", "USD/CZK")
	fcs := &fakeSource{id: "fcs", history: map[string]map[string]float64{
		"EUR/USD": {"2024-06-03": 1.08},
	}}
	svc := newTestBackfill(t, store, fcs)

	// normalized names resolve to the provider spelling, unknown ones are skipped
	results, err := svc.Backfill(ctx, "fcs", []string{"EURUSD", "GBP/JPY", "EUR/USD"}, 30, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"fcs:EUR/USD": 1}, results)
	assert.Equal(t, []string{"EUR/USD"}, fcs.calls())
}

func TestBackfillResumesFromCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSymbols(t, store, "cnb", "EURCZK", "USDCZK", "GBPCZK")
	cnb := &fakeSource{id: "cnb", history: map[string]map[string]float64{
		"EURCZK": {"2024-06-03": 24.7},
		"USDCZK": {"2024-06-03": 22.9},
		"GBPCZK": {"2024-06-03": 29.1},
	}}
	svc := newTestBackfill(t, store, cnb)

	symbols := []string{"EURCZK", "USDCZK", "GBPCZK"}
	require.NoError(t, store.SetBackfillCheckpoint(ctx, "cnb", model.BackfillCheckpoint{LastSymbolIdx: 0, Length: 30}))

	results, err := svc.Backfill(ctx, "cnb", symbols, 30, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"USDCZK", "GBPCZK"}, cnb.calls())
	assert.Len(t, results, 2)

	// a checkpoint of another length is ignored
	cnb.historyCalls = nil
	require.NoError(t, store.SetBackfillCheckpoint(ctx, "cnb", model.BackfillCheckpoint{LastSymbolIdx: 0, Length: 7}))
	_, err = svc.Backfill(ctx, "cnb", symbols, 30, nil)
	require.NoError(t, err)
	assert.Equal(t, symbols, cnb.calls())
}

func TestBackfillSkipsFailedSymbol(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSymbols(t, store, "cnb", "EURCZK", "USDCZK")
	cnb := &fakeSource{
		id:         "cnb",
		history:    map[string]map[string]float64{"USDCZK": {"2024-06-03": 22.9}},
		historyErr: map[string]error{"EURCZK": errors.New("connection reset")},
	}
	svc := newTestBackfill(t, store, cnb)

	results, err := svc.Backfill(ctx, "cnb", []string{"EURCZK", "USDCZK"}, 30, nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"cnb:USDCZK": 1}, results)

	cp, err := store.GetBackfillCheckpoint(ctx, "cnb")
	require.NoError(t, err)
	assert.Nil(t, cp)
}

func TestBackfillAbortsOnQuota(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	seedSymbols(t, store, "fcs", "EUR/USD", "USD/CZK", "GBP/USD")
	fcs := &fakeSource{
		id:         "fcs",
		history:    map[string]map[string]float64{"EUR/USD": {"2024-06-03": 1.08}},
		historyErr: map[string]error{"USD/CZK": client.ErrQuotaExceeded},
	}
	svc := newTestBackfill(t, store, fcs)

	results, err := svc.Backfill(ctx, "fcs", []string{"EUR/USD", "USD/CZK", "GBP/USD"}, 30, nil)
	assert.ErrorIs(t, err, client.ErrQuotaExceeded)
	assert.Equal(t, map[string]int{"fcs:EUR/USD": 1}, results)
	assert.Equal(t, []string{"EUR/USD", "USD/CZK"}, fcs.calls())

	cp, err := store.GetBackfillCheckpoint(ctx, "fcs")
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, model.BackfillCheckpoint{LastSymbolIdx: 0, Length: 30}, *cp)
}

func TestBackfillStopsOnCancel(t *testing.T) {
	store := newTestStore(t)
	seedSymbols(t, store, "cnb", "EURCZK")
	svc := newTestBackfill(t, store, &fakeSource{id: "cnb"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := svc.Backfill(ctx, "cnb", nil, 30, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackfillUnknownProvider(t *testing.T) {
	svc := newTestBackfill(t, newTestStore(t))
	_, err := svc.Backfill(context.Background(), "ecb", nil, 30, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)
}
