package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/yourorg/exchanger/internal/model"
)

// ErrQuotaExceeded is returned when a provider is still rate limited after
// the cooldown and one retry.
var ErrQuotaExceeded = errors.New("Rate limit persists after retry - likely monthly quota exceeded")

// Source is a provider of exchange rates
type Source interface {
	// ID is the provider id, e.g. "fcs" or "cnb"
	ID() string

	// ListSymbols returns the full provider catalog
	ListSymbols(ctx context.Context, progress model.ProgressFunc) ([]model.SymbolInfo, error)

	// FetchHistory returns provider symbol -> date -> rate for the last days
	// days. symbolTypes, keyed by provider symbol, overrides any type the
	// source knows on its own.
	FetchHistory(ctx context.Context, symbols []string, days int, progress model.ProgressFunc, symbolTypes map[string]model.SymbolType) (map[string]map[string]float64, error)

	// FetchRate returns the rate of a provider symbol on date, or nil
	FetchRate(ctx context.Context, symbol string, date time.Time) (*float64, error)

	// GetSymbolInfo describes a provider symbol, or returns nil when unknown
	GetSymbolInfo(ctx context.Context, symbol string) *model.SymbolInfo

	// EstimateWorkUnits is the number of progress units a backfill of
	// symbolCount symbols over days days will report
	EstimateWorkUnits(symbolCount, days int) int
}

// SymbolCacher is implemented by sources that keep their own symbol type cache
type SymbolCacher interface {
	SetSymbolCache(symbols []model.SymbolInfo)
}

// NormalizeSymbol maps a provider spelling to the shared symbol name:
// "EUR/CZK" and "EURCZK.ONE" both become "EURCZK".
func NormalizeSymbol(providerSymbol string) string {
	s := strings.ToUpper(strings.TrimSpace(providerSymbol))
	if i := strings.Index(s, "."); i > 0 {
		s = s[:i]
	}
	return strings.NewReplacer("/", "", "-", "", "_", "").Replace(s)
}

// calendarDay returns the date of t in loc as a UTC midnight
func calendarDay(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func httpGetBody(ctx context.Context, httpClient *http.Client, reqURL string) ([]byte, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
