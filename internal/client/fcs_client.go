package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/yourorg/exchanger/internal/metrics"
	"github.com/yourorg/exchanger/internal/model"

	"go.uber.org/zap"
)

const (
	FCSAPIBaseURL = "https://fcsapi.com/api-v3"
	FCSSourceID   = "fcs"

	// MaxHistoryLength is the largest page of daily candles the API returns
	MaxHistoryLength = 300

	fcsListPageSize      = 1500
	fcsRateLimitCode     = 213
	fcsSuccessCode       = 200
	defaultRateLimitWait = 65 * time.Second
)

// FCSConfig configures an FCSClient
type FCSConfig struct {
	BaseURL       string
	APIKey        string
	RateLimitWait time.Duration
	HTTPClient    *http.Client
	Metrics       *metrics.Metrics
}

// FCSClient is the paginated, quota-limited REST provider
type FCSClient struct {
	baseURL       string
	apiKey        string
	rateLimitWait time.Duration
	httpClient    *http.Client
	metrics       *metrics.Metrics
	logger        *zap.Logger
	now           func() time.Time

	mu          sync.RWMutex
	symbolCache map[string]model.SymbolInfo
}

// NewFCSClient creates a new FCS API client
func NewFCSClient(cfg FCSConfig, logger *zap.Logger) *FCSClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = FCSAPIBaseURL
	}
	if cfg.RateLimitWait <= 0 {
		cfg.RateLimitWait = defaultRateLimitWait
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	return &FCSClient{
		baseURL:       cfg.BaseURL,
		apiKey:        cfg.APIKey,
		rateLimitWait: cfg.RateLimitWait,
		httpClient:    cfg.HTTPClient,
		metrics:       cfg.Metrics,
		logger:        logger.With(zap.String("provider", FCSSourceID)),
		now:           time.Now,
		symbolCache:   make(map[string]model.SymbolInfo),
	}
}

// ID implements Source
func (c *FCSClient) ID() string { return FCSSourceID }

// EstimateWorkUnits counts one unit per history page
func (c *FCSClient) EstimateWorkUnits(symbolCount, days int) int {
	pages := (days + MaxHistoryLength - 1) / MaxHistoryLength
	if pages < 1 {
		pages = 1
	}
	return symbolCount * pages
}

// SetSymbolCache replaces the type cache, keyed by provider symbol
func (c *FCSClient) SetSymbolCache(symbols []model.SymbolInfo) {
	cache := make(map[string]model.SymbolInfo, len(symbols))
	for _, s := range symbols {
		cache[providerSymbolOf(s)] = s
	}

	c.mu.Lock()
	c.symbolCache = cache
	c.mu.Unlock()
}

// GetSymbolInfo returns the cached info of a provider symbol
func (c *FCSClient) GetSymbolInfo(_ context.Context, symbol string) *model.SymbolInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()

	info, ok := c.symbolCache[symbol]
	if !ok {
		return nil
	}
	return &info
}

func (c *FCSClient) cachedType(symbol string) model.SymbolType {
	if info := c.GetSymbolInfo(context.Background(), symbol); info != nil {
		return info.Type
	}
	return ""
}

// fcsNumber accepts both JSON numbers and numeric strings
type fcsNumber float64

func (n *fcsNumber) UnmarshalJSON(data []byte) error {
	data = bytes.Trim(data, `"`)
	if len(data) == 0 || string(data) == "null" {
		*n = 0
		return nil
	}
	v, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return err
	}
	*n = fcsNumber(v)
	return nil
}

type fcsCandle struct {
	T fcsNumber `json:"t"`
	C fcsNumber `json:"c"`
}

type fcsProfile struct {
	Profile struct {
		Symbol string `json:"symbol"`
		Name   string `json:"name"`
	} `json:"profile"`
}

type fcsResponse struct {
	Code     int             `json:"code"`
	Msg      string          `json:"msg"`
	Response json.RawMessage `json:"response"`
	Info     struct {
		Pagination struct {
			HasNext bool `json:"has_next"`
		} `json:"pagination"`
	} `json:"info"`
}

func (r *fcsResponse) rateLimited() bool {
	return r != nil && r.Code == fcsRateLimitCode
}

// decodeList decodes a response payload that the API returns either as an
// object keyed by index or as an array.
func decodeList[T any](raw json.RawMessage) ([]T, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	if raw[0] == '[' {
		var items []T
		if err := json.Unmarshal(raw, &items); err != nil {
			return nil, err
		}
		return items, nil
	}

	var keyed map[string]T
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, err
	}
	items := make([]T, 0, len(keyed))
	for _, item := range keyed {
		items = append(items, item)
	}
	return items, nil
}

func (c *FCSClient) request(ctx context.Context, endpoint string, params url.Values) (*fcsResponse, error) {
	query := url.Values{}
	for k, v := range params {
		query[k] = v
	}
	query.Set("access_key", c.apiKey)
	reqURL := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, query.Encode())

	c.logger.Debug("Calling FCS API", zap.String("endpoint", endpoint), zap.String("params", params.Encode()))

	body, status, err := httpGetBody(ctx, c.httpClient, reqURL)
	if err != nil {
		c.logger.Error("Failed to call FCS API", zap.Error(err), zap.String("endpoint", endpoint))
		return nil, fmt.Errorf("failed to call %s: %w", endpoint, err)
	}

	if status == http.StatusTooManyRequests {
		return &fcsResponse{Code: fcsRateLimitCode, Msg: string(body)}, nil
	}
	if status != http.StatusOK {
		c.logger.Error("FCS API error response",
			zap.Int("statusCode", status),
			zap.String("response", string(body)))
		return nil, fmt.Errorf("FCS API returned status code %d", status)
	}

	var resp fcsResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.logger.Error("Failed to decode FCS response", zap.Error(err), zap.String("endpoint", endpoint))
		return nil, fmt.Errorf("failed to decode %s response: %w", endpoint, err)
	}
	return &resp, nil
}

// requestWithRetry waits out one rate-limit cooldown and retries once.
// A second rate-limited response is ErrQuotaExceeded.
func (c *FCSClient) requestWithRetry(ctx context.Context, endpoint string, params url.Values, progress model.ProgressFunc) (*fcsResponse, error) {
	resp, err := c.request(ctx, endpoint, params)
	if err != nil || !resp.rateLimited() {
		return resp, err
	}

	c.metrics.RecordRateLimitHit(FCSSourceID)
	until := c.now().Add(c.rateLimitWait)
	c.logger.Warn("Rate limited, waiting",
		zap.String("endpoint", endpoint),
		zap.Duration("wait", c.rateLimitWait))
	progress.Report(model.Progress{
		Message:        fmt.Sprintf("Rate limited, waiting %ds...", int(c.rateLimitWait.Seconds())),
		RateLimitUntil: &until,
	})

	timer := time.NewTimer(c.rateLimitWait)
	select {
	case <-ctx.Done():
		timer.Stop()
		return nil, ctx.Err()
	case <-timer.C:
	}
	progress.Report(model.Progress{ClearRateLimit: true})

	resp, err = c.request(ctx, endpoint, params)
	if err != nil {
		return nil, err
	}
	if resp.rateLimited() {
		c.metrics.RecordRateLimitHit(FCSSourceID)
		c.logger.Error("Rate limit persists after retry", zap.String("endpoint", endpoint))
		return nil, ErrQuotaExceeded
	}
	return resp, nil
}

// ListSymbols fetches the forex and crypto catalogs and refreshes the type cache
func (c *FCSClient) ListSymbols(ctx context.Context, progress model.ProgressFunc) ([]model.SymbolInfo, error) {
	var symbols []model.SymbolInfo
	for _, symType := range []model.SymbolType{model.SymbolTypeForex, model.SymbolTypeCrypto} {
		batch, err := c.listSymbolsOfType(ctx, symType, progress)
		if err != nil {
			return nil, err
		}
		symbols = append(symbols, batch...)
	}

	// An empty catalog would wipe the stored one on sync
	if len(symbols) == 0 {
		return nil, fmt.Errorf("failed to load FCS symbols (possibly rate-limited)")
	}

	c.SetSymbolCache(symbols)
	c.logger.Debug("Loaded FCS symbols", zap.Int("count", len(symbols)))
	return symbols, nil
}

func (c *FCSClient) listSymbolsOfType(ctx context.Context, symType model.SymbolType, progress model.ProgressFunc) ([]model.SymbolInfo, error) {
	endpoint := string(symType) + "/list"
	var symbols []model.SymbolInfo

	for page := 1; ; page++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		progress.Message(fmt.Sprintf("Fetching %s page %d...", symType, page))

		params := url.Values{}
		params.Set("page", strconv.Itoa(page))
		params.Set("per_page", strconv.Itoa(fcsListPageSize))

		resp, err := c.requestWithRetry(ctx, endpoint, params, progress)
		if err != nil {
			return nil, err
		}
		if resp.Code != fcsSuccessCode {
			c.logger.Warn("Unexpected FCS list response",
				zap.String("endpoint", endpoint),
				zap.Int("code", resp.Code),
				zap.String("msg", resp.Msg))
			break
		}

		items, err := decodeList[fcsProfile](resp.Response)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s page %d: %w", endpoint, page, err)
		}
		for _, item := range items {
			if item.Profile.Symbol == "" {
				continue
			}
			symbols = append(symbols, model.SymbolInfo{
				Symbol:         NormalizeSymbol(item.Profile.Symbol),
				ProviderSymbol: item.Profile.Symbol,
				Type:           symType,
				Name:           model.StringPtr(item.Profile.Name),
			})
		}

		if !resp.Info.Pagination.HasNext {
			break
		}
	}
	return symbols, nil
}

// FetchHistory fetches daily closes page by page. Symbols with no known
// type are skipped.
func (c *FCSClient) FetchHistory(ctx context.Context, symbols []string, days int, progress model.ProgressFunc, symbolTypes map[string]model.SymbolType) (map[string]map[string]float64, error) {
	results := make(map[string]map[string]float64, len(symbols))

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		symType := symbolTypes[symbol]
		if symType == "" {
			symType = c.cachedType(symbol)
		}
		if symType == "" {
			c.logger.Warn("Unknown symbol type, skipping (populate symbols first)", zap.String("symbol", symbol))
			continue
		}

		rates, err := c.fetchSymbolHistory(ctx, symbol, symType, days, progress)
		if len(rates) > 0 {
			results[symbol] = rates
		}
		if err != nil {
			return results, err
		}
		c.logger.Debug("Fetched history",
			zap.String("symbol", symbol),
			zap.String("type", string(symType)),
			zap.Int("count", len(rates)))
	}
	return results, nil
}

func (c *FCSClient) fetchSymbolHistory(ctx context.Context, symbol string, symType model.SymbolType, length int, progress model.ProgressFunc) (map[string]float64, error) {
	endpoint := string(symType) + "/history"
	rates := make(map[string]float64)
	remaining := length

	for page := 1; remaining > 0; page++ {
		if err := ctx.Err(); err != nil {
			return rates, err
		}

		pageLength := remaining
		if pageLength > MaxHistoryLength {
			pageLength = MaxHistoryLength
		}
		progress.Message(fmt.Sprintf("Fetching %s page %d...", symbol, page))

		params := url.Values{}
		params.Set("symbol", symbol)
		params.Set("period", "1D")
		params.Set("length", strconv.Itoa(pageLength))
		params.Set("page", strconv.Itoa(page))

		resp, err := c.requestWithRetry(ctx, endpoint, params, progress)
		progress.Report(model.Progress{WorkUnitDone: true})
		if err != nil {
			return rates, err
		}
		if resp.Code != fcsSuccessCode {
			c.logger.Debug("Bad history response", zap.String("symbol", symbol), zap.Int("code", resp.Code))
			break
		}

		candles, err := decodeList[fcsCandle](resp.Response)
		if err != nil {
			return rates, fmt.Errorf("failed to decode %s history: %w", symbol, err)
		}
		if len(candles) == 0 {
			break
		}
		for _, candle := range candles {
			rates[unixToDate(candle.T)] = float64(candle.C)
		}

		if len(candles) < pageLength {
			break
		}
		remaining -= len(candles)
	}
	return rates, nil
}

// FetchRate fetches the close of symbol on date. The symbol type must be
// cached.
func (c *FCSClient) FetchRate(ctx context.Context, symbol string, date time.Time) (*float64, error) {
	symType := c.cachedType(symbol)
	if symType == "" {
		c.logger.Warn("Unknown symbol type, cannot fetch rate (populate symbols first)", zap.String("symbol", symbol))
		return nil, nil
	}

	target := model.FormatDate(date)
	daysBack := int(calendarDay(c.now(), time.UTC).Sub(calendarDay(date, time.UTC)).Hours()/24) + 1
	length := daysBack
	if length < 1 {
		length = 1
	}
	if length > MaxHistoryLength {
		length = MaxHistoryLength
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("period", "1D")
	params.Set("length", strconv.Itoa(length))

	resp, err := c.requestWithRetry(ctx, string(symType)+"/history", params, nil)
	if err != nil {
		return nil, err
	}
	if resp.Code != fcsSuccessCode {
		return nil, nil
	}

	candles, err := decodeList[fcsCandle](resp.Response)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s history: %w", symbol, err)
	}
	for _, candle := range candles {
		if unixToDate(candle.T) == target {
			rate := float64(candle.C)
			return &rate, nil
		}
	}
	return nil, nil
}

func unixToDate(ts fcsNumber) string {
	return model.FormatDate(time.Unix(int64(ts), 0).UTC())
}

func providerSymbolOf(s model.SymbolInfo) string {
	if s.ProviderSymbol != "" {
		return s.ProviderSymbol
	}
	return s.Symbol
}
