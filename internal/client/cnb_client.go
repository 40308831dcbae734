package client

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jellydator/ttlcache/v3"
	"github.com/yourorg/exchanger/internal/metrics"
	"github.com/yourorg/exchanger/internal/model"
	"golang.org/x/time/rate"

	"go.uber.org/zap"
)

const (
	CNBDailyURL = "https://www.cnb.cz/cs/financni-trhy/devizovy-trh/kurzy-devizoveho-trhu/kurzy-devizoveho-trhu/denni_kurz.txt"
	CNBSourceID = "cnb"

	cnbMaxRetries      = 3
	cnbRetryDelay      = 2 * time.Second
	cnbTableCacheTTL   = 10 * time.Minute
	cnbDateParamLayout = "02.01.2006"
	cnbQuoteCurrency   = "CZK"
)

// CNBCurrencies are the codes the Czech National Bank publishes daily
var CNBCurrencies = []string{
	"AUD", "BGN", "BRL", "CAD", "CHF", "CNY", "DKK", "EUR", "GBP", "HKD",
	"HUF", "IDR", "ILS", "INR", "ISK", "JPY", "KRW", "MXN", "MYR", "NOK",
	"NZD", "PHP", "PLN", "RON", "SEK", "SGD", "THB", "TRY", "USD", "XDR", "ZAR",
}

// cnbCurrencyNames are used when the live table does not name a currency
var cnbCurrencyNames = map[string]string{
	"AUD": "Australian dollar",
	"BGN": "Bulgarian lev",
	"BRL": "Brazilian real",
	"CAD": "Canadian dollar",
	"CHF": "Swiss franc",
	"CNY": "Chinese yuan",
	"DKK": "Danish krone",
	"EUR": "Euro",
	"GBP": "British pound",
	"HKD": "Hong Kong dollar",
	"HUF": "Hungarian forint",
	"IDR": "Indonesian rupiah",
	"ILS": "Israeli shekel",
	"INR": "Indian rupee",
	"ISK": "Icelandic krona",
	"JPY": "Japanese yen",
	"KRW": "South Korean won",
	"MXN": "Mexican peso",
	"MYR": "Malaysian ringgit",
	"NOK": "Norwegian krone",
	"NZD": "New Zealand dollar",
	"PHP": "Philippine peso",
	"PLN": "Polish zloty",
	"RON": "Romanian leu",
	"SEK": "Swedish krona",
	"SGD": "Singapore dollar",
	"THB": "Thai baht",
	"TRY": "Turkish lira",
	"USD": "US dollar",
	"XDR": "IMF Special Drawing Rights",
	"ZAR": "South African rand",
}

// CNBConfig configures a CNBClient
type CNBConfig struct {
	URL string
	// FetchDelay spaces consecutive day requests; zero disables pacing
	FetchDelay time.Duration
	RetryDelay time.Duration
	Location   *time.Location
	HTTPClient *http.Client
	Metrics    *metrics.Metrics
}

// CNBClient is the daily-feed provider backed by the Czech National Bank
// exchange rate table.
type CNBClient struct {
	url        string
	retryDelay time.Duration
	location   *time.Location
	httpClient *http.Client
	limiter    *rate.Limiter
	tables     *ttlcache.Cache[string, map[string]float64]
	metrics    *metrics.Metrics
	logger     *zap.Logger
	now        func() time.Time

	namesMu sync.Mutex
	names   map[string]string
}

// NewCNBClient creates a new CNB feed client
func NewCNBClient(cfg CNBConfig, logger *zap.Logger) *CNBClient {
	if cfg.URL == "" {
		cfg.URL = CNBDailyURL
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = cnbRetryDelay
	}
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}

	limit := rate.Inf
	if cfg.FetchDelay > 0 {
		limit = rate.Every(cfg.FetchDelay)
	}

	return &CNBClient{
		url:        cfg.URL,
		retryDelay: cfg.RetryDelay,
		location:   cfg.Location,
		httpClient: cfg.HTTPClient,
		limiter:    rate.NewLimiter(limit, 1),
		tables: ttlcache.New[string, map[string]float64](
			ttlcache.WithTTL[string, map[string]float64](cnbTableCacheTTL),
			ttlcache.WithDisableTouchOnHit[string, map[string]float64](),
		),
		metrics: cfg.Metrics,
		logger:  logger.With(zap.String("provider", CNBSourceID)),
		now:     time.Now,
	}
}

// ID implements Source
func (c *CNBClient) ID() string { return CNBSourceID }

// EstimateWorkUnits counts one unit per fetched day for each symbol
func (c *CNBClient) EstimateWorkUnits(symbolCount, days int) int {
	return symbolCount * days
}

// ListSymbols returns the fixed currency list, named from the live table
// when it can be fetched.
func (c *CNBClient) ListSymbols(ctx context.Context, progress model.ProgressFunc) ([]model.SymbolInfo, error) {
	progress.Message("Loading CNB currency list...")
	names := c.symbolNames(ctx)

	symbols := make([]model.SymbolInfo, 0, len(CNBCurrencies))
	for _, code := range CNBCurrencies {
		name, ok := names[code]
		if !ok {
			fallback := cnbCurrencyNames[code]
			if fallback == "" {
				fallback = code
			}
			name = fallback + " / Česká koruna"
		}
		symbol := code + cnbQuoteCurrency
		symbols = append(symbols, model.SymbolInfo{
			Symbol:         symbol,
			ProviderSymbol: symbol,
			Type:           model.SymbolTypeForex,
			Name:           model.StringPtr(name),
		})
	}
	return symbols, nil
}

// GetSymbolInfo describes a {CODE}CZK symbol
func (c *CNBClient) GetSymbolInfo(ctx context.Context, symbol string) *model.SymbolInfo {
	code, ok := cnbCode(symbol)
	if !ok {
		return nil
	}

	name, ok := c.symbolNames(ctx)[code]
	if !ok {
		name = code + "/" + cnbQuoteCurrency
	}
	return &model.SymbolInfo{
		Symbol:         symbol,
		ProviderSymbol: symbol,
		Type:           model.SymbolTypeForex,
		Name:           model.StringPtr(name),
	}
}

// FetchHistory requests one table per calendar day, newest first. A day that
// cannot be fetched is left out of the result.
func (c *CNBClient) FetchHistory(ctx context.Context, symbols []string, days int, progress model.ProgressFunc, _ map[string]model.SymbolType) (map[string]map[string]float64, error) {
	results := make(map[string]map[string]float64, len(symbols))
	for _, symbol := range symbols {
		results[symbol] = make(map[string]float64)
	}

	today := calendarDay(c.now(), c.location)
	for offset := 0; offset < days; offset++ {
		if err := ctx.Err(); err != nil {
			return results, err
		}

		day := today.AddDate(0, 0, -offset)
		rates, err := c.fetchRatesForDate(ctx, day)
		if err != nil {
			return results, err
		}

		date := model.FormatDate(day)
		for _, symbol := range symbols {
			if r, ok := rates[symbol]; ok {
				results[symbol][date] = r
			}
		}
		c.logger.Debug("Fetched CNB table", zap.String("date", date), zap.Int("rates", len(rates)))

		progress.Report(model.Progress{WorkUnitDone: true, Message: "Fetched CNB " + date})
	}
	return results, nil
}

// FetchRate returns the rate of symbol on date
func (c *CNBClient) FetchRate(ctx context.Context, symbol string, date time.Time) (*float64, error) {
	rates, err := c.fetchRatesForDate(ctx, date)
	if err != nil {
		return nil, err
	}
	r, ok := rates[symbol]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

// fetchRatesForDate returns the parsed table of a day. Only cancellation is
// an error; a day that keeps failing yields an empty table.
func (c *CNBClient) fetchRatesForDate(ctx context.Context, day time.Time) (map[string]float64, error) {
	key := model.FormatDate(day)
	if item := c.tables.Get(key); item != nil {
		return item.Value(), nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	reqURL := fmt.Sprintf("%s?date=%s", c.url, day.Format(cnbDateParamLayout))
	c.logger.Debug("Fetching CNB rates", zap.String("url", reqURL))

	var rates map[string]float64
	operation := func() error {
		body, status, err := httpGetBody(ctx, c.httpClient, reqURL)
		if err != nil {
			return err
		}
		if status != http.StatusOK {
			return fmt.Errorf("CNB returned status code %d", status)
		}
		rates = ParseCNBRates(string(body))
		return nil
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(&linearBackOff{step: c.retryDelay}, cnbMaxRetries-1),
		ctx,
	)
	notify := func(err error, wait time.Duration) {
		c.logger.Debug("CNB fetch attempt failed",
			zap.Error(err),
			zap.String("date", key),
			zap.Duration("retry_in", wait))
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.metrics.RecordFetchError(CNBSourceID)
		c.logger.Warn("CNB fetch failed",
			zap.Error(err),
			zap.Int("attempts", cnbMaxRetries),
			zap.String("date", key))
		return map[string]float64{}, nil
	}

	if len(rates) > 0 {
		c.tables.Set(key, rates, ttlcache.DefaultTTL)
	}
	return rates, nil
}

func (c *CNBClient) symbolNames(ctx context.Context) map[string]string {
	c.namesMu.Lock()
	defer c.namesMu.Unlock()

	if c.names != nil {
		return c.names
	}

	body, status, err := httpGetBody(ctx, c.httpClient, c.url)
	if err == nil && status != http.StatusOK {
		err = fmt.Errorf("CNB returned status code %d", status)
	}
	if err != nil {
		c.logger.Warn("Failed to fetch CNB symbol names", zap.Error(err))
		return map[string]string{}
	}

	c.names = ParseCNBNames(string(body))
	return c.names
}

// ParseCNBRates parses a daily table into {CODE}CZK -> rate per single unit.
// The first two lines are the date and column headers; malformed rows are
// skipped.
func ParseCNBRates(text string) map[string]float64 {
	rates := make(map[string]float64)
	for _, parts := range cnbRows(text) {
		amount, err := strconv.Atoi(strings.TrimSpace(parts[2]))
		if err != nil {
			continue
		}
		value, err := strconv.ParseFloat(strings.ReplaceAll(strings.TrimSpace(parts[4]), ",", "."), 64)
		if err != nil {
			continue
		}
		if amount > 0 {
			value /= float64(amount)
		}
		rates[strings.TrimSpace(parts[3])+cnbQuoteCurrency] = value
	}
	return rates
}

// ParseCNBNames extracts "Country currency / Česká koruna" names by code
func ParseCNBNames(text string) map[string]string {
	names := make(map[string]string)
	for _, parts := range cnbRows(text) {
		country := strings.TrimSpace(parts[0])
		currency := strings.TrimSpace(parts[1])
		names[strings.TrimSpace(parts[3])] = fmt.Sprintf("%s %s / Česká koruna", country, currency)
	}
	return names
}

func cnbRows(text string) [][]string {
	lines := strings.Split(strings.TrimSpace(text), "\n")
	if len(lines) <= 2 {
		return nil
	}

	var rows [][]string
	for _, line := range lines[2:] {
		parts := strings.Split(strings.TrimRight(line, "\r"), "|")
		if len(parts) != 5 {
			continue
		}
		rows = append(rows, parts)
	}
	return rows
}

func cnbCode(symbol string) (string, bool) {
	if !strings.HasSuffix(symbol, cnbQuoteCurrency) {
		return "", false
	}
	code := strings.TrimSuffix(symbol, cnbQuoteCurrency)
	for _, known := range CNBCurrencies {
		if known == code {
			return code, true
		}
	}
	return "", false
}

// linearBackOff waits step, 2*step, 3*step, ... between attempts
type linearBackOff struct {
	step    time.Duration
	attempt int
}

func (b *linearBackOff) NextBackOff() time.Duration {
	b.attempt++
	return b.step * time.Duration(b.attempt)
}

func (b *linearBackOff) Reset() { b.attempt = 0 }

var _ backoff.BackOff = (*linearBackOff)(nil)
