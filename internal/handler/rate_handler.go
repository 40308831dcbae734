package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yourorg/exchanger/internal/repository"
	"github.com/yourorg/exchanger/internal/service"
	"github.com/yourorg/exchanger/internal/utils"
	"go.uber.org/zap"
)

// maxRangeDays bounds /rates/range responses
const maxRangeDays = 3660

// RateHandler handles rate HTTP requests
type RateHandler struct {
	rateService *service.RateService
	logger      *zap.Logger
}

// NewRateHandler creates a new rate handler
func NewRateHandler(rateService *service.RateService, logger *zap.Logger) *RateHandler {
	return &RateHandler{
		rateService: rateService,
		logger:      logger,
	}
}

// Health reports liveness
// GET /api/health
func (h *RateHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListProviders returns the registered provider ids
// GET /api/providers
func (h *RateHandler) ListProviders(c *gin.Context) {
	c.JSON(http.StatusOK, h.rateService.Providers())
}

// GetRate returns one cached or freshly fetched rate. provider=all asks
// every provider.
// GET /api/rates
func (h *RateHandler) GetRate(c *gin.Context) {
	date, ok := dateQuery(c, "date")
	if !ok {
		return
	}
	symbol, ok := requiredQuery(c, "symbol")
	if !ok {
		return
	}
	provider, ok := requiredQuery(c, "provider")
	if !ok {
		return
	}

	if provider == "all" {
		rates, err := h.rateService.GetRateAll(c.Request.Context(), date, symbol)
		if err != nil {
			sendServiceError(c, h.logger, err, "Failed to retrieve rates")
			return
		}
		c.JSON(http.StatusOK, gin.H{"rates": rates})
		return
	}

	rate, err := h.rateService.GetRate(c.Request.Context(), date, symbol, provider)
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to retrieve rate")
		return
	}
	c.JSON(http.StatusOK, gin.H{"rate": rate})
}

// GetRatesForDate returns every cached rate of one day
// GET /api/rates/date
func (h *RateHandler) GetRatesForDate(c *gin.Context) {
	date, ok := dateQuery(c, "date")
	if !ok {
		return
	}

	rates, err := h.rateService.GetRatesForDate(c.Request.Context(), date, c.Query("provider"))
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to retrieve rates")
		return
	}
	c.JSON(http.StatusOK, rates)
}

// GetRatesRange returns a daily series with nulls for uncached days
// GET /api/rates/range
func (h *RateHandler) GetRatesRange(c *gin.Context) {
	from, ok := dateQuery(c, "from")
	if !ok {
		return
	}
	to, ok := dateQuery(c, "to")
	if !ok {
		return
	}
	if to.Before(from) {
		utils.SendErrorResponse(c, http.StatusBadRequest, "from must not be after to")
		return
	}
	if to.Sub(from) > maxRangeDays*24*time.Hour {
		utils.SendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Range exceeds %d days", maxRangeDays))
		return
	}

	q := repository.RangeQuery{
		Symbol:         c.Query("symbol"),
		ProviderSymbol: c.Query("provider_symbol"),
		Provider:       c.Query("provider"),
		From:           from,
		To:             to,
	}
	if q.Symbol == "" && q.ProviderSymbol == "" {
		utils.SendErrorResponse(c, http.StatusBadRequest, "Missing required parameter: symbol")
		return
	}

	series, err := h.rateService.GetRatesRange(c.Request.Context(), q)
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to retrieve rates")
		return
	}
	c.JSON(http.StatusOK, series)
}

// GetChainRate prices from -> via -> to through two legs
// GET /api/rates/chain
func (h *RateHandler) GetChainRate(c *gin.Context) {
	date, ok := dateQuery(c, "date")
	if !ok {
		return
	}

	params := make(map[string]string, 4)
	for _, name := range []string{"from", "via", "to", "provider"} {
		value, ok := requiredQuery(c, name)
		if !ok {
			return
		}
		params[name] = value
	}

	chain, err := h.rateService.ChainRate(c.Request.Context(), date, params["from"], params["via"], params["to"], params["provider"])
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to compute chained rate")
		return
	}
	c.JSON(http.StatusOK, chain)
}

// GetCoverage counts cached rates per date of a year
// GET /api/coverage
func (h *RateHandler) GetCoverage(c *gin.Context) {
	year, ok := yearQuery(c)
	if !ok {
		return
	}
	provider := c.Query("provider")
	if provider != "" && !h.rateService.HasProvider(provider) {
		utils.SendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Unknown provider: %s", provider))
		return
	}

	coverage, err := h.rateService.GetCoverage(c.Request.Context(), year, provider, utils.SplitList(c.Query("symbols")))
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to retrieve coverage")
		return
	}
	c.JSON(http.StatusOK, coverage)
}

// GetMissingSymbols lists the requested symbols absent on each date
// GET /api/coverage/missing
func (h *RateHandler) GetMissingSymbols(c *gin.Context) {
	year, ok := yearQuery(c)
	if !ok {
		return
	}
	symbols := utils.SplitList(c.Query("symbols"))
	if len(symbols) == 0 {
		utils.SendErrorResponse(c, http.StatusBadRequest, "Missing required parameter: symbols")
		return
	}
	provider := c.Query("provider")
	if provider != "" && !h.rateService.HasProvider(provider) {
		utils.SendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Unknown provider: %s", provider))
		return
	}

	missing, err := h.rateService.GetMissingSymbols(c.Request.Context(), year, symbols, provider)
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to retrieve missing symbols")
		return
	}
	c.JSON(http.StatusOK, missing)
}

// yearQuery reads ?year, defaulting to the current year
func yearQuery(c *gin.Context) (int, bool) {
	raw := c.Query("year")
	if raw == "" {
		return time.Now().Year(), true
	}

	year, err := strconv.Atoi(raw)
	if err != nil || year < 1900 || year > 9999 {
		utils.SendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Invalid year: %s", raw))
		return 0, false
	}
	return year, true
}
