package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourorg/exchanger/internal/model"
	"github.com/yourorg/exchanger/internal/service"
	"github.com/yourorg/exchanger/internal/utils"
	"go.uber.org/zap"
)

// SymbolHandler handles symbol catalog and favorite HTTP requests
type SymbolHandler struct {
	symbolService *service.SymbolService
	logger        *zap.Logger
}

// NewSymbolHandler creates a new symbol handler
func NewSymbolHandler(symbolService *service.SymbolService, logger *zap.Logger) *SymbolHandler {
	return &SymbolHandler{
		symbolService: symbolService,
		logger:        logger,
	}
}

// listedSymbol is the short form served by the per-type lists
type listedSymbol struct {
	Provider string  `json:"provider"`
	Symbol   string  `json:"symbol"`
	Name     *string `json:"name"`
}

// ListSymbols handles retrieving the catalog with filtering
// GET /api/symbols/list
func (h *SymbolHandler) ListSymbols(c *gin.Context) {
	var filter model.SymbolFilter
	if err := c.ShouldBindQuery(&filter); err != nil {
		utils.SendErrorResponse(c, http.StatusBadRequest, "Invalid filter: type must be forex or crypto")
		return
	}

	symbols, err := h.symbolService.ListSymbols(c.Request.Context(), filter)
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to retrieve symbols")
		return
	}
	c.JSON(http.StatusOK, symbols)
}

// ListForex handles retrieving forex symbols
// GET /api/forex/list
func (h *SymbolHandler) ListForex(c *gin.Context) {
	h.listByType(c, model.SymbolTypeForex)
}

// ListCrypto handles retrieving crypto symbols
// GET /api/crypto/list
func (h *SymbolHandler) ListCrypto(c *gin.Context) {
	h.listByType(c, model.SymbolTypeCrypto)
}

func (h *SymbolHandler) listByType(c *gin.Context, symType model.SymbolType) {
	symbols, err := h.symbolService.ListSymbols(c.Request.Context(), model.SymbolFilter{
		Type:  symType,
		Query: c.Query("q"),
	})
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to retrieve symbols")
		return
	}

	listed := make([]listedSymbol, 0, len(symbols))
	for _, s := range symbols {
		listed = append(listed, listedSymbol{Provider: s.Provider, Symbol: s.Symbol, Name: s.Name})
	}
	c.JSON(http.StatusOK, listed)
}

// ListMultiProvider handles retrieving symbols quoted by several providers
// GET /api/symbols/multi
func (h *SymbolHandler) ListMultiProvider(c *gin.Context) {
	symbols, err := h.symbolService.ListMultiProviderSymbols(c.Request.Context())
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to retrieve symbols")
		return
	}
	c.JSON(http.StatusOK, symbols)
}

// GetVariants handles retrieving every provider spelling of a symbol
// GET /api/symbols/variants/:symbol
func (h *SymbolHandler) GetVariants(c *gin.Context) {
	variants, err := h.symbolService.GetSymbolVariants(c.Request.Context(), c.Param("symbol"))
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to retrieve symbol variants")
		return
	}
	if len(variants) == 0 {
		utils.SendErrorResponse(c, http.StatusNotFound, "Symbol not found")
		return
	}
	c.JSON(http.StatusOK, variants)
}

// ListFavorites handles retrieving favorites, most recent first
// GET /api/favorites
func (h *SymbolHandler) ListFavorites(c *gin.Context) {
	favorites, err := h.symbolService.ListFavorites(c.Request.Context())
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to retrieve favorites")
		return
	}
	c.JSON(http.StatusOK, favorites)
}

// AddFavorite handles pinning a symbol
// POST /api/favorites
func (h *SymbolHandler) AddFavorite(c *gin.Context) {
	var fav model.Favorite
	if err := c.ShouldBind(&fav); err != nil {
		utils.SendErrorResponse(c, http.StatusBadRequest, "provider and provider_symbol are required")
		return
	}

	if err := h.symbolService.AddFavorite(c.Request.Context(), fav); err != nil {
		sendServiceError(c, h.logger, err, "Failed to add favorite")
		return
	}
	c.JSON(http.StatusCreated, gin.H{"provider": fav.Provider, "provider_symbol": fav.ProviderSymbol})
}

// RemoveFavorite handles unpinning a symbol
// DELETE /api/favorites
func (h *SymbolHandler) RemoveFavorite(c *gin.Context) {
	var fav model.Favorite
	if err := c.ShouldBind(&fav); err != nil {
		utils.SendErrorResponse(c, http.StatusBadRequest, "provider and provider_symbol are required")
		return
	}

	if err := h.symbolService.RemoveFavorite(c.Request.Context(), fav); err != nil {
		sendServiceError(c, h.logger, err, "Failed to remove favorite")
		return
	}
	c.Status(http.StatusNoContent)
}
