package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourorg/exchanger/internal/metrics"
	"github.com/yourorg/exchanger/internal/middleware"
	"go.uber.org/zap"
)

// Handlers groups the route handlers mounted under /api
type Handlers struct {
	Rates   *RateHandler
	Symbols *SymbolHandler
	Tasks   *TaskHandler
	Backups *BackupHandler

	// Metrics serves /api/metrics when set
	Metrics http.Handler
}

// NewRouter wires every route. Mutating admin routes require an admin
// bearer token when adminSecret is set.
func NewRouter(h Handlers, adminSecret string, m *metrics.Metrics, logger *zap.Logger) *gin.Engine {
	router := gin.New()

	// Use middlewares
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger))
	router.Use(middleware.Metrics(m))

	api := router.Group("/api")
	{
		api.GET("/health", h.Rates.Health)
		api.GET("/providers", h.Rates.ListProviders)

		rates := api.Group("/rates")
		{
			rates.GET("", h.Rates.GetRate)
			rates.GET("/date", h.Rates.GetRatesForDate)
			rates.GET("/range", h.Rates.GetRatesRange)
			rates.GET("/chain", h.Rates.GetChainRate)
		}

		coverage := api.Group("/coverage")
		{
			coverage.GET("", h.Rates.GetCoverage)
			coverage.GET("/missing", h.Rates.GetMissingSymbols)
		}

		symbols := api.Group("/symbols")
		{
			symbols.GET("/list", h.Symbols.ListSymbols)
			symbols.GET("/multi", h.Symbols.ListMultiProvider)
			symbols.GET("/variants/:symbol", h.Symbols.GetVariants)
		}
		api.GET("/forex/list", h.Symbols.ListForex)
		api.GET("/crypto/list", h.Symbols.ListCrypto)

		api.GET("/favorites", h.Symbols.ListFavorites)
		api.POST("/favorites", h.Symbols.AddFavorite)
		api.DELETE("/favorites", h.Symbols.RemoveFavorite)

		api.GET("/task_status", h.Tasks.TaskStatus)
		api.GET("/ws/tasks", h.Tasks.WatchTasks)
		api.GET("/backups", h.Backups.ListBackups)

		// Admin routes
		admin := api.Group("")
		admin.Use(middleware.AdminAuth(adminSecret, logger))
		{
			admin.POST("/backfill", h.Tasks.StartBackfill)
			admin.POST("/populate_symbols", h.Tasks.PopulateSymbols)
			admin.POST("/backup", h.Backups.CreateBackup)
			admin.POST("/restore", h.Backups.Restore)
		}

		if h.Metrics != nil {
			api.GET("/metrics", gin.WrapH(h.Metrics))
		}
	}

	return router
}
