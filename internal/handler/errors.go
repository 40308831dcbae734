package handler

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/yourorg/exchanger/internal/model"
	"github.com/yourorg/exchanger/internal/repository"
	"github.com/yourorg/exchanger/internal/service"
	"github.com/yourorg/exchanger/internal/utils"
	"go.uber.org/zap"
)

// sendServiceError maps service errors to status codes. Anything unknown
// is logged and answered with fallback.
func sendServiceError(c *gin.Context, logger *zap.Logger, err error, fallback string) {
	switch {
	case errors.Is(err, service.ErrUnknownProvider):
		utils.SendErrorResponse(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrBackupNotFound), errors.Is(err, repository.ErrSymbolNotFound):
		utils.SendErrorResponse(c, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrTaskRunning):
		utils.SendErrorResponse(c, http.StatusConflict, err.Error())
	case errors.Is(err, repository.ErrStoreClosed):
		utils.SendErrorResponse(c, http.StatusServiceUnavailable, "Service is shutting down")
	default:
		logger.Error(fallback, zap.Error(err))
		utils.SendErrorResponse(c, http.StatusInternalServerError, fallback)
	}
}

// dateQuery parses a required YYYY-MM-DD query parameter. On failure the
// 400 response has already been sent.
func dateQuery(c *gin.Context, name string) (time.Time, bool) {
	raw := c.Query(name)
	if raw == "" {
		utils.SendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Missing required parameter: %s", name))
		return time.Time{}, false
	}

	date, err := model.ParseDate(raw)
	if err != nil {
		utils.SendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Invalid date format: %s, expected YYYY-MM-DD", raw))
		return time.Time{}, false
	}
	return date, true
}

// requiredQuery returns a non-empty query parameter or sends a 400
func requiredQuery(c *gin.Context, name string) (string, bool) {
	value := c.Query(name)
	if value == "" {
		utils.SendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("Missing required parameter: %s", name))
		return "", false
	}
	return value, true
}
