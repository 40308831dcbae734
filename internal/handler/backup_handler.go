package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/yourorg/exchanger/internal/service"
	"go.uber.org/zap"
)

// BackupHandler handles backup and restore HTTP requests
type BackupHandler struct {
	backupService *service.BackupService
	logger        *zap.Logger
}

// NewBackupHandler creates a new backup handler
func NewBackupHandler(backupService *service.BackupService, logger *zap.Logger) *BackupHandler {
	return &BackupHandler{
		backupService: backupService,
		logger:        logger,
	}
}

// ListBackups handles listing backup files, newest first
// GET /api/backups
func (h *BackupHandler) ListBackups(c *gin.Context) {
	backups, err := h.backupService.List(c.Request.Context())
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to list backups")
		return
	}
	c.JSON(http.StatusOK, backups)
}

// CreateBackup handles dumping the store to a new backup file
// POST /api/backup
func (h *BackupHandler) CreateBackup(c *gin.Context) {
	result, err := h.backupService.Create(c.Request.Context())
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to create backup")
		return
	}
	c.JSON(http.StatusOK, result)
}

// Restore handles replacing the store content with a backup
// POST /api/restore
func (h *BackupHandler) Restore(c *gin.Context) {
	timestamp, ok := requiredQuery(c, "timestamp")
	if !ok {
		return
	}

	result, err := h.backupService.Restore(c.Request.Context(), timestamp)
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to restore backup")
		return
	}
	c.JSON(http.StatusOK, result)
}
