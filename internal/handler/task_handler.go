package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/yourorg/exchanger/internal/service"
	"github.com/yourorg/exchanger/internal/taskmanager"
	"github.com/yourorg/exchanger/internal/utils"
	"go.uber.org/zap"
)

const (
	defaultBackfillDays = 30
	maxBackfillDays     = 365

	wsWriteWait   = 10 * time.Second
	wsSendBuffer  = 16
	wsCloseReason = "status stream closed"
)

// TaskHandler handles background task HTTP requests
type TaskHandler struct {
	jobService *service.JobService
	tasks      *taskmanager.Manager
	upgrader   websocket.Upgrader
	logger     *zap.Logger
}

// NewTaskHandler creates a new task handler
func NewTaskHandler(jobService *service.JobService, tasks *taskmanager.Manager, logger *zap.Logger) *TaskHandler {
	return &TaskHandler{
		jobService: jobService,
		tasks:      tasks,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		logger: logger,
	}
}

// StartBackfill schedules a backfill for one provider or all of them
// POST /api/backfill
func (h *TaskHandler) StartBackfill(c *gin.Context) {
	provider, ok := requiredQuery(c, "provider")
	if !ok {
		return
	}

	days := defaultBackfillDays
	if raw := c.Query("length"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxBackfillDays {
			utils.SendErrorResponse(c, http.StatusBadRequest, fmt.Sprintf("length must be between 1 and %d", maxBackfillDays))
			return
		}
		days = n
	}

	result, err := h.jobService.StartBackfill(provider, utils.SplitList(c.Query("symbols")), days)
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to start backfill")
		return
	}
	c.JSON(http.StatusOK, result)
}

// PopulateSymbols schedules a catalog refresh
// POST /api/populate_symbols
func (h *TaskHandler) PopulateSymbols(c *gin.Context) {
	provider, ok := requiredQuery(c, "provider")
	if !ok {
		return
	}

	result, err := h.jobService.StartPopulate(provider, false)
	if err != nil {
		sendServiceError(c, h.logger, err, "Failed to start symbol population")
		return
	}
	c.JSON(http.StatusOK, result)
}

// TaskStatus returns every task status keyed by task
// GET /api/task_status
func (h *TaskHandler) TaskStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.tasks.GetAllStatus())
}

// WatchTasks streams a full status snapshot on connect and after every change
// GET /api/ws/tasks
func (h *TaskHandler) WatchTasks(c *gin.Context) {
	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("Websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	updates, unsubscribe := h.tasks.Subscribe(wsSendBuffer)
	defer unsubscribe()

	// the read loop only notices the client going away
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-gone:
			return
		case snapshot, ok := <-updates:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, wsCloseReason))
				return
			}
			if err := conn.WriteJSON(snapshot); err != nil {
				h.logger.Debug("Task status client write failed", zap.Error(err))
				return
			}
		}
	}
}
