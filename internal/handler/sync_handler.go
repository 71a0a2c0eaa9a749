package handler

import (
	"errors"
	"net/http"

	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/registry"
	"backend/internal/service"
	"backend/internal/wire"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
)

type SyncHandler struct {
	syncService service.SyncService
}

func NewSyncHandler(syncService service.SyncService) *SyncHandler {
	return &SyncHandler{syncService: syncService}
}

func (h *SyncHandler) RegisterRoutes(router *gin.RouterGroup) {
	router.POST("/sync",
		middleware.RequireRole(model.RoleEmployee, model.RoleSupervisor, model.RoleFinance, model.RoleAdmin),
		h.Sync)
}

// Sync applies a batch of queued client mutations
// @Summary      Reconcile queued client operations
// @Description  Accepts operations grouped by canonical wire collection name and applies each as an idempotent upsert. Returns one outcome per operation. An unrecognized collection name rejects the whole batch.
// @Tags         sync
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        payload  body      wire.Batch  true  "Operations grouped by wire collection name"
// @Success      200      {object}  wire.BatchResponse
// @Failure      400      {object}  response.Response
// @Failure      500      {object}  response.Response
// @Router       /sync [post]
func (h *SyncHandler) Sync(c *gin.Context) {
	var batch wire.Batch
	if err := c.ShouldBindJSON(&batch); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	results, err := h.syncService.ApplyBatch(c.Request.Context(), batch)
	if err != nil {
		// An unknown collection key is a client build/config defect: refuse
		// the whole batch loudly instead of dropping data without a trace.
		if errors.Is(err, registry.ErrUnrecognizedCollection) {
			c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, err.Error()))
			return
		}
		// Storage faults are transient from the client's point of view; it
		// keeps the operations queued and retries.
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusOK, wire.BatchResponse{Results: results})
}
