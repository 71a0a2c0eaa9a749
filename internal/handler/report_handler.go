package handler

import (
	"errors"
	"net/http"

	"backend/internal/middleware"
	"backend/internal/model"
	"backend/internal/service"
	"backend/pkg/pagination"
	"backend/pkg/response"

	"github.com/gin-gonic/gin"
)

type ReportHandler struct {
	reportService service.ReportService
}

func NewReportHandler(reportService service.ReportService) *ReportHandler {
	return &ReportHandler{reportService: reportService}
}

func (h *ReportHandler) RegisterRoutes(router *gin.RouterGroup) {
	anyRole := middleware.RequireRole(model.RoleEmployee, model.RoleSupervisor, model.RoleFinance, model.RoleAdmin)

	reports := router.Group("/reports")
	{
		reports.GET("", anyRole, h.ListReports)
		reports.POST("/:id/submit", anyRole, h.Submit)
		reports.POST("/:id/decide", anyRole, h.Decide)
		reports.POST("/:id/delegate", anyRole, h.Delegate)
		// :id is the employee id on this route
		reports.GET("/:id/:period", anyRole, h.GetByEmployeePeriod)
	}
}

// lifecycleStatus maps service-layer errors to user-facing HTTP codes. An
// out-of-order approval action is a conflict the caller can act on, never a
// generic failure.
func lifecycleStatus(err error) int {
	switch {
	case errors.Is(err, model.ErrIllegalTransition):
		return http.StatusConflict
	case errors.Is(err, service.ErrNotReportOwner), errors.Is(err, service.ErrNotAssignedApprover):
		return http.StatusForbidden
	case errors.Is(err, service.ErrReportNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrReasonRequired):
		return http.StatusBadRequest
	default:
		return http.StatusBadRequest
	}
}

// Submit routes a draft report into supervisor review
// @Summary      Submit a period report
// @Description  Legal only from DRAFT or NEEDS_REVISION and only by the owning employee. Creates the supervisor review step.
// @Tags         reports
// @Produce      json
// @Security     BearerAuth
// @Param        id   path      string  true  "Report ID"
// @Success      200  {object}  response.Response{data=service.ReportResponse}
// @Failure      403  {object}  response.Response
// @Failure      409  {object}  response.Response
// @Router       /reports/{id}/submit [post]
func (h *ReportHandler) Submit(c *gin.Context) {
	id := c.Param("id")
	actorID, _ := c.Get("userID")
	actorIDStr, _ := actorID.(string)

	result, err := h.reportService.Submit(c.Request.Context(), id, actorIDStr)
	if err != nil {
		status := lifecycleStatus(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// Decide records an approver's decision for one review stage
// @Summary      Decide a pending review stage
// @Description  Approve, reject, or request revision. Legal only for the assigned approver while the report is in the matching pending state. Reject and revision request require a comment.
// @Tags         reports
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                    true  "Report ID"
// @Param        payload  body      service.DecideRequestDTO  true  "Decision payload"
// @Success      200      {object}  response.Response{data=service.ReportResponse}
// @Failure      403      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /reports/{id}/decide [post]
func (h *ReportHandler) Decide(c *gin.Context) {
	id := c.Param("id")
	actorID, _ := c.Get("userID")
	actorIDStr, _ := actorID.(string)

	var req service.DecideRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	result, err := h.reportService.Decide(c.Request.Context(), id, actorIDStr, req)
	if err != nil {
		status := lifecycleStatus(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// Delegate reassigns a pending review stage to another approver
// @Summary      Delegate a pending review stage
// @Description  Reassigns the pending approval step. Legal only for the currently assigned approver while the stage is pending.
// @Tags         reports
// @Accept       json
// @Produce      json
// @Security     BearerAuth
// @Param        id       path      string                      true  "Report ID"
// @Param        payload  body      service.DelegateRequestDTO  true  "Delegation payload"
// @Success      200      {object}  response.Response{data=service.ReportResponse}
// @Failure      403      {object}  response.Response
// @Failure      409      {object}  response.Response
// @Router       /reports/{id}/delegate [post]
func (h *ReportHandler) Delegate(c *gin.Context) {
	id := c.Param("id")
	actorID, _ := c.Get("userID")
	actorIDStr, _ := actorID.(string)

	var req service.DelegateRequestDTO
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, response.Error(http.StatusBadRequest, "Invalid request payload: "+err.Error()))
		return
	}

	result, err := h.reportService.Delegate(c.Request.Context(), id, actorIDStr, req)
	if err != nil {
		status := lifecycleStatus(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// GetByEmployeePeriod returns one report with steps and audit history
// @Summary      Get a period report
// @Description  Returns the report for one employee and period with embedded approval steps and audit history.
// @Tags         reports
// @Produce      json
// @Security     BearerAuth
// @Param        id      path      string  true  "Employee ID"
// @Param        period  path      string  true  "Period (YYYY-MM)"
// @Success      200     {object}  response.Response{data=service.ReportResponse}
// @Failure      404     {object}  response.Response
// @Router       /reports/{id}/{period} [get]
func (h *ReportHandler) GetByEmployeePeriod(c *gin.Context) {
	employeeID := c.Param("id")
	period := c.Param("period")
	actorID, _ := c.Get("userID")
	actorIDStr, _ := actorID.(string)
	actorRole, _ := c.Get("userRole")
	actorRoleStr, _ := actorRole.(string)

	result, err := h.reportService.GetByEmployeePeriod(c.Request.Context(), employeeID, period, actorIDStr, actorRoleStr)
	if err != nil {
		status := lifecycleStatus(err)
		c.JSON(status, response.Error(status, err.Error()))
		return
	}

	c.JSON(http.StatusOK, response.Success(http.StatusOK, result))
}

// ListReports returns reports, filtered for approver worklists
// @Summary      List period reports
// @Description  Optionally filtered by status and by pending assignment to an approver.
// @Tags         reports
// @Produce      json
// @Security     BearerAuth
// @Param        status       query  string  false  "Report status"
// @Param        approver_id  query  string  false  "Approver with a pending step"
// @Param        page         query  int     false  "Page"
// @Param        limit        query  int     false  "Page size"
// @Success      200  {object}  response.Response
// @Router       /reports [get]
func (h *ReportHandler) ListReports(c *gin.Context) {
	params := pagination.Parse(c)

	filter := service.ReportFilter{
		Status:     c.Query("status"),
		ApproverID: c.Query("approver_id"),
		Page:       params.Page,
		Limit:      params.Limit,
	}

	reports, total, err := h.reportService.ListReports(c.Request.Context(), filter)
	if err != nil {
		c.JSON(http.StatusInternalServerError, response.Error(http.StatusInternalServerError, err.Error()))
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": http.StatusOK,
		"data":   reports,
		"total":  total,
		"page":   params.Page,
		"limit":  params.Limit,
	})
}
