package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"backend/internal/model"
	"backend/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubReportService struct {
	response service.ReportResponse
	list     []service.ReportResponse
	total    int64
	err      error

	gotReportID string
	gotActorID  string
	gotDecide   service.DecideRequestDTO
	gotDelegate service.DelegateRequestDTO
	gotFilter   service.ReportFilter
}

func (s *stubReportService) Submit(_ context.Context, reportID, actorID string) (service.ReportResponse, error) {
	s.gotReportID, s.gotActorID = reportID, actorID
	return s.response, s.err
}

func (s *stubReportService) Decide(_ context.Context, reportID, actorID string, req service.DecideRequestDTO) (service.ReportResponse, error) {
	s.gotReportID, s.gotActorID, s.gotDecide = reportID, actorID, req
	return s.response, s.err
}

func (s *stubReportService) Delegate(_ context.Context, reportID, actorID string, req service.DelegateRequestDTO) (service.ReportResponse, error) {
	s.gotReportID, s.gotActorID, s.gotDelegate = reportID, actorID, req
	return s.response, s.err
}

func (s *stubReportService) GetByEmployeePeriod(_ context.Context, employeeID, period, actorID, actorRole string) (service.ReportResponse, error) {
	s.gotReportID, s.gotActorID = employeeID+"/"+period, actorID
	return s.response, s.err
}

func (s *stubReportService) ListReports(_ context.Context, filter service.ReportFilter) ([]service.ReportResponse, int64, error) {
	s.gotFilter = filter
	return s.list, s.total, s.err
}

// newReportRouter wires the handler behind a fake auth layer that injects
// the acting user the way the JWT middleware would.
func newReportRouter(svc *stubReportService, actorID, actorRole string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		c.Set("userID", actorID)
		c.Set("userRole", actorRole)
	})

	h := NewReportHandler(svc)
	router.GET("/reports", h.ListReports)
	router.POST("/reports/:id/submit", h.Submit)
	router.POST("/reports/:id/decide", h.Decide)
	router.POST("/reports/:id/delegate", h.Delegate)
	router.GET("/reports/:id/:period", h.GetByEmployeePeriod)
	return router
}

func TestSubmitSuccess(t *testing.T) {
	actorID := uuid.NewString()
	reportID := uuid.NewString()
	svc := &stubReportService{response: service.ReportResponse{
		ID:     reportID,
		Status: model.ReportStatusPendingSupervisor,
	}}
	router := newReportRouter(svc, actorID, model.RoleEmployee)

	req := httptest.NewRequest(http.MethodPost, "/reports/"+reportID+"/submit", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, reportID, svc.gotReportID)
	assert.Equal(t, actorID, svc.gotActorID)
	assert.Contains(t, rec.Body.String(), model.ReportStatusPendingSupervisor)
}

func TestLifecycleErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
	}{
		{"illegal transition is a conflict", model.ErrIllegalTransition, http.StatusConflict},
		{"non-owner submit is forbidden", service.ErrNotReportOwner, http.StatusForbidden},
		{"wrong approver is forbidden", service.ErrNotAssignedApprover, http.StatusForbidden},
		{"missing report is not found", service.ErrReportNotFound, http.StatusNotFound},
		{"missing reason is a bad request", model.ErrReasonRequired, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &stubReportService{err: tt.err}
			router := newReportRouter(svc, uuid.NewString(), model.RoleEmployee)

			req := httptest.NewRequest(http.MethodPost, "/reports/"+uuid.NewString()+"/submit", nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)
		})
	}
}

func TestDecidePassesPayloadThrough(t *testing.T) {
	svc := &stubReportService{response: service.ReportResponse{Status: model.ReportStatusPendingFinance}}
	router := newReportRouter(svc, uuid.NewString(), model.RoleSupervisor)

	body, _ := json.Marshal(service.DecideRequestDTO{
		Stage:    model.StageSupervisorReview,
		Decision: model.DecisionApproved,
		Comment:  "looks complete",
	})
	req := httptest.NewRequest(http.MethodPost, "/reports/"+uuid.NewString()+"/decide", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.StageSupervisorReview, svc.gotDecide.Stage)
	assert.Equal(t, model.DecisionApproved, svc.gotDecide.Decision)
	assert.Equal(t, "looks complete", svc.gotDecide.Comment)
}

func TestDecideRejectsUnknownEnumValues(t *testing.T) {
	svc := &stubReportService{}
	router := newReportRouter(svc, uuid.NewString(), model.RoleSupervisor)

	body := []byte(`{"stage":"CEO_REVIEW","decision":"APPROVED"}`)
	req := httptest.NewRequest(http.MethodPost, "/reports/"+uuid.NewString()+"/decide", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	// Binding catches it before the service is touched.
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.gotReportID)
}

func TestDelegatePassesPayloadThrough(t *testing.T) {
	target := uuid.NewString()
	svc := &stubReportService{response: service.ReportResponse{Status: model.ReportStatusPendingSupervisor}}
	router := newReportRouter(svc, uuid.NewString(), model.RoleSupervisor)

	body, _ := json.Marshal(service.DelegateRequestDTO{
		Stage:      model.StageSupervisorReview,
		ToApprover: target,
	})
	req := httptest.NewRequest(http.MethodPost, "/reports/"+uuid.NewString()+"/delegate", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, target, svc.gotDelegate.ToApprover)
}

func TestGetByEmployeePeriod(t *testing.T) {
	employeeID := uuid.NewString()
	svc := &stubReportService{response: service.ReportResponse{
		EmployeeID: employeeID,
		Period:     "2026-03",
		Status:     model.ReportStatusDraft,
	}}
	router := newReportRouter(svc, employeeID, model.RoleEmployee)

	req := httptest.NewRequest(http.MethodGet, "/reports/"+employeeID+"/2026-03", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, employeeID+"/2026-03", svc.gotReportID)
	assert.Contains(t, rec.Body.String(), "2026-03")
}

func TestListReportsFilterAndPagination(t *testing.T) {
	approverID := uuid.NewString()
	svc := &stubReportService{
		list:  []service.ReportResponse{{Status: model.ReportStatusPendingSupervisor}},
		total: 1,
	}
	router := newReportRouter(svc, approverID, model.RoleSupervisor)

	req := httptest.NewRequest(http.MethodGet,
		"/reports?status=PENDING_SUPERVISOR&approver_id="+approverID+"&page=2&limit=5", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, model.ReportStatusPendingSupervisor, svc.gotFilter.Status)
	assert.Equal(t, approverID, svc.gotFilter.ApproverID)
	assert.Equal(t, 2, svc.gotFilter.Page)
	assert.Equal(t, 5, svc.gotFilter.Limit)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.EqualValues(t, 1, resp["total"])
	assert.EqualValues(t, 2, resp["page"])
}
