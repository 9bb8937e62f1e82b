package consultation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"telemed-backend/internal/domain"
	"telemed-backend/internal/middleware"
	"telemed-backend/internal/service/consultation"
	"telemed-backend/internal/service/report"
	"telemed-backend/pkg/audit"
	"telemed-backend/pkg/pagination"
	"telemed-backend/pkg/response"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

// ReportLinker signs download links for archived consultation reports
type ReportLinker interface {
	ReportURL(ctx context.Context, callID uuid.UUID) (string, error)
}

// AuditReader reads a call's lifecycle audit trail
type AuditReader interface {
	GetEvents(ctx context.Context, callID uuid.UUID) ([]*audit.AuditEvent, error)
}

// Handler handles consultation call HTTP requests
type Handler struct {
	service *consultation.Service
	reports ReportLinker
	audit   AuditReader
	now     func() time.Time
}

// NewHandler creates a new consultation handler. reports may be nil when
// object storage is disabled.
func NewHandler(service *consultation.Service, reports ReportLinker) *Handler {
	return &Handler{
		service: service,
		reports: reports,
		now:     time.Now,
	}
}

// WithAuditTrail enables GET /calls/:id/audit
func (h *Handler) WithAuditTrail(reader AuditReader) *Handler {
	h.audit = reader
	return h
}

// RegisterRoutes mounts the call routes on an authenticated group
func (h *Handler) RegisterRoutes(v1 *gin.RouterGroup) {
	calls := v1.Group("/calls")
	{
		calls.POST("", middleware.RequireRole(domain.RoleOperator), h.CreateCall)
		calls.GET("", middleware.RequireRole(domain.RoleAdmin), h.ListCalls)
		calls.GET("/pending", middleware.RequireRole(domain.RoleDoctor), h.ListPending)
		calls.GET("/history", h.History)
		calls.GET("/export", middleware.RequireRole(domain.RoleAdmin), h.ExportCalls)
		calls.GET("/:id", h.GetCall)
		calls.GET("/:id/report", middleware.RequireRole(domain.RoleAdmin), h.GetReport)
		calls.GET("/:id/audit", middleware.RequireRole(domain.RoleAdmin), h.GetAuditTrail)
		calls.POST("/:id/join", middleware.RequireRole(domain.RoleDoctor), h.ClaimCall)
		calls.POST("/:id/end", h.EndCall)
		calls.POST("/:id/cancel", middleware.RequireRole(domain.RoleOperator, domain.RoleAdmin), h.CancelCall)
		calls.PATCH("/:id/notes", middleware.RequireRole(domain.RoleDoctor), h.UpdateNotes)
	}
}

// CreateCallRequest represents call creation request
type CreateCallRequest struct {
	PatientID string `json:"patient_id" binding:"required,uuid"`
}

// EndCallRequest carries the optional consultation outcome
type EndCallRequest struct {
	DoctorAdvice *string `json:"doctor_advice" binding:"omitempty,max=4000"`
	Referred     *bool   `json:"referred"`
}

// UpdateNotesRequest updates consultation notes
type UpdateNotesRequest struct {
	DoctorAdvice *string `json:"doctor_advice" binding:"omitempty,max=4000"`
	Referred     *bool   `json:"referred"`
}

// CreateCall opens a pending call
// POST /v1/calls
func (h *Handler) CreateCall(c *gin.Context) {
	var req CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	identity, ok := middleware.GetIdentity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}

	summary, err := h.service.CreateCall(c.Request.Context(), &consultation.CreateCallInput{
		PatientID: uuid.MustParse(req.PatientID),
		Operator:  identity,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusCreated, summary)
}

// ListPending lists the pending queue
// GET /v1/calls/pending
func (h *Handler) ListPending(c *gin.Context) {
	calls, err := h.service.ListPending(c.Request.Context())
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"calls": calls,
		"count": len(calls),
	})
}

// ClaimCall assigns a pending call to the calling doctor
// POST /v1/calls/:id/join
func (h *Handler) ClaimCall(c *gin.Context) {
	callID, identity, ok := h.callAndIdentity(c)
	if !ok {
		return
	}

	call, err := h.service.ClaimCall(c.Request.Context(), callID, identity)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// EndCall completes a call
// POST /v1/calls/:id/end
func (h *Handler) EndCall(c *gin.Context) {
	callID, identity, ok := h.callAndIdentity(c)
	if !ok {
		return
	}

	var req EndCallRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.service.CompleteCall(c.Request.Context(), callID, identity, &consultation.CompleteInput{
		DoctorAdvice: req.DoctorAdvice,
		Referred:     req.Referred,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// CancelCall withdraws a pending call
// POST /v1/calls/:id/cancel
func (h *Handler) CancelCall(c *gin.Context) {
	callID, identity, ok := h.callAndIdentity(c)
	if !ok {
		return
	}

	call, err := h.service.CancelCall(c.Request.Context(), callID, identity)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// UpdateNotes records doctor advice during the call
// PATCH /v1/calls/:id/notes
func (h *Handler) UpdateNotes(c *gin.Context) {
	callID, identity, ok := h.callAndIdentity(c)
	if !ok {
		return
	}

	var req UpdateNotesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.ValidationError(c, err.Error())
		return
	}

	call, err := h.service.UpdateNotes(c.Request.Context(), callID, identity, &consultation.NotesInput{
		DoctorAdvice: req.DoctorAdvice,
		Referred:     req.Referred,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, call)
}

// GetCall fetches a call for session bootstrap
// GET /v1/calls/:id
func (h *Handler) GetCall(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}

	summary, err := h.service.GetCall(c.Request.Context(), callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, summary)
}

// ListCalls pages through all calls
// GET /v1/calls?status=&page=&limit=
func (h *Handler) ListCalls(c *gin.Context) {
	params, status, ok := parseListQuery(c)
	if !ok {
		return
	}

	page, err := h.service.ListCalls(c.Request.Context(), &consultation.ListInput{
		Status: status,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, pagination.NewPage(params, page.Total, page.Calls))
}

// History pages through the caller's own calls
// GET /v1/calls/history
func (h *Handler) History(c *gin.Context) {
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return
	}
	params, status, ok := parseListQuery(c)
	if !ok {
		return
	}

	page, err := h.service.History(c.Request.Context(), identity, &consultation.ListInput{
		Status: status,
		Limit:  params.Limit,
		Offset: params.Offset,
	})
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, pagination.NewPage(params, page.Total, page.Calls))
}

// ExportCalls downloads call records as a spreadsheet
// GET /v1/calls/export?status=
func (h *Handler) ExportCalls(c *gin.Context) {
	status, ok := parseStatus(c)
	if !ok {
		return
	}

	calls, err := h.service.ExportCalls(c.Request.Context(), status)
	if err != nil {
		response.FromError(c, err)
		return
	}

	now := h.now()
	data, err := report.ExportCalls(calls, now)
	if err != nil {
		response.InternalError(c, "Failed to build export")
		return
	}

	filename := fmt.Sprintf("calls-%s.xlsx", now.UTC().Format("20060102-150405"))
	c.Header("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))
	c.Data(http.StatusOK, xlsxContentType, data)
}

// GetReport returns a presigned link to the archived consultation report
// GET /v1/calls/:id/report
func (h *Handler) GetReport(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	if h.reports == nil {
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Report storage is not configured")
		return
	}

	url, err := h.reports.ReportURL(c.Request.Context(), callID)
	if err != nil {
		response.FromError(c, err)
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"url":     url,
	})
}

// GetAuditTrail lists the lifecycle events recorded for a call
// GET /v1/calls/:id/audit
func (h *Handler) GetAuditTrail(c *gin.Context) {
	callID, ok := parseCallID(c)
	if !ok {
		return
	}
	if h.audit == nil {
		response.Error(c, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "Audit trail is not configured")
		return
	}

	events, err := h.audit.GetEvents(c.Request.Context(), callID)
	if err != nil {
		response.InternalError(c, "Failed to read audit trail")
		return
	}

	response.Success(c, http.StatusOK, gin.H{
		"call_id": callID,
		"events":  events,
	})
}

func (h *Handler) callAndIdentity(c *gin.Context) (uuid.UUID, domain.Identity, bool) {
	callID, ok := parseCallID(c)
	if !ok {
		return uuid.Nil, domain.Identity{}, false
	}
	identity, ok := middleware.GetIdentity(c)
	if !ok {
		response.Unauthorized(c, "Not authenticated")
		return uuid.Nil, domain.Identity{}, false
	}
	return callID, identity, true
}

func parseCallID(c *gin.Context) (uuid.UUID, bool) {
	callID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.ValidationError(c, "Invalid call ID")
		return uuid.Nil, false
	}
	return callID, true
}

func parseStatus(c *gin.Context) (*domain.CallStatus, bool) {
	raw := c.Query("status")
	if raw == "" {
		return nil, true
	}
	status := domain.CallStatus(raw)
	if !status.Valid() {
		response.ValidationError(c, "Invalid status")
		return nil, false
	}
	return &status, true
}

func parseListQuery(c *gin.Context) (*pagination.Params, *domain.CallStatus, bool) {
	params, err := pagination.ParseParams(c.Query("page"), c.Query("limit"))
	if err != nil {
		response.ValidationError(c, err.Error())
		return nil, nil, false
	}
	status, ok := parseStatus(c)
	if !ok {
		return nil, nil, false
	}
	return params, status, true
}
