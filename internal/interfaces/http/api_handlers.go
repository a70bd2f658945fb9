package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/expense-reports/internal/application/service"
	"github.com/garyjia/expense-reports/internal/domain/entity"
)

// APIHandlers serves the JSON API
type APIHandlers struct {
	reportService service.ExpenseReportService
	maxUpload     int64
	logger        Logger
}

// NewAPIHandlers creates a new APIHandlers instance
func NewAPIHandlers(reportService service.ExpenseReportService, maxUpload int64, logger Logger) *APIHandlers {
	return &APIHandlers{
		reportService: reportService,
		maxUpload:     maxUpload,
		logger:        logger,
	}
}

// ErrorResponse is returned for failures that are not validation errors
type ErrorResponse struct {
	Error string `json:"error"`
}

// AttachmentResponse represents an attachment in API responses
type AttachmentResponse struct {
	FileName    string `json:"file_name"`
	ContentType string `json:"content_type"`
	ByteSize    int64  `json:"byte_size"`
	URL         string `json:"url"`
}

// ExpenseReportResponse represents an expense report in API responses
type ExpenseReportResponse struct {
	ID               int64               `json:"id"`
	Amount           string              `json:"amount"`
	Description      string              `json:"description"`
	IncurredOn       string              `json:"incurred_on"`
	Receipt          *AttachmentResponse `json:"receipt"`
	ApprovalDocument *AttachmentResponse `json:"approval_document"`
	CreatedAt        string              `json:"created_at"`
	UpdatedAt        string              `json:"updated_at"`
	URL              string              `json:"url"`
}

// ListRequest represents query parameters for listing reports
type ListRequest struct {
	Limit  int `form:"limit"`
	Offset int `form:"offset"`
}

// List handles GET /api/expense_reports
func (h *APIHandlers) List(c *gin.Context) {
	var req ListRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid query parameters"})
		return
	}
	if req.Limit <= 0 || req.Limit > 100 {
		req.Limit = 20
	}
	if req.Offset < 0 {
		req.Offset = 0
	}

	reports, total, err := h.reportService.List(c.Request.Context(), req.Limit, req.Offset)
	if err != nil {
		h.logger.Error("Failed to list expense reports", "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "failed to retrieve expense reports"})
		return
	}

	out := make([]ExpenseReportResponse, 0, len(reports))
	for _, r := range reports {
		out = append(out, toExpenseReportResponse(r))
	}
	c.Header("X-Total-Count", strconv.Itoa(total))
	c.JSON(http.StatusOK, out)
}

// Get handles GET /api/expense_reports/:id
func (h *APIHandlers) Get(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	report, err := h.reportService.Get(c.Request.Context(), id)
	if err != nil {
		h.fail(c, "Failed to get expense report", err)
		return
	}
	c.JSON(http.StatusOK, toExpenseReportResponse(report))
}

// Create handles POST /api/expense_reports
func (h *APIHandlers) Create(c *gin.Context) {
	input, err := bindAPIInput(c, h.maxUpload)
	if err != nil {
		h.badInput(c, err)
		return
	}

	report, err := h.reportService.Create(c.Request.Context(), input)
	if err != nil {
		h.fail(c, "Failed to create expense report", err)
		return
	}

	c.Header("Location", apiReportPath(report.ID))
	c.JSON(http.StatusCreated, toExpenseReportResponse(report))
}

// Update handles PATCH/PUT /api/expense_reports/:id
func (h *APIHandlers) Update(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	input, err := bindAPIInput(c, h.maxUpload)
	if err != nil {
		h.badInput(c, err)
		return
	}

	report, err := h.reportService.Update(c.Request.Context(), id, input)
	if err != nil {
		h.fail(c, "Failed to update expense report", err)
		return
	}

	c.Header("Location", apiReportPath(report.ID))
	c.JSON(http.StatusOK, toExpenseReportResponse(report))
}

// Delete handles DELETE /api/expense_reports/:id
func (h *APIHandlers) Delete(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	if err := h.reportService.Delete(c.Request.Context(), id); err != nil {
		h.fail(c, "Failed to delete expense report", err)
		return
	}
	c.Status(http.StatusNoContent)
}

// fail maps service errors to responses: validation 422, missing 404, anything else 500
func (h *APIHandlers) fail(c *gin.Context, msg string, err error) {
	var invalid *service.InvalidReportError
	switch {
	case errors.As(err, &invalid):
		c.JSON(http.StatusUnprocessableEntity, invalid.Errors)
	case errors.Is(err, service.ErrNotFound):
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "expense report not found"})
	default:
		h.logger.Error(msg, "error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "internal server error"})
	}
}

func (h *APIHandlers) parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "expense report not found"})
		return 0, false
	}
	return id, true
}

func apiReportPath(id int64) string {
	return "/api" + reportPath(id)
}

func toAttachmentResponse(att *entity.Attachment) *AttachmentResponse {
	if att == nil {
		return nil
	}
	return &AttachmentResponse{
		FileName:    att.FileName,
		ContentType: att.ContentType,
		ByteSize:    att.ByteSize,
		URL:         attachmentPath(att.ExpenseReportID, att.Kind),
	}
}

func toExpenseReportResponse(r *entity.ExpenseReport) ExpenseReportResponse {
	return ExpenseReportResponse{
		ID:               r.ID,
		Amount:           r.AmountString(),
		Description:      r.Description,
		IncurredOn:       r.IncurredOnString(),
		Receipt:          toAttachmentResponse(r.Receipt),
		ApprovalDocument: toAttachmentResponse(r.ApprovalDocument),
		CreatedAt:        r.CreatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		UpdatedAt:        r.UpdatedAt.UTC().Format("2006-01-02T15:04:05.000Z07:00"),
		URL:              apiReportPath(r.ID),
	}
}

func (h *APIHandlers) badInput(c *gin.Context, err error) {
	if errors.Is(err, errRequestTooLarge) {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusBadRequest, ErrorResponse{Error: err.Error()})
}
