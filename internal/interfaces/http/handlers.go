package http

import (
	"bytes"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/expense-reports/internal/application/service"
	"github.com/garyjia/expense-reports/internal/domain/entity"
)

const (
	pageSize = 25

	noticeCreated   = "Expense report was successfully created."
	noticeUpdated   = "Expense report was successfully updated."
	noticeDestroyed = "Expense report was successfully destroyed."

	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

// Handlers serves the HTML pages
type Handlers struct {
	reportService service.ExpenseReportService
	exportService service.ExportService
	defaultText   string
	maxUpload     int64
	logger        Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(
	reportService service.ExpenseReportService,
	exportService service.ExportService,
	defaultText string,
	maxUpload int64,
	logger Logger,
) *Handlers {
	return &Handlers{
		reportService: reportService,
		exportService: exportService,
		defaultText:   defaultText,
		maxUpload:     maxUpload,
		logger:        logger,
	}
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
	Version   string `json:"version"`
	Error     string `json:"error,omitempty"`
}

// Index handles GET /expense_reports
func (h *Handlers) Index(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	if page < 1 {
		page = 1
	}

	reports, total, err := h.reportService.List(c.Request.Context(), pageSize, (page-1)*pageSize)
	if err != nil {
		h.serverError(c, "Failed to list expense reports", err)
		return
	}

	view := indexPage{
		layout: layout{Title: "Expense reports", Notice: takeFlash(c)},
		Total:  total,
		Page:   page,
	}
	for _, r := range reports {
		view.Reports = append(view.Reports, newReportView(r))
	}
	if page > 1 {
		view.PrevPage = page - 1
	}
	if page*pageSize < total {
		view.NextPage = page + 1
	}
	c.HTML(http.StatusOK, "index.html", view)
}

// Export handles GET /expense_reports.xlsx
func (h *Handlers) Export(c *gin.Context) {
	var buf bytes.Buffer
	if err := h.exportService.ExportXLSX(c.Request.Context(), &buf); err != nil {
		h.serverError(c, "Failed to export expense reports", err)
		return
	}

	name := "expense_reports-" + time.Now().UTC().Format("20060102") + ".xlsx"
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	c.Data(http.StatusOK, xlsxContentType, buf.Bytes())
}

// New handles GET /expense_reports/new
func (h *Handlers) New(c *gin.Context) {
	c.HTML(http.StatusOK, "new.html", newFormPage(nil, entity.ExpenseReportParams{}, nil, nil, h.defaultText))
}

// Create handles POST /expense_reports
func (h *Handlers) Create(c *gin.Context) {
	input, err := bindExpenseReportForm(c, h.maxUpload)
	if err != nil {
		h.badRequest(c, err)
		return
	}

	report, err := h.reportService.Create(c.Request.Context(), input)
	var invalid *service.InvalidReportError
	switch {
	case errors.As(err, &invalid):
		c.HTML(http.StatusUnprocessableEntity, "new.html",
			newFormPage(nil, input.Params, invalid.Errors, invalid.Restored, h.defaultText))
		return
	case err != nil:
		h.serverError(c, "Failed to create expense report", err)
		return
	}

	setFlash(c, noticeCreated)
	c.Redirect(http.StatusFound, reportPath(report.ID))
}

// Show handles GET /expense_reports/:id
func (h *Handlers) Show(c *gin.Context) {
	report, ok := h.loadReport(c)
	if !ok {
		return
	}
	c.HTML(http.StatusOK, "show.html", showPage{
		layout: layout{Title: "Expense report", Notice: takeFlash(c)},
		Report: newReportView(report),
	})
}

// Edit handles GET /expense_reports/:id/edit
func (h *Handlers) Edit(c *gin.Context) {
	report, ok := h.loadReport(c)
	if !ok {
		return
	}
	c.HTML(http.StatusOK, "edit.html", newFormPage(report, report.Params(), nil, nil, h.defaultText))
}

// Update handles PATCH/PUT /expense_reports/:id
func (h *Handlers) Update(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	input, err := bindExpenseReportForm(c, h.maxUpload)
	if err != nil {
		h.badRequest(c, err)
		return
	}

	_, err = h.reportService.Update(c.Request.Context(), id, input)
	var invalid *service.InvalidReportError
	switch {
	case errors.As(err, &invalid):
		c.HTML(http.StatusUnprocessableEntity, "edit.html",
			newFormPage(invalid.Report, input.Params, invalid.Errors, invalid.Restored, h.defaultText))
		return
	case errors.Is(err, service.ErrNotFound):
		h.notFound(c)
		return
	case err != nil:
		h.serverError(c, "Failed to update expense report", err)
		return
	}

	setFlash(c, noticeUpdated)
	c.Redirect(http.StatusFound, reportPath(id))
}

// Destroy handles DELETE /expense_reports/:id
func (h *Handlers) Destroy(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}

	err := h.reportService.Delete(c.Request.Context(), id)
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.notFound(c)
		return
	case err != nil:
		h.serverError(c, "Failed to delete expense report", err)
		return
	}

	setFlash(c, noticeDestroyed)
	c.Redirect(http.StatusSeeOther, "/expense_reports")
}

// MethodOverride handles POST /expense_reports/:id by dispatching on the _method field
func (h *Handlers) MethodOverride(c *gin.Context) {
	if _, err := c.MultipartForm(); isTooLarge(err) {
		h.badRequest(c, fmt.Errorf("%w: %v", errRequestTooLarge, err))
		return
	}
	switch strings.ToLower(c.PostForm("_method")) {
	case "patch", "put":
		h.Update(c)
	case "delete":
		h.Destroy(c)
	default:
		c.HTML(http.StatusMethodNotAllowed, "error.html", errorPage{
			layout:  layout{Title: "Method not allowed"},
			Message: "This form cannot be submitted here.",
		})
	}
}

// Download handles GET /expense_reports/:id/attachments/:kind
func (h *Handlers) Download(c *gin.Context) {
	id, ok := h.parseID(c)
	if !ok {
		return
	}
	kind, ok := entity.ParseAttachmentKind(c.Param("kind"))
	if !ok {
		h.notFound(c)
		return
	}

	att, content, err := h.reportService.OpenAttachment(c.Request.Context(), id, kind)
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.notFound(c)
		return
	case err != nil:
		h.serverError(c, "Failed to open attachment", err)
		return
	}

	c.Header("Content-Disposition", mime.FormatMediaType("inline", map[string]string{"filename": att.FileName}))
	c.Header("X-Content-Type-Options", "nosniff")
	c.Data(http.StatusOK, att.ContentType, content)
}

func (h *Handlers) loadReport(c *gin.Context) (*entity.ExpenseReport, bool) {
	id, ok := h.parseID(c)
	if !ok {
		return nil, false
	}

	report, err := h.reportService.Get(c.Request.Context(), id)
	switch {
	case errors.Is(err, service.ErrNotFound):
		h.notFound(c)
		return nil, false
	case err != nil:
		h.serverError(c, "Failed to get expense report", err)
		return nil, false
	}
	return report, true
}

func (h *Handlers) parseID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		h.notFound(c)
		return 0, false
	}
	return id, true
}

func (h *Handlers) notFound(c *gin.Context) {
	c.HTML(http.StatusNotFound, "error.html", errorPage{
		layout:  layout{Title: "Not found"},
		Message: "The expense report you were looking for doesn't exist.",
	})
}

func (h *Handlers) badRequest(c *gin.Context, err error) {
	h.logger.Error("Invalid form submission", "path", c.Request.URL.Path, "error", err)
	if errors.Is(err, errRequestTooLarge) {
		c.HTML(http.StatusRequestEntityTooLarge, "error.html", errorPage{
			layout:  layout{Title: "Request too large"},
			Message: fmt.Sprintf("Each attachment may be at most %d bytes.", h.maxUpload),
		})
		return
	}
	c.HTML(http.StatusBadRequest, "error.html", errorPage{
		layout:  layout{Title: "Bad request"},
		Message: "The form submission could not be read.",
	})
}

func (h *Handlers) serverError(c *gin.Context, msg string, err error) {
	h.logger.Error(msg, "path", c.Request.URL.Path, "error", err)
	c.HTML(http.StatusInternalServerError, "error.html", errorPage{
		layout:  layout{Title: "Something went wrong"},
		Message: "We're sorry, but something went wrong.",
	})
}
