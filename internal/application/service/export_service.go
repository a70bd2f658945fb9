package service

import (
	"context"
	"fmt"
	"io"

	"github.com/shopspring/decimal"
	"github.com/xuri/excelize/v2"

	"github.com/garyjia/expense-reports/internal/application/port"
	"github.com/garyjia/expense-reports/internal/domain/entity"
)

const (
	exportSheet     = "Expense Reports"
	exportPageSize  = 500
	exportTimestamp = "2006-01-02 15:04:05"
)

var exportHeaders = []string{
	"ID", "Amount", "Description", "Incurred on",
	"Receipt", "Approval document", "Created at", "Updated at",
}

// ExportService renders expense reports as a spreadsheet
type ExportService interface {
	ExportXLSX(ctx context.Context, w io.Writer) error
}

type exportServiceImpl struct {
	reportRepo     port.ExpenseReportRepository
	attachmentRepo port.AttachmentRepository
	logger         Logger
}

// NewExportService creates a new ExportService
func NewExportService(
	reportRepo port.ExpenseReportRepository,
	attachmentRepo port.AttachmentRepository,
	logger Logger,
) ExportService {
	return &exportServiceImpl{
		reportRepo:     reportRepo,
		attachmentRepo: attachmentRepo,
		logger:         logger,
	}
}

// ExportXLSX writes every report, newest first, followed by a total row
func (s *exportServiceImpl) ExportXLSX(ctx context.Context, w io.Writer) error {
	file := excelize.NewFile()
	defer file.Close()

	if err := file.SetSheetName(file.GetSheetName(0), exportSheet); err != nil {
		return fmt.Errorf("failed to name sheet: %w", err)
	}
	if err := file.SetSheetRow(exportSheet, "A1", &exportHeaders); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if style, err := file.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}}); err == nil {
		_ = file.SetRowStyle(exportSheet, 1, 1, style)
	}

	row := 2
	total := decimal.Zero
	for offset := 0; ; offset += exportPageSize {
		if err := ctx.Err(); err != nil {
			return err
		}

		reports, err := s.reportRepo.List(ctx, exportPageSize, offset)
		if err != nil {
			return fmt.Errorf("failed to list expense reports: %w", err)
		}
		if len(reports) == 0 {
			break
		}

		ids := make([]int64, len(reports))
		for i, r := range reports {
			ids[i] = r.ID
		}
		byReport, err := s.attachmentRepo.GetByReportIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("failed to load attachments: %w", err)
		}

		for _, r := range reports {
			values := []interface{}{
				r.ID,
				r.Amount.InexactFloat64(),
				r.Description,
				r.IncurredOnString(),
				attachmentName(byReport[r.ID][entity.KindReceipt]),
				attachmentName(byReport[r.ID][entity.KindApprovalDocument]),
				r.CreatedAt.UTC().Format(exportTimestamp),
				r.UpdatedAt.UTC().Format(exportTimestamp),
			}
			if err := file.SetSheetRow(exportSheet, fmt.Sprintf("A%d", row), &values); err != nil {
				return fmt.Errorf("failed to write row %d: %w", row, err)
			}
			total = total.Add(r.Amount)
			row++
		}

		if len(reports) < exportPageSize {
			break
		}
	}

	if err := file.SetCellValue(exportSheet, fmt.Sprintf("A%d", row), "Total"); err != nil {
		return fmt.Errorf("failed to write total label: %w", err)
	}
	if err := file.SetCellValue(exportSheet, fmt.Sprintf("B%d", row), total.InexactFloat64()); err != nil {
		return fmt.Errorf("failed to write total: %w", err)
	}
	if style, err := file.NewStyle(&excelize.Style{NumFmt: 4}); err == nil {
		_ = file.SetCellStyle(exportSheet, "B2", fmt.Sprintf("B%d", row), style)
	}

	if _, err := file.WriteTo(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}

	s.logger.Info("Expense reports exported", "rows", row-2, "total", total.StringFixed(2))
	return nil
}

func attachmentName(att *entity.Attachment) string {
	if att == nil {
		return ""
	}
	return att.FileName
}
