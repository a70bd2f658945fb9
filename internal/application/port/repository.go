package port

import (
	"context"

	"github.com/garyjia/expense-reports/internal/domain/entity"
)

// ExpenseReportRepository defines persistence operations for ExpenseReport.
// Returned reports carry no attachments; those come from AttachmentRepository.
type ExpenseReportRepository interface {
	// Create inserts the report and sets its ID and timestamps
	Create(ctx context.Context, report *entity.ExpenseReport) error

	// GetByID returns nil, nil when no report has the ID
	GetByID(ctx context.Context, id int64) (*entity.ExpenseReport, error)

	// List returns reports newest first
	List(ctx context.Context, limit, offset int) ([]*entity.ExpenseReport, error)

	// Count returns the total number of reports
	Count(ctx context.Context) (int, error)

	// Update writes amount, description and incurred_on and bumps updated_at
	Update(ctx context.Context, report *entity.ExpenseReport) error

	// Delete removes the report; attachment rows follow by cascade
	Delete(ctx context.Context, id int64) error
}

// AttachmentRepository defines persistence operations for Attachment
type AttachmentRepository interface {
	Create(ctx context.Context, att *entity.Attachment) error

	// GetByReportID returns the report's attachments keyed by kind
	GetByReportID(ctx context.Context, reportID int64) (map[entity.AttachmentKind]*entity.Attachment, error)

	// GetByReportIDs batches GetByReportID for list pages
	GetByReportIDs(ctx context.Context, reportIDs []int64) (map[int64]map[entity.AttachmentKind]*entity.Attachment, error)

	Delete(ctx context.Context, id int64) error
}

// TransactionManager handles database transactions
type TransactionManager interface {
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}
