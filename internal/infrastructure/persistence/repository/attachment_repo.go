package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/expense-reports/internal/application/port"
	"github.com/garyjia/expense-reports/internal/domain/entity"
	"github.com/garyjia/expense-reports/internal/infrastructure/persistence/sqlite"
)

const attachmentColumns = `id, expense_report_id, kind, file_name, content_type, byte_size, storage_key, created_at`

// AttachmentRepository implements port.AttachmentRepository
type AttachmentRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewAttachmentRepository creates a new attachment repository
func NewAttachmentRepository(db *sql.DB, logger *zap.Logger) port.AttachmentRepository {
	return &AttachmentRepository{
		db:     db,
		logger: logger,
	}
}

// Create creates a new attachment record
func (r *AttachmentRepository) Create(ctx context.Context, att *entity.Attachment) error {
	query := `
		INSERT INTO attachments (
			expense_report_id, kind, file_name, content_type, byte_size, storage_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}

	result, err := sqlite.ExecutorFrom(ctx, r.db).ExecContext(ctx, query,
		att.ExpenseReportID,
		string(att.Kind),
		att.FileName,
		att.ContentType,
		att.ByteSize,
		att.StorageKey,
		att.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create attachment",
			zap.Int64("expense_report_id", att.ExpenseReportID),
			zap.String("kind", string(att.Kind)),
			zap.Error(err))
		return fmt.Errorf("failed to create attachment: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	att.ID = id
	return nil
}

// GetByReportID retrieves the attachments of one report keyed by kind
func (r *AttachmentRepository) GetByReportID(ctx context.Context, reportID int64) (map[entity.AttachmentKind]*entity.Attachment, error) {
	byReport, err := r.GetByReportIDs(ctx, []int64{reportID})
	if err != nil {
		return nil, err
	}
	if atts, ok := byReport[reportID]; ok {
		return atts, nil
	}
	return map[entity.AttachmentKind]*entity.Attachment{}, nil
}

// GetByReportIDs retrieves the attachments of several reports in one query
func (r *AttachmentRepository) GetByReportIDs(ctx context.Context, reportIDs []int64) (map[int64]map[entity.AttachmentKind]*entity.Attachment, error) {
	out := make(map[int64]map[entity.AttachmentKind]*entity.Attachment, len(reportIDs))
	if len(reportIDs) == 0 {
		return out, nil
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(reportIDs)), ",")
	query := `SELECT ` + attachmentColumns + ` FROM attachments WHERE expense_report_id IN (` + placeholders + `) ORDER BY id ASC`

	args := make([]interface{}, len(reportIDs))
	for i, id := range reportIDs {
		args[i] = id
	}

	rows, err := sqlite.ExecutorFrom(ctx, r.db).QueryContext(ctx, query, args...)
	if err != nil {
		r.logger.Error("Failed to get attachments", zap.Int("reports", len(reportIDs)), zap.Error(err))
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			att  entity.Attachment
			kind string
		)
		if err := rows.Scan(
			&att.ID,
			&att.ExpenseReportID,
			&kind,
			&att.FileName,
			&att.ContentType,
			&att.ByteSize,
			&att.StorageKey,
			&att.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		att.Kind = entity.AttachmentKind(kind)

		if out[att.ExpenseReportID] == nil {
			out[att.ExpenseReportID] = make(map[entity.AttachmentKind]*entity.Attachment)
		}
		out[att.ExpenseReportID][att.Kind] = &att
	}
	return out, rows.Err()
}

// Delete removes an attachment record
func (r *AttachmentRepository) Delete(ctx context.Context, id int64) error {
	_, err := sqlite.ExecutorFrom(ctx, r.db).ExecContext(ctx, `DELETE FROM attachments WHERE id = ?`, id)
	if err != nil {
		r.logger.Error("Failed to delete attachment", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to delete attachment: %w", err)
	}
	return nil
}

var _ port.AttachmentRepository = (*AttachmentRepository)(nil)
