package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/garyjia/expense-reports/internal/application/port"
	"github.com/garyjia/expense-reports/internal/domain/entity"
	"github.com/garyjia/expense-reports/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/expense-reports/pkg/utils"
)

const expenseReportColumns = `id, amount, description, incurred_on, created_at, updated_at`

// ExpenseReportRepository implements port.ExpenseReportRepository
type ExpenseReportRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

// NewExpenseReportRepository creates a new expense report repository
func NewExpenseReportRepository(db *sql.DB, logger *zap.Logger) port.ExpenseReportRepository {
	return &ExpenseReportRepository{
		db:     db,
		logger: logger,
	}
}

// Create inserts a new expense report
func (r *ExpenseReportRepository) Create(ctx context.Context, report *entity.ExpenseReport) error {
	query := `
		INSERT INTO expense_reports (amount, description, incurred_on, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	if report.CreatedAt.IsZero() {
		report.CreatedAt = now
	}
	report.UpdatedAt = report.CreatedAt

	result, err := sqlite.ExecutorFrom(ctx, r.db).ExecContext(ctx, query,
		report.AmountString(),
		report.Description,
		report.IncurredOnString(),
		report.CreatedAt,
		report.UpdatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to create expense report", zap.Error(err))
		return fmt.Errorf("failed to create expense report: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}

	report.ID = id
	return nil
}

// GetByID retrieves an expense report by ID
func (r *ExpenseReportRepository) GetByID(ctx context.Context, id int64) (*entity.ExpenseReport, error) {
	query := `SELECT ` + expenseReportColumns + ` FROM expense_reports WHERE id = ?`

	report, err := scanExpenseReport(sqlite.ExecutorFrom(ctx, r.db).QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Error("Failed to get expense report by ID", zap.Int64("id", id), zap.Error(err))
		return nil, fmt.Errorf("failed to get expense report: %w", err)
	}
	return report, nil
}

// List retrieves a page of expense reports, newest first
func (r *ExpenseReportRepository) List(ctx context.Context, limit, offset int) ([]*entity.ExpenseReport, error) {
	query := `SELECT ` + expenseReportColumns + ` FROM expense_reports ORDER BY id DESC LIMIT ? OFFSET ?`

	rows, err := sqlite.ExecutorFrom(ctx, r.db).QueryContext(ctx, query, limit, offset)
	if err != nil {
		r.logger.Error("Failed to list expense reports", zap.Error(err))
		return nil, fmt.Errorf("failed to list expense reports: %w", err)
	}
	defer rows.Close()

	var reports []*entity.ExpenseReport
	for rows.Next() {
		report, err := scanExpenseReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan expense report: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}

// Count returns the total number of expense reports
func (r *ExpenseReportRepository) Count(ctx context.Context) (int, error) {
	var n int
	err := sqlite.ExecutorFrom(ctx, r.db).QueryRowContext(ctx, `SELECT COUNT(*) FROM expense_reports`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count expense reports: %w", err)
	}
	return n, nil
}

// Update writes the editable fields of an existing report
func (r *ExpenseReportRepository) Update(ctx context.Context, report *entity.ExpenseReport) error {
	query := `
		UPDATE expense_reports
		SET amount = ?, description = ?, incurred_on = ?, updated_at = ?
		WHERE id = ?
	`

	updatedAt := time.Now().UTC()
	result, err := sqlite.ExecutorFrom(ctx, r.db).ExecContext(ctx, query,
		report.AmountString(),
		report.Description,
		report.IncurredOnString(),
		updatedAt,
		report.ID,
	)
	if err != nil {
		r.logger.Error("Failed to update expense report", zap.Int64("id", report.ID), zap.Error(err))
		return fmt.Errorf("failed to update expense report: %w", err)
	}
	if err := expectOneRow(result, report.ID); err != nil {
		return err
	}

	report.UpdatedAt = updatedAt
	return nil
}

// Delete removes an expense report
func (r *ExpenseReportRepository) Delete(ctx context.Context, id int64) error {
	result, err := sqlite.ExecutorFrom(ctx, r.db).ExecContext(ctx, `DELETE FROM expense_reports WHERE id = ?`, id)
	if err != nil {
		r.logger.Error("Failed to delete expense report", zap.Int64("id", id), zap.Error(err))
		return fmt.Errorf("failed to delete expense report: %w", err)
	}
	return expectOneRow(result, id)
}

// scanner covers *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExpenseReport(s scanner) (*entity.ExpenseReport, error) {
	var (
		report     entity.ExpenseReport
		amount     string
		incurredOn string
	)
	if err := s.Scan(
		&report.ID,
		&amount,
		&report.Description,
		&incurredOn,
		&report.CreatedAt,
		&report.UpdatedAt,
	); err != nil {
		return nil, err
	}

	d, err := decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("corrupt amount %q on report %d: %w", amount, report.ID, err)
	}
	report.Amount = d

	date, err := utils.ParseDate(incurredOn)
	if err != nil {
		return nil, fmt.Errorf("corrupt incurred_on %q on report %d: %w", incurredOn, report.ID, err)
	}
	report.IncurredOn = date

	return &report, nil
}

func expectOneRow(result sql.Result, id int64) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("expense report %d: %w", id, sql.ErrNoRows)
	}
	return nil
}

var _ port.ExpenseReportRepository = (*ExpenseReportRepository)(nil)
