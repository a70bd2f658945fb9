package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/garyjia/expense-reports/internal/application/port"
	"github.com/garyjia/expense-reports/internal/domain/entity"
	"github.com/garyjia/expense-reports/pkg/utils"
)

// ErrNotFound is returned when a report or one of its attachments does not exist
var ErrNotFound = errors.New("expense report not found")

// DefaultMaxUploadBytes caps an attachment when no limit is configured
const DefaultMaxUploadBytes int64 = 10 << 20

// Logger interface for minimal logging dependency
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
}

// ExpenseReportInput is one submitted form: field values plus files.
// A kind with no new upload falls back to its cache token, if any.
type ExpenseReportInput struct {
	Params      entity.ExpenseReportParams
	Uploads     map[entity.AttachmentKind]*entity.Upload
	CacheTokens map[entity.AttachmentKind]string
	Remove      map[entity.AttachmentKind]bool
}

// RestoredUpload identifies a file that was staged after a failed submission
type RestoredUpload struct {
	Token    string `json:"token"`
	FileName string `json:"file_name"`
}

// InvalidReportError is returned by Create and Update when the input does not validate.
// Restored lists the files the user had chosen, so the form can offer them again.
type InvalidReportError struct {
	Errors   entity.ValidationErrors
	Restored map[entity.AttachmentKind]RestoredUpload

	// Report is the persisted report on update, nil on create
	Report *entity.ExpenseReport
}

func (e *InvalidReportError) Error() string {
	return e.Errors.Error()
}

func (e *InvalidReportError) Unwrap() error {
	return e.Errors
}

// ExpenseReportService manages expense reports and their attachments
type ExpenseReportService interface {
	List(ctx context.Context, limit, offset int) ([]*entity.ExpenseReport, int, error)
	Get(ctx context.Context, id int64) (*entity.ExpenseReport, error)
	Create(ctx context.Context, input ExpenseReportInput) (*entity.ExpenseReport, error)
	Update(ctx context.Context, id int64, input ExpenseReportInput) (*entity.ExpenseReport, error)
	Delete(ctx context.Context, id int64) error
	OpenAttachment(ctx context.Context, id int64, kind entity.AttachmentKind) (*entity.Attachment, []byte, error)
}

// ExpenseReportServiceConfig holds service limits
type ExpenseReportServiceConfig struct {
	MaxUploadBytes int64
}

type expenseReportServiceImpl struct {
	reportRepo     port.ExpenseReportRepository
	attachmentRepo port.AttachmentRepository
	txManager      port.TransactionManager
	fileStorage    port.FileStorage
	uploadCache    port.UploadCache
	config         ExpenseReportServiceConfig
	logger         Logger
}

// NewExpenseReportService creates a new ExpenseReportService
func NewExpenseReportService(
	reportRepo port.ExpenseReportRepository,
	attachmentRepo port.AttachmentRepository,
	txManager port.TransactionManager,
	fileStorage port.FileStorage,
	uploadCache port.UploadCache,
	config ExpenseReportServiceConfig,
	logger Logger,
) ExpenseReportService {
	if config.MaxUploadBytes <= 0 {
		config.MaxUploadBytes = DefaultMaxUploadBytes
	}
	return &expenseReportServiceImpl{
		reportRepo:     reportRepo,
		attachmentRepo: attachmentRepo,
		txManager:      txManager,
		fileStorage:    fileStorage,
		uploadCache:    uploadCache,
		config:         config,
		logger:         logger,
	}
}

// resolvedUpload is a file ready to attach, with the cache token it came from
type resolvedUpload struct {
	upload *entity.Upload
	token  string
}

// List returns a page of reports, newest first, with attachments, plus the total count
func (s *expenseReportServiceImpl) List(ctx context.Context, limit, offset int) ([]*entity.ExpenseReport, int, error) {
	reports, err := s.reportRepo.List(ctx, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list expense reports: %w", err)
	}
	total, err := s.reportRepo.Count(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to count expense reports: %w", err)
	}

	ids := make([]int64, len(reports))
	for i, r := range reports {
		ids[i] = r.ID
	}
	byReport, err := s.attachmentRepo.GetByReportIDs(ctx, ids)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load attachments: %w", err)
	}
	for _, r := range reports {
		for kind, att := range byReport[r.ID] {
			r.SetAttachment(kind, att)
		}
	}
	return reports, total, nil
}

// Get returns one report with its attachments
func (s *expenseReportServiceImpl) Get(ctx context.Context, id int64) (*entity.ExpenseReport, error) {
	report, err := s.reportRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get expense report: %w", err)
	}
	if report == nil {
		return nil, ErrNotFound
	}

	atts, err := s.attachmentRepo.GetByReportID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load attachments: %w", err)
	}
	for kind, att := range atts {
		report.SetAttachment(kind, att)
	}
	return report, nil
}

// Create validates the input and persists the report and its files
func (s *expenseReportServiceImpl) Create(ctx context.Context, input ExpenseReportInput) (*entity.ExpenseReport, error) {
	uploads := s.resolveUploads(ctx, input)

	report := &entity.ExpenseReport{}
	if errs := s.validate(report, input.Params, uploads); errs.Any() {
		return nil, s.invalid(ctx, errs, uploads, nil)
	}

	var savedKeys []string
	err := s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.reportRepo.Create(txCtx, report); err != nil {
			return err
		}
		for _, kind := range entity.AttachmentKinds {
			ru, ok := uploads[kind]
			if !ok {
				continue
			}
			att, err := s.storeAttachment(txCtx, report.ID, kind, ru.upload)
			if att != nil {
				savedKeys = append(savedKeys, att.StorageKey)
			}
			if err != nil {
				return err
			}
			report.SetAttachment(kind, att)
		}
		return nil
	})
	if err != nil {
		s.deleteBlobs(ctx, savedKeys)
		s.logger.Error("Failed to create expense report", "error", err)
		return nil, fmt.Errorf("failed to create expense report: %w", err)
	}

	s.discardTokens(ctx, uploads)
	s.logger.Info("Expense report created", "id", report.ID, "attachments", len(report.Attachments()))
	return report, nil
}

// Update validates the input and applies it to an existing report.
// Uploaded kinds replace their attachment; kinds marked for removal are purged;
// everything else is kept.
func (s *expenseReportServiceImpl) Update(ctx context.Context, id int64, input ExpenseReportInput) (*entity.ExpenseReport, error) {
	report, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	uploads := s.resolveUploads(ctx, input)
	if errs := s.validate(report, input.Params, uploads); errs.Any() {
		return nil, s.invalid(ctx, errs, uploads, report)
	}

	var savedKeys, staleKeys []string
	updated := *report
	err = s.txManager.WithTransaction(ctx, func(txCtx context.Context) error {
		if err := s.reportRepo.Update(txCtx, &updated); err != nil {
			return err
		}
		for _, kind := range entity.AttachmentKinds {
			old := updated.Attachment(kind)
			ru, replace := uploads[kind]
			if !replace && !(input.Remove[kind] && old != nil) {
				continue
			}

			if old != nil {
				if err := s.attachmentRepo.Delete(txCtx, old.ID); err != nil {
					return err
				}
				staleKeys = append(staleKeys, old.StorageKey)
				updated.SetAttachment(kind, nil)
			}
			if !replace {
				continue
			}

			att, err := s.storeAttachment(txCtx, updated.ID, kind, ru.upload)
			if att != nil {
				savedKeys = append(savedKeys, att.StorageKey)
			}
			if err != nil {
				return err
			}
			updated.SetAttachment(kind, att)
		}
		return nil
	})
	if err != nil {
		s.deleteBlobs(ctx, savedKeys)
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		s.logger.Error("Failed to update expense report", "id", id, "error", err)
		return nil, fmt.Errorf("failed to update expense report: %w", err)
	}

	s.deleteBlobs(ctx, staleKeys)
	s.discardTokens(ctx, uploads)
	s.logger.Info("Expense report updated", "id", id)
	return &updated, nil
}

// Delete removes the report, its attachment rows and their stored bytes
func (s *expenseReportServiceImpl) Delete(ctx context.Context, id int64) error {
	report, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.reportRepo.Delete(ctx, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		s.logger.Error("Failed to delete expense report", "id", id, "error", err)
		return fmt.Errorf("failed to delete expense report: %w", err)
	}

	keys := make([]string, 0, 2)
	for _, att := range report.Attachments() {
		keys = append(keys, att.StorageKey)
	}
	s.deleteBlobs(ctx, keys)

	s.logger.Info("Expense report deleted", "id", id)
	return nil
}

// OpenAttachment returns the attachment metadata and its bytes
func (s *expenseReportServiceImpl) OpenAttachment(ctx context.Context, id int64, kind entity.AttachmentKind) (*entity.Attachment, []byte, error) {
	report, err := s.Get(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	att := report.Attachment(kind)
	if att == nil {
		return nil, nil, ErrNotFound
	}

	content, err := s.fileStorage.Read(ctx, att.StorageKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read attachment %d: %w", att.ID, err)
	}
	return att, content, nil
}

// resolveUploads picks, per kind, the new upload or else the staged one named by its token.
// Unknown or expired tokens are ignored.
func (s *expenseReportServiceImpl) resolveUploads(ctx context.Context, input ExpenseReportInput) map[entity.AttachmentKind]resolvedUpload {
	out := make(map[entity.AttachmentKind]resolvedUpload)
	for _, kind := range entity.AttachmentKinds {
		if up := input.Uploads[kind]; up != nil && up.FileName != "" {
			out[kind] = resolvedUpload{upload: up}
			continue
		}

		token := input.CacheTokens[kind]
		if token == "" {
			continue
		}
		up, err := s.uploadCache.Fetch(ctx, token)
		if err != nil {
			if !errors.Is(err, port.ErrCacheMiss) {
				s.logger.Error("Failed to fetch staged upload", "kind", string(kind), "error", err)
			}
			continue
		}
		out[kind] = resolvedUpload{upload: up, token: token}
	}
	return out
}

// validate applies params to report (only if they are valid) and checks upload sizes
func (s *expenseReportServiceImpl) validate(report *entity.ExpenseReport, params entity.ExpenseReportParams, uploads map[entity.AttachmentKind]resolvedUpload) entity.ValidationErrors {
	errs := entity.ValidationErrors{}

	candidate := *report
	if err := candidate.Apply(params); err != nil {
		var verrs entity.ValidationErrors
		if !errors.As(err, &verrs) {
			errs.Add("base", err.Error())
		}
		errs.Merge(verrs)
	}

	for _, kind := range entity.AttachmentKinds {
		ru, ok := uploads[kind]
		if ok && ru.upload.Size() > s.config.MaxUploadBytes {
			errs.Add(string(kind), fmt.Sprintf("is too large (maximum is %d bytes)", s.config.MaxUploadBytes))
		}
	}

	if !errs.Any() {
		*report = candidate
	}
	return errs
}

// invalid stages every acceptable upload so a re-rendered form can restore it
func (s *expenseReportServiceImpl) invalid(ctx context.Context, errs entity.ValidationErrors, uploads map[entity.AttachmentKind]resolvedUpload, report *entity.ExpenseReport) error {
	restored := make(map[entity.AttachmentKind]RestoredUpload)
	for _, kind := range entity.AttachmentKinds {
		ru, ok := uploads[kind]
		if !ok || len(errs.On(string(kind))) > 0 {
			continue
		}

		token := ru.token
		if token == "" {
			var err error
			token, err = s.uploadCache.Stage(ctx, ru.upload)
			if err != nil {
				s.logger.Error("Failed to stage upload", "kind", string(kind), "error", err)
				continue
			}
		}
		restored[kind] = RestoredUpload{Token: token, FileName: utils.DisplayFileName(ru.upload.FileName)}
	}
	return &InvalidReportError{Errors: errs, Restored: restored, Report: report}
}

// storeAttachment writes the bytes and then the row. A non-nil attachment is
// returned whenever bytes were written, so the caller can clean them up.
func (s *expenseReportServiceImpl) storeAttachment(ctx context.Context, reportID int64, kind entity.AttachmentKind, up *entity.Upload) (*entity.Attachment, error) {
	att := &entity.Attachment{
		ExpenseReportID: reportID,
		Kind:            kind,
		FileName:        utils.DisplayFileName(up.FileName),
		ContentType:     mimetype.Detect(up.Content).String(),
		ByteSize:        up.Size(),
		StorageKey:      StorageKey(reportID, kind, utils.SanitizeFileName(up.FileName)),
	}

	if err := s.fileStorage.Save(ctx, att.StorageKey, up.Content); err != nil {
		return nil, fmt.Errorf("failed to store %s: %w", kind, err)
	}
	if err := s.attachmentRepo.Create(ctx, att); err != nil {
		return att, err
	}
	return att, nil
}

func (s *expenseReportServiceImpl) deleteBlobs(ctx context.Context, keys []string) {
	for _, key := range keys {
		if err := s.fileStorage.Delete(ctx, key); err != nil {
			s.logger.Error("Failed to delete attachment bytes", "storage_key", key, "error", err)
		}
	}
}

func (s *expenseReportServiceImpl) discardTokens(ctx context.Context, uploads map[entity.AttachmentKind]resolvedUpload) {
	for _, ru := range uploads {
		if ru.token == "" {
			continue
		}
		if err := s.uploadCache.Discard(ctx, ru.token); err != nil {
			s.logger.Error("Failed to discard staged upload", "token", ru.token, "error", err)
		}
	}
}

// StorageKey builds the storage path of an attachment: <report>/<kind>/<uuid>-<name>
func StorageKey(reportID int64, kind entity.AttachmentKind, fileName string) string {
	return path.Join(fmt.Sprint(reportID), string(kind), uuid.NewString()+"-"+fileName)
}
