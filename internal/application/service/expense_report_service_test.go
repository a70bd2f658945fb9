package service

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/garyjia/expense-reports/internal/application/port"
	"github.com/garyjia/expense-reports/internal/domain/entity"
)

// Mock repositories
type mockReportRepo struct {
	mu      sync.Mutex
	reports map[int64]*entity.ExpenseReport
	nextID  int64

	createFunc func(ctx context.Context, report *entity.ExpenseReport) error
	updateFunc func(ctx context.Context, report *entity.ExpenseReport) error
}

func newMockReportRepo() *mockReportRepo {
	return &mockReportRepo{reports: map[int64]*entity.ExpenseReport{}}
}

func (m *mockReportRepo) Create(ctx context.Context, report *entity.ExpenseReport) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, report)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	report.ID = m.nextID
	stored := *report
	stored.Receipt, stored.ApprovalDocument = nil, nil
	m.reports[report.ID] = &stored
	return nil
}

func (m *mockReportRepo) GetByID(ctx context.Context, id int64) (*entity.ExpenseReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.reports[id]
	if !ok {
		return nil, nil
	}
	out := *r
	return &out, nil
}

func (m *mockReportRepo) List(ctx context.Context, limit, offset int) ([]*entity.ExpenseReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]int64, 0, len(m.reports))
	for id := range m.reports {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] > ids[j] })

	var out []*entity.ExpenseReport
	for i := offset; i < len(ids) && len(out) < limit; i++ {
		r := *m.reports[ids[i]]
		out = append(out, &r)
	}
	return out, nil
}

func (m *mockReportRepo) Count(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports), nil
}

func (m *mockReportRepo) Update(ctx context.Context, report *entity.ExpenseReport) error {
	if m.updateFunc != nil {
		return m.updateFunc(ctx, report)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[report.ID]; !ok {
		return fmt.Errorf("expense report %d: %w", report.ID, sql.ErrNoRows)
	}
	stored := *report
	stored.Receipt, stored.ApprovalDocument = nil, nil
	m.reports[report.ID] = &stored
	return nil
}

func (m *mockReportRepo) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.reports[id]; !ok {
		return fmt.Errorf("expense report %d: %w", id, sql.ErrNoRows)
	}
	delete(m.reports, id)
	return nil
}

type mockAttachmentRepo struct {
	mu     sync.Mutex
	rows   map[int64]*entity.Attachment
	nextID int64

	createFunc func(ctx context.Context, att *entity.Attachment) error
}

func newMockAttachmentRepo() *mockAttachmentRepo {
	return &mockAttachmentRepo{rows: map[int64]*entity.Attachment{}}
}

func (m *mockAttachmentRepo) Create(ctx context.Context, att *entity.Attachment) error {
	if m.createFunc != nil {
		return m.createFunc(ctx, att)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	att.ID = m.nextID
	stored := *att
	m.rows[att.ID] = &stored
	return nil
}

func (m *mockAttachmentRepo) GetByReportID(ctx context.Context, reportID int64) (map[entity.AttachmentKind]*entity.Attachment, error) {
	byReport, _ := m.GetByReportIDs(ctx, []int64{reportID})
	if atts, ok := byReport[reportID]; ok {
		return atts, nil
	}
	return map[entity.AttachmentKind]*entity.Attachment{}, nil
}

func (m *mockAttachmentRepo) GetByReportIDs(ctx context.Context, reportIDs []int64) (map[int64]map[entity.AttachmentKind]*entity.Attachment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[int64]bool{}
	for _, id := range reportIDs {
		want[id] = true
	}
	out := map[int64]map[entity.AttachmentKind]*entity.Attachment{}
	for _, att := range m.rows {
		if !want[att.ExpenseReportID] {
			continue
		}
		if out[att.ExpenseReportID] == nil {
			out[att.ExpenseReportID] = map[entity.AttachmentKind]*entity.Attachment{}
		}
		a := *att
		out[att.ExpenseReportID][att.Kind] = &a
	}
	return out, nil
}

func (m *mockAttachmentRepo) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows, id)
	return nil
}

type mockTxManager struct {
	withTransactionFunc func(ctx context.Context, fn func(ctx context.Context) error) error
}

func (m *mockTxManager) WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if m.withTransactionFunc != nil {
		return m.withTransactionFunc(ctx, fn)
	}
	return fn(ctx)
}

type memStorage struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemStorage() *memStorage {
	return &memStorage{files: map[string][]byte{}}
}

func (m *memStorage) Save(ctx context.Context, path string, content []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files[path] = append([]byte(nil), content...)
	return nil
}

func (m *memStorage) Read(ctx context.Context, path string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.files[path]
	if !ok {
		return nil, errors.New("no such file")
	}
	return b, nil
}

func (m *memStorage) Exists(ctx context.Context, path string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.files[path]
	return ok
}

func (m *memStorage) Delete(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, path)
	return nil
}

func (m *memStorage) GetFullPath(relativePath string) string { return "/mem/" + relativePath }

func (m *memStorage) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.files)
}

type memCache struct {
	mu     sync.Mutex
	staged map[string]*entity.Upload
	next   int
}

func newMemCache() *memCache {
	return &memCache{staged: map[string]*entity.Upload{}}
}

func (m *memCache) Stage(ctx context.Context, upload *entity.Upload) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	token := fmt.Sprintf("token-%d", m.next)
	m.staged[token] = upload
	return token, nil
}

func (m *memCache) Fetch(ctx context.Context, token string) (*entity.Upload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	up, ok := m.staged[token]
	if !ok {
		return nil, port.ErrCacheMiss
	}
	return up, nil
}

func (m *memCache) Discard(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.staged, token)
	return nil
}

func (m *memCache) Sweep(ctx context.Context, cutoff time.Time) (int, error) { return 0, nil }

type mockLogger struct{}

func (m *mockLogger) Info(msg string, keysAndValues ...interface{})  {}
func (m *mockLogger) Error(msg string, keysAndValues ...interface{}) {}

type fixture struct {
	reports     *mockReportRepo
	attachments *mockAttachmentRepo
	tx          *mockTxManager
	storage     *memStorage
	cache       *memCache
	svc         ExpenseReportService
}

func newFixture(maxUpload int64) *fixture {
	f := &fixture{
		reports:     newMockReportRepo(),
		attachments: newMockAttachmentRepo(),
		tx:          &mockTxManager{},
		storage:     newMemStorage(),
		cache:       newMemCache(),
	}
	f.svc = NewExpenseReportService(f.reports, f.attachments, f.tx, f.storage, f.cache,
		ExpenseReportServiceConfig{MaxUploadBytes: maxUpload}, &mockLogger{})
	return f
}

func validParams() entity.ExpenseReportParams {
	return entity.ExpenseReportParams{Amount: "9.99", Description: "MyText", IncurredOn: "2025-03-13"}
}

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func TestExpenseReportService_CreateWithAttachments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)

	report, err := f.svc.Create(ctx, ExpenseReportInput{
		Params: validParams(),
		Uploads: map[entity.AttachmentKind]*entity.Upload{
			entity.KindReceipt:          {FileName: "taxi receipt.png", Content: pngBytes},
			entity.KindApprovalDocument: {FileName: "approval.pdf", Content: []byte("%PDF-1.4\n")},
		},
	})
	require.NoError(t, err)
	require.NotZero(t, report.ID)
	assert.Equal(t, "9.99", report.AmountString())

	require.NotNil(t, report.Receipt)
	assert.Equal(t, "taxi receipt.png", report.Receipt.FileName)
	assert.Contains(t, report.Receipt.StorageKey, "-taxi_receipt.png")
	assert.Equal(t, "image/png", report.Receipt.ContentType)
	assert.Equal(t, int64(len(pngBytes)), report.Receipt.ByteSize)
	assert.True(t, strings.HasPrefix(report.Receipt.StorageKey, fmt.Sprintf("%d/receipt/", report.ID)))

	require.NotNil(t, report.ApprovalDocument)
	assert.Equal(t, "application/pdf", report.ApprovalDocument.ContentType)
	assert.Equal(t, 2, f.storage.count())

	got, err := f.svc.Get(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, "taxi receipt.png", got.Receipt.FileName)
	assert.Equal(t, "approval.pdf", got.ApprovalDocument.FileName)
}

func TestExpenseReportService_CreateWithoutAttachments(t *testing.T) {
	f := newFixture(0)

	report, err := f.svc.Create(context.Background(), ExpenseReportInput{Params: validParams()})
	require.NoError(t, err)
	assert.Nil(t, report.Receipt)
	assert.Nil(t, report.ApprovalDocument)
	assert.Zero(t, f.storage.count())
}

func TestExpenseReportService_CreateInvalidStagesUploads(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)

	params := validParams()
	params.Amount = "-1"
	_, err := f.svc.Create(ctx, ExpenseReportInput{
		Params: params,
		Uploads: map[entity.AttachmentKind]*entity.Upload{
			entity.KindReceipt: {FileName: "receipt.png", Content: pngBytes},
		},
	})

	var invalid *InvalidReportError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"must be greater than or equal to 0"}, invalid.Errors.On("amount"))
	assert.Nil(t, invalid.Report)

	restored, ok := invalid.Restored[entity.KindReceipt]
	require.True(t, ok)
	assert.Equal(t, "receipt.png", restored.FileName)
	assert.NotEmpty(t, restored.Token)
	assert.NotContains(t, invalid.Restored, entity.KindApprovalDocument)

	// Nothing persisted
	n, _ := f.reports.Count(ctx)
	assert.Zero(t, n)
	assert.Zero(t, f.storage.count())

	// Resubmitting with only the token attaches the staged file
	report, err := f.svc.Create(ctx, ExpenseReportInput{
		Params:      validParams(),
		CacheTokens: map[entity.AttachmentKind]string{entity.KindReceipt: restored.Token},
	})
	require.NoError(t, err)
	require.NotNil(t, report.Receipt)
	assert.Equal(t, "receipt.png", report.Receipt.FileName)

	_, err = f.cache.Fetch(ctx, restored.Token)
	assert.ErrorIs(t, err, port.ErrCacheMiss)
}

func TestExpenseReportService_InvalidKeepsExistingToken(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)

	token, err := f.cache.Stage(ctx, &entity.Upload{FileName: "r.png", Content: pngBytes})
	require.NoError(t, err)

	_, err = f.svc.Create(ctx, ExpenseReportInput{
		Params:      entity.ExpenseReportParams{},
		CacheTokens: map[entity.AttachmentKind]string{entity.KindReceipt: token},
	})
	var invalid *InvalidReportError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, RestoredUpload{Token: token, FileName: "r.png"}, invalid.Restored[entity.KindReceipt])
	assert.Len(t, f.cache.staged, 1)
}

func TestExpenseReportService_UnknownTokenIgnored(t *testing.T) {
	f := newFixture(0)

	report, err := f.svc.Create(context.Background(), ExpenseReportInput{
		Params:      validParams(),
		CacheTokens: map[entity.AttachmentKind]string{entity.KindReceipt: "expired"},
	})
	require.NoError(t, err)
	assert.Nil(t, report.Receipt)
}

func TestExpenseReportService_UploadTooLarge(t *testing.T) {
	f := newFixture(4)

	_, err := f.svc.Create(context.Background(), ExpenseReportInput{
		Params: validParams(),
		Uploads: map[entity.AttachmentKind]*entity.Upload{
			entity.KindReceipt: {FileName: "big.png", Content: pngBytes},
		},
	})
	var invalid *InvalidReportError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"is too large (maximum is 4 bytes)"}, invalid.Errors.On("receipt"))
	assert.Empty(t, invalid.Restored)
}

func TestExpenseReportService_UnreadUploadTooLarge(t *testing.T) {
	f := newFixture(0)

	// the HTTP layer reports only the declared size of files it refused to read
	_, err := f.svc.Create(context.Background(), ExpenseReportInput{
		Params: validParams(),
		Uploads: map[entity.AttachmentKind]*entity.Upload{
			entity.KindReceipt:          {FileName: "scan.pdf", DeclaredSize: 40 << 20},
			entity.KindApprovalDocument: {FileName: "approval.pdf", Content: []byte("%PDF-1.4\n")},
		},
	})
	var invalid *InvalidReportError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{fmt.Sprintf("is too large (maximum is %d bytes)", DefaultMaxUploadBytes)}, invalid.Errors.On("receipt"))

	assert.NotContains(t, invalid.Restored, entity.KindReceipt)
	require.Contains(t, invalid.Restored, entity.KindApprovalDocument)
	assert.Len(t, f.cache.staged, 1)
	assert.Zero(t, f.storage.count())
}

func TestExpenseReportService_CreateRollsBackStoredBytes(t *testing.T) {
	f := newFixture(0)
	f.attachments.createFunc = func(ctx context.Context, att *entity.Attachment) error {
		return errors.New("constraint failed")
	}

	_, err := f.svc.Create(context.Background(), ExpenseReportInput{
		Params: validParams(),
		Uploads: map[entity.AttachmentKind]*entity.Upload{
			entity.KindReceipt: {FileName: "r.png", Content: pngBytes},
		},
	})
	require.Error(t, err)
	assert.Zero(t, f.storage.count())
}

func TestExpenseReportService_UpdateReplacesAndRemoves(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)

	report, err := f.svc.Create(ctx, ExpenseReportInput{
		Params: validParams(),
		Uploads: map[entity.AttachmentKind]*entity.Upload{
			entity.KindReceipt:          {FileName: "old.png", Content: pngBytes},
			entity.KindApprovalDocument: {FileName: "approval.pdf", Content: []byte("%PDF-1.4\n")},
		},
	})
	require.NoError(t, err)
	oldKey := report.Receipt.StorageKey

	updated, err := f.svc.Update(ctx, report.ID, ExpenseReportInput{
		Params: entity.ExpenseReportParams{Amount: "12.5", Description: "Taxi", IncurredOn: "2025-04-01"},
		Uploads: map[entity.AttachmentKind]*entity.Upload{
			entity.KindReceipt: {FileName: "new.png", Content: pngBytes},
		},
		Remove: map[entity.AttachmentKind]bool{entity.KindApprovalDocument: true},
	})
	require.NoError(t, err)
	assert.Equal(t, "12.50", updated.AmountString())
	assert.Equal(t, "Taxi", updated.Description)
	require.NotNil(t, updated.Receipt)
	assert.Equal(t, "new.png", updated.Receipt.FileName)
	assert.Nil(t, updated.ApprovalDocument)

	assert.False(t, f.storage.Exists(ctx, oldKey))
	assert.Equal(t, 1, f.storage.count())

	got, err := f.svc.Get(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, "new.png", got.Receipt.FileName)
	assert.Nil(t, got.ApprovalDocument)
}

func TestExpenseReportService_UpdateKeepsUntouchedAttachment(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)

	report, err := f.svc.Create(ctx, ExpenseReportInput{
		Params: validParams(),
		Uploads: map[entity.AttachmentKind]*entity.Upload{
			entity.KindReceipt: {FileName: "keep.png", Content: pngBytes},
		},
	})
	require.NoError(t, err)

	updated, err := f.svc.Update(ctx, report.ID, ExpenseReportInput{Params: validParams()})
	require.NoError(t, err)
	require.NotNil(t, updated.Receipt)
	assert.Equal(t, "keep.png", updated.Receipt.FileName)
	assert.Equal(t, 1, f.storage.count())
}

func TestExpenseReportService_UpdateInvalidLeavesReport(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)

	report, err := f.svc.Create(ctx, ExpenseReportInput{Params: validParams()})
	require.NoError(t, err)

	_, err = f.svc.Update(ctx, report.ID, ExpenseReportInput{
		Params: entity.ExpenseReportParams{Amount: "abc", Description: "", IncurredOn: "2025-03-13"},
		Uploads: map[entity.AttachmentKind]*entity.Upload{
			entity.KindApprovalDocument: {FileName: "ok.pdf", Content: []byte("%PDF-1.4\n")},
		},
	})
	var invalid *InvalidReportError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, []string{"is not a number"}, invalid.Errors.On("amount"))
	assert.Equal(t, []string{"can't be blank"}, invalid.Errors.On("description"))
	require.NotNil(t, invalid.Report)
	assert.Equal(t, "9.99", invalid.Report.AmountString())
	assert.Equal(t, "ok.pdf", invalid.Restored[entity.KindApprovalDocument].FileName)

	got, err := f.svc.Get(ctx, report.ID)
	require.NoError(t, err)
	assert.Equal(t, "MyText", got.Description)
	assert.Nil(t, got.ApprovalDocument)
}

func TestExpenseReportService_NotFound(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)

	_, err := f.svc.Get(ctx, 42)
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = f.svc.Update(ctx, 42, ExpenseReportInput{Params: validParams()})
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, f.svc.Delete(ctx, 42), ErrNotFound)

	report, err := f.svc.Create(ctx, ExpenseReportInput{Params: validParams()})
	require.NoError(t, err)
	_, _, err = f.svc.OpenAttachment(ctx, report.ID, entity.KindReceipt)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpenseReportService_DeleteRemovesBytes(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)

	report, err := f.svc.Create(ctx, ExpenseReportInput{
		Params: validParams(),
		Uploads: map[entity.AttachmentKind]*entity.Upload{
			entity.KindReceipt: {FileName: "r.png", Content: pngBytes},
		},
	})
	require.NoError(t, err)

	att, content, err := f.svc.OpenAttachment(ctx, report.ID, entity.KindReceipt)
	require.NoError(t, err)
	assert.Equal(t, "r.png", att.FileName)
	assert.Equal(t, pngBytes, content)

	require.NoError(t, f.svc.Delete(ctx, report.ID))
	assert.Zero(t, f.storage.count())

	_, err = f.svc.Get(ctx, report.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestExpenseReportService_List(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)

	for i, desc := range []string{"first", "second", "third"} {
		input := ExpenseReportInput{Params: validParams()}
		input.Params.Description = desc
		if i == 1 {
			input.Uploads = map[entity.AttachmentKind]*entity.Upload{
				entity.KindReceipt: {FileName: "second.png", Content: pngBytes},
			}
		}
		_, err := f.svc.Create(ctx, input)
		require.NoError(t, err)
	}

	reports, total, err := f.svc.List(ctx, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	require.Len(t, reports, 2)
	assert.Equal(t, "third", reports[0].Description)
	assert.Equal(t, "second", reports[1].Description)
	require.NotNil(t, reports[1].Receipt)
	assert.Equal(t, "second.png", reports[1].Receipt.FileName)
}

func TestExportService_ExportXLSX(t *testing.T) {
	ctx := context.Background()
	f := newFixture(0)

	for _, amount := range []string{"9.99", "0.01"} {
		input := ExpenseReportInput{Params: validParams()}
		input.Params.Amount = amount
		if amount == "9.99" {
			input.Uploads = map[entity.AttachmentKind]*entity.Upload{
				entity.KindReceipt: {FileName: "r.png", Content: pngBytes},
			}
		}
		_, err := f.svc.Create(ctx, input)
		require.NoError(t, err)
	}

	var buf bytes.Buffer
	export := NewExportService(f.reports, f.attachments, &mockLogger{})
	require.NoError(t, export.ExportXLSX(ctx, &buf))

	wb, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer wb.Close()

	rows, err := wb.GetRows(exportSheet)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, exportHeaders, rows[0])
	assert.Equal(t, "MyText", rows[1][2])
	assert.Equal(t, "r.png", rows[2][4])
	assert.Equal(t, "Total", rows[3][0])

	total, err := wb.GetCellValue(exportSheet, "B4", excelize.Options{RawCellValue: true})
	require.NoError(t, err)
	assert.Equal(t, "10", total)
}
