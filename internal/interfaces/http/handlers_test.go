package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/garyjia/expense-reports/internal/application/service"
	"github.com/garyjia/expense-reports/internal/infrastructure/persistence/repository"
	"github.com/garyjia/expense-reports/internal/infrastructure/persistence/sqlite"
	"github.com/garyjia/expense-reports/internal/infrastructure/storage"
	"github.com/garyjia/expense-reports/migrations"
	"github.com/garyjia/expense-reports/pkg/database"
	"github.com/garyjia/expense-reports/pkg/utils"
)

var pngBytes = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

var receiptCachePattern = regexp.MustCompile(`name="expense_report\[receipt_cache\]" value="([0-9a-f-]{36})"`)

type testFile struct {
	field   string
	name    string
	content []byte
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	return newTestServerWithUploadLimit(t, service.DefaultMaxUploadBytes)
}

func newTestServerWithUploadLimit(t *testing.T, maxUpload int64) *Server {
	t.Helper()
	logger := zap.NewNop()
	dir := t.TempDir()

	db, err := database.New(database.Config{Path: filepath.Join(dir, "test.db"), MaxOpenConns: 1}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	_, err = database.NewMigrator(db, logger).RunMigrations(migrations.FS)
	require.NoError(t, err)

	reports := repository.NewExpenseReportRepository(db.DB, logger)
	attachments := repository.NewAttachmentRepository(db.DB, logger)
	kv := utils.NewKVLogger(logger)

	svc := service.NewExpenseReportService(
		reports,
		attachments,
		sqlite.NewTxManager(db.DB, logger),
		storage.NewLocalFileStorage(filepath.Join(dir, "attachments"), logger),
		storage.NewLocalUploadCache(filepath.Join(dir, "cache"), logger),
		service.ExpenseReportServiceConfig{MaxUploadBytes: maxUpload},
		kv,
	)

	cfg := DefaultServerConfig()
	cfg.Mode = gin.TestMode
	cfg.MaxUploadBytes = maxUpload
	srv, err := NewServer(cfg, svc, service.NewExportService(reports, attachments, kv), kv)
	require.NoError(t, err)
	return srv
}

func multipartForm(t *testing.T, fields map[string]string, files ...testFile) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	for _, f := range files {
		part, err := w.CreateFormFile(f.field, f.name)
		require.NoError(t, err)
		_, err = part.Write(f.content)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return &buf, w.FormDataContentType()
}

func validFields() map[string]string {
	return map[string]string{
		"expense_report[amount]":      "9.99",
		"expense_report[description]": "MyText",
		"expense_report[incurred_on]": "2025-03-13",
	}
}

func do(srv *Server, req *http.Request, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	for _, c := range cookies {
		req.AddCookie(c)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func postForm(t *testing.T, srv *Server, path string, fields map[string]string, files ...testFile) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := multipartForm(t, fields, files...)
	req := httptest.NewRequest(http.MethodPost, path, body)
	req.Header.Set("Content-Type", contentType)
	return do(srv, req)
}

func get(srv *Server, path string, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	return do(srv, httptest.NewRequest(http.MethodGet, path, nil), cookies...)
}

func createReport(t *testing.T, srv *Server, files ...testFile) string {
	t.Helper()
	w := postForm(t, srv, "/expense_reports", validFields(), files...)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	return w.Header().Get("Location")
}

func TestNewForm(t *testing.T) {
	srv := newTestServer(t)

	w := get(srv, "/expense_reports/new")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, `<form action="/expense_reports" method="post"`)
	assert.Contains(t, body, `name="expense_report[amount]"`)
	assert.Contains(t, body, `<textarea name="expense_report[description]"`)
	assert.Contains(t, body, `name="expense_report[receipt]"`)
	assert.Contains(t, body, `name="expense_report[approval_document]"`)
	assert.Contains(t, body, `data-controller="file-upload"`)
	assert.Contains(t, body, `data-file-upload-target="label">No file chosen</span>`)
	assert.NotContains(t, body, `name="_method"`)
}

func TestCreateRedirectsToShowWithNotice(t *testing.T) {
	srv := newTestServer(t)

	w := postForm(t, srv, "/expense_reports", validFields(),
		testFile{field: "expense_report[receipt]", name: "receipt.png", content: pngBytes})
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	location := w.Header().Get("Location")
	assert.Equal(t, "/expense_reports/1", location)

	show := get(srv, location, w.Result().Cookies()...)
	require.Equal(t, http.StatusOK, show.Code)
	body := show.Body.String()
	assert.Contains(t, body, "Expense report was successfully created.")
	assert.Contains(t, body, "9.99")
	assert.Contains(t, body, "MyText")
	assert.Contains(t, body, "2025-03-13")
	assert.Contains(t, body, `href="/expense_reports/1/attachments/receipt">receipt.png</a>`)

	// Notice is shown once
	again := get(srv, location)
	assert.NotContains(t, again.Body.String(), "successfully created")
}

func TestCreateInvalidRestoresChosenFile(t *testing.T) {
	srv := newTestServer(t)

	fields := validFields()
	fields["expense_report[amount]"] = "-5"
	w := postForm(t, srv, "/expense_reports", fields,
		testFile{field: "expense_report[receipt]", name: "receipt.png", content: pngBytes})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, "Amount must be greater than or equal to 0")
	assert.Contains(t, body, `data-file-upload-restored-value="receipt.png"`)
	assert.Contains(t, body, `data-file-upload-target="label">receipt.png</span>`)
	assert.Contains(t, body, ">MyText</textarea>")

	m := receiptCachePattern.FindStringSubmatch(body)
	require.Len(t, m, 2, "cache token not rendered")

	// Resubmit without choosing the file again
	fields = validFields()
	fields["expense_report[receipt_cache]"] = m[1]
	w = postForm(t, srv, "/expense_reports", fields)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())

	show := get(srv, w.Header().Get("Location"))
	assert.Contains(t, show.Body.String(), ">receipt.png</a>")
}

func TestCreateBlankFieldsListsEveryError(t *testing.T) {
	srv := newTestServer(t)

	w := postForm(t, srv, "/expense_reports", map[string]string{})
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, "3 errors prohibited this expense report from being saved:")
	assert.Contains(t, body, "Amount can&#39;t be blank")
	assert.Contains(t, body, "Description can&#39;t be blank")
	assert.Contains(t, body, "Incurred on can&#39;t be blank")
	assert.Contains(t, body, `data-file-upload-target="label">No file chosen</span>`)
}

func TestIndexListsReports(t *testing.T) {
	srv := newTestServer(t)
	createReport(t, srv)
	createReport(t, srv)

	w := get(srv, "/expense_reports")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Equal(t, 2, strings.Count(body, "9.99"))
	assert.Equal(t, 2, strings.Count(body, "MyText"))
	assert.Contains(t, body, `id="expense_report_2"`)
	assert.Less(t, strings.Index(body, `id="expense_report_2"`), strings.Index(body, `id="expense_report_1"`))
}

func TestEditFormShowsExistingAttachment(t *testing.T) {
	srv := newTestServer(t)
	location := createReport(t, srv, testFile{field: "expense_report[receipt]", name: "receipt.png", content: pngBytes})

	w := get(srv, location+"/edit")
	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, `<form action="`+location+`" method="post"`)
	assert.Contains(t, body, `name="_method" value="patch"`)
	assert.Contains(t, body, `data-file-upload-restored-value="receipt.png"`)
	assert.Contains(t, body, `name="expense_report[remove_receipt]"`)
	assert.NotContains(t, body, `name="expense_report[remove_approval_document]"`)
}

func TestUpdateViaMethodOverride(t *testing.T) {
	srv := newTestServer(t)
	location := createReport(t, srv, testFile{field: "expense_report[receipt]", name: "receipt.png", content: pngBytes})

	fields := map[string]string{
		"_method":                        "patch",
		"expense_report[amount]":         "12.5",
		"expense_report[description]":    "Taxi",
		"expense_report[incurred_on]":    "2025-04-01",
		"expense_report[remove_receipt]": "1",
	}
	w := postForm(t, srv, location, fields)
	require.Equal(t, http.StatusFound, w.Code, w.Body.String())
	assert.Equal(t, location, w.Header().Get("Location"))

	show := get(srv, location, w.Result().Cookies()...)
	body := show.Body.String()
	assert.Contains(t, body, "Expense report was successfully updated.")
	assert.Contains(t, body, "12.50")
	assert.Contains(t, body, "Taxi")
	assert.NotContains(t, body, "receipt.png")

	assert.Equal(t, http.StatusNotFound, get(srv, location+"/attachments/receipt").Code)
}

func TestUpdateInvalidRendersEdit(t *testing.T) {
	srv := newTestServer(t)
	location := createReport(t, srv)

	body, contentType := multipartForm(t, map[string]string{
		"expense_report[amount]":      "1.234",
		"expense_report[description]": "MyText",
		"expense_report[incurred_on]": "2025-03-13",
	}, testFile{field: "expense_report[approval_document]", name: "approval.pdf", content: []byte("%PDF-1.4\n")})
	req := httptest.NewRequest(http.MethodPatch, location, body)
	req.Header.Set("Content-Type", contentType)

	w := do(srv, req)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, w.Body.String(), "Amount must have at most 2 decimal places")
	assert.Contains(t, w.Body.String(), `data-file-upload-restored-value="approval.pdf"`)
	assert.Contains(t, w.Body.String(), `name="_method" value="patch"`)
}

func TestDestroyRedirectsSeeOther(t *testing.T) {
	srv := newTestServer(t)
	location := createReport(t, srv, testFile{field: "expense_report[receipt]", name: "receipt.png", content: pngBytes})

	form := url.Values{"_method": {"delete"}}
	req := httptest.NewRequest(http.MethodPost, location, strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w := do(srv, req)

	require.Equal(t, http.StatusSeeOther, w.Code)
	assert.Equal(t, "/expense_reports", w.Header().Get("Location"))

	index := get(srv, "/expense_reports", w.Result().Cookies()...)
	assert.Contains(t, index.Body.String(), "Expense report was successfully destroyed.")

	assert.Equal(t, http.StatusNotFound, get(srv, location).Code)
	assert.Equal(t, http.StatusNotFound, do(srv, httptest.NewRequest(http.MethodDelete, location, nil)).Code)
}

func TestShowMissingIsNotFound(t *testing.T) {
	srv := newTestServer(t)
	assert.Equal(t, http.StatusNotFound, get(srv, "/expense_reports/999").Code)
	assert.Equal(t, http.StatusNotFound, get(srv, "/expense_reports/abc").Code)
	assert.Equal(t, http.StatusNotFound, get(srv, "/expense_reports/999/edit").Code)
}

func TestDownloadAttachment(t *testing.T) {
	srv := newTestServer(t)
	location := createReport(t, srv, testFile{field: "expense_report[receipt]", name: "receipt.png", content: pngBytes})

	w := get(srv, location+"/attachments/receipt")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/png", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), `filename=receipt.png`)
	assert.Equal(t, pngBytes, w.Body.Bytes())

	assert.Equal(t, http.StatusNotFound, get(srv, location+"/attachments/approval_document").Code)
	assert.Equal(t, http.StatusNotFound, get(srv, location+"/attachments/passport").Code)
}

func TestAttachmentKeepsDeclaredFileName(t *testing.T) {
	srv := newTestServer(t)
	location := createReport(t, srv,
		testFile{field: "expense_report[receipt]", name: "收据.pdf", content: []byte("%PDF-1.4\n")},
		testFile{field: "expense_report[approval_document]", name: "my receipt.pdf", content: []byte("%PDF-1.4\n")},
	)

	show := get(srv, location).Body.String()
	assert.Contains(t, show, `/attachments/receipt">收据.pdf</a>`)
	assert.Contains(t, show, `/attachments/approval_document">my receipt.pdf</a>`)

	edit := get(srv, location+"/edit").Body.String()
	assert.Contains(t, edit, "收据.pdf")
	assert.Contains(t, edit, "my receipt.pdf")

	w := get(srv, location+"/attachments/receipt")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `inline; filename*=utf-8''%E6%94%B6%E6%8D%AE.pdf`, w.Header().Get("Content-Disposition"))

	w = get(srv, location+"/attachments/approval_document")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `inline; filename="my receipt.pdf"`, w.Header().Get("Content-Disposition"))
}

func TestCreateRejectsOversizedUploadWithoutStaging(t *testing.T) {
	srv := newTestServerWithUploadLimit(t, 1024)

	w := postForm(t, srv, "/expense_reports", validFields(),
		testFile{field: "expense_report[receipt]", name: "big.png", content: bytes.Repeat([]byte{'x'}, 4096)},
		testFile{field: "expense_report[approval_document]", name: "approval.pdf", content: []byte("%PDF-1.4\n")},
	)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	body := w.Body.String()

	assert.Contains(t, body, "is too large (maximum is 1024 bytes)")
	assert.NotContains(t, body, `data-file-upload-restored-value="big.png"`)
	assert.Contains(t, body, `data-file-upload-restored-value="approval.pdf"`)
	assert.Nil(t, receiptCachePattern.FindStringSubmatch(body))
}

func TestOversizedRequestBody(t *testing.T) {
	srv := newTestServerWithUploadLimit(t, 1024)
	huge := bytes.Repeat([]byte{'x'}, 2<<20)

	w := postForm(t, srv, "/expense_reports", validFields(),
		testFile{field: "expense_report[receipt]", name: "huge.png", content: huge})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	w = postForm(t, srv, "/api/expense_reports", validFields(),
		testFile{field: "expense_report[receipt]", name: "huge.png", content: huge})
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)

	assert.NotContains(t, get(srv, "/expense_reports").Body.String(), "MyText")
}

func TestExportSpreadsheet(t *testing.T) {
	srv := newTestServer(t)
	createReport(t, srv)

	w := get(srv, "/expense_reports.xlsx")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, xlsxContentType, w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Content-Disposition"), "attachment")
	// xlsx files are zip archives
	assert.True(t, bytes.HasPrefix(w.Body.Bytes(), []byte("PK")))
}

func TestHealth(t *testing.T) {
	w := get(newTestServer(t), "/health")
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
}

func TestHealth_Unhealthy(t *testing.T) {
	srv := newTestServer(t)
	srv.SetHealthCheck(func() error { return errors.New("database: ping failed") })

	w := get(srv, "/health")
	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "database: ping failed", resp.Error)
}

func TestAPILifecycle(t *testing.T) {
	srv := newTestServer(t)

	create := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/api/expense_reports", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return do(srv, req)
	}

	w := create(`{"expense_report":{"amount":9.99,"description":"MyText","incurred_on":"2025-03-13"}}`)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "/api/expense_reports/1", w.Header().Get("Location"))

	var created ExpenseReportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, "9.99", created.Amount)
	assert.Equal(t, "2025-03-13", created.IncurredOn)
	assert.Nil(t, created.Receipt)

	w = create(`{"expense_report":{"amount":"","description":"MyText"}}`)
	require.Equal(t, http.StatusUnprocessableEntity, w.Code)
	var errs map[string][]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &errs))
	assert.Equal(t, []string{"can't be blank"}, errs["amount"])
	assert.Equal(t, []string{"can't be blank"}, errs["incurred_on"])
	assert.NotContains(t, errs, "description")

	req := httptest.NewRequest(http.MethodPatch, "/api/expense_reports/1",
		strings.NewReader(`{"expense_report":{"amount":"20","description":"Hotel","incurred_on":"2025-03-14"}}`))
	req.Header.Set("Content-Type", "application/json")
	w = do(srv, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated ExpenseReportResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &updated))
	assert.Equal(t, "20.00", updated.Amount)

	w = get(srv, "/api/expense_reports")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1", w.Header().Get("X-Total-Count"))

	w = do(srv, httptest.NewRequest(http.MethodDelete, "/api/expense_reports/1", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = get(srv, "/api/expense_reports/1")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
