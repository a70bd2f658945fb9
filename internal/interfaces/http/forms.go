package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/garyjia/expense-reports/internal/application/service"
	"github.com/garyjia/expense-reports/internal/domain/entity"
)

const formScope = "expense_report"

// formKey returns the scoped form field name, e.g. expense_report[amount]
func formKey(field string) string {
	return formScope + "[" + field + "]"
}

// expenseReportForm is the text part of the expense report form.
// Files are read separately because a blank file input arrives as an empty value.
type expenseReportForm struct {
	Amount                 string `form:"expense_report[amount]"`
	Description            string `form:"expense_report[description]"`
	IncurredOn             string `form:"expense_report[incurred_on]"`
	ReceiptCache           string `form:"expense_report[receipt_cache]"`
	ApprovalDocumentCache  string `form:"expense_report[approval_document_cache]"`
	RemoveReceipt          bool   `form:"expense_report[remove_receipt]"`
	RemoveApprovalDocument bool   `form:"expense_report[remove_approval_document]"`
}

// errRequestTooLarge marks a body cut off by the request size limit
var errRequestTooLarge = errors.New("request body too large")

// bindExpenseReportForm reads a urlencoded or multipart form into a service input.
// Files larger than maxUpload are not read; only their declared size is kept.
func bindExpenseReportForm(c *gin.Context, maxUpload int64) (service.ExpenseReportInput, error) {
	var form expenseReportForm
	if err := c.ShouldBind(&form); err != nil {
		if isTooLarge(err) {
			return service.ExpenseReportInput{}, fmt.Errorf("%w: %v", errRequestTooLarge, err)
		}
		return service.ExpenseReportInput{}, fmt.Errorf("invalid form: %w", err)
	}

	input := service.ExpenseReportInput{
		Params: entity.ExpenseReportParams{
			Amount:      form.Amount,
			Description: form.Description,
			IncurredOn:  form.IncurredOn,
		},
		Uploads: map[entity.AttachmentKind]*entity.Upload{},
		CacheTokens: map[entity.AttachmentKind]string{
			entity.KindReceipt:          strings.TrimSpace(form.ReceiptCache),
			entity.KindApprovalDocument: strings.TrimSpace(form.ApprovalDocumentCache),
		},
		Remove: map[entity.AttachmentKind]bool{
			entity.KindReceipt:          form.RemoveReceipt,
			entity.KindApprovalDocument: form.RemoveApprovalDocument,
		},
	}

	for _, kind := range entity.AttachmentKinds {
		upload, err := readUpload(c, formKey(string(kind)), maxUpload)
		if err != nil {
			return service.ExpenseReportInput{}, err
		}
		if upload != nil {
			input.Uploads[kind] = upload
		}
	}
	return input, nil
}

// readUpload returns the file posted under key, or nil when none was chosen.
// At most limit+1 bytes are read, so an oversized file still fails validation.
func readUpload(c *gin.Context, key string, limit int64) (*entity.Upload, error) {
	fh, err := c.FormFile(key)
	if errors.Is(err, http.ErrMissingFile) || errors.Is(err, http.ErrNotMultipart) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("invalid upload %s: %w", key, err)
	}
	if fh.Filename == "" {
		return nil, nil
	}
	if limit > 0 && fh.Size > limit {
		return &entity.Upload{FileName: fh.Filename, DeclaredSize: fh.Size}, nil
	}

	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open upload %s: %w", key, err)
	}
	defer f.Close()

	var r io.Reader = f
	if limit > 0 {
		r = io.LimitReader(f, limit+1)
	}
	content, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read upload %s: %w", key, err)
	}
	return &entity.Upload{FileName: fh.Filename, Content: content}, nil
}

func isTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// looseString accepts a JSON string or a bare number, so {"amount": 9.99}
// and {"amount": "9.99"} bind alike.
type looseString string

func (s *looseString) UnmarshalJSON(b []byte) error {
	raw := strings.TrimSpace(string(b))
	switch {
	case raw == "null":
		*s = ""
	case strings.HasPrefix(raw, `"`):
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = looseString(v)
	default:
		*s = looseString(raw)
	}
	return nil
}

// ExpenseReportRequest is the JSON body accepted by the API
type ExpenseReportRequest struct {
	ExpenseReport struct {
		Amount      looseString `json:"amount"`
		Description looseString `json:"description"`
		IncurredOn  looseString `json:"incurred_on"`
	} `json:"expense_report"`
}

// bindAPIInput accepts either a JSON body or the HTML form encoding
func bindAPIInput(c *gin.Context, maxUpload int64) (service.ExpenseReportInput, error) {
	if c.ContentType() != gin.MIMEJSON {
		return bindExpenseReportForm(c, maxUpload)
	}

	var req ExpenseReportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		if isTooLarge(err) {
			return service.ExpenseReportInput{}, fmt.Errorf("%w: %v", errRequestTooLarge, err)
		}
		return service.ExpenseReportInput{}, fmt.Errorf("invalid JSON body: %w", err)
	}
	return service.ExpenseReportInput{
		Params: entity.ExpenseReportParams{
			Amount:      string(req.ExpenseReport.Amount),
			Description: string(req.ExpenseReport.Description),
			IncurredOn:  string(req.ExpenseReport.IncurredOn),
		},
	}, nil
}
