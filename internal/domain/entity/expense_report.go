package entity

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/garyjia/expense-reports/pkg/utils"
)

// ExpenseReport is a single reimbursable expense with up to two attached files
type ExpenseReport struct {
	ID               int64           `json:"id"`
	Amount           decimal.Decimal `json:"amount"`
	Description      string          `json:"description"`
	IncurredOn       time.Time       `json:"-"`
	Receipt          *Attachment     `json:"receipt,omitempty"`
	ApprovalDocument *Attachment     `json:"approval_document,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ExpenseReportParams are the user-editable fields exactly as submitted
type ExpenseReportParams struct {
	Amount      string `json:"amount" validate:"required,amount_number,amount_nonnegative,amount_max,amount_scale"`
	Description string `json:"description" validate:"required"`
	IncurredOn  string `json:"incurred_on" validate:"required,datetime=2006-01-02"`
}

// Normalize trims surrounding whitespace and strips control characters
func (p ExpenseReportParams) Normalize() ExpenseReportParams {
	return ExpenseReportParams{
		Amount:      strings.TrimSpace(p.Amount),
		Description: strings.TrimSpace(utils.SanitizeString(p.Description)),
		IncurredOn:  strings.TrimSpace(p.IncurredOn),
	}
}

// NewExpenseReport validates params and builds an unsaved report
func NewExpenseReport(params ExpenseReportParams) (*ExpenseReport, error) {
	report := &ExpenseReport{}
	if err := report.Apply(params); err != nil {
		return nil, err
	}
	return report, nil
}

// Apply validates params and, only if they are valid, assigns them to the report.
// Invalid params leave the report untouched and return ValidationErrors.
func (r *ExpenseReport) Apply(params ExpenseReportParams) error {
	params = params.Normalize()
	if errs := ValidateParams(params); errs.Any() {
		return errs
	}

	// Both parses are guaranteed by the validation above
	amount, _ := utils.ParseAmount(params.Amount)
	incurredOn, _ := utils.ParseDate(params.IncurredOn)

	r.Amount = amount.Round(2)
	r.Description = params.Description
	r.IncurredOn = incurredOn
	return nil
}

// Params returns the report's current values in form representation
func (r *ExpenseReport) Params() ExpenseReportParams {
	if r == nil {
		return ExpenseReportParams{}
	}
	return ExpenseReportParams{
		Amount:      r.AmountString(),
		Description: r.Description,
		IncurredOn:  r.IncurredOnString(),
	}
}

// AmountString formats the amount with exactly two decimals
func (r *ExpenseReport) AmountString() string {
	return r.Amount.StringFixed(2)
}

// IncurredOnString formats the incurred date as YYYY-MM-DD
func (r *ExpenseReport) IncurredOnString() string {
	if r.IncurredOn.IsZero() {
		return ""
	}
	return r.IncurredOn.Format(utils.DateLayout)
}

// Attachment returns the attachment in the given slot, or nil
func (r *ExpenseReport) Attachment(kind AttachmentKind) *Attachment {
	switch kind {
	case KindReceipt:
		return r.Receipt
	case KindApprovalDocument:
		return r.ApprovalDocument
	}
	return nil
}

// SetAttachment fills (or clears, with nil) the given slot
func (r *ExpenseReport) SetAttachment(kind AttachmentKind, att *Attachment) {
	switch kind {
	case KindReceipt:
		r.Receipt = att
	case KindApprovalDocument:
		r.ApprovalDocument = att
	}
}

// Attachments returns the non-empty slots in display order
func (r *ExpenseReport) Attachments() []*Attachment {
	var out []*Attachment
	for _, kind := range AttachmentKinds {
		if att := r.Attachment(kind); att != nil {
			out = append(out, att)
		}
	}
	return out
}
