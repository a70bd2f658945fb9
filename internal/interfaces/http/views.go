package http

import (
	"fmt"
	"html/template"
	"strings"

	"github.com/garyjia/expense-reports/internal/application/service"
	"github.com/garyjia/expense-reports/internal/domain/entity"
	"github.com/garyjia/expense-reports/internal/domain/filepicker"
)

// layout carries what every page needs
type layout struct {
	Title  string
	Notice string
}

type attachmentView struct {
	FileName    string
	ContentType string
	Size        string
	URL         string
}

type reportView struct {
	ID               int64
	Path             string
	Amount           string
	Description      string
	IncurredOn       string
	Receipt          *attachmentView
	ApprovalDocument *attachmentView
}

type indexPage struct {
	layout
	Reports  []reportView
	Total    int
	Page     int
	PrevPage int
	NextPage int
}

type showPage struct {
	layout
	Report reportView
}

type errorPage struct {
	layout
	Message string
}

// pickerView is one file field rendered with the file-upload widget markup
type pickerView struct {
	Kind        string
	Title       string
	InputID     string
	InputName   string
	CacheName   string
	CacheToken  string
	RemoveName  string
	DefaultText string
	Restored    string
	Label       string
	Current     *attachmentView
	Errors      []string
}

type formPage struct {
	layout
	Action       string
	Method       string
	Submit       string
	BackPath     string
	ShowPath     string
	Values       entity.ExpenseReportParams
	HasErrors    bool
	FullMessages []string
	FieldErrors  map[string]string
	Pickers      []pickerView
}

func templateFuncs() template.FuncMap {
	return template.FuncMap{
		"pluralize": func(n int, singular, plural string) string {
			if n == 1 {
				return fmt.Sprintf("%d %s", n, singular)
			}
			return fmt.Sprintf("%d %s", n, plural)
		},
	}
}

func reportPath(id int64) string {
	return fmt.Sprintf("/expense_reports/%d", id)
}

func attachmentPath(id int64, kind entity.AttachmentKind) string {
	return fmt.Sprintf("/expense_reports/%d/attachments/%s", id, kind)
}

func newAttachmentView(att *entity.Attachment) *attachmentView {
	if att == nil {
		return nil
	}
	return &attachmentView{
		FileName:    att.FileName,
		ContentType: att.ContentType,
		Size:        humanSize(att.ByteSize),
		URL:         attachmentPath(att.ExpenseReportID, att.Kind),
	}
}

func newReportView(r *entity.ExpenseReport) reportView {
	return reportView{
		ID:               r.ID,
		Path:             reportPath(r.ID),
		Amount:           r.AmountString(),
		Description:      r.Description,
		IncurredOn:       r.IncurredOnString(),
		Receipt:          newAttachmentView(r.Receipt),
		ApprovalDocument: newAttachmentView(r.ApprovalDocument),
	}
}

// newFormPage builds the new/edit form. report is nil on the new page; errs and
// restored are set when re-rendering a failed submission.
func newFormPage(
	report *entity.ExpenseReport,
	values entity.ExpenseReportParams,
	errs entity.ValidationErrors,
	restored map[entity.AttachmentKind]service.RestoredUpload,
	defaultText string,
) formPage {
	page := formPage{
		layout:       layout{Title: "New expense report"},
		Action:       "/expense_reports",
		Submit:       "Create Expense report",
		BackPath:     "/expense_reports",
		Values:       values,
		HasErrors:    errs.Any(),
		FullMessages: errs.FullMessages(),
		FieldErrors:  map[string]string{},
	}
	if report != nil && report.ID != 0 {
		page.Title = "Editing expense report"
		page.Action = reportPath(report.ID)
		page.Method = "patch"
		page.Submit = "Update Expense report"
		page.ShowPath = reportPath(report.ID)
	}
	for _, field := range errs.Fields() {
		page.FieldErrors[field] = strings.Join(errs.On(field), ", ")
	}

	for _, kind := range entity.AttachmentKinds {
		p := pickerView{
			Kind:        string(kind),
			Title:       kind.Title(),
			InputID:     formScope + "_" + string(kind),
			InputName:   formKey(string(kind)),
			CacheName:   formKey(string(kind) + "_cache"),
			RemoveName:  formKey("remove_" + string(kind)),
			DefaultText: defaultText,
			Errors:      errs.On(string(kind)),
		}
		if report != nil {
			p.Current = newAttachmentView(report.Attachment(kind))
		}
		if r, ok := restored[kind]; ok {
			p.CacheToken = r.Token
			p.Restored = r.FileName
		} else if p.Current != nil {
			p.Restored = p.Current.FileName
		}
		p.Label = filepicker.LabelFor(p.Restored, defaultText)
		page.Pickers = append(page.Pickers, p)
	}
	return page
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d Bytes", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(n)/float64(div), "KMGTPE"[exp])
}
