package entity

import "time"

// AttachmentKind names one of the file slots on an expense report
type AttachmentKind string

// Attachment kinds. At most one attachment of each kind per report.
const (
	KindReceipt          AttachmentKind = "receipt"
	KindApprovalDocument AttachmentKind = "approval_document"
)

// AttachmentKinds lists every slot in display order
var AttachmentKinds = []AttachmentKind{KindReceipt, KindApprovalDocument}

// ParseAttachmentKind maps a URL or form token to a kind
func ParseAttachmentKind(s string) (AttachmentKind, bool) {
	for _, k := range AttachmentKinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Title is the human label of the slot ("Receipt", "Approval document")
func (k AttachmentKind) Title() string {
	switch k {
	case KindReceipt:
		return "Receipt"
	case KindApprovalDocument:
		return "Approval document"
	default:
		return string(k)
	}
}

// Attachment is the metadata of a stored file. The bytes live in file storage
// under StorageKey.
type Attachment struct {
	ID              int64          `json:"id"`
	ExpenseReportID int64          `json:"expense_report_id"`
	Kind            AttachmentKind `json:"kind"`
	FileName        string         `json:"file_name"`
	ContentType     string         `json:"content_type"`
	ByteSize        int64          `json:"byte_size"`
	StorageKey      string         `json:"-"`
	CreatedAt       time.Time      `json:"created_at"`
}

// Upload is a file as received from a client: its declared name and its bytes.
// DeclaredSize is set instead of Content when the file was too large to read.
type Upload struct {
	FileName     string
	Content      []byte
	DeclaredSize int64
}

// Size returns the number of bytes in the upload
func (u *Upload) Size() int64 {
	if n := int64(len(u.Content)); n > u.DeclaredSize {
		return n
	}
	return u.DeclaredSize
}
