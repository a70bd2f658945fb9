package utils

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// DateLayout is the wire and storage format of calendar dates
const DateLayout = "2006-01-02"

var (
	controlChars  = regexp.MustCompile(`[\x00-\x1f\x7f]`)
	unsafeNameRun = regexp.MustCompile(`[^a-zA-Z0-9._\-]+`)
)

// ParseAmount parses a decimal amount such as "12.50".
// Thousands separators and surrounding whitespace are tolerated.
func ParseAmount(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	if s == "" {
		return decimal.Zero, fmt.Errorf("amount is empty")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

// ParseDate parses a YYYY-MM-DD calendar date in UTC
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("date is empty")
	}
	t, err := time.ParseInLocation(DateLayout, s, time.UTC)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date format: %w", err)
	}
	return t, nil
}

// SanitizeString removes control characters
func SanitizeString(s string) string {
	return controlChars.ReplaceAllString(s, "")
}

// DisplayFileName is the declared name of an upload as shown to users: the
// last path element, without control characters. Non-ASCII text and spaces survive.
func DisplayFileName(name string) string {
	name = strings.TrimSpace(baseName(name))
	switch name {
	case "", ".", "..", "/":
		return "file"
	}
	if r := []rune(name); len(r) > 255 {
		name = string(r[:255])
	}
	return name
}

// SanitizeFileName reduces an uploaded file's declared name to a safe base name
// for use inside storage keys. DisplayFileName keeps the readable form.
func SanitizeFileName(name string) string {
	name = baseName(name)
	name = unsafeNameRun.ReplaceAllString(name, "_")
	name = strings.Trim(name, "._")
	if name == "" {
		return "file"
	}
	if len(name) > 100 {
		ext := filepath.Ext(name)
		if len(ext) > 10 {
			ext = ""
		}
		name = name[:100-len(ext)] + ext
	}
	return name
}

// baseName drops control characters and any client-side directory, whether
// the client used slashes or backslashes.
func baseName(name string) string {
	return filepath.Base(strings.ReplaceAll(SanitizeString(name), "\\", "/"))
}
