package entity

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/garyjia/expense-reports/pkg/utils"
)

// MaxAmount is the largest amount a decimal(10,2) column holds
var MaxAmount = decimal.RequireFromString("99999999.99")

// fieldOrder fixes the order in which errors are reported
var fieldOrder = []string{"amount", "description", "incurred_on", string(KindReceipt), string(KindApprovalDocument)}

var messages = map[string]string{
	"required":           "can't be blank",
	"amount_number":      "is not a number",
	"amount_nonnegative": "must be greater than or equal to 0",
	"amount_max":         "must be less than or equal to " + MaxAmount.StringFixed(2),
	"amount_scale":       "must have at most 2 decimal places",
	"datetime":           "is not a valid date (YYYY-MM-DD)",
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Report fields by their wire names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	// Each amount rule passes on unparseable input; amount_number reports that case
	rules := map[string]func(decimal.Decimal) bool{
		"amount_nonnegative": func(d decimal.Decimal) bool { return !d.IsNegative() },
		"amount_max":         func(d decimal.Decimal) bool { return d.LessThanOrEqual(MaxAmount) },
		"amount_scale":       func(d decimal.Decimal) bool { return d.Equal(d.Round(2)) },
	}
	_ = v.RegisterValidation("amount_number", func(fl validator.FieldLevel) bool {
		_, err := utils.ParseAmount(fl.Field().String())
		return err == nil
	})
	for tag, rule := range rules {
		rule := rule
		_ = v.RegisterValidation(tag, func(fl validator.FieldLevel) bool {
			d, err := utils.ParseAmount(fl.Field().String())
			if err != nil {
				return true
			}
			return rule(d)
		})
	}
	return v
}

// ValidationErrors maps a field name to its error messages
type ValidationErrors map[string][]string

// ValidateParams checks submitted report fields. The result is empty when valid.
func ValidateParams(params ExpenseReportParams) ValidationErrors {
	errs := ValidationErrors{}
	err := validate.Struct(params)
	if err == nil {
		return errs
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		errs.Add("base", err.Error())
		return errs
	}
	for _, fe := range fieldErrs {
		msg, ok := messages[fe.Tag()]
		if !ok {
			msg = "is invalid"
		}
		errs.Add(fe.Field(), msg)
	}
	return errs
}

// Add appends a message for field
func (e ValidationErrors) Add(field, message string) {
	e[field] = append(e[field], message)
}

// Any reports whether there is at least one error
func (e ValidationErrors) Any() bool {
	return len(e) > 0
}

// On returns the messages for field
func (e ValidationErrors) On(field string) []string {
	return e[field]
}

// Merge copies every message from other into e
func (e ValidationErrors) Merge(other ValidationErrors) {
	for field, msgs := range other {
		for _, msg := range msgs {
			e.Add(field, msg)
		}
	}
}

// Fields returns the fields with errors, known fields first
func (e ValidationErrors) Fields() []string {
	rank := make(map[string]int, len(fieldOrder))
	for i, f := range fieldOrder {
		rank[f] = i
	}
	fields := make([]string, 0, len(e))
	for f := range e {
		fields = append(fields, f)
	}
	sort.Slice(fields, func(i, j int) bool {
		ri, iok := rank[fields[i]]
		rj, jok := rank[fields[j]]
		switch {
		case iok && jok:
			return ri < rj
		case iok != jok:
			return iok
		default:
			return fields[i] < fields[j]
		}
	})
	return fields
}

// FullMessages renders "Amount can't be blank" style sentences
func (e ValidationErrors) FullMessages() []string {
	var out []string
	for _, field := range e.Fields() {
		for _, msg := range e[field] {
			if field == "base" {
				out = append(out, msg)
				continue
			}
			out = append(out, HumanizeField(field)+" "+msg)
		}
	}
	return out
}

func (e ValidationErrors) Error() string {
	return fmt.Sprintf("validation failed: %s", strings.Join(e.FullMessages(), "; "))
}

// HumanizeField turns "incurred_on" into "Incurred on"
func HumanizeField(field string) string {
	s := strings.ReplaceAll(field, "_", " ")
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
