package contracts

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Issue is a single validation finding.
type Issue struct {
	Rule    string `json:"rule"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (i Issue) String() string {
	if i.Field != "" {
		return fmt.Sprintf("%s: %s (%s)", i.Rule, i.Message, i.Field)
	}
	return fmt.Sprintf("%s: %s", i.Rule, i.Message)
}

// ValidationResult is the immutable outcome of validating one message.
// Storage is unexported; accessors hand out copies.
type ValidationResult struct {
	errors   []Issue
	warnings []Issue
}

// NewValidationResult freezes the given findings into a result.
func NewValidationResult(errs, warns []Issue) ValidationResult {
	return ValidationResult{
		errors:   append([]Issue(nil), errs...),
		warnings: append([]Issue(nil), warns...),
	}
}

// IsValid reports whether no errors were found. Warnings do not invalidate.
func (r ValidationResult) IsValid() bool {
	return len(r.errors) == 0
}

// Errors returns the ordered error list.
func (r ValidationResult) Errors() []Issue {
	return append([]Issue(nil), r.errors...)
}

// Warnings returns the ordered warning list.
func (r ValidationResult) Warnings() []Issue {
	return append([]Issue(nil), r.warnings...)
}

// HasRule reports whether any error was raised by rule.
func (r ValidationResult) HasRule(rule string) bool {
	for _, e := range r.errors {
		if e.Rule == rule {
			return true
		}
	}
	return false
}

// Reason summarises the errors for humans.
func (r ValidationResult) Reason() string {
	if r.IsValid() {
		return ""
	}
	parts := make([]string, len(r.errors))
	for i, e := range r.errors {
		parts[i] = e.String()
	}
	return strings.Join(parts, "; ")
}

// FirstRule returns the rule of the first error, or "".
func (r ValidationResult) FirstRule() string {
	if len(r.errors) == 0 {
		return ""
	}
	return r.errors[0].Rule
}

type validationResultJSON struct {
	IsValid  bool    `json:"is_valid"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}

// MarshalJSON renders the result for audit and CLI output.
func (r ValidationResult) MarshalJSON() ([]byte, error) {
	out := validationResultJSON{
		IsValid:  r.IsValid(),
		Errors:   r.Errors(),
		Warnings: r.Warnings(),
	}
	if out.Errors == nil {
		out.Errors = []Issue{}
	}
	if out.Warnings == nil {
		out.Warnings = []Issue{}
	}
	return json.Marshal(out)
}
