package schema

import (
	"fmt"
	"strings"
)

// ValidationSeverity tells whether an issue blocks a flow from running.
type ValidationSeverity string

const (
	SeverityError   ValidationSeverity = "error"
	SeverityWarning ValidationSeverity = "warning"
)

// maxIssuesInMessage bounds how many errors ToError spells out.
const maxIssuesInMessage = 3

// ValidationIssue is one problem found in a flow or trigger. Path points
// into the definition, e.g. sequences[0].steps[1].node.content.
type ValidationIssue struct {
	Path     string             `json:"path"`
	Code     string             `json:"code"`
	Message  string             `json:"message"`
	Severity ValidationSeverity `json:"severity"`
}

func (i ValidationIssue) String() string {
	if i.Path == "" || i.Path == "/" {
		return i.Message
	}
	return i.Path + ": " + i.Message
}

// ValidationResult collects the issues found in a flow or trigger. Only
// errors make it invalid.
type ValidationResult struct {
	Errors   []ValidationIssue `json:"errors,omitempty"`
	Warnings []ValidationIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, ValidationIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// HasCode reports whether any error carries code.
func (r *ValidationResult) HasCode(code string) bool {
	for _, i := range r.Errors {
		if i.Code == code {
			return true
		}
	}
	return false
}

// Merge appends the issues of other. A nil other is ignored.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// ToError returns nil for a valid result, otherwise a VALIDATION_ERROR
// naming the first few errors and carrying every issue in its details.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	shown := r.Errors
	if len(shown) > maxIssuesInMessage {
		shown = shown[:maxIssuesInMessage]
	}
	parts := make([]string, len(shown))
	for i, issue := range shown {
		parts[i] = issue.String()
	}
	msg := strings.Join(parts, "; ")
	if extra := len(r.Errors) - len(shown); extra > 0 {
		msg += fmt.Sprintf(" (and %d more)", extra)
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"errorCount":   len(r.Errors),
			"warningCount": len(r.Warnings),
			"errors":       r.Errors,
			"warnings":     r.Warnings,
		})
}
