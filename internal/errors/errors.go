// Package errors carries the failure taxonomy of an advisor run. Each failure
// names the pipeline stage it came from and a stable code, which the HTTP and
// gRPC layers map to status codes and the run history stores verbatim.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCategory is the pipeline stage a failure belongs to.
type ErrorCategory string

const (
	ErrCategoryExtraction  ErrorCategory = "EXTRACTION"
	ErrCategoryCardinality ErrorCategory = "CARDINALITY"
	ErrCategoryDDL         ErrorCategory = "DDL"
	ErrCategoryLogs        ErrorCategory = "LOGS"
	ErrCategoryValidation  ErrorCategory = "VALIDATION"
	ErrCategoryInternal    ErrorCategory = "INTERNAL"
)

const (
	// A log record whose SQL could not be analysed; the record is skipped.
	CodeRecordParse = "RECORD_PARSE"

	// A distinct-count query failed or timed out; the column is unknown.
	CodeCardinalityUnavailable = "CARDINALITY_UNAVAILABLE"

	CodeApplyFailed    = "APPLY_FAILED"
	CodeOptimizeFailed = "OPTIMIZE_FAILED"
	CodeDDLUnsupported = "DDL_UNSUPPORTED"

	CodeListFailed = "LIST_FAILED"
	CodeReadFailed = "READ_FAILED"

	CodeInvalidConfig = "INVALID_CONFIG"
	CodeInvalidTable  = "INVALID_TABLE"

	CodeUnexpected = "UNEXPECTED"
)

// transient lists the failures a later run may not hit again. DDL failures
// are never retried; a half-applied partitioning change needs an operator.
var transient = map[ErrorCategory]map[string]bool{
	ErrCategoryLogs:        {CodeListFailed: true, CodeReadFailed: true},
	ErrCategoryCardinality: {CodeCardinalityUnavailable: true},
}

// AdvisorError is a classified failure. Details holds context such as the
// offending statement or dialect; Error does not render it.
type AdvisorError struct {
	Category  ErrorCategory
	Code      string
	Message   string
	Details   map[string]interface{}
	Cause     error
	Retryable bool
}

func (e *AdvisorError) Error() string {
	msg := fmt.Sprintf("[%s:%s] %s", e.Category, e.Code, e.Message)
	if e.Cause == nil {
		return msg
	}
	return msg + ": " + e.Cause.Error()
}

func (e *AdvisorError) Unwrap() error {
	return e.Cause
}

// Is matches any AdvisorError of the same category and code, so sentinel
// values like engine.ErrDDLUnsupported work with errors.Is.
func (e *AdvisorError) Is(target error) bool {
	var t *AdvisorError
	if !errors.As(target, &t) {
		return false
	}
	return e.Category == t.Category && e.Code == t.Code
}

// New classifies a failure that has no underlying cause.
func New(category ErrorCategory, code, message string) *AdvisorError {
	return Wrap(category, code, message, nil)
}

// Wrap classifies cause.
func Wrap(category ErrorCategory, code, message string, cause error) *AdvisorError {
	return &AdvisorError{
		Category:  category,
		Code:      code,
		Message:   message,
		Cause:     cause,
		Retryable: transient[category][code],
	}
}

// WithDetails returns a copy carrying details; e is left unchanged.
func (e *AdvisorError) WithDetails(details map[string]interface{}) *AdvisorError {
	cp := *e
	cp.Details = details
	return &cp
}

func classify(err error) *AdvisorError {
	var ae *AdvisorError
	if errors.As(err, &ae) {
		return ae
	}
	return nil
}

// IsRetryable reports whether the first AdvisorError in err's chain is transient.
func IsRetryable(err error) bool {
	if ae := classify(err); ae != nil {
		return ae.Retryable
	}
	return false
}

// GetCategory returns the stage of the first AdvisorError in err's chain,
// or "" for unclassified errors.
func GetCategory(err error) ErrorCategory {
	if ae := classify(err); ae != nil {
		return ae.Category
	}
	return ""
}

// GetCode returns the code of the first AdvisorError in err's chain, or "".
func GetCode(err error) string {
	if ae := classify(err); ae != nil {
		return ae.Code
	}
	return ""
}

// NewRecordParseError marks a single log record whose SQL could not be analysed.
func NewRecordParseError(message string, cause error) *AdvisorError {
	return Wrap(ErrCategoryExtraction, CodeRecordParse, message, cause)
}

func NewCardinalityError(message string, cause error) *AdvisorError {
	return Wrap(ErrCategoryCardinality, CodeCardinalityUnavailable, message, cause)
}

func NewDDLError(code, message string, cause error) *AdvisorError {
	return Wrap(ErrCategoryDDL, code, message, cause)
}

func NewLogsError(code, message string, cause error) *AdvisorError {
	return Wrap(ErrCategoryLogs, code, message, cause)
}

func NewValidationError(code, message string) *AdvisorError {
	return New(ErrCategoryValidation, code, message)
}

func NewInternalError(message string, cause error) *AdvisorError {
	return Wrap(ErrCategoryInternal, CodeUnexpected, message, cause)
}
