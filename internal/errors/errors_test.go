package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestAdvisorError_Error(t *testing.T) {
	err := New(ErrCategoryDDL, CodeApplyFailed, "apply failed")
	expected := "[DDL:APPLY_FAILED] apply failed"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestAdvisorError_ErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(ErrCategoryLogs, CodeListFailed, "list failed", cause)
	expected := "[LOGS:LIST_FAILED] list failed: connection refused"
	if err.Error() != expected {
		t.Errorf("got %q, want %q", err.Error(), expected)
	}
}

func TestAdvisorError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("root cause")
	err := Wrap(ErrCategoryExtraction, CodeRecordParse, "bad sql", cause)
	if !errors.Is(err, cause) {
		t.Error("Unwrap should allow errors.Is to find the cause")
	}
}

func TestAdvisorError_Is(t *testing.T) {
	err1 := New(ErrCategoryDDL, CodeApplyFailed, "first")
	err2 := New(ErrCategoryDDL, CodeApplyFailed, "second")
	err3 := New(ErrCategoryDDL, CodeOptimizeFailed, "different code")

	if !errors.Is(err1, err2) {
		t.Error("errors with same category+code should match via Is")
	}
	if errors.Is(err1, err3) {
		t.Error("errors with different codes should not match via Is")
	}

	wrapped := fmt.Errorf("advisor: %w", err1)
	if !errors.Is(wrapped, err2) {
		t.Error("Is should see through fmt.Errorf wrapping")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		category  ErrorCategory
		code      string
		retryable bool
	}{
		{ErrCategoryLogs, CodeReadFailed, true},
		{ErrCategoryLogs, CodeListFailed, true},
		{ErrCategoryCardinality, CodeCardinalityUnavailable, true},
		{ErrCategoryExtraction, CodeRecordParse, false},
		{ErrCategoryDDL, CodeApplyFailed, false},
		{ErrCategoryDDL, CodeOptimizeFailed, false},
		{ErrCategoryDDL, CodeDDLUnsupported, false},
		{ErrCategoryValidation, CodeInvalidConfig, false},
		{ErrCategoryInternal, CodeUnexpected, false},
		// transient code under a non-transient stage
		{ErrCategoryDDL, CodeReadFailed, false},
	}

	for _, tt := range tests {
		err := New(tt.category, tt.code, "test")
		if IsRetryable(err) != tt.retryable {
			t.Errorf("%s:%s retryable=%v, want %v", tt.category, tt.code, IsRetryable(err), tt.retryable)
		}
	}

	if IsRetryable(fmt.Errorf("plain")) {
		t.Error("plain errors are not retryable")
	}
}

func TestGetCategory(t *testing.T) {
	err := NewRecordParseError("bad sql", nil)
	if GetCategory(err) != ErrCategoryExtraction {
		t.Errorf("got %q, want %q", GetCategory(err), ErrCategoryExtraction)
	}
	if GetCategory(fmt.Errorf("plain error")) != "" {
		t.Error("non-AdvisorError should return empty category")
	}
}

func TestGetCode(t *testing.T) {
	err := NewDDLError(CodeDDLUnsupported, "no partition ddl", nil)
	if GetCode(err) != CodeDDLUnsupported {
		t.Errorf("got %q, want %q", GetCode(err), CodeDDLUnsupported)
	}
	if GetCode(fmt.Errorf("plain error")) != "" {
		t.Error("non-AdvisorError should return empty code")
	}
}

func TestWithDetails(t *testing.T) {
	err := New(ErrCategoryDDL, CodeApplyFailed, "apply failed")
	detailed := err.WithDetails(map[string]interface{}{"statement": "ALTER TABLE t"})

	if detailed.Details["statement"] != "ALTER TABLE t" {
		t.Error("WithDetails should set details")
	}
	// Original should be unmodified
	if err.Details != nil {
		t.Error("WithDetails should not modify original")
	}
}

func TestConvenienceConstructors(t *testing.T) {
	cause := fmt.Errorf("io error")

	p := NewRecordParseError("syntax error", cause)
	if p.Category != ErrCategoryExtraction || p.Code != CodeRecordParse || !errors.Is(p, cause) {
		t.Error("NewRecordParseError mismatch")
	}

	c := NewCardinalityError("timeout", cause)
	if c.Category != ErrCategoryCardinality || c.Code != CodeCardinalityUnavailable {
		t.Error("NewCardinalityError mismatch")
	}

	d := NewDDLError(CodeOptimizeFailed, "optimize failed", cause)
	if d.Category != ErrCategoryDDL || d.Code != CodeOptimizeFailed {
		t.Error("NewDDLError mismatch")
	}

	l := NewLogsError(CodeReadFailed, "read failed", cause)
	if l.Category != ErrCategoryLogs || !l.Retryable {
		t.Error("NewLogsError mismatch")
	}

	v := NewValidationError(CodeInvalidConfig, "bad threshold")
	if v.Category != ErrCategoryValidation || v.Code != CodeInvalidConfig {
		t.Error("NewValidationError mismatch")
	}

	i := NewInternalError("unexpected", cause)
	if i.Category != ErrCategoryInternal || i.Code != CodeUnexpected {
		t.Error("NewInternalError mismatch")
	}
}

func TestClassification_ThroughWrapping(t *testing.T) {
	inner := NewLogsError(CodeReadFailed, "read logs/part-0.jsonl", fmt.Errorf("reset by peer"))
	err := fmt.Errorf("run page_views: %w", inner)

	if GetCategory(err) != ErrCategoryLogs || GetCode(err) != CodeReadFailed {
		t.Errorf("got %s:%s", GetCategory(err), GetCode(err))
	}
	if !IsRetryable(err) {
		t.Error("wrapped read failure should stay retryable")
	}
	if !errors.Is(err, New(ErrCategoryLogs, CodeReadFailed, "other message")) {
		t.Error("errors.Is should match on category and code")
	}
}
