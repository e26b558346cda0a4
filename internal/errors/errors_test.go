package errors

import (
	"fmt"
	"net/http"
	"testing"
	"time"
)

func TestNewAppError(t *testing.T) {
	err := NewAppError(ErrCodeInvalidInput, "Test error", nil)

	if err.Code != ErrCodeInvalidInput {
		t.Errorf("Expected code %s, got %s", ErrCodeInvalidInput, err.Code)
	}

	if err.Message != "Test error" {
		t.Errorf("Expected message 'Test error', got %s", err.Message)
	}

	if err.Severity != SeverityLow {
		t.Errorf("Expected severity %s, got %s", SeverityLow, err.Severity)
	}
}

func TestAppErrorHTTPStatus(t *testing.T) {
	tests := []struct {
		code           ErrorCode
		expectedStatus int
	}{
		{ErrCodeNotFound, http.StatusNotFound},
		{ErrCodeUnauthorized, http.StatusUnauthorized},
		{ErrCodeForbidden, http.StatusForbidden},
		{ErrCodeInvalidInput, http.StatusBadRequest},
		{ErrCodeDBInvalidFormat, http.StatusBadRequest},
		{ErrCodeDBUnique, http.StatusConflict},
		{ErrCodeDBConstraint, http.StatusUnprocessableEntity},
		{ErrCodeDBForeignKey, http.StatusUnprocessableEntity},
		{ErrCodePriceDeviation, http.StatusUnprocessableEntity},
		{ErrCodeDBConnection, http.StatusServiceUnavailable},
		{ErrCodeInternal, http.StatusInternalServerError},
		{ErrCodeRateLimit, http.StatusTooManyRequests},
	}

	for _, test := range tests {
		err := NewAppError(test.code, "Test", nil)
		status := err.HTTPStatus()

		if status != test.expectedStatus {
			t.Errorf("Code %s: expected status %d, got %d", test.code, test.expectedStatus, status)
		}
	}
}

func TestAppErrorWithContext(t *testing.T) {
	err := NewAppError(ErrCodeInternal, "Test error", nil)
	err = err.WithContext("index_id", "123")
	err = err.WithRequestID("req_456")

	if err.Context["index_id"] != "123" {
		t.Errorf("Expected context index_id '123', got %v", err.Context["index_id"])
	}

	if err.RequestID != "req_456" {
		t.Errorf("Expected request ID 'req_456', got %s", err.RequestID)
	}
}

func TestAppErrorIsRetryable(t *testing.T) {
	retryableErr := NewAppError(ErrCodeDBConnection, "Connection refused", nil)
	nonRetryableErr := NewAppError(ErrCodeDBConstraint, "Check violated", nil)

	if !retryableErr.IsRetryable() {
		t.Error("Connection error should be retryable")
	}

	if nonRetryableErr.IsRetryable() {
		t.Error("Constraint error should not be retryable")
	}
}

func TestWrapError(t *testing.T) {
	originalErr := fmt.Errorf("original error")
	wrappedErr := WrapError(originalErr, ErrCodeDBQuery, "Database error")

	if wrappedErr.Code != ErrCodeDBQuery {
		t.Errorf("Expected code %s, got %s", ErrCodeDBQuery, wrappedErr.Code)
	}

	if wrappedErr.Cause != originalErr {
		t.Error("Wrapped error should preserve original error")
	}

	appErr := NewAppError(ErrCodeDBForeignKey, "Missing snapshot", nil)
	if WrapError(fmt.Errorf("insert: %w", appErr), ErrCodeDBQuery, "ignored") != appErr {
		t.Error("WrapError should return an AppError found in the chain")
	}

	if WrapError(nil, ErrCodeDBQuery, "nil") != nil {
		t.Error("WrapError(nil) should be nil")
	}
}

func TestErrorResponse(t *testing.T) {
	err := NewAppError(ErrCodeNotFound, "Resource not found", nil)
	response := NewErrorResponse(err, "/api/v1/index/abc")

	if response.Error != err {
		t.Error("Response should contain the error")
	}

	if response.Success {
		t.Error("Response success should be false")
	}

	if response.Path != "/api/v1/index/abc" {
		t.Errorf("Expected path '/api/v1/index/abc', got %s", response.Path)
	}

	if time.Since(response.Timestamp) > time.Second {
		t.Error("Response timestamp should be recent")
	}
}

func TestGetSeverityByCode(t *testing.T) {
	tests := []struct {
		code             ErrorCode
		expectedSeverity ErrorSeverity
	}{
		{ErrCodeInternal, SeverityCritical},
		{ErrCodeDBConnection, SeverityCritical},
		{ErrCodeInvariantViolation, SeverityHigh},
		{ErrCodeDBConstraint, SeverityMedium},
		{ErrCodeInvalidInput, SeverityLow},
	}

	for _, test := range tests {
		severity := getSeverityByCode(test.code)
		if severity != test.expectedSeverity {
			t.Errorf("Code %s: expected severity %s, got %s", test.code, test.expectedSeverity, severity)
		}
	}
}

func TestIsAppError(t *testing.T) {
	appErr := NewAppError(ErrCodeInternal, "Test", nil)
	standardErr := fmt.Errorf("standard error")

	if !IsAppError(appErr) {
		t.Error("Should recognize AppError")
	}

	if !IsAppError(fmt.Errorf("wrapped: %w", appErr)) {
		t.Error("Should recognize a wrapped AppError")
	}

	if IsAppError(standardErr) {
		t.Error("Should not recognize standard error as AppError")
	}
}

func TestHasCode(t *testing.T) {
	err := fmt.Errorf("insert provider: %w", NewAppError(ErrCodeDBConstraint, "check", nil))

	if !HasCode(err, ErrCodeDBConstraint) {
		t.Error("Expected DB_CONSTRAINT_ERROR in chain")
	}
	if HasCode(err, ErrCodeDBForeignKey) {
		t.Error("Did not expect DB_FOREIGN_KEY_ERROR")
	}
	if CodeOf(fmt.Errorf("plain")) != ErrCodeInternal {
		t.Error("Foreign errors should map to INTERNAL_ERROR")
	}
}
