// Package errors provides standardized error handling for BPMN workflow integration
// and the error taxonomy of the command and query engine.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"
)

// ==========================
// 1. Standard Error Types
// ==========================

// ErrorCode represents standardized internal error codes.
type ErrorCode string

// Engine taxonomy. Every engine failure surfaces as one of these.
const (
	ErrCodeValidationFailed        ErrorCode = "VALIDATION_FAILED"
	ErrCodePermissionDenied        ErrorCode = "PERMISSION_DENIED"
	ErrCodeTargetNotFound          ErrorCode = "TARGET_NOT_FOUND"
	ErrCodeAmbiguousTarget         ErrorCode = "AMBIGUOUS_TARGET"
	ErrCodeStatePreconditionFailed ErrorCode = "STATE_PRECONDITION_FAILED"
	ErrCodeUpstreamFailure         ErrorCode = "UPSTREAM_FAILURE"
	ErrCodePlanRejected            ErrorCode = "PLAN_REJECTED"
)

// Infrastructure codes.
const (
	ErrCodeDatabaseConnectionFailed      ErrorCode = "DATABASE_CONNECTION_FAILED"
	ErrCodeQueryExecutionFailed          ErrorCode = "QUERY_EXECUTION_FAILED"
	ErrCodeQueryTimeout                  ErrorCode = "QUERY_TIMEOUT"
	ErrCodeElasticsearchConnectionFailed ErrorCode = "ELASTICSEARCH_CONNECTION_FAILED"
	ErrCodeIndexingFailed                ErrorCode = "INDEXING_FAILED"
	ErrCodeNotificationSendFailed        ErrorCode = "NOTIFICATION_SEND_FAILED"
	ErrCodeIntentParsingFailed           ErrorCode = "INTENT_PARSING_FAILED"
	ErrCodeLLMTimeout                    ErrorCode = "LLM_TIMEOUT"
	ErrCodeSessionStoreFailed            ErrorCode = "SESSION_STORE_FAILED"
	ErrCodeInvalidInput                  ErrorCode = "INVALID_INPUT"
	ErrCodeInternal                      ErrorCode = "INTERNAL_ERROR"
)

// StandardError represents a structured application error.
type StandardError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   string                 `json:"details,omitempty"`
	Retryable bool                   `json:"retryable"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

func (e *StandardError) Error() string {
	return fmt.Sprintf("StandardError[%s]: %s", e.Code, e.Message)
}

// WithMetadata returns e after setting key in its metadata.
func (e *StandardError) WithMetadata(key string, value interface{}) *StandardError {
	if e.Metadata == nil {
		e.Metadata = map[string]interface{}{}
	}
	e.Metadata[key] = value
	return e
}

// ==========================
// 2. BPMN Error Integration
// ==========================

// BPMNError represents an error that can be thrown to the Camunda workflow engine.
type BPMNError struct {
	Code           string                 `json:"code"`
	Message        string                 `json:"message"`
	Details        string                 `json:"details,omitempty"`
	Retryable      bool                   `json:"retryable"`
	Retries        int                    `json:"retries"`
	ErrorVariables map[string]interface{} `json:"errorVariables,omitempty"`
}

func (e *BPMNError) Error() string {
	return fmt.Sprintf("BPMNError[%s]: %s", e.Code, e.Message)
}

// ToErrorVariables returns a map suitable for setting Camunda job fail variables.
func (e *BPMNError) ToErrorVariables() map[string]interface{} {
	vars := map[string]interface{}{
		"errorCode":    e.Code,
		"errorMessage": e.Message,
		"errorDetails": e.Details,
		"retryable":    e.Retryable,
	}
	for k, v := range e.ErrorVariables {
		vars[k] = v
	}
	return vars
}

// ==========================
// 3. Error Constructors
// ==========================

func newError(code ErrorCode, message, details string, retryable bool) *StandardError {
	return &StandardError{
		Code:      code,
		Message:   message,
		Details:   details,
		Retryable: retryable,
		Timestamp: time.Now().UTC(),
	}
}

// NewValidationError reports a missing or malformed required parameter.
// message is shown to the user verbatim; example is a sample utterance that would work.
func NewValidationError(field, message, example string) *StandardError {
	e := newError(ErrCodeValidationFailed, message, fmt.Sprintf("field: %s", field), false)
	e.WithMetadata("field", field)
	if example != "" {
		e.WithMetadata("example", example)
	}
	return e
}

// NewPermissionError carries no detail about what the action would have done.
func NewPermissionError(role string) *StandardError {
	return newError(ErrCodePermissionDenied, "ليس لديك صلاحية لتنفيذ هذا الإجراء", fmt.Sprintf("role: %s", role), false)
}

func NewNotFoundError(entity, selector string) *StandardError {
	e := newError(ErrCodeTargetNotFound,
		fmt.Sprintf("لم يتم العثور على %s مطابق لـ \"%s\"", entity, selector),
		fmt.Sprintf("entity: %s, selector: %s", entity, selector), false)
	return e.WithMetadata("entity", entity).WithMetadata("selector", selector)
}

// NewAmbiguousTargetError lists every candidate; callers must never pick one.
func NewAmbiguousTargetError(entity, selector string, candidates []string) *StandardError {
	e := newError(ErrCodeAmbiguousTarget,
		fmt.Sprintf("يوجد أكثر من %s مطابق لـ \"%s\": %s. يرجى تحديد الاسم بالكامل", entity, selector, strings.Join(candidates, "، ")),
		fmt.Sprintf("entity: %s, selector: %s, matches: %d", entity, selector, len(candidates)), false)
	return e.WithMetadata("entity", entity).
		WithMetadata("selector", selector).
		WithMetadata("candidates", candidates)
}

func NewStatePreconditionError(message, details string) *StandardError {
	return newError(ErrCodeStatePreconditionFailed, message, details, false)
}

// NewUpstreamError wraps a data store or model failure. It is retryable once for reads.
func NewUpstreamError(service string, err error) *StandardError {
	details := ""
	if err != nil {
		details = err.Error()
	}
	e := newError(ErrCodeUpstreamFailure, "حدث خطأ في النظام، يرجى المحاولة مرة أخرى", details, true)
	return e.WithMetadata("service", service)
}

func NewPlanRejectedError(reason string) *StandardError {
	return newError(ErrCodePlanRejected, "لا يمكن تنفيذ هذا الطلب", reason, false).WithMetadata("reason", reason)
}

func NewIndexingFailedError(index string, err error) *StandardError {
	return newError(ErrCodeIndexingFailed, "Elasticsearch indexing error",
		fmt.Sprintf("index: %s, error: %s", index, err.Error()), true)
}

func NewNotificationSendFailedError(channel string, err error) *StandardError {
	return newError(ErrCodeNotificationSendFailed, "Notification delivery failed",
		fmt.Sprintf("channel: %s, error: %s", channel, err.Error()), true)
}

func NewSessionStoreFailedError(err error) *StandardError {
	return newError(ErrCodeSessionStoreFailed, "Conversation history unavailable", err.Error(), true)
}

func NewInvalidInputError(details string) *StandardError {
	return newError(ErrCodeInvalidInput, "Invalid job input", details, false)
}

func NewExternalServiceError(service string, err error) *StandardError {
	return newError("EXTERNAL_SERVICE_ERROR", fmt.Sprintf("External service '%s' error", service), err.Error(), true)
}

func NewTimeoutError(service string, err error) *StandardError {
	return newError("TIMEOUT_ERROR", fmt.Sprintf("Service '%s' timeout", service), err.Error(), true)
}

func NewResourceNotFoundError(service, details string) *StandardError {
	return newError("RESOURCE_NOT_FOUND", fmt.Sprintf("Resource not found in %s", service), details, false)
}

func NewBusinessRuleError(message, details string) *StandardError {
	return newError("BUSINESS_RULE_VIOLATION", message, details, false)
}

func NewAuthenticationError(details string) *StandardError {
	return newError("AUTHENTICATION_ERROR", "Authentication failed", details, false)
}

// ==========================
// 4. Error Conversion to BPMN
// ==========================

// BPMNErrorMapping maps internal error codes to BPMN error codes.
// Codes absent from the map are passed through unchanged.
var BPMNErrorMapping = map[ErrorCode]string{
	ErrCodeValidationFailed:        "NLCQE_VALIDATION",
	ErrCodePermissionDenied:        "NLCQE_FORBIDDEN",
	ErrCodeTargetNotFound:          "NLCQE_NOT_FOUND",
	ErrCodeAmbiguousTarget:         "NLCQE_AMBIGUOUS",
	ErrCodeStatePreconditionFailed: "NLCQE_STATE_CHANGED",
	ErrCodeUpstreamFailure:         "NLCQE_UPSTREAM",
	ErrCodePlanRejected:            "NLCQE_REJECTED",
}

// GetRetryCount returns the recommended retry count for a code.
// Engine upstream failures are retried once; mutation outcomes never.
func GetRetryCount(code ErrorCode) int {
	switch code {
	case ErrCodeDatabaseConnectionFailed,
		ErrCodeQueryExecutionFailed,
		ErrCodeElasticsearchConnectionFailed,
		ErrCodeIndexingFailed,
		ErrCodeNotificationSendFailed,
		ErrCodeSessionStoreFailed:
		return 3

	case ErrCodeQueryTimeout,
		ErrCodeIntentParsingFailed:
		return 2

	case ErrCodeUpstreamFailure,
		ErrCodeLLMTimeout:
		return 1

	default:
		return 0
	}
}

// ConvertToBPMNError converts a StandardError to a BPMNError for Camunda.
func ConvertToBPMNError(stdErr *StandardError) *BPMNError {
	bpmnCode, exists := BPMNErrorMapping[stdErr.Code]
	if !exists {
		bpmnCode = string(stdErr.Code)
	}

	retries := GetRetryCount(stdErr.Code)
	if !stdErr.Retryable {
		retries = 0
	}

	vars := map[string]interface{}{
		"originalErrorCode": string(stdErr.Code),
		"timestamp":         stdErr.Timestamp.Format(time.RFC3339),
	}
	if c, ok := stdErr.Metadata["candidates"]; ok {
		vars["candidates"] = c
	}

	return &BPMNError{
		Code:           bpmnCode,
		Message:        stdErr.Message,
		Details:        stdErr.Details,
		Retryable:      stdErr.Retryable,
		Retries:        retries,
		ErrorVariables: vars,
	}
}

// ==========================
// 5. Utility Functions
// ==========================

// AsStandard unwraps err to the first StandardError in its chain.
func AsStandard(err error) (*StandardError, bool) {
	var se *StandardError
	if stderrors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// HasCode reports whether err carries a StandardError with the given code.
func HasCode(err error, code ErrorCode) bool {
	se, ok := AsStandard(err)
	return ok && se.Code == code
}

// Normalize always yields a StandardError, wrapping foreign errors as internal.
func Normalize(err error) *StandardError {
	if se, ok := AsStandard(err); ok {
		return se
	}
	return newError(ErrCodeInternal, "Unexpected error", err.Error(), false)
}

// IsRetryableErrorCode checks if an error code is retryable.
func IsRetryableErrorCode(code ErrorCode) bool {
	return GetRetryCount(code) > 0
}

// GetErrorCategory returns the category of the error code.
func GetErrorCategory(code ErrorCode) string {
	switch code {
	case ErrCodeValidationFailed, ErrCodeInvalidInput:
		return "VALIDATION"
	case ErrCodePermissionDenied, ErrCodePlanRejected:
		return "SECURITY"
	case ErrCodeTargetNotFound, ErrCodeAmbiguousTarget, ErrCodeStatePreconditionFailed:
		return "TARGET"
	}

	codeStr := string(code)
	switch {
	case strings.Contains(codeStr, "DATABASE") || strings.Contains(codeStr, "QUERY"):
		return "DATABASE"
	case strings.Contains(codeStr, "ELASTICSEARCH") || strings.Contains(codeStr, "INDEX"):
		return "SEARCH"
	case strings.Contains(codeStr, "NOTIFICATION"):
		return "NOTIFICATION"
	case strings.Contains(codeStr, "INTENT") || strings.Contains(codeStr, "LLM"):
		return "AI"
	case strings.Contains(codeStr, "UPSTREAM") || strings.Contains(codeStr, "SESSION"):
		return "UPSTREAM"
	default:
		return "OTHER"
	}
}
