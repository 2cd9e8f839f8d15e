package errors

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// ErrorCode identifies a class of application error
type ErrorCode string

const (
	// Generic errors
	ErrCodeInternal   ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidation ErrorCode = "VALIDATION_ERROR"
	ErrCodeNotFound   ErrorCode = "NOT_FOUND"
	ErrCodeForbidden  ErrorCode = "FORBIDDEN"
	ErrCodeConflict   ErrorCode = "CONFLICT"

	// User errors
	ErrCodeUserNotFound    ErrorCode = "USER_NOT_FOUND"
	ErrCodeInvalidUsername ErrorCode = "INVALID_USERNAME"
	ErrCodeAlreadyLinked   ErrorCode = "ALREADY_LINKED"
	ErrCodeNotLinked       ErrorCode = "NOT_LINKED"

	// Workflow errors
	ErrCodeAlreadyPending   ErrorCode = "ALREADY_PENDING"
	ErrCodeAlreadyProcessed ErrorCode = "ALREADY_PROCESSED"
	ErrCodeNoAdmins         ErrorCode = "NO_ADMINS"

	// Subscription errors
	ErrCodeInvalidDuration ErrorCode = "INVALID_DURATION"
	ErrCodeUnknownPlan     ErrorCode = "UNKNOWN_PLAN"

	// External collaborators
	ErrCodeMediaServer ErrorCode = "MEDIA_SERVER_ERROR"
	ErrCodeTelegramAPI ErrorCode = "TELEGRAM_API_ERROR"
	ErrCodeStorage     ErrorCode = "STORAGE_ERROR"
)

// AppError is a typed application error
type AppError struct {
	Code      ErrorCode              `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Stack     []string               `json:"stack,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Cause     error                  `json:"-"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// IsConflict reports whether the error is an expected concurrent-use outcome
// rather than a bug: a duplicate request, a decision that already happened,
// an account that is already linked.
func (e *AppError) IsConflict() bool {
	return e.Code == ErrCodeConflict ||
		e.Code == ErrCodeAlreadyPending ||
		e.Code == ErrCodeAlreadyProcessed ||
		e.Code == ErrCodeAlreadyLinked
}

// IsValidation reports whether the error is an input-validation error
func (e *AppError) IsValidation() bool {
	return e.Code == ErrCodeValidation ||
		e.Code == ErrCodeInvalidUsername ||
		e.Code == ErrCodeInvalidDuration ||
		e.Code == ErrCodeUnknownPlan
}

// IsExternal reports whether the error came from an external collaborator
func (e *AppError) IsExternal() bool {
	return e.Code == ErrCodeMediaServer ||
		e.Code == ErrCodeTelegramAPI ||
		e.Code == ErrCodeStorage
}

// WithDetail attaches detail information to the error
func (e *AppError) WithDetail(key string, value interface{}) *AppError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New creates a new application error
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
		Stack:     getStackTrace(),
	}
}

// Wrap wraps an existing error
func Wrap(err error, code ErrorCode, message string) *AppError {
	appErr := New(code, message)
	appErr.Cause = err
	return appErr
}

// Wrapf wraps an existing error with a formatted message
func Wrapf(err error, code ErrorCode, format string, args ...interface{}) *AppError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

func getStackTrace() []string {
	var stack []string
	for i := 2; ; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}
		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}
		if strings.Contains(fn.Name(), "internal/common/errors") {
			continue
		}
		stack = append(stack, fmt.Sprintf("%s:%d %s", file, line, fn.Name()))
		if len(stack) >= 10 {
			break
		}
	}
	return stack
}

// Constructors for the common cases

func NewValidationError(field, reason string) *AppError {
	return New(ErrCodeValidation, fmt.Sprintf("Validation failed for field '%s': %s", field, reason)).
		WithDetail("field", field).
		WithDetail("reason", reason)
}

func NewUserNotFoundError(id string) *AppError {
	return New(ErrCodeUserNotFound, fmt.Sprintf("User not found: %s", id)).
		WithDetail("user_id", id)
}

func NewAlreadyPendingError(chatID int64) *AppError {
	return New(ErrCodeAlreadyPending, "A request for this chat is already pending").
		WithDetail("chat_id", chatID)
}

func NewAlreadyProcessedError(requestKey string) *AppError {
	return New(ErrCodeAlreadyProcessed, "Request already processed by another admin").
		WithDetail("request_key", requestKey)
}

func NewMediaServerError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeMediaServer, fmt.Sprintf("Media server operation failed: %s", operation)).
		WithDetail("operation", operation)
}

func NewTelegramAPIError(operation string, err error) *AppError {
	return Wrap(err, ErrCodeTelegramAPI, fmt.Sprintf("Telegram API operation failed: %s", operation)).
		WithDetail("operation", operation)
}

func NewStorageError(document string, err error) *AppError {
	return Wrap(err, ErrCodeStorage, fmt.Sprintf("Failed to persist document: %s", document)).
		WithDetail("document", document)
}

// IsAppError reports whether err is an AppError
func IsAppError(err error) bool {
	_, ok := err.(*AppError)
	return ok
}

// AsAppError converts err to an AppError when possible
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if err != nil {
		appErr, _ = err.(*AppError)
	}
	return appErr, appErr != nil
}

// CodeOf returns the error code of err, or ErrCodeInternal for plain errors
func CodeOf(err error) ErrorCode {
	if appErr, ok := AsAppError(err); ok {
		return appErr.Code
	}
	return ErrCodeInternal
}
