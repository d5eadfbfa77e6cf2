package errors

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/ZanzyTHEbar/errbuilder-go"
	"github.com/gin-gonic/gin"
)

// ErrorCategory defines the type of error for proper handling
type ErrorCategory string

const (
	CategoryValidation        ErrorCategory = "validation"
	CategoryNotFound          ErrorCategory = "not_found"
	CategoryUnauthorized      ErrorCategory = "unauthorized"
	CategoryRateLimit         ErrorCategory = "rate_limit"
	CategoryInternal          ErrorCategory = "internal"
	CategoryConfiguration     ErrorCategory = "configuration"
	CategoryInsufficientData  ErrorCategory = "insufficient_data"
	CategoryMissingBaseline   ErrorCategory = "missing_baseline"
	CategoryOrderingViolation ErrorCategory = "ordering_violation"
	CategoryDegenerate        ErrorCategory = "degenerate_geometry"
)

// Domain sentinels. Match them with errors.Is; AppError implements Is so the
// sentinel survives wrapping through errbuilder.
var (
	ErrInsufficientData   = errors.New("insufficient data")
	ErrMissingBaseline    = errors.New("missing baseline metric")
	ErrOrderingViolation  = errors.New("out-of-order input")
	ErrDegenerateGeometry = errors.New("degenerate eye geometry")
	ErrSessionClosed      = errors.New("session closed")
	ErrNotFound           = errors.New("not found")
)

// AppError wraps errbuilder error with additional context
type AppError struct {
	*errbuilder.ErrBuilder
	Category   ErrorCategory `json:"category"`
	HTTPStatus int           `json:"http_status"`
	Timestamp  time.Time     `json:"timestamp"`
	RequestID  string        `json:"request_id,omitempty"`
	StackTrace string        `json:"stack_trace,omitempty"`

	kind error
}

// Error implements the error interface
func (e *AppError) Error() string {
	codeStr := "UNKNOWN_ERROR"
	switch e.Category {
	case CategoryValidation:
		codeStr = "VALIDATION_ERROR"
	case CategoryNotFound:
		codeStr = "NOT_FOUND"
	case CategoryUnauthorized:
		codeStr = "UNAUTHORIZED"
	case CategoryRateLimit:
		codeStr = "RATE_LIMIT_EXCEEDED"
	case CategoryInternal:
		codeStr = "INTERNAL_ERROR"
	case CategoryConfiguration:
		codeStr = "CONFIGURATION_ERROR"
	case CategoryInsufficientData:
		codeStr = "INSUFFICIENT_DATA"
	case CategoryMissingBaseline:
		codeStr = "MISSING_BASELINE"
	case CategoryOrderingViolation:
		codeStr = "ORDERING_VIOLATION"
	case CategoryDegenerate:
		codeStr = "DEGENERATE_GEOMETRY"
	}

	return fmt.Sprintf("[%s] %s", codeStr, e.ErrBuilder.Msg)
}

// Unwrap returns the underlying cause
func (e *AppError) Unwrap() error {
	return e.ErrBuilder.Unwrap()
}

// Is reports whether target is the domain sentinel this error was built for.
func (e *AppError) Is(target error) bool {
	return e.kind != nil && target == e.kind
}

// Kind returns the domain sentinel, or nil for transport-level errors.
func (e *AppError) Kind() error {
	return e.kind
}

// NewAppError creates an AppError from errbuilder with additional context
func NewAppError(builder *errbuilder.ErrBuilder, category ErrorCategory, httpStatus int) *AppError {
	return &AppError{
		ErrBuilder: builder,
		Category:   category,
		HTTPStatus: httpStatus,
		Timestamp:  time.Now(),
	}
}

func withDetails(builder *errbuilder.ErrBuilder, details map[string]interface{}) *errbuilder.ErrBuilder {
	if len(details) == 0 {
		return builder
	}
	errorMap := errbuilder.ErrorMap{}
	for key, value := range details {
		errorMap.Set(key, fmt.Errorf("%v", value))
	}
	return builder.WithDetails(errbuilder.NewErrDetails(errorMap))
}

func newDomainError(kind error, builder *errbuilder.ErrBuilder, category ErrorCategory, status int, message string, details map[string]interface{}) *AppError {
	builder = builder.WithMsg(message).WithCause(kind)

	appErr := NewAppError(withDetails(builder, details), category, status)
	appErr.kind = kind
	return appErr
}

// NewInsufficientDataError reports a statistic that cannot be computed yet.
func NewInsufficientDataError(message string, details map[string]interface{}) *AppError {
	return newDomainError(ErrInsufficientData, errbuilder.New().WithCode(errbuilder.CodeFailedPrecondition),
		CategoryInsufficientData, http.StatusUnprocessableEntity, message, details)
}

// NewMissingBaselineError reports a required baseline metric that was not supplied.
func NewMissingBaselineError(metric string) *AppError {
	return newDomainError(ErrMissingBaseline, errbuilder.New().WithCode(errbuilder.CodeFailedPrecondition),
		CategoryMissingBaseline, http.StatusUnprocessableEntity,
		fmt.Sprintf("baseline is missing metric %q", metric),
		map[string]interface{}{"metric": metric})
}

// NewBaselineUnavailableError reports a user with no stored baseline at all.
func NewBaselineUnavailableError(userID int64) *AppError {
	return newDomainError(ErrMissingBaseline, errbuilder.New().WithCode(errbuilder.CodeFailedPrecondition),
		CategoryMissingBaseline, http.StatusUnprocessableEntity,
		"no baseline available for user",
		map[string]interface{}{"user_id": userID})
}

// NewOrderingError reports input older than the last observed timestamp.
func NewOrderingError(subject string, got, last time.Time) *AppError {
	return newDomainError(ErrOrderingViolation, errbuilder.New().WithCode(errbuilder.CodeInvalidArgument),
		CategoryOrderingViolation, http.StatusConflict,
		fmt.Sprintf("%s timestamp precedes last observed timestamp", subject),
		map[string]interface{}{
			"timestamp": got.Format(time.RFC3339Nano),
			"last_seen": last.Format(time.RFC3339Nano),
		})
}

// NewDegenerateGeometryError reports landmarks that cannot describe an eye box.
func NewDegenerateGeometryError(message string) *AppError {
	return newDomainError(ErrDegenerateGeometry, errbuilder.New().WithCode(errbuilder.CodeInvalidArgument),
		CategoryDegenerate, http.StatusBadRequest, message, nil)
}

// NewSessionClosedError reports input sent to a session that has ended.
func NewSessionClosedError(sessionID int64) *AppError {
	return newDomainError(ErrSessionClosed, errbuilder.New().WithCode(errbuilder.CodeFailedPrecondition),
		CategoryValidation, http.StatusConflict, "session is closed",
		map[string]interface{}{"session_id": sessionID})
}

// NewNotFoundError reports an unknown resource.
func NewNotFoundError(resource string, id interface{}) *AppError {
	return newDomainError(ErrNotFound, errbuilder.New().WithCode(errbuilder.CodeNotFound),
		CategoryNotFound, http.StatusNotFound,
		fmt.Sprintf("%s not found", resource),
		map[string]interface{}{"id": id})
}

// NewValidationError creates a validation error using errbuilder
func NewValidationError(message string, details ...interface{}) *AppError {
	detailStr := ""
	if len(details) > 0 {
		detailStr = fmt.Sprintf("%v", details[0])
	}

	builder := errbuilder.New().
		WithCode(errbuilder.CodeInvalidArgument).
		WithMsg(message)

	if detailStr != "" {
		errorMap := errbuilder.ErrorMap{}
		errorMap.Set("validation_details", errors.New(detailStr))
		builder = builder.WithDetails(errbuilder.NewErrDetails(errorMap))
	}

	return NewAppError(builder, CategoryValidation, http.StatusBadRequest)
}

// NewUnauthorizedError creates an authentication error
func NewUnauthorizedError(message string, cause error) *AppError {
	builder := errbuilder.New().
		WithCode(errbuilder.CodeUnauthenticated).
		WithMsg(message)

	if cause != nil {
		builder = builder.WithCause(cause)
	}

	return NewAppError(builder, CategoryUnauthorized, http.StatusUnauthorized)
}

// NewRateLimitError creates a rate limit error using errbuilder
func NewRateLimitError(retryAfter string) *AppError {
	errorMap := errbuilder.ErrorMap{}
	errorMap.Set("retry_after", errors.New(retryAfter))

	builder := errbuilder.New().
		WithCode(errbuilder.CodeResourceExhausted).
		WithMsg("Rate limit exceeded").
		WithDetails(errbuilder.NewErrDetails(errorMap))

	return NewAppError(builder, CategoryRateLimit, http.StatusTooManyRequests)
}

// NewInternalError creates an internal server error using errbuilder
func NewInternalError(message string, cause error) *AppError {
	errorMap := errbuilder.ErrorMap{}
	errorMap.Set("internal_details", errors.New(message))

	builder := errbuilder.New().
		WithCode(errbuilder.CodeInternal).
		WithMsg("Internal server error").
		WithDetails(errbuilder.NewErrDetails(errorMap))

	if cause != nil {
		builder = builder.WithCause(cause)
	}

	appErr := NewAppError(builder, CategoryInternal, http.StatusInternalServerError)

	if gin.Mode() == gin.DebugMode || gin.Mode() == gin.TestMode {
		appErr.StackTrace = captureStackTrace()
	}

	return appErr
}

// NewConfigurationError creates a configuration error using errbuilder
func NewConfigurationError(message string, cause error) *AppError {
	errorMap := errbuilder.ErrorMap{}
	errorMap.Set("config_details", errors.New(message))

	builder := errbuilder.New().
		WithCode(errbuilder.CodeFailedPrecondition).
		WithMsg("Configuration error").
		WithDetails(errbuilder.NewErrDetails(errorMap))

	if cause != nil {
		builder = builder.WithCause(cause)
	}

	return NewAppError(builder, CategoryConfiguration, http.StatusInternalServerError)
}

// captureStackTrace captures a stack trace for debugging
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	return string(buf[:n])
}

// ErrorHandler is a Gin middleware that provides centralized error handling
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			appErr := ToAppError(c.Errors.Last().Err)
			appErr.RequestID = c.GetHeader("X-Request-ID")

			LogError(c, appErr)

			if !c.Writer.Written() {
				c.JSON(appErr.HTTPStatus, appErr.Response())
			}
		}
	}
}

// RecoveryHandler provides panic recovery with structured error responses
func RecoveryHandler() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, err interface{}) {
		appErr := NewInternalError(
			fmt.Sprintf("Panic recovered: %v", err),
			fmt.Errorf("%v", err),
		)
		appErr.StackTrace = captureStackTrace()

		LogError(c, appErr)
		c.AbortWithStatusJSON(appErr.HTTPStatus, appErr.Response())
	})
}

// Response is the JSON body rendered for an AppError.
func (e *AppError) Response() gin.H {
	body := gin.H{
		"error":     e.Error(),
		"category":  e.Category,
		"message":   e.ErrBuilder.Msg,
		"timestamp": e.Timestamp.Format(time.RFC3339),
	}
	if details := e.ErrBuilder.Details; len(details.Errors) > 0 {
		flat := make(map[string]string, len(details.Errors))
		for key, value := range details.Errors {
			flat[fmt.Sprint(key)] = fmt.Sprintf("%v", value)
		}
		body["details"] = flat
	}
	if e.RequestID != "" {
		body["request_id"] = e.RequestID
	}
	return body
}

// ToAppError converts any error to an AppError
func ToAppError(err error) *AppError {
	if err == nil {
		return nil
	}

	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr
	}

	if ebErr, ok := err.(*errbuilder.ErrBuilder); ok {
		return NewAppError(ebErr, CategoryInternal, http.StatusInternalServerError)
	}

	errMsg := err.Error()

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) ||
		strings.Contains(errMsg, "deadline exceeded") {
		return NewInternalError("Request cancelled", err)
	}

	return NewInternalError("An unexpected error occurred", err)
}

// LogError logs an error with appropriate level and context
func LogError(c *gin.Context, err *AppError) {
	logEntry := slog.With(
		"error_category", err.Category,
		"error_code", err.ErrBuilder.ErrCode(),
		"http_status", err.HTTPStatus,
		"ip", c.ClientIP(),
		"method", c.Request.Method,
		"path", c.Request.URL.Path,
		"request_id", err.RequestID,
	)

	errorMsg := err.ErrBuilder.Msg
	switch err.Category {
	case CategoryValidation, CategoryRateLimit, CategoryNotFound, CategoryUnauthorized,
		CategoryInsufficientData, CategoryOrderingViolation, CategoryDegenerate:
		if details := err.ErrBuilder.Details; len(details.Errors) > 0 {
			logEntry.Warn(errorMsg, "details", details.Errors)
		} else {
			logEntry.Warn(errorMsg)
		}
	default:
		if cause := err.ErrBuilder.Unwrap(); cause != nil {
			logEntry.Error(errorMsg, "cause", cause)
		} else {
			logEntry.Error(errorMsg)
		}
	}

	if err.StackTrace != "" && (gin.Mode() == gin.DebugMode || gin.Mode() == gin.TestMode) {
		logEntry.Debug("stack_trace", "trace", err.StackTrace)
	}
}

// IsRetryableError checks if an error should trigger a retry. Only transient
// storage contention qualifies; domain errors never succeed on retry.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "busy")
}

// WrapError wraps an error with additional context
func WrapError(err error, message string, args ...interface{}) error {
	if err == nil {
		return nil
	}

	contextMsg := fmt.Sprintf(message, args...)
	return fmt.Errorf("%s: %w", contextMsg, err)
}

// SafeClose safely closes a resource and logs any errors
func SafeClose(closer interface{ Close() error }, resourceName string) {
	if closer == nil {
		return
	}

	if err := closer.Close(); err != nil {
		slog.Warn("Failed to close resource",
			"resource", resourceName,
			"error", err)
	}
}
