package errors

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorType represents different categories of errors.
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeIO         ErrorType = "io"
	ErrorTypeConfig     ErrorType = "config"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeAssembly   ErrorType = "assembly"
	ErrorTypeResolve    ErrorType = "resolve"
	ErrorTypeOverlay    ErrorType = "overlay"
	ErrorTypeSurface    ErrorType = "surface"
)

// Severity describes how an error affects the current generation.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
)

// String returns the string representation of the severity
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	default:
		return "unknown"
	}
}

// PreviewError is a structured error type with context.
type PreviewError struct {
	Type        ErrorType
	Code        string
	Message     string
	Cause       error
	Context     map[string]interface{}
	Path        string
	Generation  string
	Severity    Severity
	Recoverable bool
}

// Error implements the error interface.
func (e *PreviewError) Error() string {
	var parts []string

	if e.Code != "" {
		parts = append(parts, fmt.Sprintf("[%s]", e.Code))
	}

	if e.Generation != "" {
		parts = append(parts, "generation:"+e.Generation)
	}

	if e.Path != "" {
		parts = append(parts, e.Path)
	}

	parts = append(parts, e.Message)

	result := strings.Join(parts, " ")

	if e.Cause != nil {
		result += fmt.Sprintf(": %v", e.Cause)
	}

	return result
}

// Unwrap returns the underlying cause error.
func (e *PreviewError) Unwrap() error {
	return e.Cause
}

// Is implements error comparison.
func (e *PreviewError) Is(target error) bool {
	var t *PreviewError
	if errors.As(target, &t) {
		return e.Type == t.Type && e.Code == t.Code
	}

	return false
}

// WithContext adds context information to the error.
func (e *PreviewError) WithContext(key string, value interface{}) *PreviewError {
	if e.Context == nil {
		e.Context = make(map[string]interface{})
	}
	e.Context[key] = value

	return e
}

// WithPath records the virtual filesystem path the error is about.
func (e *PreviewError) WithPath(path string) *PreviewError {
	e.Path = path

	return e
}

// WithGeneration records the generation the error belongs to.
func (e *PreviewError) WithGeneration(id string) *PreviewError {
	e.Generation = id

	return e
}

// Error codes.
const (
	ErrCodeMissingEntryPoint          = "MISSING_ENTRY_POINT"
	ErrCodeUnresolvedReference        = "UNRESOLVED_REFERENCE"
	ErrCodeMalformedOverlayContent    = "MALFORMED_OVERLAY_CONTENT"
	ErrCodeMalformedSnapshotContent   = "MALFORMED_SNAPSHOT_CONTENT"
	ErrCodeSurfaceCommunicationFailed = "SURFACE_COMMUNICATION_FAILURE"
	ErrCodeSnapshotUnavailable        = "SNAPSHOT_UNAVAILABLE"
	ErrCodeOverlayUnavailable         = "OVERLAY_UNAVAILABLE"
	ErrCodeConfigInvalid              = "ERR_CONFIG_INVALID"
	ErrCodeInternalError              = "ERR_INTERNAL"
)

// Error creation functions

// NewValidationError creates a validation error.
func NewValidationError(code, message string) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeValidation,
		Code:        code,
		Message:     message,
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

// NewIOError creates an I/O error.
func NewIOError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:     ErrorTypeIO,
		Code:     code,
		Message:  message,
		Cause:    cause,
		Severity: SeverityError,
	}
}

// NewConfigError creates a configuration error.
func NewConfigError(code, message string) *PreviewError {
	return &PreviewError{
		Type:     ErrorTypeConfig,
		Code:     code,
		Message:  message,
		Severity: SeverityError,
	}
}

// NewInternalError creates an internal error.
func NewInternalError(code, message string, cause error) *PreviewError {
	return &PreviewError{
		Type:     ErrorTypeInternal,
		Code:     code,
		Message:  message,
		Cause:    cause,
		Severity: SeverityError,
	}
}

// ErrMissingEntryPoint is fatal for the generation being assembled.
func ErrMissingEntryPoint() *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeAssembly,
		Code:        ErrCodeMissingEntryPoint,
		Message:     "no index.html found in the virtual filesystem",
		Severity:    SeverityError,
		Recoverable: true,
	}
}

// ErrUnresolvedReference reports a reference that falls through to the network.
func ErrUnresolvedReference(ref string) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeResolve,
		Code:        ErrCodeUnresolvedReference,
		Message:     "reference not found in virtual filesystem: " + ref,
		Severity:    SeverityInfo,
		Recoverable: true,
	}
}

// ErrMalformedOverlayContent reports a pending edit that could not be decoded.
func ErrMalformedOverlayContent(repoPath string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeOverlay,
		Code:        ErrCodeMalformedOverlayContent,
		Message:     "pending edit dropped, content is not valid base64",
		Cause:       cause,
		Path:        repoPath,
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

// ErrMalformedSnapshotContent reports a snapshot record that could not be decoded.
func ErrMalformedSnapshotContent(path string, cause error) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeOverlay,
		Code:        ErrCodeMalformedSnapshotContent,
		Message:     "snapshot file dropped, content does not match its encoding",
		Cause:       cause,
		Path:        path,
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

// ErrSurfaceCommunication reports a generation whose load signal never arrived.
func ErrSurfaceCommunication(generation string) *PreviewError {
	return &PreviewError{
		Type:        ErrorTypeSurface,
		Code:        ErrCodeSurfaceCommunicationFailed,
		Message:     "rendering surface has not signaled load completion",
		Generation:  generation,
		Severity:    SeverityWarning,
		Recoverable: true,
	}
}

// IsRecoverable checks if an error is recoverable.
func IsRecoverable(err error) bool {
	var pe *PreviewError
	if errors.As(err, &pe) {
		return pe.Recoverable
	}

	return false
}

// HasCode reports whether err is a PreviewError carrying code.
func HasCode(err error, code string) bool {
	var pe *PreviewError
	if errors.As(err, &pe) {
		return pe.Code == code
	}

	return false
}

// ErrorHandler provides centralized error handling.
type ErrorHandler struct {
	logger   Logger
	notifier Notifier
}

// Logger interface for error logging.
type Logger interface {
	Info(ctx context.Context, msg string, fields ...interface{})
	Error(ctx context.Context, err error, msg string, fields ...interface{})
	Warn(ctx context.Context, err error, msg string, fields ...interface{})
}

// Notifier is the user-facing notification channel.
type Notifier interface {
	NotifyError(ctx context.Context, err *PreviewError) error
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, err *PreviewError) error

// NotifyError calls f.
func (f NotifierFunc) NotifyError(ctx context.Context, err *PreviewError) error {
	return f(ctx, err)
}

// NewErrorHandler creates a new error handler.
func NewErrorHandler(logger Logger, notifier Notifier) *ErrorHandler {
	return &ErrorHandler{
		logger:   logger,
		notifier: notifier,
	}
}

// Handle logs err and forwards preview errors to the notifier. It never panics
// and never stops the caller.
func (h *ErrorHandler) Handle(ctx context.Context, err error) {
	if err == nil {
		return
	}

	var pe *PreviewError
	if errors.As(err, &pe) {
		h.handlePreviewError(ctx, pe)
	} else {
		h.handleGenericError(ctx, err)
	}
}

func (h *ErrorHandler) handlePreviewError(ctx context.Context, err *PreviewError) {
	if h.logger != nil {
		fields := []interface{}{
			"type", err.Type,
			"code", err.Code,
		}
		if err.Path != "" {
			fields = append(fields, "path", err.Path)
		}
		if err.Generation != "" {
			fields = append(fields, "generation", err.Generation)
		}

		switch err.Severity {
		case SeverityError:
			h.logger.Error(ctx, err, "Preview error occurred", fields...)
		case SeverityWarning:
			h.logger.Warn(ctx, err, "Preview warning", fields...)
		default:
			h.logger.Info(ctx, err.Error(), fields...)
		}
	}

	// Unresolved references are diagnostics only.
	if err.Code == ErrCodeUnresolvedReference {
		return
	}

	if h.notifier != nil {
		if nerr := h.notifier.NotifyError(ctx, err); nerr != nil && h.logger != nil {
			h.logger.Warn(ctx, nerr, "Failed to deliver notification", "code", err.Code)
		}
	}
}

func (h *ErrorHandler) handleGenericError(ctx context.Context, err error) {
	if h.logger != nil {
		h.logger.Error(ctx, err, "Unhandled error occurred")
	}
	if h.notifier != nil {
		_ = h.notifier.NotifyError(ctx, NewInternalError(ErrCodeInternalError, "unexpected error", err))
	}
}

// As calls the standard library errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
