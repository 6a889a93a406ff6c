// Package apperr 定义路由与结算引擎对外暴露的错误分类。
package apperr

import (
	"errors"
	"fmt"
)

// Code 为机器可读的错误类别。
type Code string

const (
	CodeUnknown             Code = "UNKNOWN"
	CodeInvalidInput        Code = "INVALID_INPUT"
	CodeNotFound            Code = "NOT_FOUND"
	CodePermissionDenied    Code = "PERMISSION_DENIED"
	CodeNoExecutionPath     Code = "NO_EXECUTION_PATH"
	CodeProviderNotFound    Code = "PROVIDER_NOT_FOUND"
	CodeDuplicateProvider   Code = "DUPLICATE_PROVIDER"
	CodeInvalidState        Code = "INVALID_STATE"
	CodeLegExecutionFailure Code = "LEG_EXECUTION_FAILURE"
	// CodeAuditRecordingFailure 仅用于日志，不会返回给调用方。
	CodeAuditRecordingFailure Code = "AUDIT_RECORDING_FAILURE"
)

// 哨兵错误，配合 errors.Is 按类别匹配。
var (
	ErrInvalidInput          = &Error{Code: CodeInvalidInput, Message: "invalid input"}
	ErrNotFound              = &Error{Code: CodeNotFound, Message: "not found"}
	ErrPermissionDenied      = &Error{Code: CodePermissionDenied, Message: "permission denied"}
	ErrNoExecutionPath       = &Error{Code: CodeNoExecutionPath, Message: "no execution path"}
	ErrProviderNotFound      = &Error{Code: CodeProviderNotFound, Message: "provider not found"}
	ErrDuplicateProvider     = &Error{Code: CodeDuplicateProvider, Message: "duplicate provider"}
	ErrInvalidState          = &Error{Code: CodeInvalidState, Message: "invalid state"}
	ErrLegExecutionFailure   = &Error{Code: CodeLegExecutionFailure, Message: "leg execution failure"}
	ErrAuditRecordingFailure = &Error{Code: CodeAuditRecordingFailure, Message: "audit recording failure"}
)

// Error 携带类别、可读原因与底层错误。
type Error struct {
	Code    Code
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is 按类别匹配。
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// New 创建指定类别的错误。
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap 创建包装底层原因的错误。
func Wrap(code Code, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf 返回错误链中第一个 *Error 的类别。
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return CodeUnknown
}

// Reason 返回面向调用方的原因描述。
func Reason(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
