// Package errors 提供统一的错误定义
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

// ErrorCode 错误码类型
type ErrorCode string

// 预定义错误码
const (
	// 通用错误 (1xxx)
	CodeSuccess            ErrorCode = "0"
	CodeUnknown            ErrorCode = "1000"
	CodeInvalidParam       ErrorCode = "1001"
	CodeNotFound           ErrorCode = "1004"
	CodeConflict           ErrorCode = "1005"
	CodeTooManyRequests    ErrorCode = "1006"
	CodeInternalError      ErrorCode = "1007"
	CodeServiceUnavailable ErrorCode = "1008"

	// 资源错误 (3xxx)
	CodePageNotFound     ErrorCode = "3001"
	CodeBlockNotFound    ErrorCode = "3002"
	CodeArtifactNotFound ErrorCode = "3003"
	CodeJobNotFound      ErrorCode = "3004"
	CodeNotYetSaved      ErrorCode = "3005"

	// 业务错误 (4xxx)
	CodeNotPersisted           ErrorCode = "4001"
	CodeReconciliationMismatch ErrorCode = "4002"
	CodeBlockLocked            ErrorCode = "4003"
	CodeBatchFailed            ErrorCode = "4004"
	CodeBatchCancelled         ErrorCode = "4005"
	CodeBatchBusy              ErrorCode = "4006"
	CodeRestoreInFlight        ErrorCode = "4007"
	CodeInvalidReference       ErrorCode = "4008"

	// 外部服务错误 (5xxx)
	CodeDatabaseError         ErrorCode = "5001"
	CodeCacheError            ErrorCode = "5002"
	CodeTransientRemote       ErrorCode = "5003"
	CodeTerminalRemote        ErrorCode = "5004"
	CodeStreamMalformedFrame  ErrorCode = "5005"
	CodeStreamNoComplete      ErrorCode = "5006"
	CodeStreamError           ErrorCode = "5007"
	CodeGenerationUnavailable ErrorCode = "5008"
)

// AppError 应用错误
type AppError struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	Detail     string    `json:"detail,omitempty"`
	HTTPStatus int       `json:"-"`
	Err        error     `json:"-"`
}

// Error 实现 error 接口
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 返回底层错误
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 按错误码比较，使 errors.Is(err, ErrNotPersisted) 可用
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// WithDetail 添加详细信息，返回副本，不修改预定义错误
func (e *AppError) WithDetail(detail string) *AppError {
	cp := *e
	cp.Detail = detail
	return &cp
}

// WithError 添加底层错误，返回副本
func (e *AppError) WithError(err error) *AppError {
	cp := *e
	cp.Err = err
	return &cp
}

// New 创建新的应用错误
func New(code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
	}
}

// Newf 创建带格式化消息的应用错误
func Newf(code ErrorCode, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包装错误
func Wrap(err error, code ErrorCode, message string) *AppError {
	return &AppError{
		Code:       code,
		Message:    message,
		HTTPStatus: codeToHTTPStatus(code),
		Err:        err,
	}
}

// codeToHTTPStatus 错误码转 HTTP 状态码
func codeToHTTPStatus(code ErrorCode) int {
	switch code {
	case CodeSuccess:
		return http.StatusOK
	case CodeInvalidParam, CodeInvalidReference:
		return http.StatusBadRequest
	case CodeNotFound, CodePageNotFound, CodeBlockNotFound, CodeArtifactNotFound, CodeJobNotFound, CodeNotYetSaved:
		return http.StatusNotFound
	case CodeConflict, CodeBlockLocked, CodeBatchBusy, CodeRestoreInFlight, CodeReconciliationMismatch:
		return http.StatusConflict
	case CodeNotPersisted:
		return http.StatusUnprocessableEntity
	case CodeTooManyRequests:
		return http.StatusTooManyRequests
	case CodeServiceUnavailable, CodeGenerationUnavailable:
		return http.StatusServiceUnavailable
	case CodeTransientRemote, CodeTerminalRemote, CodeStreamNoComplete, CodeStreamError, CodeStreamMalformedFrame:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// 预定义错误
var (
	ErrInvalidParam       = New(CodeInvalidParam, "invalid parameter")
	ErrNotFound           = New(CodeNotFound, "resource not found")
	ErrConflict           = New(CodeConflict, "resource conflict")
	ErrTooManyRequests    = New(CodeTooManyRequests, "too many requests")
	ErrInternalError      = New(CodeInternalError, "internal server error")
	ErrServiceUnavailable = New(CodeServiceUnavailable, "service unavailable")

	ErrPageNotFound     = New(CodePageNotFound, "page not found")
	ErrBlockNotFound    = New(CodeBlockNotFound, "block not found")
	ErrArtifactNotFound = New(CodeArtifactNotFound, "artifact not found in block history")
	ErrJobNotFound      = New(CodeJobNotFound, "job not found")
	ErrNotYetSaved      = New(CodeNotYetSaved, "block has not been saved yet")

	ErrNotPersisted           = New(CodeNotPersisted, "block is not persisted")
	ErrReconciliationMismatch = New(CodeReconciliationMismatch, "save response does not match request")
	ErrBlockLocked            = New(CodeBlockLocked, "block is locked by a pending batch")
	ErrBatchFailed            = New(CodeBatchFailed, "batch regeneration failed")
	ErrBatchCancelled         = New(CodeBatchCancelled, "batch regeneration cancelled")
	ErrBatchBusy              = New(CodeBatchBusy, "a batch regeneration is already running")
	ErrRestoreInFlight        = New(CodeRestoreInFlight, "restore already in flight")
	ErrInvalidReference       = New(CodeInvalidReference, "invalid style reference")

	ErrStreamMalformedFrame = New(CodeStreamMalformedFrame, "malformed stream frame")
	ErrStreamNoComplete     = New(CodeStreamNoComplete, "stream ended without completion")
)

// IsAppError 检查是否为 AppError
func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

// AsAppError 将错误转换为 AppError
func AsAppError(err error) *AppError {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr
	}
	return Wrap(err, CodeUnknown, "unknown error")
}

// HasCode 检查错误链中是否包含指定错误码
func HasCode(err error, code ErrorCode) bool {
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return false
	}
	return appErr.Code == code
}
