// Package errors 提供大廳服務的錯誤分類
//
// 錯誤碼對應處理策略：
//   - VALIDATION：參數缺失或格式錯誤，在取鎖之前同步拒絕
//   - LOCK_UNAVAILABLE：鎖等待逾時，回報客戶端稍後重試，伺服器不自動重試
//   - NOT_FOUND：引用的使用者/房間/冒險不存在，狀態不變
//   - HOST_UNAVAILABLE：沒有可用的 autohost，對局不會建立
//   - INTERNAL：序列化或儲存失敗，以空結果回報，不讓 worker 崩潰
package errors

import (
	"errors"
	"fmt"
)

// 錯誤碼
const (
	ErrCodeValidation      = "VALIDATION"
	ErrCodeLockUnavailable = "LOCK_UNAVAILABLE"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeHostUnavailable = "HOST_UNAVAILABLE"
	ErrCodeInternal        = "INTERNAL_ERROR"
	ErrCodeUnauthenticated = "UNAUTHENTICATED"
	ErrCodeForbidden       = "FORBIDDEN"
	ErrCodeConflict        = "CONFLICT"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓 errors.Is(err, ErrLockUnavailable) 對任何同碼錯誤成立
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Newf 以格式化訊息創建錯誤
func Newf(code, format string, args ...any) *AppError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳附帶詳細資訊的副本，不修改預定義錯誤
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	ErrLockUnavailable = New(ErrCodeLockUnavailable, "resource is locked, try again")
	ErrNotFound        = New(ErrCodeNotFound, "not found")
	ErrHostUnavailable = New(ErrCodeHostUnavailable, "no autohost available")
	ErrInternal        = New(ErrCodeInternal, "internal error")
	ErrUnauthenticated = New(ErrCodeUnauthenticated, "login required")
)

// CodeOf 取出錯誤碼；非 AppError 一律視為內部錯誤
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// MessageOf 取出可回給客戶端的訊息，內部錯誤不外洩細節
func MessageOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		if appErr.Details != "" {
			return appErr.Message + ": " + appErr.Details
		}
		return appErr.Message
	}
	return ErrInternal.Message
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}

// IsLockUnavailable 檢查是否為鎖不可用錯誤
func IsLockUnavailable(err error) bool {
	return CodeOf(err) == ErrCodeLockUnavailable
}

// IsValidation 檢查是否為參數錯誤
func IsValidation(err error) bool {
	return CodeOf(err) == ErrCodeValidation
}

// IsHostUnavailable 檢查是否為 autohost 不可用錯誤
func IsHostUnavailable(err error) bool {
	return CodeOf(err) == ErrCodeHostUnavailable
}
