// Package core предоставляет систему кодированных ошибок сервиса.
package core

import (
	"fmt"
	"runtime"
	"strings"
)

// Коды ошибок сервиса
const (
	ErrNotFound        = "NOT_FOUND"
	ErrAlreadyExists   = "ALREADY_EXISTS"
	ErrVersionConflict = "VERSION_CONFLICT"
	ErrDecodeFailed    = "DECODE_FAILED"
	ErrInvalidConfig   = "INVALID_CONFIG"
	ErrInvalidInput    = "INVALID_INPUT"
	ErrSagaTerminal    = "SAGA_TERMINAL"
	ErrStorage         = "STORAGE_FAILURE"
	ErrSerialization   = "SERIALIZATION_FAILURE"
)

// ServiceError базовый тип ошибки сервиса
type ServiceError struct {
	Code       string
	Message    string
	Cause      error
	StackTrace string
}

// Error реализует интерфейс error
func (e *ServiceError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap возвращает причину ошибки
func (e *ServiceError) Unwrap() error {
	return e.Cause
}

// Is проверяет, соответствует ли ошибка коду
func (e *ServiceError) Is(target error) bool {
	if t, ok := target.(*ServiceError); ok {
		return e.Code == t.Code
	}
	return false
}

// NewError создает новую ошибку сервиса
func NewError(code, message string) *ServiceError {
	return &ServiceError{
		Code:       code,
		Message:    message,
		StackTrace: captureStackTrace(),
	}
}

// Wrap оборачивает существующую ошибку
func Wrap(err error, code, message string) *ServiceError {
	if err == nil {
		return nil
	}
	return &ServiceError{
		Code:       code,
		Message:    message,
		Cause:      err,
		StackTrace: captureStackTrace(),
	}
}

// HasCode проверяет наличие кода у ошибки (включая обернутые причины)
func HasCode(err error, code string) bool {
	for err != nil {
		if se, ok := err.(*ServiceError); ok && se.Code == code {
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// captureStackTrace захватывает stack trace
func captureStackTrace() string {
	buf := make([]byte, 4096)
	n := runtime.Stack(buf, false)
	stack := string(buf[:n])

	// Убираем первые несколько строк (сама функция captureStackTrace)
	lines := strings.Split(stack, "\n")
	if len(lines) > 4 {
		lines = lines[4:]
	}
	return strings.Join(lines, "\n")
}
