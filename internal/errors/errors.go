// Package errors 定义编排引擎统一的错误码。流程、协作者与 HTTP 层只按错误码
// 分支，不比较错误文本。
package errors

import (
	stdErrors "errors"
	"fmt"
	"maps"
)

// Code 表示系统内的统一错误码。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 通用错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeTimeout               Code = "TIMEOUT"
)

// 交易流程相关的错误码。
const (
	CodeBudgetRejected      Code = "BUDGET_REJECTED"
	CodeCollaboratorFailure Code = "COLLABORATOR_FAILURE"
	CodeSettlementFailed    Code = "SETTLEMENT_FAILED"
	CodeSessionNotFound     Code = "SESSION_NOT_FOUND"
	CodeSessionRejected     Code = "SESSION_REJECTED"
)

// 基础设施相关的错误码。
const (
	CodeStorageFailure Code = "STORAGE_FAILURE"
	CodePublishFailure Code = "PUBLISH_FAILURE"
)

// Attributes 是错误码的默认描述与处置方式。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var defaults = map[Code]Attributes{
	CodeUnknown:               {"unknown error", SeverityCritical, false, true},
	CodeInvalidArgument:       {"invalid argument", SeverityInfo, false, false},
	CodeNotFound:              {"resource not found", SeverityInfo, false, false},
	CodeConflict:              {"resource conflict", SeverityWarning, false, false},
	CodeInitializationFailure: {"component not initialized", SeverityWarning, true, true},
	CodeTimeout:               {"operation timed out", SeverityWarning, true, true},
	CodeBudgetRejected:        {"budget reservation rejected", SeverityWarning, false, false},
	CodeCollaboratorFailure:   {"collaborator failure", SeverityWarning, true, true},
	CodeSettlementFailed:      {"settlement failed", SeverityCritical, false, true},
	CodeSessionNotFound:       {"session not found", SeverityInfo, false, false},
	CodeSessionRejected:       {"session rejected", SeverityInfo, false, false},
	CodeStorageFailure:        {"storage failure", SeverityCritical, true, true},
	CodePublishFailure:        {"event publish failure", SeverityWarning, true, false},
}

// Describe 返回错误码的默认属性，未知错误码按 UNKNOWN 处理。
func Describe(code Code) Attributes {
	if attr, ok := defaults[code]; ok {
		return attr
	}
	return defaults[CodeUnknown]
}

// Error 携带错误码、面向用户的描述以及可选的上下文字段。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
}

// Option 定义可选配置。
type Option func(*Error)

// WithMetadata 附加额外信息，例如 run_id、stage。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// New 创建错误，message 为空时取错误码的默认描述。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = Describe(code).Message
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Wrap 与 New 相同，但保留底层原因供 errors.Is / errors.As 使用。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	switch {
	case e == nil:
		return ""
	case e.cause == nil:
		return fmt.Sprintf("[%s] %s", e.code, e.message)
	default:
		return fmt.Sprintf("[%s] %s: %v", e.code, e.message, e.cause)
	}
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Code 返回错误码。
func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 返回不含 cause 的描述。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加字段的副本。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

// From 取出错误链中最外层的 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err != nil && stdErrors.As(err, &target) {
		return target, true
	}
	return nil, false
}

// CodeOf 返回最外层统一错误的错误码。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// HasCode 沿错误链查找指定错误码，包括被 fmt.Errorf 或 errors.Join 包裹的情况。
func HasCode(err error, code Code) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.code == code {
			return true
		}
		switch u := err.(type) {
		case interface{ Unwrap() []error }:
			for _, inner := range u.Unwrap() {
				if HasCode(inner, code) {
					return true
				}
			}
			return false
		case interface{ Unwrap() error }:
			err = u.Unwrap()
		default:
			return false
		}
	}
	return false
}

// IsRetryable 判断错误码是否允许重试，非统一错误一律视为不可重试。
func IsRetryable(err error) bool {
	e, ok := From(err)
	return ok && Describe(e.code).Retryable
}

// UserMessage 返回适合展示给观察者的描述，不带错误码前缀。
func UserMessage(err error) string {
	e, ok := From(err)
	switch {
	case err == nil:
		return ""
	case !ok:
		return err.Error()
	case e.cause != nil:
		return e.message + ": " + e.cause.Error()
	default:
		return e.message
	}
}

// ShouldAlert 判断是否需要触发告警，未归类的错误总会告警。
func ShouldAlert(err error) bool {
	if err == nil {
		return false
	}
	e, ok := From(err)
	if !ok {
		return true
	}
	return Describe(e.code).Alert
}

// SeverityOf 返回错误严重程度。
func SeverityOf(err error) Severity {
	e, _ := From(err)
	return Describe(e.Code()).Severity
}
