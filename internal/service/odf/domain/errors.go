// internal/service/odf/domain/errors.go
package domain

import (
	"errors"
	"fmt"
)

var (
	ErrLockConflict         = errors.New("odf: lock held by another order")
	ErrMissingUniqueID      = errors.New("odf: order service response has no unique id")
	ErrOrderNotFound        = errors.New("odf: order not found")
	ErrAffaireNotFound      = errors.New("odf: affaire not found")
	ErrUniqueIDAlreadySet   = errors.New("odf: unique id already set")
	ErrNoUniqueID           = errors.New("odf: order has no unique id")
	ErrOrderClosed          = errors.New("odf: order is closed")
	ErrUnknownStep          = errors.New("odf: unknown pipeline step")
	ErrNotEnoughCoupons     = errors.New("odf: not enough free coupon serials")
	ErrRemoteOrderNotFound  = errors.New("odf: remote order not found")
	ErrOrderCreationOngoing = errors.New("odf: order creation already in progress")
)

// ErrorKind 是错误的分类，决定重试策略和 HTTP 状态码
type ErrorKind string

const (
	KindValidation     ErrorKind = "validation"      // 需要上游修正订单，不重试
	KindLockConflict   ErrorKind = "lock_conflict"   // 调用方可稍后重试整个步骤
	KindExternal       ErrorKind = "external"        // 外部服务硬错误
	KindRetryExhausted ErrorKind = "retry_exhausted" // 轮询超过上限，需要人工介入
	KindFatal          ErrorKind = "fatal"           // 未预期的错误或 panic
)

// PipelineError 携带足够的结构化信息，供备忘录渲染给最终用户
type PipelineError struct {
	Kind      ErrorKind `json:"kind"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Issues    []string  `json:"issues,omitempty"`
	Raw       string    `json:"raw,omitempty"` // 外部 API 的原始响应
	Retryable bool      `json:"retryable"`

	cause error
}

func (e *PipelineError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Title, e.cause)
	}
	return fmt.Sprintf("%s: %s: %s", e.Kind, e.Title, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.cause }

func ValidationError(title string, issues []string) *PipelineError {
	return &PipelineError{
		Kind:    KindValidation,
		Title:   title,
		Message: fmt.Sprintf("%d validation issue(s)", len(issues)),
		Issues:  issues,
	}
}

func LockConflictError(err error) *PipelineError {
	return &PipelineError{
		Kind:      KindLockConflict,
		Title:     "Serial number locked",
		Message:   "another order holds one of the requested serial numbers, retry later",
		Retryable: true,
		cause:     err,
	}
}

func ExternalError(title string, err error, raw string) *PipelineError {
	return &PipelineError{
		Kind:    KindExternal,
		Title:   title,
		Message: errMessage(err),
		Raw:     raw,
		cause:   err,
	}
}

func RetryExhaustedError(title string, attempts int) *PipelineError {
	return &PipelineError{
		Kind:    KindRetryExhausted,
		Title:   title,
		Message: fmt.Sprintf("no result after %d attempts, support has to check the order", attempts),
	}
}

func FatalError(title string, err error) *PipelineError {
	return &PipelineError{
		Kind:    KindFatal,
		Title:   title,
		Message: errMessage(err),
		cause:   err,
	}
}

func errMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// RemoteError 是外部服务的硬错误，保留原始响应用于诊断
type RemoteError struct {
	API        string
	Endpoint   string
	StatusCode int
	Raw        string
	Err        error
}

func (e *RemoteError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: status %d: %v", e.API, e.Endpoint, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.API, e.Endpoint, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// AsPipelineError 把任意错误归类为 PipelineError
func AsPipelineError(err error, title string) *PipelineError {
	var perr *PipelineError
	var rerr *RemoteError
	switch {
	case errors.As(err, &perr):
		return perr
	case errors.As(err, &rerr):
		return ExternalError(title, err, rerr.Raw)
	case errors.Is(err, ErrLockConflict), errors.Is(err, ErrOrderCreationOngoing):
		return LockConflictError(err)
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrAffaireNotFound),
		errors.Is(err, ErrOrderClosed), errors.Is(err, ErrNoUniqueID), errors.Is(err, ErrNotEnoughCoupons),
		errors.Is(err, ErrUnknownStep):
		return &PipelineError{Kind: KindValidation, Title: title, Message: err.Error(), cause: err}
	case errors.Is(err, ErrMissingUniqueID), errors.Is(err, ErrRemoteOrderNotFound):
		return ExternalError(title, err, "")
	default:
		return FatalError(title, err)
	}
}
