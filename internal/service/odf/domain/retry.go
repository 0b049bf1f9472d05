// internal/service/odf/domain/retry.go
package domain

import (
	"encoding/json"
	"time"
)

// RetryPolicy 是有界轮询的状态，保存在请求信封中而不是进程里。
// Attempt 从 1 开始。
type RetryPolicy struct {
	Attempt     int
	MaxAttempts int
	Backoff     time.Duration
}

// NewRetryPolicy 规范化调用方传入的 attempt
func NewRetryPolicy(attempt, maxAttempts int, backoff time.Duration) RetryPolicy {
	if attempt < 1 {
		attempt = 1
	}
	return RetryPolicy{Attempt: attempt, MaxAttempts: maxAttempts, Backoff: backoff}
}

// Last 表示本次是最后一次允许的尝试
func (p RetryPolicy) Last() bool {
	return p.Attempt >= p.MaxAttempts
}

// Exceeded 表示已经超过上限，不应再调用
func (p RetryPolicy) Exceeded() bool {
	return p.Attempt > p.MaxAttempts
}

// Next 返回下一次尝试的策略
func (p RetryPolicy) Next() RetryPolicy {
	p.Attempt++
	return p
}

func (p RetryPolicy) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Attempt     int   `json:"attempt"`
		MaxAttempts int   `json:"maxAttempts"`
		BackoffMs   int64 `json:"backoffMs"`
	}{p.Attempt, p.MaxAttempts, p.Backoff.Milliseconds()})
}
